// Package blacklist loads the proxy's host blacklist from a TOML document
// and exposes it as a read-only set, loaded at startup and treated as
// immutable input by the rest of the proxy.
package blacklist

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// Set is a read-only, case-sensitive host membership set.
type Set struct {
	hosts map[string]struct{}
}

// Empty returns a Set that blocks nothing, used when blacklist_on is false.
func Empty() *Set {
	return &Set{}
}

// Contains reports whether host is present, using an exact, case-sensitive
// string compare against the hosts as loaded.
func (s *Set) Contains(host string) bool {
	if s == nil {
		return false
	}
	_, ok := s.hosts[host]
	return ok
}

type document struct {
	Hosts []string `toml:"hosts"`
}

// Load reads path and builds a Set from its `hosts` array.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blacklist: read %s: %w", path, err)
	}

	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("blacklist: parse %s: %w", path, err)
	}

	s := &Set{hosts: make(map[string]struct{}, len(doc.Hosts))}
	for _, h := range doc.Hosts {
		s.hosts[h] = struct{}{}
	}
	return s, nil
}
