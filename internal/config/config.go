// Package config loads and validates the proxy's TOML configuration: a
// Config of sub-structs, a DefaultConfig constructor, and a Load that
// never returns a partially-applied configuration: any invalid value
// reverts the whole document to defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"
)

// Listener configures the accepting socket.
type Listener struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	MaxConnections int    `toml:"max_connections"`
}

// Timeout configures the idle watchdog.
type Timeout struct {
	Milliseconds int `toml:"timeout_milliseconds"`
}

// Duration returns the configured timeout as a time.Duration.
func (t Timeout) Duration() time.Duration {
	return time.Duration(t.Milliseconds) * time.Millisecond
}

// Logging configures the proxy's own logger.
type Logging struct {
	On            bool   `toml:"log_on"`
	FileName      string `toml:"log_file_name"`
	FileSizeBytes int64  `toml:"log_file_size_bytes"`
}

// Limiter configures the per-IP token bucket.
type Limiter struct {
	MaxBandwidthPerSec int64 `toml:"max_bandwidth_per_sec"`
}

// Blacklist configures host blocking.
type Blacklist struct {
	On       bool   `toml:"blacklist_on"`
	FileName string `toml:"blacklisted_hosts_file_name"`
}

// Config is the proxy's full configuration.
type Config struct {
	Listener  Listener  `toml:"listener"`
	Timeout   Timeout   `toml:"timeout"`
	Logging   Logging   `toml:"logging"`
	Limiter   Limiter   `toml:"limiter"`
	Blacklist Blacklist `toml:"blacklist"`
}

// DefaultConfig returns the configuration used when no file is present
// or the loaded file fails validation.
func DefaultConfig() Config {
	return Config{
		Listener: Listener{
			Host:           "0.0.0.0",
			Port:           12345,
			MaxConnections: 256,
		},
		Timeout: Timeout{
			Milliseconds: 10000,
		},
		Logging: Logging{
			On:            false,
			FileName:      "proxy.log",
			FileSizeBytes: 16 * 1024 * 1024,
		},
		Limiter: Limiter{
			MaxBandwidthPerSec: 2 * 1024 * 1024,
		},
		Blacklist: Blacklist{
			On:       false,
			FileName: "blacklisted_hosts.toml",
		},
	}
}

// Validate reports the first invalid field it finds.
func (c Config) Validate() error {
	if c.Listener.MaxConnections < 1 {
		return fmt.Errorf("config: max_connections must be >= 1")
	}
	if c.Timeout.Milliseconds < 1 || c.Timeout.Milliseconds > 600000 {
		return fmt.Errorf("config: timeout_milliseconds must be in 1..600000")
	}
	if c.Listener.Host == "" {
		return fmt.Errorf("config: host must not be empty")
	}
	if c.Listener.Port < 1 {
		return fmt.Errorf("config: port must be >= 1")
	}
	if c.Logging.FileName == "" {
		return fmt.Errorf("config: log_file_name must not be empty")
	}
	if c.Logging.FileSizeBytes < 1 {
		return fmt.Errorf("config: log_file_size_bytes must be >= 1")
	}
	if c.Limiter.MaxBandwidthPerSec < 1 {
		return fmt.Errorf("config: max_bandwidth_per_sec must be >= 1")
	}
	return nil
}

// Load reads path, validates it, and returns DefaultConfig() unchanged
// whenever the file is malformed or fails validation; there is no
// partial application of a bad document. A missing file is created with
// serialized defaults.
func Load(path string) (Config, error) {
	def := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if werr := writeDefault(path, def); werr != nil {
			return def, werr
		}
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("config: read %s: %w", path, err)
	}

	loaded := def
	if err := toml.Unmarshal(data, &loaded); err != nil {
		return def, nil // malformed TOML: silently revert to defaults
	}
	if err := loaded.Validate(); err != nil {
		return def, nil
	}
	return loaded, nil
}

func writeDefault(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory for %s: %w", path, err)
		}
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal defaults: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write default config %s: %w", path, err)
	}
	return nil
}

// Addr returns the listener's bind address in host:port form.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Listener.Host, c.Listener.Port)
}
