package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be created: %v", err)
	}

	// Loading again must reproduce the same defaults from the written file.
	cfg2, err := Load(path)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if cfg2 != DefaultConfig() {
		t.Fatalf("expected defaults on reload, got %+v", cfg2)
	}
}

func TestLoadInvalidValueRevertsWholeConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.toml")

	// port is valid but max_connections is not: the whole document must
	// revert, not just the bad field.
	doc := `
[listener]
host = "127.0.0.1"
port = 9999
max_connections = 0

[limiter]
max_bandwidth_per_sec = 1000
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("expected full revert to defaults, got %+v", cfg)
	}
}

func TestLoadValidOverridesApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.toml")

	doc := `
[listener]
host = "127.0.0.1"
port = 9999
max_connections = 10

[limiter]
max_bandwidth_per_sec = 1000

[timeout]
timeout_milliseconds = 500

[logging]
log_on = true
log_file_name = "custom.log"
log_file_size_bytes = 1024

[blacklist]
blacklist_on = true
blacklisted_hosts_file_name = "bad.toml"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listener.Port != 9999 || cfg.Listener.Host != "127.0.0.1" {
		t.Fatalf("expected overrides to apply, got %+v", cfg.Listener)
	}
	if cfg.Limiter.MaxBandwidthPerSec != 1000 {
		t.Fatalf("expected limiter override, got %+v", cfg.Limiter)
	}
	if cfg.Addr() != "127.0.0.1:9999" {
		t.Fatalf("unexpected Addr(): %s", cfg.Addr())
	}
}

func TestLoadMalformedTOMLReverts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.toml")

	if err := os.WriteFile(path, []byte("this is not [valid toml"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("expected defaults on malformed TOML, got %+v", cfg)
	}
}
