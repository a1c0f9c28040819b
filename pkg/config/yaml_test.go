package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromYAMLBasicFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	doc := `
socks_port: 9150
dns_port: 9153
cache_dir: /tmp/tor-cache
state_dir: /tmp/tor-state
bridges:
  - "1.2.3.4:443"
watch_configuration: true
address_filter:
  allow_local_addrs: true
logging:
  console: debug
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatalf("failed to write yaml config: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadFromYAML(path, cfg); err != nil {
		t.Fatalf("LoadFromYAML failed: %v", err)
	}

	if cfg.SocksPort != 9150 {
		t.Errorf("SocksPort = %d, want 9150", cfg.SocksPort)
	}
	if cfg.DNSPort != 9153 {
		t.Errorf("DNSPort = %d, want 9153", cfg.DNSPort)
	}
	if cfg.CacheDirectory != "/tmp/tor-cache" {
		t.Errorf("CacheDirectory = %q, want /tmp/tor-cache", cfg.CacheDirectory)
	}
	if !cfg.UseBridges || len(cfg.BridgeAddresses) != 1 {
		t.Errorf("expected one bridge address and UseBridges=true, got %v / %v", cfg.BridgeAddresses, cfg.UseBridges)
	}
	if !cfg.WatchConfiguration {
		t.Error("expected WatchConfiguration=true")
	}
	if !cfg.AllowLocalAddrs {
		t.Error("expected AllowLocalAddrs=true")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadFromYAMLRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("socks_port: 99999\n"), 0600); err != nil {
		t.Fatalf("failed to write yaml config: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadFromYAML(path, cfg); err == nil {
		t.Error("expected validation error for out-of-range socks_port")
	}
}

func TestSaveAndLoadYAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.SocksPort = 9999
	cfg.LogLevel = "warn"

	if err := SaveToYAML(path, cfg); err != nil {
		t.Fatalf("SaveToYAML failed: %v", err)
	}

	loaded := DefaultConfig()
	if err := LoadFromYAML(path, loaded); err != nil {
		t.Fatalf("LoadFromYAML failed: %v", err)
	}
	if loaded.SocksPort != 9999 {
		t.Errorf("SocksPort = %d, want 9999", loaded.SocksPort)
	}
	if loaded.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", loaded.LogLevel)
	}
}

func TestLoadDispatchesByExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("socks_port: 9200\n"), 0600); err != nil {
		t.Fatalf("failed to write yaml config: %v", err)
	}
	cfg := DefaultConfig()
	if err := Load(yamlPath, cfg); err != nil {
		t.Fatalf("Load(yaml) failed: %v", err)
	}
	if cfg.SocksPort != 9200 {
		t.Errorf("SocksPort = %d, want 9200", cfg.SocksPort)
	}

	torrcPath := filepath.Join(dir, "torrc")
	if err := os.WriteFile(torrcPath, []byte("SocksPort 9201\n"), 0600); err != nil {
		t.Fatalf("failed to write torrc config: %v", err)
	}
	cfg2 := DefaultConfig()
	if err := Load(torrcPath, cfg2); err != nil {
		t.Fatalf("Load(torrc) failed: %v", err)
	}
	if cfg2.SocksPort != 9201 {
		t.Errorf("SocksPort = %d, want 9201", cfg2.SocksPort)
	}
}
