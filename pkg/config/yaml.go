package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// yamlDoc mirrors the on-disk shape of spec.md §6's recognized option set:
// socks_port, dns_port, cache_dir, state_dir, address_filter.allow_local_addrs,
// logging.console, bridges, watch_configuration. Nested groups (AddressFilter,
// Logging) keep the dotted names readable as YAML mappings rather than a flat
// key list.
type yamlDoc struct {
	SocksPort          int              `yaml:"socks_port"`
	DNSPort            int              `yaml:"dns_port"`
	ControlPort        int              `yaml:"control_port"`
	CacheDir           string           `yaml:"cache_dir"`
	StateDir           string           `yaml:"state_dir"`
	DataDir            string           `yaml:"data_dir"`
	Bridges            []string         `yaml:"bridges"`
	WatchConfiguration bool             `yaml:"watch_configuration"`
	AddressFilter      yamlAddressGroup `yaml:"address_filter"`
	Logging            yamlLoggingGroup `yaml:"logging"`

	CircuitBuildTimeout string `yaml:"circuit_build_timeout"`
	MaxCircuitDirtiness string `yaml:"max_circuit_dirtiness"`
	NumEntryGuards      int    `yaml:"num_entry_guards"`
}

type yamlAddressGroup struct {
	AllowLocalAddrs bool `yaml:"allow_local_addrs"`
}

type yamlLoggingGroup struct {
	Console string `yaml:"console"`
}

// LoadFromYAML loads configuration from a YAML file using the option set
// spec.md §6 names, superseding the torrc-line format for files ending in
// .yaml/.yml. Fields absent from the document (or set to zero or an empty
// string) keep cfg's existing (default) values, so callers should pass a cfg
// already populated by DefaultConfig. The two booleans watch_configuration
// and address_filter.allow_local_addrs are always taken from the document;
// when absent they are set to false.
func LoadFromYAML(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return fmt.Errorf("failed to read yaml config file: %w", err)
	}

	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse yaml config: %w", err)
	}

	applyYAMLDoc(&doc, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyYAMLDoc(doc *yamlDoc, cfg *Config) {
	if doc.SocksPort != 0 {
		cfg.SocksPort = doc.SocksPort
	}
	if doc.DNSPort != 0 {
		cfg.DNSPort = doc.DNSPort
	}
	if doc.ControlPort != 0 {
		cfg.ControlPort = doc.ControlPort
	}
	if doc.CacheDir != "" {
		cfg.CacheDirectory = doc.CacheDir
	}
	if doc.StateDir != "" {
		cfg.StateDirectory = doc.StateDir
	}
	if doc.DataDir != "" {
		cfg.DataDirectory = doc.DataDir
	}
	if len(doc.Bridges) > 0 {
		cfg.BridgeAddresses = doc.Bridges
		cfg.UseBridges = true
	}
	cfg.WatchConfiguration = doc.WatchConfiguration
	cfg.AllowLocalAddrs = doc.AddressFilter.AllowLocalAddrs
	if doc.Logging.Console != "" {
		cfg.LogLevel = doc.Logging.Console
	}
	if doc.NumEntryGuards != 0 {
		cfg.NumEntryGuards = doc.NumEntryGuards
	}
	if doc.CircuitBuildTimeout != "" {
		if d, err := parseDuration(doc.CircuitBuildTimeout); err == nil {
			cfg.CircuitBuildTimeout = d
		}
	}
	if doc.MaxCircuitDirtiness != "" {
		if d, err := parseDuration(doc.MaxCircuitDirtiness); err == nil {
			cfg.MaxCircuitDirtiness = d
		}
	}
}

// SaveToYAML writes cfg out in the spec.md §6 YAML shape, the counterpart
// to LoadFromYAML.
func SaveToYAML(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	doc := yamlDoc{
		SocksPort:           cfg.SocksPort,
		DNSPort:             cfg.DNSPort,
		ControlPort:         cfg.ControlPort,
		CacheDir:            cfg.CacheDirectory,
		StateDir:            cfg.StateDirectory,
		DataDir:             cfg.DataDirectory,
		Bridges:             cfg.BridgeAddresses,
		WatchConfiguration:  cfg.WatchConfiguration,
		AddressFilter:       yamlAddressGroup{AllowLocalAddrs: cfg.AllowLocalAddrs},
		Logging:             yamlLoggingGroup{Console: cfg.LogLevel},
		CircuitBuildTimeout: formatDuration(cfg.CircuitBuildTimeout),
		MaxCircuitDirtiness: formatDuration(cfg.MaxCircuitDirtiness),
		NumEntryGuards:      cfg.NumEntryGuards,
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to marshal yaml config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
