// Package config loads a replica process's operational parameters from a
// YAML file, falling back to spec-mandated defaults for any field left
// unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a single replica process's configuration.
type Config struct {
	N              int           `yaml:"n"`
	FailureProb    float64       `yaml:"failureProb"`
	OverloadProb   float64       `yaml:"overloadProb"`
	GossipInterval time.Duration `yaml:"gossipInterval"`
	EnableTrim     bool          `yaml:"enableTrim"`
	DataDir        string        `yaml:"dataDir"`
	DirectoryAddr  string        `yaml:"directoryAddr"`
	ListenAddr     string        `yaml:"listenAddr"`
	MetricsAddr    string        `yaml:"metricsAddr"`
}

// Default returns gossipkv's baseline configuration: N=3, failureProb=0.10,
// overloadProb=0.20, gossipInterval=8s, trim enabled.
func Default() Config {
	return Config{
		N:              3,
		FailureProb:    0.10,
		OverloadProb:   0.20,
		GossipInterval: 8 * time.Second,
		EnableTrim:     true,
		DataDir:        "./data",
		DirectoryAddr:  "127.0.0.1:9000",
		ListenAddr:     "127.0.0.1:0",
		MetricsAddr:    "127.0.0.1:0",
	}
}

// Load reads path and overlays it onto Default(); a missing file is not an
// error, it just means every field keeps its default. Zero-valued fields in
// the file (the YAML key absent) are left at their Default() value rather
// than zeroed, so a config file only needs to name what it overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var overlay struct {
		N              *int     `yaml:"n"`
		FailureProb    *float64 `yaml:"failureProb"`
		OverloadProb   *float64 `yaml:"overloadProb"`
		GossipInterval *string  `yaml:"gossipInterval"`
		EnableTrim     *bool    `yaml:"enableTrim"`
		DataDir        *string  `yaml:"dataDir"`
		DirectoryAddr  *string  `yaml:"directoryAddr"`
		ListenAddr     *string  `yaml:"listenAddr"`
		MetricsAddr    *string  `yaml:"metricsAddr"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if overlay.N != nil {
		cfg.N = *overlay.N
	}
	if overlay.FailureProb != nil {
		cfg.FailureProb = *overlay.FailureProb
	}
	if overlay.OverloadProb != nil {
		cfg.OverloadProb = *overlay.OverloadProb
	}
	if overlay.GossipInterval != nil {
		d, err := time.ParseDuration(*overlay.GossipInterval)
		if err != nil {
			return Config{}, fmt.Errorf("config: gossipInterval %q: %w", *overlay.GossipInterval, err)
		}
		cfg.GossipInterval = d
	}
	if overlay.EnableTrim != nil {
		cfg.EnableTrim = *overlay.EnableTrim
	}
	if overlay.DataDir != nil {
		cfg.DataDir = *overlay.DataDir
	}
	if overlay.DirectoryAddr != nil {
		cfg.DirectoryAddr = *overlay.DirectoryAddr
	}
	if overlay.ListenAddr != nil {
		cfg.ListenAddr = *overlay.ListenAddr
	}
	if overlay.MetricsAddr != nil {
		cfg.MetricsAddr = *overlay.MetricsAddr
	}
	return cfg, nil
}
