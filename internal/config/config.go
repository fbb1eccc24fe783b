// ============================================================================
// Config — YAML Configuration Loading
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Maps a YAML config file (gopkg.in/yaml.v3) onto the settings a
// queue process needs: store connection, per-type worker pool sizes, the
// promoter tick interval, and metrics.
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	Store struct {
		Backend string `yaml:"backend"` // "redis" or "memory"
		Addr    string `yaml:"addr"`
		Prefix  string `yaml:"prefix"`
		// SnapshotPath is only used by the memory backend, for atomic
		// durability snapshots (internal/store/snapshot.go).
		SnapshotPath string `yaml:"snapshot_path"`
	} `yaml:"store"`

	Workers map[string]int `yaml:"workers"` // job type -> pool size

	Promoter struct {
		IntervalMs int64 `yaml:"interval_ms"`
	} `yaml:"promoter"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Default returns sane defaults for standalone/dev use.
func Default() *Config {
	cfg := &Config{}
	cfg.Store.Backend = "memory"
	cfg.Store.Prefix = "jobqueue"
	cfg.Promoter.IntervalMs = 5000
	cfg.Metrics.Port = 9090
	return cfg
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	return cfg, nil
}

// PromoterInterval returns the configured promoter tick interval.
func (c *Config) PromoterInterval() time.Duration {
	return time.Duration(c.Promoter.IntervalMs) * time.Millisecond
}
