// Package model defines the data structures shared by the scull daemon, its
// transport and the control client: configuration and task snapshots.
package model

import (
	"fmt"
	"strings"
)

// DefaultQuantum is the fixed value Reset restores.
const DefaultQuantum = 4000

type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Registry RegistryConfig `yaml:"registry"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Audit    AuditConfig    `yaml:"audit"`
}

type DeviceConfig struct {
	Name string `yaml:"name"`
	// Quantum is the load-time value. Reset always goes back to DefaultQuantum.
	Quantum *int `yaml:"quantum,omitempty"`
}

type RegistryConfig struct {
	// MaxEntries caps the registry; 0 means unbounded.
	MaxEntries int `yaml:"max_entries"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	ConnTimeoutSec     int `yaml:"conn_timeout_sec"`
}

type LoggingConfig struct {
	Level       string         `yaml:"level"`
	Format      string         `yaml:"format"`
	Outputs     []string       `yaml:"outputs"`
	Development bool           `yaml:"development"`
	Rotation    RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	Enable     bool `yaml:"enable"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

type MetricsConfig struct {
	// Listen is the HTTP address for /metrics; empty disables the endpoint.
	Listen string `yaml:"listen"`
}

type AuditConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxSizeMB int  `yaml:"max_size_mb"`
}

// DefaultConfig returns the configuration written by `scull setup`.
func DefaultConfig() Config {
	cfg := Config{
		Device:  DeviceConfig{Name: "scull"},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Audit:   AuditConfig{Enabled: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// InitialQuantum returns the quantum the device starts with.
func (c Config) InitialQuantum() int {
	if c.Device.Quantum != nil {
		return *c.Device.Quantum
	}
	return DefaultQuantum
}

// ApplyDefaults fills zero values with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Device.Name == "" {
		c.Device.Name = "scull"
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Daemon.ConnTimeoutSec <= 0 {
		c.Daemon.ConnTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if len(c.Logging.Outputs) == 0 {
		c.Logging.Outputs = []string{"stderr"}
	}
	if c.Audit.MaxSizeMB <= 0 {
		c.Audit.MaxSizeMB = 100
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	if c.Registry.MaxEntries < 0 {
		return fmt.Errorf("registry.max_entries: must be >= 0, got %d", c.Registry.MaxEntries)
	}
	if c.Daemon.ShutdownTimeoutSec < 0 {
		return fmt.Errorf("daemon.shutdown_timeout_sec: must be >= 0, got %d", c.Daemon.ShutdownTimeoutSec)
	}
	if c.Daemon.ConnTimeoutSec < 0 {
		return fmt.Errorf("daemon.conn_timeout_sec: must be >= 0, got %d", c.Daemon.ConnTimeoutSec)
	}
	return nil
}
