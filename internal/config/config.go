// Package config holds all configuration types and loading logic for capsyd.
// Config structure never shrinks — fields are only added, never renamed or
// removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a capsyd server instance.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Registry RegistryConfig `yaml:"registry"`
	Limits   LimitsConfig   `yaml:"limits"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// NodeConfig holds identity and network settings for this server.
type NodeConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// RegistryConfig controls the connection registry's resynchronization.
type RegistryConfig struct {
	// ReloadInterval is how often the registry re-reads the user store,
	// e.g. "60s". It is also the staleness window for newly created accounts.
	ReloadInterval string `yaml:"reload_interval"`
	// InitWait bounds how long an init handshake waits for the first reload.
	InitWait string `yaml:"init_wait"`
}

// LimitsConfig protects the server from oversized or chatty clients.
type LimitsConfig struct {
	// MaxMessageBytes caps one inbound WebSocket frame.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
	// MsgRate is the sustained messages-per-second allowed per connection.
	MsgRate float64 `yaml:"msg_rate"`
	// MsgBurst allows temporary spikes above MsgRate.
	MsgBurst int `yaml:"msg_burst"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Registry: RegistryConfig{
			ReloadInterval: "60s",
			InitWait:       "5s",
		},
		Limits: LimitsConfig{
			MaxMessageBytes: 64 << 10, // 64 KiB — largest config message is a few KiB
			MsgRate:         20,
			MsgBurst:        40,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run capsyd with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	CAPSYD_PORT             — sets node.port
//	CAPSYD_DATA_DIR         — sets node.data_dir
//	CAPSYD_RELOAD_INTERVAL  — sets registry.reload_interval
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CAPSYD_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("CAPSYD_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("CAPSYD_RELOAD_INTERVAL"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			cfg.Registry.ReloadInterval = v
		}
	}
}

// Validate checks that the config values are consistent and within
// acceptable ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if _, err := time.ParseDuration(c.Registry.ReloadInterval); err != nil {
		return fmt.Errorf("registry.reload_interval is not a duration: %w", err)
	}
	if _, err := time.ParseDuration(c.Registry.InitWait); err != nil {
		return fmt.Errorf("registry.init_wait is not a duration: %w", err)
	}
	if c.Limits.MaxMessageBytes < 1024 {
		return errors.New("limits.max_message_bytes must be at least 1024")
	}
	if c.Limits.MsgRate <= 0 {
		return errors.New("limits.msg_rate must be positive")
	}
	if c.Limits.MsgBurst < 1 {
		return errors.New("limits.msg_burst must be at least 1")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}

// ReloadInterval returns registry.reload_interval as a duration.
// Call Validate first; an unparseable value falls back to 60s here.
func (c *Config) ReloadInterval() time.Duration {
	d, err := time.ParseDuration(c.Registry.ReloadInterval)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// InitWait returns registry.init_wait as a duration, defaulting to 5s.
func (c *Config) InitWait() time.Duration {
	d, err := time.ParseDuration(c.Registry.InitWait)
	if err != nil {
		return 5 * time.Second
	}
	return d
}
