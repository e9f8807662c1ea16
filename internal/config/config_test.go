package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/depremu/capsyd/internal/config"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Node.Port)
	}
	if cfg.Node.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Node.Host)
	}
	if cfg.Node.DataDir != "./data" {
		t.Errorf("expected default data_dir ./data, got %s", cfg.Node.DataDir)
	}
	if cfg.Registry.ReloadInterval != "60s" {
		t.Errorf("expected default reload_interval 60s, got %s", cfg.Registry.ReloadInterval)
	}
	if cfg.Limits.MaxMessageBytes != 64<<10 {
		t.Errorf("expected default max_message_bytes 64KiB, got %d", cfg.Limits.MaxMessageBytes)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics must be enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate, got: %v", err)
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port for missing file, got %d", cfg.Node.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeTempYAML(t, `
node:
  port: 9999
  host: "127.0.0.1"
registry:
  reload_interval: "15s"
limits:
  msg_rate: 5
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Node.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Node.Port)
	}
	if cfg.Node.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Node.Host)
	}
	if cfg.Registry.ReloadInterval != "15s" {
		t.Errorf("expected reload_interval 15s, got %s", cfg.Registry.ReloadInterval)
	}
	if cfg.Limits.MsgRate != 5 {
		t.Errorf("expected msg_rate 5, got %v", cfg.Limits.MsgRate)
	}
	// Untouched sections keep their defaults.
	if cfg.Node.DataDir != "./data" {
		t.Errorf("expected default data_dir, got %s", cfg.Node.DataDir)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CAPSYD_PORT", "7777")
	t.Setenv("CAPSYD_DATA_DIR", "/var/lib/capsyd")
	t.Setenv("CAPSYD_RELOAD_INTERVAL", "30s")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Node.Port != 7777 {
		t.Errorf("expected env port 7777, got %d", cfg.Node.Port)
	}
	if cfg.Node.DataDir != "/var/lib/capsyd" {
		t.Errorf("expected env data_dir, got %s", cfg.Node.DataDir)
	}
	if cfg.Registry.ReloadInterval != "30s" {
		t.Errorf("expected env reload_interval 30s, got %s", cfg.Registry.ReloadInterval)
	}
}

func TestLoad_BadEnvValuesIgnored(t *testing.T) {
	t.Setenv("CAPSYD_PORT", "not-a-number")
	t.Setenv("CAPSYD_RELOAD_INTERVAL", "soonish")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Node.Port != 8080 {
		t.Errorf("bad env port must be ignored, got %d", cfg.Node.Port)
	}
	if cfg.Registry.ReloadInterval != "60s" {
		t.Errorf("bad env interval must be ignored, got %s", cfg.Registry.ReloadInterval)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port zero", func(c *config.Config) { c.Node.Port = 0 }},
		{"port too high", func(c *config.Config) { c.Node.Port = 70000 }},
		{"empty data dir", func(c *config.Config) { c.Node.DataDir = "" }},
		{"bad reload interval", func(c *config.Config) { c.Registry.ReloadInterval = "sometimes" }},
		{"bad init wait", func(c *config.Config) { c.Registry.InitWait = "later" }},
		{"tiny message cap", func(c *config.Config) { c.Limits.MaxMessageBytes = 100 }},
		{"zero msg rate", func(c *config.Config) { c.Limits.MsgRate = 0 }},
		{"zero burst", func(c *config.Config) { c.Limits.MsgBurst = 0 }},
		{"bad metrics port", func(c *config.Config) { c.Metrics.Port = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := config.Default()
	if got := cfg.ReloadInterval(); got != 60*time.Second {
		t.Errorf("ReloadInterval: want 60s, got %s", got)
	}
	if got := cfg.InitWait(); got != 5*time.Second {
		t.Errorf("InitWait: want 5s, got %s", got)
	}

	cfg.Registry.ReloadInterval = "garbage"
	if got := cfg.ReloadInterval(); got != 60*time.Second {
		t.Errorf("unparseable interval must fall back to 60s, got %s", got)
	}
}
