package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
	if cfg.Engine.MaxDispatchDepth != 100 {
		t.Errorf("max dispatch depth = %d", cfg.Engine.MaxDispatchDepth)
	}
	if cfg.Actions.Webhook.Timeout != 15*time.Second {
		t.Errorf("webhook timeout = %v", cfg.Actions.Webhook.Timeout)
	}
	if !cfg.Sweeper.Enabled || cfg.Sweeper.Interval != 60*time.Second {
		t.Errorf("sweeper = %+v", cfg.Sweeper)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8085
store:
  driver: postgres
definitions:
  directories: ["./defs"]
  tenant: acme
engine:
  max_dispatch_depth: 50
observability:
  log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8085 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
	if cfg.Definitions.Tenant != "acme" {
		t.Errorf("tenant = %q", cfg.Definitions.Tenant)
	}
	if cfg.Engine.MaxDispatchDepth != 50 {
		t.Errorf("max dispatch depth = %d", cfg.Engine.MaxDispatchDepth)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.Observability.LogLevel)
	}
	// Unset fields keep their defaults.
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read timeout = %v", cfg.Server.ReadTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GANTRY_SERVER_PORT", "7070")
	t.Setenv("GANTRY_STORE_DRIVER", "redis")
	t.Setenv("GANTRY_DEFINITIONS_TENANT", "env-tenant")
	t.Setenv("GANTRY_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "server:\n  port: 8085\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, env must win", cfg.Server.Port)
	}
	if cfg.Store.Driver != "redis" {
		t.Errorf("driver = %q", cfg.Store.Driver)
	}
	if cfg.Definitions.Tenant != "env-tenant" {
		t.Errorf("tenant = %q", cfg.Definitions.Tenant)
	}
	if cfg.Observability.LogLevel != "warn" {
		t.Errorf("log level = %q", cfg.Observability.LogLevel)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad driver", "store:\n  driver: cassandra\n"},
		{"bad port", "server:\n  port: 0\n"},
		{"bad depth", "engine:\n  max_dispatch_depth: -1\n"},
		{"no directories", "definitions:\n  directories: []\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Errorf("config accepted: %s", tc.content)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error")
	}
}
