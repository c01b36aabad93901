package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Dispatch.Interval != 20*time.Minute {
		t.Fatalf("expected 20m dispatch interval, got %s", cfg.Dispatch.Interval)
	}
	if cfg.Dispatch.Lock != LockLease {
		t.Fatalf("expected lease lock, got %s", cfg.Dispatch.Lock)
	}
	if _, ok := cfg.Workflows["feature"]; !ok {
		t.Fatalf("expected feature workflow in defaults")
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("dispatch:\n  lock: memory\n  interval: 5m\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Dispatch.Lock != LockMemory || cfg.Dispatch.Interval != 5*time.Minute {
		t.Fatalf("unexpected dispatch config: %+v", cfg.Dispatch)
	}
	if cfg.Gateway.Timeout != 5*time.Second {
		t.Fatalf("expected default gateway timeout to survive, got %s", cfg.Gateway.Timeout)
	}
}

func TestValidateRejectsRedisWithoutURL(t *testing.T) {
	_, err := FromYAML([]byte("dispatch:\n  lock: redis\n"))
	if err == nil || !strings.Contains(err.Error(), "redis.url") {
		t.Fatalf("expected redis url error, got %v", err)
	}
}

func TestValidateRejectsForwardDependency(t *testing.T) {
	yml := `workflows:
  broken:
    stages:
      - name: one
        operations:
          - key: a
            depends_on: [b]
          - key: b
`
	_, err := FromYAML([]byte(yml))
	if err == nil || !strings.Contains(err.Error(), "depends on unknown") {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	cfg, err := LoadOrDefault(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("expected /v0 base path, got %q", cfg.Server.BasePath)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "clawcontrol.yml"), []byte("server:\n  addr: 0.0.0.0:9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected error for missing config")
	}
}
