package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Service.MaxPendingRequests != 100 {
		t.Errorf("max pending default = %d, want 100", cfg.Service.MaxPendingRequests)
	}
	if cfg.Service.Engine != "goja" {
		t.Errorf("engine default = %q", cfg.Service.Engine)
	}
	if cfg.Sandbox.Mode != "process" {
		t.Errorf("mode default = %q", cfg.Sandbox.Mode)
	}
	if !cfg.Sandbox.RequirePreload {
		t.Error("preload should default to required")
	}
	if cfg.Sandbox.DefaultTimeout != 5*time.Second {
		t.Errorf("timeout default = %v", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics should default to disabled")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
service:
  workers: 4
  max_pending_requests: 20
sandbox:
  mode: inprocess
  require_preload: false
  wasm_memory_pages: 16
metrics:
  enabled: true
  addr: redis:6379
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Service.Workers != 4 || cfg.Service.MaxPendingRequests != 20 {
		t.Errorf("service config not applied: %+v", cfg.Service)
	}
	if cfg.Sandbox.Mode != "inprocess" || cfg.Sandbox.RequirePreload {
		t.Errorf("sandbox config not applied: %+v", cfg.Sandbox)
	}
	if cfg.Sandbox.WasmMemoryPages != 16 {
		t.Errorf("wasm pages = %d, want 16", cfg.Sandbox.WasmMemoryPages)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != "redis:6379" {
		t.Errorf("metrics config not applied: %+v", cfg.Metrics)
	}
	// Untouched keys keep their defaults.
	if cfg.Service.QueueCap != 100 {
		t.Errorf("queue cap = %d, want default 100", cfg.Service.QueueCap)
	}
}
