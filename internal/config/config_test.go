package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStoreLoadMissingReturnsDefaults(t *testing.T) {
	s := NewStore(t.TempDir())
	cfg := s.Load()
	if cfg.RenderDevices != "auto" {
		t.Fatalf("RenderDevices: want auto, got %s", cfg.RenderDevices)
	}
}

func TestStoreSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	cfg := Defaults()
	cfg.RenderDevices = "cpu"
	if err := s.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		t.Fatalf("config.json missing: %v", err)
	}

	got := s.Load()
	if got.RenderDevices != "cpu" {
		t.Fatalf("RenderDevices: want cpu, got %s", got.RenderDevices)
	}
}

func TestStorePatchPartialUpdate(t *testing.T) {
	s := NewStore(t.TempDir())
	_ = s.Save(Defaults())

	newDevices := "cuda:0"
	got, err := s.Patch(Patch{RenderDevices: &newDevices})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if got.RenderDevices != "cuda:0" {
		t.Fatalf("RenderDevices: want cuda:0, got %s", got.RenderDevices)
	}
	if got.UpdateBranch != "main" {
		t.Fatalf("UpdateBranch: expected untouched field to survive patch, got %s", got.UpdateBranch)
	}
}

func TestApplyEnvOverridesPort(t *testing.T) {
	t.Setenv("SD_UI_BIND_PORT", "8111")
	t.Setenv("SD_UI_BIND_IP", "0.0.0.0")
	cfg := applyEnvOverrides(Defaults())
	if cfg.Net.ListenPort != 8111 {
		t.Fatalf("ListenPort: want 8111, got %d", cfg.Net.ListenPort)
	}
	if !cfg.Net.ListenToNetwork {
		t.Fatal("ListenToNetwork: expected true for SD_UI_BIND_IP=0.0.0.0")
	}
}
