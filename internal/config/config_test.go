package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_FallsBackToDefaultWhenConfigFileMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if *cfg != *def {
		t.Fatalf("Load() with no config.yaml = %+v, want defaults %+v", cfg, def)
	}
}

func TestLoad_ReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "data-dir: /var/lib/mnode\nsocket-path: /run/mnoded.sock\nmax-workers: 16\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/mnode" || cfg.SocketPath != "/run/mnoded.sock" || cfg.MaxWorkers != 16 {
		t.Fatalf("Load() = %+v", cfg)
	}
	// Fields left unset in the file keep their defaults.
	if cfg.PublicIP != Default().PublicIP || cfg.CatalogEngine != Default().CatalogEngine {
		t.Fatalf("unset fields did not fall back to defaults: %+v", cfg)
	}
}

func TestLoad_EnvOverridesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("max-workers: 4\n"), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}
	t.Setenv("MNODE_MAX_WORKERS", "32")
	t.Setenv("MNODE_PUBLIC_IP", "10.0.0.5")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWorkers != 32 {
		t.Fatalf("MaxWorkers = %d, want 32 (env overrides file)", cfg.MaxWorkers)
	}
	if cfg.PublicIP != "10.0.0.5" {
		t.Fatalf("PublicIP = %q, want env override", cfg.PublicIP)
	}
}

func TestWriteDefault_CreatesConfigFile(t *testing.T) {
	dir := t.TempDir()
	if err := WriteDefault(dir); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config.yaml not written: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}
	if *cfg != *Default() {
		t.Fatalf("round-tripped config = %+v, want defaults", cfg)
	}
}

func TestWriteDefault_DoesNotClobberExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	custom := "data-dir: /custom/path\n"
	if err := os.WriteFile(path, []byte(custom), 0o644); err != nil {
		t.Fatalf("write custom config.yaml: %v", err)
	}
	if err := WriteDefault(dir); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != custom {
		t.Fatalf("WriteDefault clobbered an existing config.yaml: got %q, want %q", got, custom)
	}
}
