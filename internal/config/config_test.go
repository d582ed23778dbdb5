package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Workers != 2 {
		t.Fatalf("expected default worker count 2, got %d", cfg.Pool.Workers)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "pool:\n  workers: 5\n  queue_capacity: 40\nlisten: \"0.0.0.0:9000\"\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Workers != 5 || cfg.Pool.QueueCapacity != 40 {
		t.Fatalf("unexpected pool config: %+v", cfg.Pool)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Fatalf("unexpected listen: %q", cfg.Listen)
	}
	if cfg.Sandbox.TAPPrefix != "acore-tap" {
		t.Fatalf("expected default tap prefix to survive partial override, got %q", cfg.Sandbox.TAPPrefix)
	}
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  workers: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for zero workers")
	}
}

func TestValidateRejectsUnknownCredentialSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("credential:\n  source: \"vault\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown credential source")
	}
}
