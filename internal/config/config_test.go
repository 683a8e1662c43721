package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvWorkers, "")
	t.Setenv(EnvCacheBackend, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Workers != DefaultWorkers {
		t.Fatalf("expected %d workers, got %d", DefaultWorkers, cfg.Workers)
	}
	if cfg.CommandTimeout != DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", cfg.CommandTimeout)
	}
	if cfg.AgentPath != DefaultStagingDir+"/agent" {
		t.Fatalf("unexpected agent path %q", cfg.AgentPath)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deployagent.yaml")
	content := "workers: 3\ncommand_timeout: 30s\ncache_backend: badger\nstaging_dir: /data/local/tmp/x/\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvWorkers, "8")
	t.Setenv(EnvCacheBackend, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Workers != 8 {
		t.Fatalf("env should override file workers, got %d", cfg.Workers)
	}
	if cfg.CommandTimeout != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %s", cfg.CommandTimeout)
	}
	if cfg.CacheBackend != BackendBadger {
		t.Fatalf("expected badger backend, got %q", cfg.CacheBackend)
	}
	if cfg.StagingDir != "/data/local/tmp/x" {
		t.Fatalf("expected trimmed staging dir, got %q", cfg.StagingDir)
	}
	if cfg.AgentPath != DefaultStagingDir+"/agent" {
		t.Fatalf("file did not set agent path, expected default, got %q", cfg.AgentPath)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv(EnvCacheBackend, "redis")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestResolveDBPathCreatesParent(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DBPath: filepath.Join(dir, "nested", "deploy.sqlite")}
	path, err := cfg.ResolveDBPath()
	if err != nil {
		t.Fatalf("ResolveDBPath returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("expected parent dir to exist: %v", err)
	}
}
