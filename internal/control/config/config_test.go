package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultMatchesPythonDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Storage.DefaultChunkSize != 8*1024*1024 {
		t.Fatalf("default chunk size = %d", cfg.Storage.DefaultChunkSize)
	}
	if cfg.Storage.ReplicaPolicy.HotReplicas != 2 {
		t.Fatalf("hot replicas = %d, want 2", cfg.Storage.ReplicaPolicy.HotReplicas)
	}
	if len(cfg.MessageBus.Topics) != 8 {
		t.Fatalf("topic count = %d, want 8", len(cfg.MessageBus.Topics))
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabric.yaml")
	yamlBody := "storage:\n  default_chunk_size: 4194304\n  replica_policy:\n    hot_replicas: 5\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.DefaultChunkSize != 4194304 {
		t.Fatalf("chunk size = %d, want 4194304", cfg.Storage.DefaultChunkSize)
	}
	if cfg.Storage.ReplicaPolicy.HotReplicas != 5 {
		t.Fatalf("hot replicas = %d, want 5", cfg.Storage.ReplicaPolicy.HotReplicas)
	}
	if cfg.Observability.LogLevel != "INFO" {
		t.Fatalf("untouched field should keep default, got %q", cfg.Observability.LogLevel)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabric.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  default_chunk_size: 1048576\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	reloaded := make(chan *Config, 1)
	w.OnReload = func(c *Config) { reloaded <- c }

	if err := os.WriteFile(path, []byte("storage:\n  default_chunk_size: 2097152\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-reloaded:
		if cfg.Storage.DefaultChunkSize != 2097152 {
			t.Fatalf("reloaded chunk size = %d, want 2097152", cfg.Storage.DefaultChunkSize)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
