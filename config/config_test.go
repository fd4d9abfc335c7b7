package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Forest.NumTrees != 50 || config.Forest.MaxDepth != 10 || config.Server.Port != 8080 {
		t.Fatalf("unexpected defaults: %+v", config)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
  timeout: 5s
forest:
  num_trees: 12
  seed: 7
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Server.Port != 9090 || config.Server.Timeout != 5*time.Second {
		t.Fatalf("unexpected server config: %+v", config.Server)
	}
	if config.Forest.NumTrees != 12 || config.Forest.Seed != 7 {
		t.Fatalf("unexpected forest config: %+v", config.Forest)
	}
	if config.Forest.MaxThresholds != 5 {
		t.Fatalf("expected default thresholds to survive, got %d", config.Forest.MaxThresholds)
	}
	if config.Log.Level != "debug" {
		t.Fatalf("unexpected log level: %s", config.Log.Level)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("forest: [unterminated"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("forest:\n  num_trees: 3\n"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan struct{})
	defer close(done)
	changes := make(chan *Config, 4)
	if err := Watch(path, zap.NewNop(), done, func(c *Config) { changes <- c }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := os.WriteFile(path, []byte("forest:\n  num_trees: 9\n"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Forest.NumTrees == 9 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
