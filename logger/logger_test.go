package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, level, err := New(Config{Level: "warn", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	log.Info("dropped")
	log.Warn("kept")
	level.SetLevel(zapcore.DebugLevel)
	log.Debug("now visible")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	content := string(data)
	if strings.Contains(content, "dropped") {
		t.Fatalf("info message should be filtered: %s", content)
	}
	if !strings.Contains(content, "kept") || !strings.Contains(content, "now visible") {
		t.Fatalf("expected messages in log file: %s", content)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
