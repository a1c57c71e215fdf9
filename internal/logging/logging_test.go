package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"localagent/internal/config"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", File: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("sampler started")
	logger.Debug("hidden")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "sampler started") {
		t.Fatalf("log file missing entry: %s", data)
	}
	if strings.Contains(string(data), "hidden") {
		t.Fatalf("debug entry written at info level: %s", data)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestQuietWithoutFileIsNop(t *testing.T) {
	logger, err := Quiet(config.LoggingConfig{})
	if err != nil {
		t.Fatal(err)
	}
	logger.Error("dropped")
}
