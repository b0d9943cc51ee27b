package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tourwatch/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "", want: slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(config.LogConfig{Level: "warn"}, &buf)
	defer closer.Close()

	logger.Info("Hidden")
	logger.Warn("Sync pass failed", "run_id", "abc")

	out := buf.String()
	if strings.Contains(out, "Hidden") {
		t.Error("info message written at warn level")
	}
	if !strings.Contains(out, `"msg":"Sync pass failed"`) || !strings.Contains(out, `"run_id":"abc"`) {
		t.Errorf("output = %q, want JSON record", out)
	}
}

func TestNewTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tourwatch.log")
	var buf bytes.Buffer
	logger, closer := New(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1}, &buf)

	logger.Info("Scheduler started")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "Scheduler started") {
		t.Errorf("log file = %q, want the record", data)
	}
	if !strings.Contains(buf.String(), "Scheduler started") {
		t.Error("stdout writer missed the record")
	}
}
