package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewWritesConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	var console bytes.Buffer

	l, closer, err := New(Config{Level: "info", File: path}, &console)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	l.Info().Str("task_id", "abc").Msg("task created")
	l.Debug().Msg("hidden")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if !strings.Contains(console.String(), "task created") {
		t.Errorf("console output = %q", console.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "task created") || !strings.Contains(text, "task_id=abc") {
		t.Errorf("file output = %q", text)
	}
	if strings.Contains(text, "hidden") {
		t.Error("debug line written at info level")
	}
	if strings.Contains(text, "\x1b[") {
		t.Error("file output contains color codes")
	}
}

func TestNewJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	l, closer, err := New(Config{File: path, JSONFormat: true}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	l.Warn().Msg("engine restarted")
	closer.Close()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"message":"engine restarted"`) {
		t.Errorf("file output = %q", data)
	}
}

func TestNewBadFile(t *testing.T) {
	_, closer, err := New(Config{File: filepath.Join(t.TempDir(), "missing", "x.log")}, nil)
	if err == nil {
		t.Fatal("New() with an unwritable path should fail")
	}
	if closer == nil {
		t.Error("closer must never be nil")
	}
}
