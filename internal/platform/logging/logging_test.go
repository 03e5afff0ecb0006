package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNew_JSONToStdout(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(Options{Level: "info", Stdout: &buf})
	defer closer.Close()

	logger.Debug().Msg("hidden")
	logger.Info().Str("association_id", "SCU#1").Msg("stored")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["association_id"] != "SCU#1" {
		t.Errorf("expected association_id field, got %v", entry)
	}
}

func TestNew_WritesRotatedFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "router.log")
	logger, closer := New(Options{Level: "info", Stdout: &buf, File: path, MaxSizeMB: 1})
	logger.Info().Msg("to both")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to both") {
		t.Errorf("expected message in log file, got %q", data)
	}
	if !strings.Contains(buf.String(), "to both") {
		t.Error("expected message on stdout as well")
	}
}
