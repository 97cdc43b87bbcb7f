package logx

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(Options{Level: "warn", Out: &buf})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("output = %q", out)
	}
	if !strings.Contains(out, "logx_test.go:") {
		t.Fatalf("output %q has no caller", out)
	}
}

func TestNewLoggerBadLevel(t *testing.T) {
	if _, err := NewLogger(Options{Level: "loud"}); err == nil {
		t.Fatalf("NewLogger(loud) err = nil")
	}
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.log")
	var buf bytes.Buffer
	log, err := NewLogger(Options{Out: &buf, File: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Info().Str("component", "test").Msg("to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"component":"test"`) {
		t.Fatalf("file = %q", data)
	}
}

func TestShortCaller(t *testing.T) {
	got := shortCaller(0, "/a/b/store.go", 12)
	if strings.TrimSpace(got) != "store.go:12" || len(got) != 28 {
		t.Fatalf("shortCaller = %q", got)
	}
}
