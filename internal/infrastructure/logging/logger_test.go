package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// A Config without output paths must still produce a logger that emits
// entries. Zap silently discards everything when OutputPaths is empty,
// which would swallow capture audit lines and cleanup logging in a
// process that builds its logger from environment config alone.
func TestNewDefaultsEmptyOutputToStdout(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	logger, err := New(Config{Level: "info"})
	if err != nil {
		os.Stdout = orig
		t.Fatalf("New: %v", err)
	}
	logger.Info("capture stored")
	logger.Sync()

	os.Stdout = orig
	w.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read pipe: %v", err)
	}
	if !strings.Contains(string(out), "capture stored") {
		t.Fatalf("expected log entry on stdout, got %q", string(out))
	}
	if !strings.Contains(string(out), `"message"`) {
		t.Fatalf("expected production JSON encoding, got %q", string(out))
	}
}

func TestNewWritesToConfiguredPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")

	logger, err := New(Config{Level: "debug", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("sandbox ready")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "sandbox ready") {
		t.Fatalf("expected entry in %s, got %q", path, string(data))
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
