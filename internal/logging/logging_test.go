package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestActivityLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")

	log, closer, err := New(Config{Level: "info", Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info().Str("request", "1").Msg("dispatched")
	log.Info().Str("request", "1").Msg("succeeded")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// reopen to verify append-only behavior across restarts
	log, closer, err = New(Config{Level: "info", Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	log.Info().Msg("restarted")
	_ = closer.Close()

	lines, err := TailActivity(path, 10)
	if err != nil {
		t.Fatalf("TailActivity: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "dispatched") || !strings.Contains(lines[2], "restarted") {
		t.Errorf("unexpected order: %v", lines)
	}
}

func TestTailActivityBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("line\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	lines, err := TailActivity(path, 10)
	if err != nil {
		t.Fatalf("TailActivity: %v", err)
	}
	if len(lines) != 10 {
		t.Errorf("got %d lines, want 10", len(lines))
	}
}

func TestTailActivityMissingFile(t *testing.T) {
	lines, err := TailActivity(filepath.Join(t.TempDir(), "nope.log"), 10)
	if err != nil || lines != nil {
		t.Errorf("got %v, %v; want nil, nil", lines, err)
	}
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	log, closer, err := New(Config{Level: "warn", Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug().Msg("hidden")
	log.Warn().Msg("shown")
	_ = closer.Close()

	lines, _ := TailActivity(path, 10)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
}
