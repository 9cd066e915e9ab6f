// Package logging configures the process-wide zerolog logger: a console
// writer for operators plus an append-only JSON activity log that survives
// restarts and backs `worker status`.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	Path    string // activity log file; empty disables the file sink
}

// New builds the logger. The returned closer owns the activity log file.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Level)

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	var file *os.File
	if strings.TrimSpace(cfg.Path) != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return zerolog.Nop(), nil, err
		}
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		file = f
		sinks = append(sinks, f)
	}

	var w io.Writer
	switch len(sinks) {
	case 0:
		w = io.Discard
	case 1:
		w = sinks[0]
	default:
		w = zerolog.MultiLevelWriter(sinks[0], sinks[1])
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, closerFor(file), nil
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// TailActivity returns up to n most recent lines of the activity log, oldest
// first. Missing file is not an error; the worker may simply never have run.
func TailActivity(path string, n int) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func closerFor(f *os.File) io.Closer {
	if f == nil {
		return nopCloser{}
	}
	return f
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
