package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls the process logger built by Setup.
type Options struct {
	Level  string // debug, info, warn, error (default info)
	Format string // text or json (default text)
	File   string // log file path; empty logs to stderr

	// Rotation settings, used only when File is set.
	MaxSizeMB int // default 10
	MaxFiles  int // default 5
}

// Setup installs the redacting logger as slog's default. The returned
// close function flushes and closes the rotating file writer, if any.
func Setup(opts Options) (func() error, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var w io.Writer = os.Stderr
	closeFn := func() error { return nil }

	if opts.File != "" {
		rotating, err := newRotatingWriter(opts)
		if err != nil {
			return nil, err
		}
		w = rotating
		closeFn = rotating.Close
	}

	var inner slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		inner = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case "json":
		inner = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("log: unknown format %q", opts.Format)
	}

	slog.SetDefault(slog.New(NewRedactingHandler(inner)))
	return closeFn, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log: unknown level %q", s)
	}
}

func newRotatingWriter(opts Options) (*lumberjack.Logger, error) {
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 5
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0700); err != nil {
		return nil, fmt.Errorf("log: failed to create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: maxFiles,
		Compress:   false,
	}, nil
}
