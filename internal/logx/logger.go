// Package logx sets up the process-wide slog logger and the request-id
// plumbing the API handlers hang their log lines on.
package logx

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options is filled from the top-level configuration; the logger has no
// environment knobs of its own.
type Options struct {
	Service string
	Level   string // debug, info, warn, error
	Format  string // json or text
	// File adds a size-rotated copy of the log when non-empty. Stdout is
	// always written.
	File string
}

const (
	fileMaxSizeMB  = 100
	fileMaxBackups = 7
	fileMaxAgeDays = 7
)

// Init installs the default slog logger and returns it together with a
// closer for the rotated file, if one was configured.
func Init(opts Options) (*slog.Logger, func() error, error) {
	writer := io.Writer(os.Stdout)
	closer := func() error { return nil }

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    fileMaxSizeMB,
			MaxBackups: fileMaxBackups,
			MaxAge:     fileMaxAgeDays,
			Compress:   true,
		}
		writer = io.MultiWriter(os.Stdout, rotator)
		closer = rotator.Close
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(opts.Format), "text") {
		handler = slog.NewTextHandler(writer, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	}

	logger := slog.New(handler).With("service", opts.Service)
	slog.SetDefault(logger)
	return logger, closer, nil
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
