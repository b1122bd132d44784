// Package telemetry provides Eluent's structured logging: a thin
// log/slog wrapper whose file output rotates via lumberjack, for the
// long-running daemon (C8/C12) that otherwise has no natural place to
// bound its own log growth across restarts.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures a Logger. LogFile is the rotating log file path; an
// empty LogFile logs to stderr only. Level is one of debug/info/warn/error,
// defaulting to info on an unrecognized value.
type Options struct {
	LogFile    string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 5
	defaultMaxAgeDays = 30
)

// Logger wraps a *slog.Logger and the rotating writer backing it, so
// callers can Close() the writer on shutdown.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New builds a Logger per opts. When opts.LogFile is empty, logs go to
// stderr only and Close is a no-op.
func New(opts Options) *Logger {
	level := parseLevel(opts.Level)

	var writer io.Writer = os.Stderr
	var closer io.Closer
	if opts.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    orDefault(opts.MaxSizeMB, defaultMaxSizeMB),
			MaxBackups: orDefault(opts.MaxBackups, defaultMaxBackups),
			MaxAge:     orDefault(opts.MaxAgeDays, defaultMaxAgeDays),
		}
		writer = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler), closer: closer}
}

// Close releases the rotating log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
