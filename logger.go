package pkindex

import (
	"log/slog"
	"os"

	"github.com/hupe1980/pkindex/model"
)

// Logger wraps slog.Logger with index-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses the default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))}
}

// WithVersion tags the logger with an edit version.
func (l *Logger) WithVersion(v model.EditVersion) *Logger {
	return &Logger{Logger: l.Logger.With("version", v.String())}
}

// LogCommit logs a commit outcome.
func (l *Logger) LogCommit(version model.EditVersion, action string, err error) {
	if err != nil {
		l.Error("commit failed", "version", version.String(), "action", action, "error", err)
		return
	}
	l.Debug("commit completed", "version", version.String(), "action", action)
}

// LogFlush logs an L0 flush.
func (l *Logger) LogFlush(version model.EditVersion, target string, entries int, err error) {
	if err != nil {
		l.Error("flush failed", "version", version.String(), "target", target, "error", err)
		return
	}
	l.Info("flushed L0", "version", version.String(), "target", target, "entries", entries)
}

// LogCompaction logs a major compaction.
func (l *Logger) LogCompaction(inputs int, version model.EditVersion, err error) {
	if err != nil {
		l.Error("major compaction failed", "inputs", inputs, "version", version.String(), "error", err)
		return
	}
	l.Info("major compaction completed", "inputs", inputs, "version", version.String())
}

// LogLoad logs an index load.
func (l *Logger) LogLoad(version model.EditVersion, entries int, err error) {
	if err != nil {
		l.Error("load failed", "version", version.String(), "error", err)
		return
	}
	l.Info("load completed", "version", version.String(), "l0_entries", entries)
}
