// Package logger provides structured logging for the anon overlay node.
// It uses Go's standard log/slog package for structured logging with context support.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger to provide application-specific logging
// functionality. The level is dynamic so it can be changed on config
// reload without recreating every subsystem's logger.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// contextKey is the type for context keys used by this package
type contextKey string

const loggerKey contextKey = "logger"

// New creates a new Logger with the specified level and output writer
func New(level slog.Level, w io.Writer) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(level)
	opts := &slog.HandlerOptions{
		Level: lv,
	}
	handler := slog.NewTextHandler(w, opts)
	return &Logger{
		Logger: slog.New(handler),
		level:  lv,
	}
}

// SetLevel changes the level of this logger and everything derived from
// it via With or Component.
func (l *Logger) SetLevel(level slog.Level) {
	if l.level != nil {
		l.level.Set(level)
	}
}

// NewDefault creates a logger with default settings (Info level, stderr)
func NewDefault() *Logger {
	return New(slog.LevelInfo, os.Stderr)
}

// ParseLevel parses a string log level into slog.Level.
// Unknown strings fall back to Info.
func ParseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, nil
	}
}

// WithContext returns a new context with the logger attached
func WithContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from the context, or returns a default logger
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok {
		return logger
	}
	return NewDefault()
}

// With returns a new Logger with additional attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
	}
}

// Component returns a new Logger with a "component" attribute.
// Subsystems (dht, circuit, socks, ...) tag their output with this.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}
