// Package logging provides structured logging on top of log/slog.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/instant-demo/vbrowser-pool/internal/domain"
)

// Logger wraps slog.Logger with the helpers the pool components share.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to stderr.
// Level: "debug", "info", "warn", "error" (default: "info")
// Format: "json", "text" (default: "json")
func New(level, format string) *Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter creates a Logger writing to w.
func NewWithWriter(w io.Writer, level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a new Logger with the given attributes added.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// ForPool returns a child logger tagged with a component and pool name.
func (l *Logger) ForPool(component string, key domain.PoolKey) *Logger {
	return l.With("component", component, "pool", key.String())
}

// Fatal logs at error level and exits with code 1.
func (l *Logger) Fatal(msg string, args ...any) {
	l.Logger.Error(msg, args...)
	os.Exit(1)
}

// Default returns a default logger (info level, JSON format).
func Default() *Logger {
	return New("info", "json")
}

// Nop returns a logger that discards all output (useful for tests).
func Nop() *Logger {
	return NewWithWriter(io.Discard, "error", "text")
}
