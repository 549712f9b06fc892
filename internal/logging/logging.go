// Package logging configures the process-wide structured logger.
// All engine components log through log/slog with a shared handler;
// components attach themselves via WithComponent so every line carries
// a component key that log search can filter on.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	defaultLogger *slog.Logger
	defaultOnce   sync.Once
)

// New builds a root logger writing to w. Format is "text" or "json";
// anything else falls back to text. Unknown levels fall back to info.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Default returns a shared text logger at info level. Components that are
// constructed without an explicit logger use this.
func Default() *slog.Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(os.Stdout, "info", "text")
	})
	return defaultLogger
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = Default()
	}
	return logger.With("component", component)
}

// ParseLevel maps a config string to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
