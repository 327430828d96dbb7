// Package logging constructs the engine's structured logger.
package logging

import (
	"log/slog"
	"os"
)

// New creates a structured logger with text output.
// component: subsystem name (e.g., "engine")
// level: one of "debug", "info", "warn", "error" (default: "info")
func New(component string, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)

	return logger.With(
		slog.String("component", component),
		slog.Int("pid", os.Getpid()),
	)
}

// ParseLevel maps a level string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}
