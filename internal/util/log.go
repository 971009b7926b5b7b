// Package util provides shared helpers for logging, atomic file writes, and
// single-instance locking.
package util

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger creates a structured logger using log/slog at the specified
// level. Supported levels: "debug", "info", "warn", "error" (defaults to
// "info"). Format "json" emits machine-readable JSON; anything else uses a
// human-readable colored handler.
func NewLogger(level, format string) *slog.Logger {
	var slevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slevel = slog.LevelDebug
	case "info":
		slevel = slog.LevelInfo
	case "warn":
		slevel = slog.LevelWarn
	case "error":
		slevel = slog.LevelError
	default:
		slevel = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slevel,
		})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slevel,
			TimeFormat: time.TimeOnly,
		})
	}

	return slog.New(handler)
}

// SetDefault configures the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
