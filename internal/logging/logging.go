// Package logging builds the structured loggers. Both the controller and
// the worker build theirs with New; everything downstream takes a
// *slog.Logger explicitly (no package-level mutable logger).
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a JSON-handler logger at the level named by LOG_LEVEL
// (default INFO), tagged with component and any static attrs.
func New(component string, attrs ...any) *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With("component", component)
	if len(attrs) > 0 {
		logger = logger.With(attrs...)
	}
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
