package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/c360/espflow/config"
)

// setupLogger builds the root logger. Logs go to w so that stdout stays free
// for event data.
func setupLogger(level, format string, w io.Writer) *slog.Logger {
	logLevel, err := config.ParseLevel(level)
	if err != nil {
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
