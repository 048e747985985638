package logger

import (
	"log/slog"
	"os"
	"strings"
)

var defaultLogger *slog.Logger

// Init configures the process-wide logger. Production gets JSON at info so
// log shippers can parse it; everything else gets human-readable text at
// debug. LOG_LEVEL overrides the default level either way.
func Init(env string) {
	level := slog.LevelDebug
	if env == "production" {
		level = slog.LevelInfo
	}
	if override, ok := parseLevel(os.Getenv("LOG_LEVEL")); ok {
		level = override
	}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	defaultLogger = slog.New(handler).With("service", "billing-engine")
	slog.SetDefault(defaultLogger)
}

// LoggerWrapper returns the configured logger, initializing a development one
// if Init was never called.
func LoggerWrapper() *slog.Logger {
	if defaultLogger == nil {
		Init("development")
	}
	return defaultLogger
}

func parseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
