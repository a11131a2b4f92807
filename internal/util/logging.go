package util

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger installs a JSON slog logger tagged with service as the default
// and returns it. Levels: debug, info, warn, error; anything else is info.
func InitLogger(service, level string) *slog.Logger {
	slogLevel := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slogLevel,
		AddSource: true,
	})
	logger := slog.New(handler)
	if service != "" {
		logger = logger.With("service", service)
	}
	slog.SetDefault(logger)
	return logger
}
