package logger

import (
	"log/slog"
	"os"
)

// New builds the process logger: human-readable text in dev, JSON elsewhere
// for log aggregation. The service attribute distinguishes the api and
// worker binaries in shared sinks.
func New(env, service string) *slog.Logger {
	var handler slog.Handler
	if env == "dev" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return slog.New(handler).With(slog.String("service", service))
}
