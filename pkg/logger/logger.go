package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds the process logger writing to stdout.
func New(lvl string, addSource bool, environment string) *slog.Logger {
	return NewWriter(os.Stdout, lvl, addSource, environment)
}

// NewWriter is New with an explicit destination. Records are JSON in prod
// and text everywhere else.
func NewWriter(w io.Writer, lvl string, addSource bool, environment string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(lvl),
		AddSource: addSource,
	}

	var handler slog.Handler
	if strings.ToLower(environment) == "prod" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With(
		slog.String("environment", environment),
	)
}

// Discard returns a logger that drops every record, for CLI commands that
// only read the store.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
