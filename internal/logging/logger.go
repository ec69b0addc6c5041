package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs text or JSON depending on config.
// The level is read from LOG_LEVEL (debug, info, warn, error; default info).
func New(jsonMode bool) *Logger {
	opts := &slog.HandlerOptions{Level: levelFromEnv()}
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return &Logger{slog.New(handler)}
}

// Component returns a child logger tagged with the component name, so log
// lines from the lifecycle manager, reconciler and proxy are distinguishable.
func (l *Logger) Component(name string) *slog.Logger {
	return l.With("component", name)
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
