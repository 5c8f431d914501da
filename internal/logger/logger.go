package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/jacaudi/wunderground_like/internal/config"
)

// AppLogger wraps slog.Logger to provide structured logging
type AppLogger struct {
	*slog.Logger
}

// New creates a new structured logger based on configuration
func New(cfg *config.Config) *AppLogger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter creates a logger that writes to w.
func NewWithWriter(cfg *config.Config, w io.Writer) *AppLogger {
	var handler slog.Handler

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	// Colored text for interactive debugging, JSON otherwise
	if cfg.Debug {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  true,
			TimeFormat: time.Kitchen,
			NoColor:    w != os.Stdout,
		})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler).With("app", "wunderground_like")
	return &AppLogger{Logger: logger}
}

// Service returns a child logger tagged with the service name.
func (l *AppLogger) Service(name string) *slog.Logger {
	return l.Logger.With("service", name)
}
