// Package logging provides the structured logger used across cansense.
// It wraps log/slog with level parsing, format selection and a component
// convention, so every subsystem logs through the same handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options select the handler configuration.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Output string // stdout or stderr
}

// Logger wraps slog.Logger. All methods are safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a logger from the given options. Unrecognised values fall back
// to info/json/stdout.
func New(opts Options) *Logger {
	var output io.Writer
	switch strings.ToLower(opts.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	hopts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "text":
		handler = slog.NewTextHandler(output, hopts)
	default:
		handler = slog.NewJSONHandler(output, hopts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Default returns an info-level text logger for use before configuration
// is loaded and in tests.
func Default() *Logger {
	return New(Options{Level: "info", Format: "text"})
}

// With returns a logger carrying additional default attributes.
//
//	busLog := log.With("component", "canbus")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
