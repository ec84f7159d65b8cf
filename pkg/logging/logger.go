// Package logging provides structured logging configuration and utilities.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level string `yaml:"level"`
	// Pretty renders human readable console lines instead of JSON.
	Pretty bool `yaml:"pretty"`
	// Writer defaults to stdout.
	Writer io.Writer `yaml:"-"`
}

// ParseLevel maps a level name to a slog level. Unknown names yield info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds a slog logger. JSON is the default; Pretty pipes the same
// JSON records through zerolog's console writer.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	if !cfg.Pretty {
		return slog.New(slog.NewJSONHandler(out, opts))
	}

	console := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	opts.ReplaceAttr = consoleAttrs
	return slog.New(slog.NewJSONHandler(console, opts))
}

// consoleAttrs renames the slog built-in keys to the names the console writer reads.
func consoleAttrs(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.MessageKey:
		a.Key = zerolog.MessageFieldName
	case slog.TimeKey:
		a.Key = zerolog.TimestampFieldName
	case slog.LevelKey:
		a.Key = zerolog.LevelFieldName
		a.Value = slog.StringValue(strings.ToLower(a.Value.String()))
	}
	return a
}
