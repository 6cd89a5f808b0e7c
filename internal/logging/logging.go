// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds structured logging settings.
type Config struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// New returns a logger writing to stderr.
func New(cfg Config) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) zerolog.Logger {
	if strings.EqualFold(cfg.Format, "console") || strings.EqualFold(cfg.Format, "text") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a level name to a zerolog level. Unknown names map to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
