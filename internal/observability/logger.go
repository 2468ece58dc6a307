// Package observability wires the process-wide structured logger.
package observability

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the root zerolog.Logger for the process. format is
// "json" (Loki-friendly) or "pretty" (human console output); level is any
// zerolog level name ("debug", "info", "warn", "error").
func NewLogger(level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var w = os.Stdout
	var logger zerolog.Logger
	if strings.ToLower(format) == "pretty" || strings.ToLower(format) == "text" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(w).With().Timestamp().Logger()
	}

	return logger.Level(lvl)
}

// Component returns a child logger tagged with a component name, the way
// every subsystem in this gateway identifies itself in structured logs.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
