// Package logger provides structured logging for the compass server
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	Output io.Writer
}

// New creates a structured logger tagged with the service name.
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "mirai-compass").
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child logger for one part of the server.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// InitGlobal installs l as the package-level zerolog logger used by code that
// logs through github.com/rs/zerolog/log.
func InitGlobal(l zerolog.Logger) {
	log.Logger = l
}

// LogServerStart logs server startup
func LogServerStart(l zerolog.Logger, addr string, questions int) {
	l.Info().
		Str("event", "server_start").
		Str("addr", addr).
		Int("questions", questions).
		Msg("compass server starting")
}

// LogServerShutdown logs server shutdown
func LogServerShutdown(l zerolog.Logger) {
	l.Info().
		Str("event", "server_shutdown").
		Msg("compass server shutting down")
}
