// Package logging wraps zerolog with the small surface the rest of the
// toolkit uses: a global logger initialized once per process and child
// loggers scoped to a component. Worker processes must log to stderr
// only; stdout is reserved for the readiness handshake line.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Packages derive children from it
// via Component instead of using it directly.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level mirrors the configurable severities.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level   Level
	JSON    bool
	Output  io.Writer
}

// Init initializes the global logger. Safe to call once at startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.JSON {
		Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithPlugin returns a child logger tagged with a plugin id.
func WithPlugin(pluginID string) zerolog.Logger {
	return Logger.With().Str("plugin_id", pluginID).Logger()
}

// WithConnection returns a child logger tagged with a connection id.
func WithConnection(connectionID string) zerolog.Logger {
	return Logger.With().Str("connection_id", connectionID).Logger()
}
