// Package log wraps zerolog for the engine.
//
// Components obtain child loggers via WithComponent; background workers
// and the server log through them. Hot paths (insert, page scan) do not
// log at all.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger.
var Logger zerolog.Logger = zerolog.New(io.Discard)

// Level selects the minimum severity that is emitted.
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
	Quiet   bool
}

// Init initializes the root logger. With Quiet set, everything below
// error is dropped.
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
	if cfg.Quiet {
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.JSON {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithScope creates a child logger tagged with a scope name.
func WithScope(scope string) zerolog.Logger {
	return Logger.With().Str("scope", scope).Logger()
}
