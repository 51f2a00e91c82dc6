// Package logger provides structured logger construction for factorhub.
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
	Service string // Service name stamped on every log line
	Level   string // debug, info, warn, error
	Pretty  bool   // Enable pretty console output for development
}

// New creates a new structured logger. Every line carries the service name so
// log aggregation can tell the API server apart from one-off tooling.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	builder := zerolog.New(output).
		With().
		Timestamp().
		Caller()
	if cfg.Service != "" {
		builder = builder.Str("service", cfg.Service)
	}
	return builder.Logger()
}

// SetGlobalLogger sets the package-level logger
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
