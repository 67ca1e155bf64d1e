// Package obslog builds component-scoped zerolog loggers. The root logger is
// constructed once in main and threaded through constructors rather than
// kept as a global.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the root logger's destination and level.
type Config struct {
	Level  string // "debug" | "info" | "warn" | "error"
	Pretty bool   // human-readable console output instead of JSON
	Output io.Writer
}

// New builds the root logger for a process.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component field.
func Component(root zerolog.Logger, name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}
