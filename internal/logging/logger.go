package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/onionctl/internal/config"
	"github.com/edvin/onionctl/internal/platform"
)

// NewLogger creates the root zerolog.Logger for one tool invocation. Log
// lines go to stderr in console form so they never mix with the status
// tables the tool prints on stdout. Every line carries a run ID for
// correlation. verbose forces debug level regardless of config.
func NewLogger(cfg *config.Config, verbose bool) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}

	logger := zerolog.New(out).With().
		Timestamp().
		Str("run_id", platform.NewRunID()).
		Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}

	return logger.Level(level)
}
