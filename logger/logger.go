// Package logger builds the single zerolog.Logger shared by every
// component, following the same console-in-development/JSON-in-production
// split the teacher gateway used.
package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/config"
)

// New returns a configured zerolog.Logger honoring cfg.Env and cfg.LogLevel.
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if cfg.IsDevelopment() && cfg.LogLevel == "info" {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out zerolog.ConsoleWriter
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
