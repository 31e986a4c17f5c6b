// Package logging configures the process-wide zerolog logger and hands out
// component-scoped child loggers.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. level is one of
// debug/info/warn/error (case-insensitive, defaults to info on anything
// else); format "console" renders human-readable colorized output, anything
// else keeps zerolog's default JSON.
func Init(level, format string) {
	zerolog.SetGlobalLevel(parseLevel(level))

	if strings.EqualFold(format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
		return
	}

	log.Logger = log.Output(os.Stdout)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Get returns the global logger.
func Get() zerolog.Logger {
	return log.Logger
}

// For returns a child logger tagged with a component field, used by
// netconn, assoc and dicomclient so every line can be filtered by
// component.
func For(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
