package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once by Init.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	// Level is a zerolog level name ("debug", "info", "warn",
	// "error"); anything unparseable falls back to info.
	Level      string
	JSONOutput bool
	Output     io.Writer // defaults to stdout
}

// Init initializes the global logger.
func Init(cfg Config) {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	Logger = zerolog.New(writer(cfg)).With().Timestamp().Logger()
}

// writer picks the output sink: raw JSON for machine consumption,
// console formatting otherwise.
func writer(cfg Config) io.Writer {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.JSONOutput {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSession creates a child logger carrying the per-connection
// fields every session log line shares: the short session id and the
// acting user.
func WithSession(sessionID, userID string) zerolog.Logger {
	return Logger.With().
		Str("component", "session").
		Str("session_id", sessionID).
		Str("user_id", userID).
		Logger()
}
