// Package log provides the process-wide structured logger shared by every
// PPDB personality.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init replaces it; every package-level
// helper and every With* constructor reads from it.
var Logger zerolog.Logger

// Level names the severities accepted in Config; they map onto zerolog's
// own levels rather than aliasing them directly so a bad config value has
// somewhere safe to fall.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init builds the global Logger from cfg. An unrecognized or empty Level
// falls back to InfoLevel; a nil Output writes to stdout.
func Init(cfg Config) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	Logger = zerolog.New(writerFor(cfg)).With().Timestamp().Logger()
}

// writerFor picks between raw JSON lines and a human-readable console
// writer, defaulting the destination to stdout when unset.
func writerFor(cfg Config) io.Writer {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.JSONOutput {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

// WithComponent tags a child logger with the infra component emitting the
// line (mux, kv, health, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithService tags a child logger with the personality name (memkv,
// rinetd, sqlite3).
func WithService(service string) zerolog.Logger {
	return Logger.With().Str("service", service).Logger()
}

// WithConn tags a child logger with a connection ID, for use across a
// connection's lifetime from accept through Destroy.
func WithConn(connID string) zerolog.Logger {
	return Logger.With().Str("conn_id", connID).Logger()
}

// Debug, Info, Warn, and Error log a bare message at the named level on
// the global Logger, for call sites that don't need a child logger.
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Info(msg string)  { Logger.Info().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

// Errorf logs msg at error level with err attached as the event's error
// field.
func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}

// Fatal logs msg at fatal level and terminates the process (zerolog's
// Fatal calls os.Exit(1) after writing the event).
func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
