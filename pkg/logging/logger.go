// Package logging provides structured logging configuration using zerolog.
//
// Logs always go to stderr by default: stdout carries the RECORD and STATE
// messages of an extraction run.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel converts a level name to zerolog.Level. Unknown names map to
// info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ValidLevel reports whether level names one of the supported levels.
func ValidLevel(level LogLevel) bool {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Every page request (page, window floor, record count)
//   - Checkpoint writes
//   - Redis cooldown reads
//
// Info: Normal operation events
//   - Stream start and finish with totals
//   - Window narrowing
//   - Metrics server startup/shutdown
//
// Warn: Conditions that don't stop the run
//   - Coverage gap (several updates within one day beyond the result cap)
//   - Retry attempts
//   - Rate limit cooldowns (HTTP 429)
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Malformed responses
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (client, extract, pagination, ratelimit)
//   - stream: record type name
//   - endpoint: request path
//   - page: page number within the current window
//   - window_floor: day bound of the current window
//   - status_code: HTTP status code
//   - error_class: Error classification (client, server, rate_limit, network)
//   - checkpoint: replication checkpoint value
