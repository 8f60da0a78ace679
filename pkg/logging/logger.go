// Package logging configures zerolog for the pipeline and hands out
// component loggers.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug adds per-page and per-parent detail.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs run progress and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs retries, throttling and skipped resources and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs failed resources and runs only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty switches from JSON lines to console output.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// ConfigFromEnv reads LOG_LEVEL and LOG_PRETTY through getenv, falling back
// to DefaultConfig for unset or unparsable values.
func ConfigFromEnv(getenv func(string) string) Config {
	cfg := DefaultConfig()
	if level := getenv("LOG_LEVEL"); level != "" {
		cfg.Level = LogLevel(strings.ToLower(level))
	}
	if pretty, err := strconv.ParseBool(getenv("LOG_PRETTY")); err == nil {
		cfg.Pretty = pretty
	}
	return cfg
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
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

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-page and per-parent detail
//   - endpoint fetched for each parent record
//   - page follow-ups, cache hits and conditional requests
//
// Info: run progress
//   - resource started / resolved with record count
//   - table committed, load summary
//
// Warn: degraded but continuing
//   - retries, throttling, quota waits
//   - cache errors, skipped resources
//
// Error: a resource or the run failed
//   - resource aborted by a fetch or field error
//   - authentication or connectivity failure
//
// Context Fields:
//   - resource, parent: resource names from the pipeline document
//   - endpoint: expanded request path
//   - status, error_class: HTTP outcome
//   - records, rows: counts
//   - table, dataset, load_id: sink coordinates
