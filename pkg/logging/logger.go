// Package logging provides structured logging configuration using zerolog.
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

// FromEnv builds a configuration from LOG_LEVEL and LOG_PRETTY. Unset
// or unparsable values keep the defaults.
func FromEnv() Config {
	cfg := DefaultConfig()
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Level = LogLevel(level)
	}
	if pretty, err := strconv.ParseBool(os.Getenv("LOG_PRETTY")); err == nil {
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

	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	return log.Logger
}

// parseLevel converts LogLevel to zerolog.Level.
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

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Request cache operations (hit/miss, key)
//   - Per-page and per-batch fetch progress
//   - Graph link and target expansion detail
//   - Conditional request flow (ETags, If-Modified-Since)
//
// Info: Normal operation events
//   - Resolve/fetch operation begin and end with resource counts
//   - Cache hit/miss totals per operation
//   - Token acquisition on startup
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts and backoff
//   - Token refresh forced by 401
//   - Fallback to one-by-one resource fetch
//   - Shared cache errors (fallback to direct request)
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Start resource fetch failures aborting a resolve
//   - Configuration errors
//
// Context Fields:
//   - url: full request url
//   - resource_type: FHIR resource type being fetched
//   - status_code: HTTP status code
//   - duration: Request duration
//   - error_class: Error classification (client, server, rate_limit, network, auth)
//   - cache_hit: Boolean indicating request cache hit
//   - page: page number during paged fetches
//   - link_path: forward path of the graph link being processed
