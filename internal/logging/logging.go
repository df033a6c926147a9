// Package logging provides structured logging for solargate using the
// standard library slog package.
//
// Features:
//   - Structured JSON logging for production
//   - Human-readable text logging for development
//   - Log level and format configuration via environment
//
// Usage:
//
//	logger := logging.New(logging.Config{
//	    Level:  slog.LevelInfo,
//	    Format: logging.FormatJSON,
//	})
//
//	logger.Info("proxy starting", slog.Int("port", 5710))
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Format specifies the log output format.
type Format string

const (
	// FormatJSON outputs structured JSON logs, ideal for production and
	// log aggregation.
	FormatJSON Format = "json"

	// FormatText outputs human-readable text logs, ideal for development.
	FormatText Format = "text"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	// Defaults to slog.LevelInfo if zero.
	Level slog.Level

	// Format specifies the output format (json or text).
	// Defaults to FormatJSON if empty.
	Format Format

	// Output is the destination for log output.
	// Defaults to os.Stdout if nil.
	Output io.Writer

	// AddSource includes source file and line number in log output.
	AddSource bool

	// AppName is included in every log entry.
	AppName string
}

func (c *Config) applyDefaults() {
	if c.Format == "" {
		c.Format = FormatJSON
	}
	if c.Output == nil {
		c.Output = os.Stdout
	}
	if c.AppName == "" {
		c.AppName = "solargate"
	}
}

// New creates a structured logger with the given configuration.
func New(cfg Config) *slog.Logger {
	cfg.applyDefaults()

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && cfg.Format == FormatText {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(a.Key, t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{slog.String("app", cfg.AppName)})
	return slog.New(handler)
}

// NewFromEnv creates a logger configured from environment variables.
//
// Environment variables:
//   - SOLARGATE_LOG_LEVEL: debug, info, warn, error (default: info)
//   - SOLARGATE_LOG_FORMAT: json, text (default: json)
//   - SOLARGATE_LOG_SOURCE: true, false (default: false)
func NewFromEnv() *slog.Logger {
	return New(Config{
		Level:     ParseLevel(os.Getenv("SOLARGATE_LOG_LEVEL")),
		Format:    ParseFormat(os.Getenv("SOLARGATE_LOG_FORMAT")),
		AddSource: parseBool(os.Getenv("SOLARGATE_LOG_SOURCE")),
	})
}

// Development returns a development-friendly logger with text output and
// debug level.
func Development() *slog.Logger {
	return New(Config{
		Level:     slog.LevelDebug,
		Format:    FormatText,
		AddSource: true,
	})
}

// ParseLevel parses a log level string to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat parses a format string to Format.
func ParseFormat(format string) Format {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "console":
		return FormatText
	default:
		return FormatJSON
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
