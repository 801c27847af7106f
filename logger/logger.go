// Package logger provides the structured logging interface used across the
// module, with a zerolog-backed implementation and a no-op variant.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Field represents a key-value pair for structured log output.
type Field struct {
	Key   string
	Value any
}

// Logger is an interface for structured logging. Loops, handles, servers and
// clients accept a Logger and derive component-scoped loggers with With.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a new Logger that includes the given fields in all
	// subsequent log entries. The original Logger is unchanged.
	With(fields ...Field) Logger

	// GetLoggerInstance returns the underlying logger implementation (e.g.
	// zerolog.Logger) for advanced configuration or integration.
	GetLoggerInstance() interface{}
}

// Config controls how New builds a Logger.
type Config struct {
	// ServiceName is attached to every entry as the "service" field.
	ServiceName string
	// Level is a zerolog level name ("debug", "info", "warn", "error").
	// An empty or unknown value falls back to info.
	Level string
	// Console switches from JSON lines to zerolog's human-readable writer.
	Console bool
	// Output is where entries are written; nil means os.Stdout.
	Output io.Writer
}

// DefaultConfig returns a Config that logs JSON at info level to stdout.
//
// Parameters:
//   - serviceName: Name of the service, added as a field to every log entry
//
// Returns:
//   - A Config with Level "info", Console false and Output os.Stdout
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName: serviceName,
		Level:       "info",
		Output:      os.Stdout,
	}
}

// zerologLogger is the zerolog-based implementation of Logger.
type zerologLogger struct {
	logger zerolog.Logger
}

// New builds a zerolog-backed Logger from cfg.
//
// Parameters:
//   - cfg: Output, format and level settings
//
// Returns:
//   - A Logger writing to cfg.Output
//   - An error if cfg.Level is not a valid zerolog level name
func New(cfg Config) (Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}

		level = parsed
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, NoColor: true}
	}

	return NewZerologLogger(zerolog.New(out), cfg.ServiceName, level), nil
}

// NewZerologLogger builds a Logger that wraps the given zerolog.Logger,
// adding a service name and timestamp to all entries and filtering by level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Name of the service, added as a field to every log entry
//   - level: Minimum level to log (e.g. zerolog.InfoLevel)
//
// Returns:
//   - A Logger that writes through the given zerolog instance
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// Debug implements Logger.
func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

// Info implements Logger.
func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

// Warn implements Logger.
func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

// Error implements Logger.
func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger: z.logger.With().Fields(toMap(fields)).Logger(),
	}
}

// GetLoggerInstance implements Logger.
func (z *zerologLogger) GetLoggerInstance() interface{} {
	return z.logger
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}
