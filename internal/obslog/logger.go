// Package obslog is the ambient logging layer: a zerolog logger
// configured the way the teacher's internal/shared/monitoring package
// configures one (structured JSON for Loki, pretty console for local
// dev, stack traces on recovered panics), plus the two optional packet
// sinks (on-disk NDJSON and a NATS relay) that every C4-C9 component's
// Logf callback and the Core facade's packet pipeline are wired to.
package obslog

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level mirrors the teacher's LogLevel enum without importing its
// internal/shared/types package.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Format mirrors the teacher's LogFormat enum.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config holds logger configuration.
type Config struct {
	Level   Level
	Format  Format
	Service string // zerolog "service" field, defaults to "mtgateway"
}

// New creates a structured logger configured for Loki-style ingestion,
// the way the teacher's monitoring.NewLogger does.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	case LevelFatal:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "mtgateway"
	}

	return zerolog.New(output).With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// InitGlobal installs cfg's logger as the package-level zerolog default,
// for code that logs via github.com/rs/zerolog/log rather than holding
// its own logger value.
func InitGlobal(cfg Config) {
	log.Logger = New(cfg)
}

// LogError logs err with message msg and arbitrary context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is meant for goroutine defer blocks: it logs a recovered
// panic with a stack trace and lets the goroutine return normally
// instead of crashing the process.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}

// Logf adapts a zerolog logger to the Logf func(string, ...any) shape
// that internal/subscribe, internal/resolve and internal/events accept,
// so the Core facade can wire one real logger into all of them.
func Logf(logger zerolog.Logger) func(string, ...any) {
	return func(format string, args ...any) {
		logger.Info().Msgf(format, args...)
	}
}
