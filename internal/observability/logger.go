package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	globalLogger zerolog.Logger
	initOnce     sync.Once
)

// InitLogger initializes the global structured logger on stderr.
// Stdout is left to the interactive console.
func InitLogger(level string, pretty bool) {
	InitLoggerWithWriter(level, pretty, os.Stderr)
}

// InitLoggerWithWriter initializes the global logger on out. Only the first call has effect.
func InitLoggerWithWriter(level string, pretty bool, out io.Writer) {
	initOnce.Do(func() {
		globalLogger = NewLogger(level, pretty, out)
		zerolog.SetGlobalLevel(ParseLevel(level))
		log.Logger = globalLogger
	})
}

// NewLogger builds a standalone logger without touching global state
func NewLogger(level string, pretty bool, out io.Writer) zerolog.Logger {
	if pretty {
		// Pretty console output for development
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(out).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// GetLogger returns the global logger
func GetLogger() zerolog.Logger {
	InitLogger("info", false)
	return globalLogger
}

// ForComponent returns the global logger tagged with a component name
func ForComponent(name string) zerolog.Logger {
	return GetLogger().With().Str("component", name).Logger()
}

// WithContext creates a logger with context fields
func WithContext(fields map[string]interface{}) zerolog.Logger {
	return GetLogger().With().Fields(fields).Logger()
}

// WithCorrelationID creates a logger with a correlation ID
func WithCorrelationID(correlationID string) zerolog.Logger {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return GetLogger().With().Str("correlation_id", correlationID).Logger()
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}
