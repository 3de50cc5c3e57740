package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/adred-codev/chat-relay/internal/types"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  types.LogLevel  // Minimum log level
	Format types.LogFormat // Output format
}

// NewLogger creates a structured logger suitable for log aggregation.
//
// Features:
//   - Structured JSON output by default
//   - Contextual fields for filtering
//   - Caller information for debugging
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case types.LogLevelDebug:
		level = zerolog.DebugLevel
	case types.LogLevelInfo:
		level = zerolog.InfoLevel
	case types.LogLevelWarn:
		level = zerolog.WarnLevel
	case types.LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "chat-relay").
		Logger()

	return logger
}

// RecoverPanic is a helper for goroutine panic recovery that logs but doesn't exit.
//
// Use in ALL long-lived goroutine defer blocks to catch panics that would
// otherwise crash the entire process.
//
// Example:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "writePump", map[string]any{"conn_id": id})
//	    // ... goroutine work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())

		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", stack)

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}

// InitGlobalLogger initializes the global logger.
// Call once at application startup.
func InitGlobalLogger(config LoggerConfig) {
	logger := NewLogger(config)
	log.Logger = logger
}
