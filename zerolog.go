package vsockmux

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ZerologLogger implements Logger on top of zerolog.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger wraps an existing zerolog.Logger.
func NewZerologLogger(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: logger}
}

// Debug logs a debug-level message.
func (z *ZerologLogger) Debug(msg string, args ...any) {
	addFields(z.logger.Debug(), args).Msg(msg)
}

// Info logs an info-level message.
func (z *ZerologLogger) Info(msg string, args ...any) {
	addFields(z.logger.Info(), args).Msg(msg)
}

// Warn logs a warning-level message.
func (z *ZerologLogger) Warn(msg string, args ...any) {
	addFields(z.logger.Warn(), args).Msg(msg)
}

// Error logs an error-level message.
func (z *ZerologLogger) Error(msg string, args ...any) {
	addFields(z.logger.Error(), args).Msg(msg)
}

// addFields converts slog-style alternating key/value args into zerolog fields.
// A trailing key without a value is logged under "!BADKEY", as slog does.
func addFields(event *zerolog.Event, args []any) *zerolog.Event {
	if event == nil {
		return nil
	}
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			event = event.Interface("!BADKEY", args[i])
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		switch v := args[i+1].(type) {
		case string:
			event = event.Str(key, v)
		case int:
			event = event.Int(key, v)
		case int64:
			event = event.Int64(key, v)
		case uint32:
			event = event.Uint32(key, v)
		case uint64:
			event = event.Uint64(key, v)
		case bool:
			event = event.Bool(key, v)
		case time.Duration:
			event = event.Dur(key, v)
		case error:
			event = event.AnErr(key, v)
		case fmt.Stringer:
			event = event.Stringer(key, v)
		default:
			event = event.Interface(key, v)
		}
	}
	return event
}
