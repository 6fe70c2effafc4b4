// Package logger provides structured logging keyed to the running update
// attempt.
package logger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is implemented by StandardLogger and MockLogger. Attempt and state
// identifiers stored in ctx are attached to every entry.
type Logger interface {
	DebugContext(ctx context.Context, msg string, fields ...Field)
	InfoContext(ctx context.Context, msg string, fields ...Field)
	WarnContext(ctx context.Context, msg string, fields ...Field)
	ErrorContext(ctx context.Context, msg string, fields ...Field)

	// With returns a derived logger enriched with constant fields.
	With(fields ...Field) Logger
}

// Level represents the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String renders the textual representation of a Level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a textual level (debug, info, warn, error) to a Level.
func ParseLevel(text string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", text)
	}
}

// Field carries additional contextual information for a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// String records a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int records an integer field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 records a byte count or other 64-bit integer.
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Duration records a duration in its string form.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Error records err under the "error" key.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Any records an arbitrary value.
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}
