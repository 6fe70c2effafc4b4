package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

// sink is shared by a logger and everything derived from it with With, so
// concurrent writers never interleave partial lines.
type sink struct {
	mu        sync.Mutex
	output    io.Writer
	formatter Formatter
}

// StandardLogger writes formatted entries to a single writer.
type StandardLogger struct {
	sink   *sink
	level  Level
	fields []Field
}

// Option configures a StandardLogger during construction.
type Option func(*StandardLogger)

// NewStandardLogger constructs a logger writing to stderr at info level.
// Without WithFormatter the output is text, coloured when it is a terminal
// and NO_COLOR is unset.
func NewStandardLogger(options ...Option) *StandardLogger {
	log := &StandardLogger{
		sink:  &sink{output: os.Stderr},
		level: LevelInfo,
	}
	for _, opt := range options {
		if opt != nil {
			opt(log)
		}
	}

	if log.sink.output == nil {
		log.sink.output = os.Stderr
	}
	if log.sink.formatter == nil {
		log.sink.formatter = &TextFormatter{
			Colors: isTerminal(log.sink.output) && os.Getenv("NO_COLOR") == "",
		}
	}
	return log
}

// WithLevel sets the minimum Level that will be emitted.
func WithLevel(level Level) Option {
	return func(l *StandardLogger) {
		l.level = level
	}
}

// WithOutput redirects log output to w.
func WithOutput(w io.Writer) Option {
	return func(l *StandardLogger) {
		l.sink.output = w
	}
}

// WithFormatter overrides the formatter used to render entries.
func WithFormatter(formatter Formatter) Option {
	return func(l *StandardLogger) {
		l.sink.formatter = formatter
	}
}

// Discard returns a logger that drops every entry.
func Discard() *StandardLogger {
	return NewStandardLogger(WithOutput(io.Discard), WithLevel(LevelError+1))
}

func (l *StandardLogger) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, LevelDebug, msg, fields)
}

func (l *StandardLogger) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, LevelInfo, msg, fields)
}

func (l *StandardLogger) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, LevelWarn, msg, fields)
}

func (l *StandardLogger) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	l.write(ctx, LevelError, msg, fields)
}

// With derives a logger with extra constant fields writing to the same sink.
func (l *StandardLogger) With(fields ...Field) Logger {
	return &StandardLogger{
		sink:   l.sink,
		level:  l.level,
		fields: append(append([]Field{}, l.fields...), fields...),
	}
}

func (l *StandardLogger) write(ctx context.Context, level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}

	entry := &Entry{
		Time:    time.Now(),
		Level:   level,
		Message: msg,
		Attempt: AttemptFromContext(ctx),
		Fields:  append(append([]Field{}, l.fields...), fields...),
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	out, err := l.sink.formatter.Format(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to format log entry: %v\n", err)
		return
	}
	if _, err := l.sink.output.Write(out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write log entry: %v\n", err)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}
