package logger

import (
	"context"
	"strings"
	"sync"
)

// MockLogger records log entries in memory for assertions in tests. Loggers
// derived with With share the same entries.
type MockLogger struct {
	store  *mockStore
	fields []Field
}

type mockStore struct {
	mu      sync.Mutex
	entries []MockEntry
}

// MockEntry stores a single log emission. Fields include the attempt
// identifiers found in the context.
type MockEntry struct {
	Level   Level
	Message string
	Attempt Attempt
	Fields  []Field
}

// Field returns the value of the named field and whether it was present.
func (e MockEntry) Field(key string) (interface{}, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// NewMockLogger creates an empty MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{store: &mockStore{}}
}

func (m *MockLogger) DebugContext(ctx context.Context, msg string, fields ...Field) {
	m.record(ctx, LevelDebug, msg, fields)
}

func (m *MockLogger) InfoContext(ctx context.Context, msg string, fields ...Field) {
	m.record(ctx, LevelInfo, msg, fields)
}

func (m *MockLogger) WarnContext(ctx context.Context, msg string, fields ...Field) {
	m.record(ctx, LevelWarn, msg, fields)
}

func (m *MockLogger) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	m.record(ctx, LevelError, msg, fields)
}

func (m *MockLogger) With(fields ...Field) Logger {
	return &MockLogger{
		store:  m.store,
		fields: append(append([]Field{}, m.fields...), fields...),
	}
}

func (m *MockLogger) record(ctx context.Context, level Level, msg string, fields []Field) {
	attempt := AttemptFromContext(ctx)
	all := append(attempt.fields(), m.fields...)
	all = append(all, fields...)

	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.entries = append(m.store.entries, MockEntry{
		Level:   level,
		Message: msg,
		Attempt: attempt,
		Fields:  all,
	})
}

// GetEntries returns a copy of all stored entries.
func (m *MockLogger) GetEntries() []MockEntry {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return append([]MockEntry(nil), m.store.entries...)
}

// HasEntry reports whether an entry with the provided level contains the substring.
func (m *MockLogger) HasEntry(level Level, substring string) bool {
	for _, entry := range m.GetEntries() {
		if entry.Level == level && strings.Contains(entry.Message, substring) {
			return true
		}
	}
	return false
}

// CountEntries counts entries recorded with the supplied level.
func (m *MockLogger) CountEntries(level Level) int {
	count := 0
	for _, entry := range m.GetEntries() {
		if entry.Level == level {
			count++
		}
	}
	return count
}
