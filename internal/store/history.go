package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	apperrors "relupd/internal/errors"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS update_attempts (
	id           TEXT PRIMARY KEY,
	started_at   TEXT NOT NULL,
	finished_at  TEXT NOT NULL,
	from_version TEXT NOT NULL DEFAULT '',
	to_version   TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL,
	error_code   TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_update_attempts_started ON update_attempts (started_at);
`

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Attempt is one finished update run.
type Attempt struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	FromVersion string
	ToVersion   string
	Outcome     string
	ErrorCode   string
	Detail      string
}

// SQLiteHistory persists update attempts in a SQLite database file.
type SQLiteHistory struct {
	db *sql.DB
}

// OpenHistory opens (creating if needed) the history database at path and
// bootstraps its schema.
func OpenHistory(ctx context.Context, path string) (*SQLiteHistory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.DatabaseError(apperrors.CodeDatabase, "failed to create history directory", err).
			WithModule("store").
			WithOperation("OpenHistory").
			WithField("path", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.DatabaseError(apperrors.CodeDatabase, "failed to open history database", err).
			WithModule("store").
			WithOperation("OpenHistory").
			WithField("path", path)
	}
	db.SetMaxOpenConns(1)

	h := NewSQLiteHistory(db)
	if err := h.Bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

// NewSQLiteHistory wraps an already opened database.
func NewSQLiteHistory(db *sql.DB) *SQLiteHistory {
	return &SQLiteHistory{db: db}
}

// Bootstrap creates the schema when missing.
func (h *SQLiteHistory) Bootstrap(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, historySchema); err != nil {
		return apperrors.DatabaseError(apperrors.CodeDatabase, "failed to bootstrap history schema", err).
			WithModule("store").
			WithOperation("Bootstrap")
	}
	return nil
}

// Record stores a finished attempt.
func (h *SQLiteHistory) Record(ctx context.Context, a Attempt) error {
	const q = `INSERT INTO update_attempts
		(id, started_at, finished_at, from_version, to_version, outcome, error_code, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := h.db.ExecContext(ctx, q,
		a.ID,
		a.StartedAt.UTC().Format(timeLayout),
		a.FinishedAt.UTC().Format(timeLayout),
		a.FromVersion,
		a.ToVersion,
		a.Outcome,
		a.ErrorCode,
		a.Detail,
	)
	if err != nil {
		return apperrors.DatabaseError(apperrors.CodeDatabase, "failed to record update attempt", err).
			WithModule("store").
			WithOperation("Record").
			WithField("attempt_id", a.ID)
	}
	return nil
}

// Recent returns up to limit attempts, newest first.
func (h *SQLiteHistory) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `SELECT id, started_at, finished_at, from_version, to_version, outcome, error_code, detail
		FROM update_attempts ORDER BY started_at DESC LIMIT ?`
	rows, err := h.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, apperrors.DatabaseError(apperrors.CodeDatabase, "failed to query update history", err).
			WithModule("store").
			WithOperation("Recent")
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a                 Attempt
			started, finished string
		)
		if err := rows.Scan(&a.ID, &started, &finished, &a.FromVersion, &a.ToVersion, &a.Outcome, &a.ErrorCode, &a.Detail); err != nil {
			return nil, apperrors.DatabaseError(apperrors.CodeDatabase, "failed to scan update history", err).
				WithModule("store").
				WithOperation("Recent")
		}
		if a.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, errors.Wrapf(err, "attempt %s has invalid started_at", a.ID)
		}
		if a.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, errors.Wrapf(err, "attempt %s has invalid finished_at", a.ID)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.DatabaseError(apperrors.CodeDatabase, "failed to read update history", err).
			WithModule("store").
			WithOperation("Recent")
	}
	return out, nil
}

// Close closes the database.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
