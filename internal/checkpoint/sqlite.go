package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL,
		episode    INTEGER NOT NULL,
		blob       BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (run_id, episode)
	)`

// SQLiteStore implements Store in a single SQLite file. Creation times are
// kept as Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer at a time; SQLite serialises them anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate checkpoints: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO checkpoints(id, run_id, episode, blob, created_at) VALUES(?,?,?,?,?)",
		rec.ID, rec.RunID, rec.Episode, rec.Blob, rec.CreatedAt.UnixNano())
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, runID string, episode int) (Record, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		"SELECT id, run_id, episode, blob, created_at FROM checkpoints WHERE run_id = ? AND episode = ?",
		runID, episode))
}

func (s *SQLiteStore) Latest(ctx context.Context, runID string) (Record, error) {
	return s.scan(s.db.QueryRowContext(ctx,
		"SELECT id, run_id, episode, blob, created_at FROM checkpoints WHERE run_id = ? ORDER BY episode DESC LIMIT 1",
		runID))
}

func (s *SQLiteStore) scan(row *sql.Row) (Record, error) {
	var rec Record
	var createdAt int64
	err := row.Scan(&rec.ID, &rec.RunID, &rec.Episode, &rec.Blob, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return rec, nil
}

// isConstraintViolation matches SQLITE_CONSTRAINT and its extended codes.
func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
