package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const schema = `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id         UUID PRIMARY KEY,
		run_id     TEXT NOT NULL,
		episode    INTEGER NOT NULL,
		blob       BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (run_id, episode)
	)`

// PostgresStore implements Store backed by PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the checkpoints table if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate checkpoints: %w", err)
	}
	return nil
}

func (p *PostgresStore) Save(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO checkpoints (id, run_id, episode, blob, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := p.db.ExecContext(ctx, query, rec.ID, rec.RunID, rec.Episode, rec.Blob, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, runID string, episode int) (Record, error) {
	query := `
		SELECT id, run_id, episode, blob, created_at
		FROM checkpoints WHERE run_id = $1 AND episode = $2`

	return p.scan(p.db.QueryRowContext(ctx, query, runID, episode))
}

func (p *PostgresStore) Latest(ctx context.Context, runID string) (Record, error) {
	query := `
		SELECT id, run_id, episode, blob, created_at
		FROM checkpoints WHERE run_id = $1
		ORDER BY episode DESC LIMIT 1`

	return p.scan(p.db.QueryRowContext(ctx, query, runID))
}

func (p *PostgresStore) scan(row *sql.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.RunID, &rec.Episode, &rec.Blob, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return rec, nil
}

// isUniqueViolation reports a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
