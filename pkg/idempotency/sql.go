package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLGuard enforces idempotency against a relational key table, arbitrated
// by INSERT ... ON CONFLICT DO NOTHING, which both Postgres and SQLite honor.
type SQLGuard struct {
	db        *sql.DB
	retention time.Duration
}

// NewSQLGuard wraps an open database handle.
func NewSQLGuard(db *sql.DB, retention time.Duration) *SQLGuard {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &SQLGuard{db: db, retention: retention}
}

const sqlGuardSchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	event_id TEXT,
	sequence_number BIGINT,
	committed BOOLEAN NOT NULL DEFAULT FALSE,
	reserved_at TIMESTAMP NOT NULL
)`

// Init creates the key table.
func (g *SQLGuard) Init(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, sqlGuardSchema); err != nil {
		return fmt.Errorf("init idempotency schema: %w", err)
	}
	return nil
}

func (g *SQLGuard) Reserve(ctx context.Context, key string) (Reservation, error) {
	res, err := g.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, committed, reserved_at)
		 VALUES ($1, FALSE, $2)
		 ON CONFLICT (key) DO NOTHING`,
		key, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("reserve key: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reserve key: %w", err)
	}
	if rows == 1 {
		return &sqlReservation{guard: g, key: key}, nil
	}

	// Lost to an existing holder; report its identity.
	var (
		eventID   sql.NullString
		sequence  sql.NullInt64
		committed bool
	)
	err = g.db.QueryRowContext(ctx,
		`SELECT event_id, sequence_number, committed FROM idempotency_keys WHERE key = $1`,
		key).Scan(&eventID, &sequence, &committed)
	if errors.Is(err, sql.ErrNoRows) {
		// Holder released between our insert and select; try once more.
		return g.Reserve(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("inspect existing reservation: %w", err)
	}
	return nil, &AlreadyReservedError{
		Key:      key,
		EventID:  eventID.String,
		Sequence: uint64(sequence.Int64),
		Pending:  !committed,
	}
}

// Sweep deletes committed reservations past the retention window plus
// stale uncommitted reservations older than an hour (owner crashed before
// commit or release).
func (g *SQLGuard) Sweep(ctx context.Context) (int64, error) {
	res, err := g.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (committed AND reserved_at < $1)
		    OR (NOT committed AND reserved_at < $2)`,
		time.Now().UTC().Add(-g.retention),
		time.Now().UTC().Add(-time.Hour))
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

type sqlReservation struct {
	guard *SQLGuard
	key   string
}

func (r *sqlReservation) Commit(ctx context.Context, eventID string, sequence uint64) error {
	_, err := r.guard.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET event_id = $1, sequence_number = $2, committed = TRUE
		 WHERE key = $3`,
		eventID, int64(sequence), r.key)
	if err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	return nil
}

func (r *sqlReservation) Release(ctx context.Context) error {
	_, err := r.guard.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND NOT committed`, r.key)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}
