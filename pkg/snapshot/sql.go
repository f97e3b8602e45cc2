package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLStore persists snapshots in a relational table keyed by
// (snapshot_type, sequence_number). Works with Postgres and SQLite.
type SQLStore struct {
	db   *sql.DB
	keep int
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, keep int) *SQLStore {
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &SQLStore{db: db, keep: keep}
}

const sqlSnapshotSchema = `
CREATE TABLE IF NOT EXISTS credit_snapshots (
	snapshot_type TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	event_count BIGINT NOT NULL,
	state_data TEXT NOT NULL,
	state_hash TEXT NOT NULL,
	taken_at TIMESTAMP NOT NULL,
	PRIMARY KEY (snapshot_type, sequence_number)
)`

// Init creates the snapshot table.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSnapshotSchema); err != nil {
		return fmt.Errorf("init snapshot schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Save(ctx context.Context, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_snapshots
			(snapshot_type, sequence_number, event_count, state_data, state_hash, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (snapshot_type, sequence_number) DO NOTHING`,
		snap.SnapshotType, snap.Sequence, snap.EventCount,
		string(snap.StateData), snap.StateHash, snap.TakenAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	// Retention: keep the newest N of this type.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM credit_snapshots
		WHERE snapshot_type = $1 AND sequence_number NOT IN (
			SELECT sequence_number FROM credit_snapshots
			WHERE snapshot_type = $1
			ORDER BY sequence_number DESC
			LIMIT $2
		)`, snap.SnapshotType, s.keep)
	if err != nil {
		return fmt.Errorf("apply snapshot retention: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadLatest(ctx context.Context, snapshotType string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT snapshot_type, sequence_number, event_count, state_data, state_hash, taken_at
		FROM credit_snapshots
		WHERE snapshot_type = $1
		ORDER BY sequence_number DESC
		LIMIT 1`, snapshotType)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	if err := snap.VerifyIntegrity(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLStore) List(ctx context.Context, snapshotType string) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_type, sequence_number, event_count, state_data, state_hash, taken_at
		FROM credit_snapshots
		WHERE snapshot_type = $1
		ORDER BY sequence_number DESC`, snapshotType)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Snapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row interface{ Scan(...any) error }) (*Snapshot, error) {
	var snap Snapshot
	var stateData string
	err := row.Scan(&snap.SnapshotType, &snap.Sequence, &snap.EventCount,
		&stateData, &snap.StateHash, &snap.TakenAt)
	if err != nil {
		return nil, err
	}
	snap.StateData = []byte(stateData)
	snap.TakenAt = snap.TakenAt.UTC()
	return &snap, nil
}
