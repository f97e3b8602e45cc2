package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Mindburn-Labs/creditledger/pkg/envelope"
)

// SQLJournal implements Journal over database/sql. It supports both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite) with one set of
// statements; both drivers accept $1 placeholders.
//
// The sequence counter lives in a single-row head table updated inside the
// append transaction, so sequence assignment and the durable write commit
// or roll back as one unit. Unique indexes on idempotency_key and event_id
// are the storage-level backstop behind the idempotency guard.
type SQLJournal struct {
	db *sql.DB
}

// NewSQLJournal wraps an open database handle.
func NewSQLJournal(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

const sqlJournalSchema = `
CREATE TABLE IF NOT EXISTS credit_events (
	sequence_number BIGINT PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	ts TIMESTAMP NOT NULL,
	actor_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	causation_id TEXT,
	payload TEXT NOT NULL,
	schema_version INTEGER NOT NULL DEFAULT 1,
	idempotency_key TEXT NOT NULL UNIQUE,
	committed_at TIMESTAMP NOT NULL,
	commit_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_events_correlation
	ON credit_events (correlation_id, sequence_number);
CREATE TABLE IF NOT EXISTS journal_head (
	id INTEGER PRIMARY KEY,
	last_sequence BIGINT NOT NULL,
	head_hash TEXT NOT NULL
);
`

// Init creates the schema and seeds the head row.
func (j *SQLJournal) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(sqlJournalSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init journal schema: %w", err)
		}
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO journal_head (id, last_sequence, head_hash)
		 SELECT 1, 0, $1
		 WHERE NOT EXISTS (SELECT 1 FROM journal_head WHERE id = 1)`,
		GenesisHash,
	)
	if err != nil {
		return fmt.Errorf("seed journal head: %w", err)
	}
	return nil
}

func (j *SQLJournal) Append(ctx context.Context, event *envelope.Event) (uint64, error) {
	if err := validateForAppend(event); err != nil {
		return 0, err
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &WriteError{Op: "begin", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	// Hot-path duplicate check inside the transaction. The unique index
	// remains the backstop if two transactions race past this point.
	if dup, derr := j.lookupKeyTx(ctx, tx, event.IdempotencyKey); derr != nil {
		return 0, &WriteError{Op: "dedupe", Err: derr}
	} else if dup != nil {
		return 0, dup
	}

	// Claim the next sequence. The UPDATE takes a row lock on the head
	// row, serializing concurrent appenders.
	if _, err := tx.ExecContext(ctx,
		`UPDATE journal_head SET last_sequence = last_sequence + 1 WHERE id = 1`); err != nil {
		return 0, &WriteError{Op: "advance head", Err: err}
	}
	var seq uint64
	var prevHash string
	if err := tx.QueryRowContext(ctx,
		`SELECT last_sequence, head_hash FROM journal_head WHERE id = 1`).
		Scan(&seq, &prevHash); err != nil {
		return 0, &WriteError{Op: "read head", Err: err}
	}

	hash, err := commitHash(seq, event, prevHash)
	if err != nil {
		return 0, &WriteError{Op: "hash", Err: err}
	}

	committed := *event
	committed.SequenceNumber = seq
	committed.CommittedAt = time.Now().UTC()
	committed.PreviousHash = prevHash
	committed.CommitHash = hash

	payloadJSON, err := json.Marshal(committed.Payload)
	if err != nil {
		return 0, &WriteError{Op: "encode payload", Err: err}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_events (
			sequence_number, event_id, event_type, ts, actor_id,
			correlation_id, causation_id, payload, schema_version,
			idempotency_key, committed_at, commit_hash, previous_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		committed.SequenceNumber, committed.EventID, string(committed.EventType),
		committed.Timestamp, committed.ActorID, committed.CorrelationID,
		committed.CausationID, string(payloadJSON), committed.SchemaVersion,
		committed.IdempotencyKey, committed.CommittedAt,
		committed.CommitHash, committed.PreviousHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race; surface the winner's identity.
			_ = tx.Rollback()
			if dup, derr := j.lookupKey(ctx, event.IdempotencyKey); derr == nil && dup != nil {
				return 0, dup
			}
			return 0, &WriteError{Op: "insert", Err: err}
		}
		return 0, &WriteError{Op: "insert", Err: err}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE journal_head SET head_hash = $1 WHERE id = 1`, hash); err != nil {
		return 0, &WriteError{Op: "update head hash", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &WriteError{Op: "commit", Err: err}
	}

	*event = committed
	return seq, nil
}

func (j *SQLJournal) lookupKeyTx(ctx context.Context, tx *sql.Tx, key string) (*DuplicateKeyError, error) {
	var id string
	var seq uint64
	err := tx.QueryRowContext(ctx,
		`SELECT event_id, sequence_number FROM credit_events WHERE idempotency_key = $1`,
		key).Scan(&id, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &DuplicateKeyError{Key: key, ExistingEventID: id, ExistingSequence: seq}, nil
}

func (j *SQLJournal) lookupKey(ctx context.Context, key string) (*DuplicateKeyError, error) {
	var id string
	var seq uint64
	err := j.db.QueryRowContext(ctx,
		`SELECT event_id, sequence_number FROM credit_events WHERE idempotency_key = $1`,
		key).Scan(&id, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &DuplicateKeyError{Key: key, ExistingEventID: id, ExistingSequence: seq}, nil
}

// isUniqueViolation recognizes duplicate-key failures from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "unique constraint")
}

const sqlEventColumns = `sequence_number, event_id, event_type, ts, actor_id,
	correlation_id, causation_id, payload, schema_version, idempotency_key,
	committed_at, commit_hash, previous_hash`

func scanEvent(rows interface{ Scan(...any) error }) (*envelope.Event, error) {
	var (
		e           envelope.Event
		eventType   string
		causation   sql.NullString
		payloadJSON string
	)
	err := rows.Scan(
		&e.SequenceNumber, &e.EventID, &eventType, &e.Timestamp, &e.ActorID,
		&e.CorrelationID, &causation, &payloadJSON, &e.SchemaVersion,
		&e.IdempotencyKey, &e.CommittedAt, &e.CommitHash, &e.PreviousHash,
	)
	if err != nil {
		return nil, err
	}
	e.EventType = envelope.EventType(eventType)
	e.CausationID = causation.String
	payload, err := envelope.DecodePayload(e.EventType, json.RawMessage(payloadJSON))
	if err != nil {
		return nil, fmt.Errorf("decode stored payload at seq %d: %w", e.SequenceNumber, err)
	}
	e.Payload = payload
	e.Timestamp = e.Timestamp.UTC()
	e.CommittedAt = e.CommittedAt.UTC()
	return &e, nil
}

func (j *SQLJournal) ReadFrom(ctx context.Context, after uint64) (Cursor, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+sqlEventColumns+` FROM credit_events
		 WHERE sequence_number > $1 ORDER BY sequence_number ASC`, after)
	if err != nil {
		return nil, fmt.Errorf("read from seq %d: %w", after, err)
	}
	return &rowsCursor{rows: rows}, nil
}

func (j *SQLJournal) ReadByCorrelation(ctx context.Context, correlationID string) ([]*envelope.Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+sqlEventColumns+` FROM credit_events
		 WHERE correlation_id = $1 ORDER BY sequence_number ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("read correlation %s: %w", correlationID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*envelope.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *SQLJournal) Get(ctx context.Context, seq uint64) (*envelope.Event, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT `+sqlEventColumns+` FROM credit_events WHERE sequence_number = $1`, seq)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (j *SQLJournal) GetByEventID(ctx context.Context, eventID string) (*envelope.Event, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT `+sqlEventColumns+` FROM credit_events WHERE event_id = $1`, eventID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (j *SQLJournal) LastSequence(ctx context.Context) (uint64, error) {
	var seq uint64
	err := j.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM journal_head WHERE id = 1`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (j *SQLJournal) VerifyChain(ctx context.Context, lo, hi uint64) error {
	if lo == 0 {
		lo = 1
	}
	prev := GenesisHash
	if lo > 1 {
		prior, err := j.Get(ctx, lo-1)
		if err != nil {
			return fmt.Errorf("load chain anchor at seq %d: %w", lo-1, err)
		}
		prev = prior.CommitHash
	}

	cur, err := j.ReadFrom(ctx, lo-1)
	if err != nil {
		return err
	}
	defer func() { _ = cur.Close() }()

	for {
		e, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if hi != 0 && e.SequenceNumber > hi {
			return nil
		}
		if err := verifyEvents([]*envelope.Event{e}, prev); err != nil {
			return err
		}
		prev = e.CommitHash
	}
}

// rowsCursor streams a sql.Rows result set as a journal cursor.
type rowsCursor struct {
	rows *sql.Rows
}

func (c *rowsCursor) Next(ctx context.Context) (*envelope.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return scanEvent(c.rows)
}

func (c *rowsCursor) Close() error { return c.rows.Close() }
