// Package journal provides durable, ordered, append-only storage of event
// envelopes. The journal owns the global sequence counter: every accepted
// event receives the next strictly-increasing, gapless sequence number
// atomically with the durable write, and each committed event extends a
// hash chain anchored at a genesis sentinel.
package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/creditledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/creditledger/pkg/envelope"
)

// GenesisHash anchors the commit hash chain before the first event.
const GenesisHash = "genesis"

// ErrNotFound is returned when no event exists at the requested position.
var ErrNotFound = errors.New("event not found")

// ErrAlreadySequenced is returned when an envelope submitted for append
// already carries a sequence number. Sequence assignment belongs to the
// journal alone.
var ErrAlreadySequenced = errors.New("event already carries a sequence number")

// DuplicateKeyError reports an idempotency-key collision. Callers treat it
// as success-with-existing-identity: the original event's id and sequence
// are carried so a retry resolves to a no-op.
type DuplicateKeyError struct {
	Key              string
	ExistingEventID  string
	ExistingSequence uint64
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("idempotency key %q already journaled as event %s (seq %d)",
		e.Key, e.ExistingEventID, e.ExistingSequence)
}

// WriteError wraps a storage failure during append. The sequence counter is
// never advanced when a WriteError is returned; retrying with the same
// idempotency key is safe by construction.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("journal write failed during %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Cursor streams committed events in ascending sequence order. Next returns
// io.EOF when the range is exhausted. Cursors never skip or reorder events
// that were durably written before the cursor was opened.
type Cursor interface {
	Next(ctx context.Context) (*envelope.Event, error)
	Close() error
}

// Journal is the append-only event store.
type Journal interface {
	// Append durably commits the event, assigning the next sequence
	// number and the commit-hash chain link as one atomic unit. A
	// duplicate idempotency key yields *DuplicateKeyError carrying the
	// original identity; the counter does not advance.
	Append(ctx context.Context, event *envelope.Event) (uint64, error)

	// ReadFrom returns a cursor over events with sequence > after.
	// Callers resume after a crash by passing the last sequence they saw.
	ReadFrom(ctx context.Context, after uint64) (Cursor, error)

	// ReadByCorrelation returns all events sharing a correlation id, in
	// ascending sequence order.
	ReadByCorrelation(ctx context.Context, correlationID string) ([]*envelope.Event, error)

	// Get returns the event at an exact sequence number.
	Get(ctx context.Context, seq uint64) (*envelope.Event, error)

	// GetByEventID returns the event with the given event id.
	GetByEventID(ctx context.Context, eventID string) (*envelope.Event, error)

	// LastSequence returns the highest committed sequence number (0 when
	// the journal is empty).
	LastSequence(ctx context.Context) (uint64, error)

	// VerifyChain checks hash-chain integrity over [lo, hi] (hi == 0
	// means the current head).
	VerifyChain(ctx context.Context, lo, hi uint64) error
}

// commitHash computes the deterministic chain hash for one committed event.
// Business timestamp and commit wall-clock are deliberately excluded so the
// chain is a pure function of ordered content.
func commitHash(seq uint64, e *envelope.Event, prevHash string) (string, error) {
	payloadHash, err := canonicalize.CanonicalHash(e.Payload)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	return canonicalize.CanonicalHash(map[string]interface{}{
		"sequence_number": seq,
		"event_id":        e.EventID,
		"event_type":      string(e.EventType),
		"idempotency_key": e.IdempotencyKey,
		"payload_hash":    payloadHash,
		"previous_hash":   prevHash,
	})
}

// verifyEvents walks a contiguous ascending slice and checks linkage plus
// recomputed commit hashes. prevHash is the hash preceding the first event.
func verifyEvents(events []*envelope.Event, prevHash string) error {
	for _, e := range events {
		if e.PreviousHash != prevHash {
			return fmt.Errorf("chain broken at seq %d: previous hash mismatch", e.SequenceNumber)
		}
		expected, err := commitHash(e.SequenceNumber, e, prevHash)
		if err != nil {
			return err
		}
		if e.CommitHash != expected {
			return fmt.Errorf("chain broken at seq %d: commit hash mismatch", e.SequenceNumber)
		}
		prevHash = e.CommitHash
	}
	return nil
}

// validateForAppend enforces the append-side envelope invariants shared by
// every backend.
func validateForAppend(e *envelope.Event) error {
	if e == nil {
		return errors.New("nil event")
	}
	if e.SequenceNumber != 0 {
		return ErrAlreadySequenced
	}
	return e.Validate()
}
