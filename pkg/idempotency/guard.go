// Package idempotency deduplicates event submissions before they reach the
// journal. A reservation is the hot-path gate; the journal's unique
// constraint on idempotency_key is the storage-level backstop if two
// reservations race across processes.
//
// Reservations are retained for a long configurable window (90 days by
// default) because retries can arrive arbitrarily late after a partition.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultRetention is how long committed reservations are kept.
const DefaultRetention = 90 * 24 * time.Hour

// ErrReservationPending is wrapped by AlreadyReservedError when another
// in-flight append holds the key but has not committed yet. Callers should
// retry shortly rather than treat it as a duplicate success.
var ErrReservationPending = errors.New("reservation pending")

// AlreadyReservedError reports that a key is already held. For committed
// reservations it carries the original event identity so the caller can
// resolve the retry as a no-op success.
type AlreadyReservedError struct {
	Key      string
	EventID  string
	Sequence uint64
	Pending  bool
}

func (e *AlreadyReservedError) Error() string {
	if e.Pending {
		return fmt.Sprintf("idempotency key %q has an in-flight reservation", e.Key)
	}
	return fmt.Sprintf("idempotency key %q already committed as event %s (seq %d)",
		e.Key, e.EventID, e.Sequence)
}

func (e *AlreadyReservedError) Unwrap() error {
	if e.Pending {
		return ErrReservationPending
	}
	return nil
}

// Reservation is a claimed key awaiting the outcome of its append.
// Exactly one of Commit or Release must be called.
type Reservation interface {
	// Commit records the journaled identity against the key. Later
	// reservations of the same key observe this identity.
	Commit(ctx context.Context, eventID string, sequence uint64) error

	// Release frees the key after a failed append so the caller's retry
	// can reserve it again.
	Release(ctx context.Context) error
}

// Guard is the atomic check-and-reserve gate. Under concurrent callers
// submitting the same key, at most one Reserve succeeds; the rest receive
// *AlreadyReservedError.
type Guard interface {
	Reserve(ctx context.Context, key string) (Reservation, error)
}
