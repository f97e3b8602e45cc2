// Package snapshot persists point-in-time projection state to bound
// replay cost. Snapshots are written on a policy (every K events or every
// T), never per event; retention keeps the last N per type and never
// deletes the newest.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/creditledger/pkg/canonicalize"
)

// ErrNoSnapshot is returned by LoadLatest when no snapshot exists for the
// type. Replay then starts from journal genesis.
var ErrNoSnapshot = errors.New("no snapshot")

// DefaultKeep is the default number of snapshots retained per type.
const DefaultKeep = 3

// CorruptError reports a snapshot whose state data fails its integrity
// hash or cannot be decoded. Loaders fall back to a full rebuild from
// genesis and raise a critical alert; a corrupt snapshot never silently
// yields a wrong balance.
type CorruptError struct {
	SnapshotType string
	Sequence     uint64
	Reason       string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("snapshot %s@%d corrupt: %s", e.SnapshotType, e.Sequence, e.Reason)
}

// Snapshot is serialized projection state plus the last sequence folded
// into it.
type Snapshot struct {
	SnapshotType string    `json:"snapshot_type"`
	Sequence     uint64    `json:"sequence_number"`
	EventCount   uint64    `json:"event_count"`
	StateData    []byte    `json:"state_data"`
	StateHash    string    `json:"state_hash"`
	TakenAt      time.Time `json:"taken_at"`
}

// New builds a snapshot over canonical state bytes, stamping the integrity
// hash.
func New(snapshotType string, sequence, eventCount uint64, stateData []byte) *Snapshot {
	return &Snapshot{
		SnapshotType: snapshotType,
		Sequence:     sequence,
		EventCount:   eventCount,
		StateData:    stateData,
		StateHash:    canonicalize.HashBytes(stateData),
		TakenAt:      time.Now().UTC(),
	}
}

// VerifyIntegrity recomputes the state hash and reports corruption.
func (s *Snapshot) VerifyIntegrity() error {
	if got := canonicalize.HashBytes(s.StateData); got != s.StateHash {
		return &CorruptError{
			SnapshotType: s.SnapshotType,
			Sequence:     s.Sequence,
			Reason:       fmt.Sprintf("state hash mismatch: stored %s, computed %s", s.StateHash, got),
		}
	}
	return nil
}

// Store persists snapshots.
type Store interface {
	// Save writes a snapshot and applies retention for its type. The
	// newest snapshot of a type is never deleted.
	Save(ctx context.Context, snap *Snapshot) error

	// LoadLatest returns the most recent snapshot for a type, verifying
	// integrity. ErrNoSnapshot when none exists; *CorruptError when the
	// newest snapshot fails verification.
	LoadLatest(ctx context.Context, snapshotType string) (*Snapshot, error)

	// List returns all retained snapshots for a type, newest first.
	List(ctx context.Context, snapshotType string) ([]*Snapshot, error)
}
