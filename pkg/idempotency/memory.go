package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	committed  bool
	eventID    string
	sequence   uint64
	reservedAt time.Time
}

// MemoryGuard is an in-process guard for tests and single-node deployments.
type MemoryGuard struct {
	mu        sync.Mutex
	entries   map[string]*memoryEntry
	retention time.Duration
	clock     func() time.Time
}

// NewMemoryGuard creates a guard with the given retention window
// (DefaultRetention when zero).
func NewMemoryGuard(retention time.Duration) *MemoryGuard {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryGuard{
		entries:   make(map[string]*memoryEntry),
		retention: retention,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (g *MemoryGuard) WithClock(clock func() time.Time) *MemoryGuard {
	g.clock = clock
	return g
}

func (g *MemoryGuard) Reserve(ctx context.Context, key string) (Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.entries[key]; ok {
		if entry.committed && g.clock().Sub(entry.reservedAt) > g.retention {
			// Expired: the retry window has long passed.
			delete(g.entries, key)
		} else {
			return nil, &AlreadyReservedError{
				Key:      key,
				EventID:  entry.eventID,
				Sequence: entry.sequence,
				Pending:  !entry.committed,
			}
		}
	}

	g.entries[key] = &memoryEntry{reservedAt: g.clock()}
	return &memoryReservation{guard: g, key: key}, nil
}

// Sweep drops committed reservations older than the retention window.
func (g *MemoryGuard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	cutoff := g.clock().Add(-g.retention)
	for key, entry := range g.entries {
		if entry.committed && entry.reservedAt.Before(cutoff) {
			delete(g.entries, key)
			removed++
		}
	}
	return removed
}

type memoryReservation struct {
	guard *MemoryGuard
	key   string
}

func (r *memoryReservation) Commit(ctx context.Context, eventID string, sequence uint64) error {
	r.guard.mu.Lock()
	defer r.guard.mu.Unlock()

	entry, ok := r.guard.entries[r.key]
	if !ok {
		return nil
	}
	entry.committed = true
	entry.eventID = eventID
	entry.sequence = sequence
	return nil
}

func (r *memoryReservation) Release(ctx context.Context) error {
	r.guard.mu.Lock()
	defer r.guard.mu.Unlock()

	if entry, ok := r.guard.entries[r.key]; ok && !entry.committed {
		delete(r.guard.entries, r.key)
	}
	return nil
}
