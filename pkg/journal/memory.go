package journal

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/Mindburn-Labs/creditledger/pkg/envelope"
)

// MemoryJournal is an in-memory reference implementation, used in tests and
// as the backing for single-process deployments that accept volatility.
type MemoryJournal struct {
	mu       sync.RWMutex
	events   []*envelope.Event
	byID     map[string]*envelope.Event
	byKey    map[string]*envelope.Event
	byCorr   map[string][]*envelope.Event
	headHash string
	clock    func() time.Time
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		byID:     make(map[string]*envelope.Event),
		byKey:    make(map[string]*envelope.Event),
		byCorr:   make(map[string][]*envelope.Event),
		headHash: GenesisHash,
		clock:    time.Now,
	}
}

// WithClock overrides the commit clock for tests.
func (j *MemoryJournal) WithClock(clock func() time.Time) *MemoryJournal {
	j.clock = clock
	return j
}

func (j *MemoryJournal) Append(ctx context.Context, event *envelope.Event) (uint64, error) {
	if err := validateForAppend(event); err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if existing, ok := j.byKey[event.IdempotencyKey]; ok {
		return 0, &DuplicateKeyError{
			Key:              event.IdempotencyKey,
			ExistingEventID:  existing.EventID,
			ExistingSequence: existing.SequenceNumber,
		}
	}
	if existing, ok := j.byID[event.EventID]; ok {
		return 0, &DuplicateKeyError{
			Key:              event.IdempotencyKey,
			ExistingEventID:  existing.EventID,
			ExistingSequence: existing.SequenceNumber,
		}
	}

	seq := uint64(len(j.events)) + 1
	hash, err := commitHash(seq, event, j.headHash)
	if err != nil {
		return 0, &WriteError{Op: "hash", Err: err}
	}

	committed := *event
	committed.SequenceNumber = seq
	committed.CommittedAt = j.clock().UTC()
	committed.PreviousHash = j.headHash
	committed.CommitHash = hash

	j.events = append(j.events, &committed)
	j.byID[committed.EventID] = &committed
	j.byKey[committed.IdempotencyKey] = &committed
	j.byCorr[committed.CorrelationID] = append(j.byCorr[committed.CorrelationID], &committed)
	j.headHash = hash

	// Reflect the committed identity back to the caller's envelope.
	*event = committed
	return seq, nil
}

func (j *MemoryJournal) ReadFrom(ctx context.Context, after uint64) (Cursor, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var snapshot []*envelope.Event
	if after < uint64(len(j.events)) {
		snapshot = make([]*envelope.Event, len(j.events)-int(after))
		copy(snapshot, j.events[after:])
	}
	return &sliceCursor{events: snapshot}, nil
}

func (j *MemoryJournal) ReadByCorrelation(ctx context.Context, correlationID string) ([]*envelope.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	src := j.byCorr[correlationID]
	out := make([]*envelope.Event, len(src))
	copy(out, src)
	return out, nil
}

func (j *MemoryJournal) Get(ctx context.Context, seq uint64) (*envelope.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if seq == 0 || seq > uint64(len(j.events)) {
		return nil, ErrNotFound
	}
	return j.events[seq-1], nil
}

func (j *MemoryJournal) GetByEventID(ctx context.Context, eventID string) (*envelope.Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	e, ok := j.byID[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (j *MemoryJournal) LastSequence(ctx context.Context) (uint64, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return uint64(len(j.events)), nil
}

func (j *MemoryJournal) VerifyChain(ctx context.Context, lo, hi uint64) error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if len(j.events) == 0 {
		return nil
	}
	if lo == 0 {
		lo = 1
	}
	if hi == 0 || hi > uint64(len(j.events)) {
		hi = uint64(len(j.events))
	}
	prev := GenesisHash
	if lo > 1 {
		prev = j.events[lo-2].CommitHash
	}
	return verifyEvents(j.events[lo-1:hi], prev)
}

// sliceCursor iterates a pre-captured ascending slice.
type sliceCursor struct {
	events []*envelope.Event
	pos    int
}

func (c *sliceCursor) Next(ctx context.Context) (*envelope.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.pos >= len(c.events) {
		return nil, io.EOF
	}
	e := c.events[c.pos]
	c.pos++
	return e, nil
}

func (c *sliceCursor) Close() error { return nil }
