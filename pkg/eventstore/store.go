// Package eventstore composes the guard, journal, and bus into the single
// write path producers call. The flow is reserve key, pre-check balance,
// append, commit reservation, fold, publish. A duplicate submission
// resolves to the original event's identity and is reported as success.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/creditledger/pkg/bus"
	"github.com/Mindburn-Labs/creditledger/pkg/envelope"
	"github.com/Mindburn-Labs/creditledger/pkg/idempotency"
	"github.com/Mindburn-Labs/creditledger/pkg/journal"
	"github.com/Mindburn-Labs/creditledger/pkg/observability"
	"github.com/Mindburn-Labs/creditledger/pkg/projection"
)

// ErrCausationCycle rejects an append whose causation_id points at the
// event itself or one of its own descendants. The causation graph must
// stay a forest.
var ErrCausationCycle = errors.New("causation cycle")

// maxCausationDepth bounds the ancestor walk during the cycle check.
const maxCausationDepth = 1000

// AppendResult is the outcome of one Append call. For a duplicate
// submission it carries the original event's identity, so retries are
// success-shaped no-ops.
type AppendResult struct {
	EventID   string `json:"event_id"`
	Sequence  uint64 `json:"sequence_number"`
	Duplicate bool   `json:"duplicate"`
}

// Store is the facade producers write through and readers query.
type Store struct {
	journal  journal.Journal
	guard    idempotency.Guard
	bus      *bus.Bus
	balances *projection.Manager
	obs      *observability.Provider
	logger   *slog.Logger
}

// Option configures the store.
type Option func(*Store)

// WithBalanceCheck enables the append-time pre-check for consuming event
// types. The write path folds each committed event into the manager
// synchronously, so the pre-check always sees the caller's own prior
// writes. Without it, an over-consuming event is journaled and rejected
// at fold time instead.
func WithBalanceCheck(m *projection.Manager) Option {
	return func(s *Store) { s.balances = m }
}

// WithObservability records append and duplicate counters and traces each
// Append call.
func WithObservability(p *observability.Provider) Option {
	return func(s *Store) { s.obs = p }
}

// WithLogger sets the logger (slog.Default when unset).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wires a store. bus may be nil for write-only batch use.
func New(j journal.Journal, guard idempotency.Guard, b *bus.Bus, opts ...Option) *Store {
	s := &Store{
		journal: j,
		guard:   guard,
		bus:     b,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append runs the full ingestion path for one event. The event must be
// unsequenced; the journal assigns its sequence. A duplicate idempotency
// key, whether caught by the guard or by the journal's unique constraint,
// returns the original identity with Duplicate set and a nil error.
func (s *Store) Append(ctx context.Context, event *envelope.Event) (*AppendResult, error) {
	if s.obs == nil {
		return s.append(ctx, event)
	}
	ctx, done := s.obs.TrackOperation(ctx, "eventstore.append")
	res, err := s.append(ctx, event)
	done(err)
	if err == nil {
		if res.Duplicate {
			s.obs.RecordDuplicate(ctx, string(event.EventType))
		} else {
			s.obs.RecordAppend(ctx, string(event.EventType))
		}
	}
	return res, err
}

func (s *Store) append(ctx context.Context, event *envelope.Event) (*AppendResult, error) {
	if event == nil {
		return nil, errors.New("nil event")
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if err := s.checkCausation(ctx, event); err != nil {
		return nil, err
	}

	reservation, err := s.guard.Reserve(ctx, event.IdempotencyKey)
	if err != nil {
		var reserved *idempotency.AlreadyReservedError
		if errors.As(err, &reserved) && !reserved.Pending {
			return &AppendResult{
				EventID:   reserved.EventID,
				Sequence:  reserved.Sequence,
				Duplicate: true,
			}, nil
		}
		return nil, fmt.Errorf("reserve idempotency key: %w", err)
	}

	if err := s.precheckBalance(event); err != nil {
		s.release(ctx, reservation, event.IdempotencyKey)
		return nil, err
	}

	seq, err := s.journal.Append(ctx, event)
	if err != nil {
		var dup *journal.DuplicateKeyError
		if errors.As(err, &dup) {
			// Another process won the race past its own guard. Bind our
			// reservation to the winner so later retries resolve locally.
			if cerr := reservation.Commit(ctx, dup.ExistingEventID, dup.ExistingSequence); cerr != nil {
				s.logger.Warn("eventstore: reservation commit after journal duplicate failed",
					"idempotency_key", event.IdempotencyKey,
					"error", cerr)
			}
			return &AppendResult{
				EventID:   dup.ExistingEventID,
				Sequence:  dup.ExistingSequence,
				Duplicate: true,
			}, nil
		}
		s.release(ctx, reservation, event.IdempotencyKey)
		return nil, err
	}

	if err := reservation.Commit(ctx, event.EventID, seq); err != nil {
		// The journal's unique constraint still holds the line; a stale
		// pending reservation only costs a retry its fast path.
		s.logger.Warn("eventstore: reservation commit failed",
			"idempotency_key", event.IdempotencyKey,
			"event_id", event.EventID,
			"sequence", seq,
			"error", err)
	}

	// Fold into the live projection before returning, so the next append
	// on this path pre-checks against a view that includes this event.
	// Bus redelivery of an already-folded sequence is a no-op.
	if s.balances != nil {
		if ferr := s.balances.HandleEvent(ctx, event); ferr != nil {
			s.logger.Warn("eventstore: live fold failed, replay will reconcile",
				"event_id", event.EventID,
				"sequence", seq,
				"error", ferr)
		}
	}
	if s.bus != nil {
		s.bus.Publish(event)
	}
	return &AppendResult{EventID: event.EventID, Sequence: seq}, nil
}

func (s *Store) release(ctx context.Context, r idempotency.Reservation, key string) {
	if err := r.Release(ctx); err != nil {
		s.logger.Warn("eventstore: reservation release failed",
			"idempotency_key", key,
			"error", err)
	}
}

// checkCausation enforces acyclicity when the causation parent is known
// locally. An unknown parent is allowed: events may reference causes
// journaled elsewhere.
func (s *Store) checkCausation(ctx context.Context, event *envelope.Event) error {
	if event.CausationID == "" {
		return nil
	}
	if event.CausationID == event.EventID {
		return fmt.Errorf("%w: event %s causes itself", ErrCausationCycle, event.EventID)
	}

	ancestor := event.CausationID
	for depth := 0; ancestor != ""; depth++ {
		if depth >= maxCausationDepth {
			return fmt.Errorf("%w: causation chain from %s exceeds depth %d",
				ErrCausationCycle, event.CausationID, maxCausationDepth)
		}
		parent, err := s.journal.GetByEventID(ctx, ancestor)
		if errors.Is(err, journal.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve causation parent %s: %w", ancestor, err)
		}
		if parent.EventID == event.EventID {
			return fmt.Errorf("%w: event %s is its own ancestor", ErrCausationCycle, event.EventID)
		}
		ancestor = parent.CausationID
	}
	return nil
}

// precheckBalance rejects an over-consuming event before it is journaled.
// The live view is folded synchronously on this write path, so a
// sequential producer always pre-checks against its own prior appends;
// the fold-time check remains the backstop for concurrent writers.
func (s *Store) precheckBalance(event *envelope.Event) error {
	if s.balances == nil {
		return nil
	}

	var entityID, creditType string
	var amount int64
	switch p := event.Payload.(type) {
	case envelope.CreditConsumed:
		entityID, creditType, amount = p.EntityID, p.CreditType, p.Amount
	case envelope.CreditWithdrawn:
		entityID, creditType, amount = p.EntityID, p.CreditType, p.Amount
	default:
		return nil
	}
	if s.balances.Folder().AllowNegative[creditType] {
		return nil
	}

	balance, asOf, ok := s.balances.Balance(entityID, creditType)
	if !ok {
		balance = 0
	}
	if balance-amount < 0 {
		return &projection.InsufficientBalanceError{
			EntityID:   entityID,
			CreditType: creditType,
			Balance:    balance,
			Requested:  amount,
			EventID:    event.EventID,
			Sequence:   asOf,
		}
	}
	return nil
}

// Balance reads the live projected balance for an entity and credit type.
func (s *Store) Balance(entityID, creditType string) (balance int64, asOf uint64, ok bool) {
	if s.balances == nil {
		return 0, 0, false
	}
	return s.balances.Balance(entityID, creditType)
}

// EventsByCorrelation returns every event sharing a correlation id, in
// sequence order.
func (s *Store) EventsByCorrelation(ctx context.Context, correlationID string) ([]*envelope.Event, error) {
	return s.journal.ReadByCorrelation(ctx, correlationID)
}

// GetEvent returns one event by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*envelope.Event, error) {
	return s.journal.GetByEventID(ctx, eventID)
}

// LastSequence reports the journal's current head sequence.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	return s.journal.LastSequence(ctx)
}
