package projection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Mindburn-Labs/creditledger/pkg/envelope"
	"github.com/Mindburn-Labs/creditledger/pkg/journal"
)

// InsufficientBalanceError rejects a fold that would take a balance
// negative when the credit type does not permit it.
type InsufficientBalanceError struct {
	EntityID   string
	CreditType string
	Balance    int64
	Requested  int64
	EventID    string
	Sequence   uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s/%s: have %d, requested %d (event %s seq %d)",
		e.EntityID, e.CreditType, e.Balance, e.Requested, e.EventID, e.Sequence)
}

// FoldFailureError reports a rebuild aborted by a fold error, carrying
// the offending event's identity for operator diagnosis.
type FoldFailureError struct {
	Sequence uint64
	EventID  string
	Err      error
}

func (e *FoldFailureError) Error() string {
	return fmt.Sprintf("fold failed at seq %d (event %s): %v", e.Sequence, e.EventID, e.Err)
}

func (e *FoldFailureError) Unwrap() error { return e.Err }

// FoldErrorPolicy decides what a rebuild does when a historical event
// violates a current business rule.
type FoldErrorPolicy int

const (
	// FoldSkipAndLog records the failure and continues with the next
	// event. The default: historical replay must not fail wholesale
	// because a rule changed after the event was written.
	FoldSkipAndLog FoldErrorPolicy = iota

	// FoldFailFast aborts the rebuild on the first fold error. For
	// deployments that prefer a hard audit stop over availability.
	FoldFailFast
)

// Folder holds the fold configuration. Apply is a pure function of
// (state, event, config); the config is fixed for the life of a deployment
// so determinism across replays holds.
type Folder struct {
	// AllowNegative lists credit types permitted to go below zero.
	AllowNegative map[string]bool

	// ErrorPolicy governs rebuild behavior on fold errors.
	ErrorPolicy FoldErrorPolicy

	Logger *slog.Logger
}

// NewFolder returns a Folder with the default skip-and-log policy.
func NewFolder() *Folder {
	return &Folder{ErrorPolicy: FoldSkipAndLog, Logger: slog.Default()}
}

func (f *Folder) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func (f *Folder) allowNegative(creditType string) bool {
	return f.AllowNegative[creditType]
}

// Apply folds one event into the state. On error the state is unchanged.
// Events must arrive in ascending sequence order; an out-of-order or
// replayed sequence is rejected.
func (f *Folder) Apply(s *State, e *envelope.Event) error {
	if e.SequenceNumber == 0 {
		return errors.New("cannot fold an unsequenced event")
	}
	if e.SequenceNumber <= s.LastSequence {
		return fmt.Errorf("out-of-order fold: event seq %d, state at %d",
			e.SequenceNumber, s.LastSequence)
	}

	switch p := e.Payload.(type) {
	case envelope.CreditAllocated:
		ent := f.entity(s, p.EntityID, p.EntityType, p.CreditType)
		ent.Balance += p.Amount
		ent.TotalAllocated += p.Amount
		ent.Exhausted = false
		ent.LastSequence = e.SequenceNumber

	case envelope.CreditConsumed:
		if err := f.checkDebit(s, p.EntityID, p.CreditType, p.Amount, e); err != nil {
			return err
		}
		ent := f.entity(s, p.EntityID, p.EntityType, p.CreditType)
		ent.Balance -= p.Amount
		ent.TotalConsumed += p.Amount
		if ent.Balance <= 0 {
			ent.Exhausted = true
		}
		ent.LastSequence = e.SequenceNumber

	case envelope.CreditRefunded:
		ent := f.entity(s, p.EntityID, p.EntityType, p.CreditType)
		ent.Balance += p.Amount
		ent.TotalRefunded += p.Amount
		ent.Exhausted = false
		ent.LastSequence = e.SequenceNumber

	case envelope.CreditWithdrawn:
		if err := f.checkDebit(s, p.EntityID, p.CreditType, p.Amount, e); err != nil {
			return err
		}
		ent := f.entity(s, p.EntityID, p.EntityType, p.CreditType)
		ent.Balance -= p.Amount
		ent.TotalWithdrawn += p.Amount
		if ent.Balance <= 0 {
			ent.Exhausted = true
		}
		ent.LastSequence = e.SequenceNumber

	case envelope.CreditRegenerated:
		ent := f.entity(s, p.EntityID, p.EntityType, p.CreditType)
		regen := p.Amount
		if p.Cap > 0 && ent.Balance+regen > p.Cap {
			regen = p.Cap - ent.Balance
			if regen < 0 {
				regen = 0
			}
		}
		ent.Balance += regen
		ent.TotalRegenerated += regen
		ent.Exhausted = false
		ent.LastSequence = e.SequenceNumber

	default:
		// Approval, collaboration, EOC and rating events carry no
		// balance effect; they fold into audit counters.
		s.Counters[string(e.EventType)]++
	}

	s.LastSequence = e.SequenceNumber
	s.EventCount++
	return nil
}

// applyWithPolicy folds one event, resolving fold errors per the
// configured policy. Skipping is itself deterministic: the same event
// fails the same way on every replay, and the skip advances the cursor
// identically.
func (f *Folder) applyWithPolicy(s *State, e *envelope.Event) error {
	err := f.Apply(s, e)
	if err == nil {
		return nil
	}
	var insufficient *InsufficientBalanceError
	if errors.As(err, &insufficient) && f.ErrorPolicy == FoldSkipAndLog {
		f.logger().Warn("projection: skipping fold that violates current rules",
			"event_id", e.EventID,
			"sequence", e.SequenceNumber,
			"error", err)
		s.LastSequence = e.SequenceNumber
		s.EventCount++
		s.SkippedFolds++
		return nil
	}
	return err
}

// checkDebit verifies a debit against the current balance without touching
// state. A never-seen entity has balance zero; rejecting the debit must not
// leave a zero-valued entity behind.
func (f *Folder) checkDebit(s *State, entityID, creditType string, amount int64, e *envelope.Event) error {
	if f.allowNegative(creditType) {
		return nil
	}
	var balance int64
	if ent, ok := s.Entities[EntityKey(entityID, creditType)]; ok {
		balance = ent.Balance
	}
	if balance-amount < 0 {
		return &InsufficientBalanceError{
			EntityID:   entityID,
			CreditType: creditType,
			Balance:    balance,
			Requested:  amount,
			EventID:    e.EventID,
			Sequence:   e.SequenceNumber,
		}
	}
	return nil
}

func (f *Folder) entity(s *State, entityID, entityType, creditType string) *Entity {
	key := EntityKey(entityID, creditType)
	ent, ok := s.Entities[key]
	if !ok {
		ent = &Entity{
			EntityID:   entityID,
			EntityType: entityType,
			CreditType: creditType,
		}
		s.Entities[key] = ent
	}
	return ent
}

// RebuildFrom folds every event from the cursor on top of base, in
// ascending sequence order, into a fresh state. base may be nil (journal
// genesis). The returned state is private to the caller until published.
func (f *Folder) RebuildFrom(ctx context.Context, base *State, cur journal.Cursor) (*State, error) {
	var state *State
	if base == nil {
		state = NewState()
	} else {
		state = base.Clone()
	}

	for {
		event, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			return state, nil
		}
		if err != nil {
			return nil, err
		}
		if err := f.applyWithPolicy(state, event); err != nil {
			return nil, &FoldFailureError{
				Sequence: event.SequenceNumber,
				EventID:  event.EventID,
				Err:      err,
			}
		}
	}
}
