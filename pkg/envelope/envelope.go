package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the immutable record of one business occurrence.
//
// SequenceNumber, CommittedAt, CommitHash and PreviousHash are zero at
// construction and assigned exactly once by the journal at append time.
// No field changes after the append commits.
type Event struct {
	EventID        string    `json:"event_id"`
	EventType      EventType `json:"event_type"`
	SequenceNumber uint64    `json:"sequence_number,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ActorID        string    `json:"actor_id"`
	CorrelationID  string    `json:"correlation_id"`
	CausationID    string    `json:"causation_id,omitempty"`
	Payload        Payload   `json:"payload"`
	SchemaVersion  int       `json:"schema_version"`
	IdempotencyKey string    `json:"idempotency_key"`

	// Journal commit metadata (hash chain per append position).
	CommittedAt  time.Time `json:"committed_at,omitempty"`
	CommitHash   string    `json:"commit_hash,omitempty"`
	PreviousHash string    `json:"previous_hash,omitempty"`
}

// ActorSystem is the reserved actor id for events the platform emits itself.
const ActorSystem = "system"

// Option customizes event construction.
type Option func(*Event)

// WithTimestamp overrides business time (defaults to now, UTC).
func WithTimestamp(ts time.Time) Option {
	return func(e *Event) { e.Timestamp = ts.UTC() }
}

// WithCausation sets the parent event id that triggered this one.
func WithCausation(eventID string) Option {
	return func(e *Event) { e.CausationID = eventID }
}

// WithSchemaVersion overrides the payload schema version (defaults to 1).
func WithSchemaVersion(v int) Option {
	return func(e *Event) { e.SchemaVersion = v }
}

// WithEventID overrides the generated event id. Intended for tests and for
// replaying externally-assigned identities.
func WithEventID(id string) Option {
	return func(e *Event) { e.EventID = id }
}

// New constructs a validated event envelope. The event id is a fresh UUID
// unless overridden; business time defaults to the wall clock in UTC.
func New(payload Payload, actorID, correlationID, idempotencyKey string, opts ...Option) (*Event, error) {
	e := &Event{
		EventID:        uuid.New().String(),
		Timestamp:      time.Now().UTC(),
		ActorID:        actorID,
		CorrelationID:  correlationID,
		SchemaVersion:  1,
		IdempotencyKey: idempotencyKey,
		Payload:        payload,
	}
	if payload != nil {
		e.EventType = payload.Type()
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks envelope-level invariants. Payload schemas are checked by
// the per-type Validate plus the compiled JSON Schema for wire input.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return errors.New("event_id required")
	}
	if !e.EventType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.EventType)
	}
	if e.Payload == nil {
		return errors.New("payload required")
	}
	if e.Payload.Type() != e.EventType {
		return fmt.Errorf("payload type %q does not match envelope type %q",
			e.Payload.Type(), e.EventType)
	}
	if e.ActorID == "" {
		return errors.New("actor_id required")
	}
	if e.CorrelationID == "" {
		return errors.New("correlation_id required")
	}
	if e.IdempotencyKey == "" {
		return errors.New("idempotency_key required")
	}
	if e.CausationID == e.EventID && e.CausationID != "" {
		return errors.New("event cannot cause itself")
	}
	if e.SchemaVersion < 1 {
		return fmt.Errorf("schema_version must be >= 1, got %d", e.SchemaVersion)
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp required")
	}
	return e.Payload.Validate()
}

// EntityRef returns the targeted ledger entity when the payload carries one.
func (e *Event) EntityRef() (entityID, entityType, creditType string, ok bool) {
	ref, isRef := e.Payload.(EntityRef)
	if !isRef {
		return "", "", "", false
	}
	entityID, entityType, creditType = ref.Entity()
	return entityID, entityType, creditType, true
}
