// Package projection maintains derived read state (balances, per-entity
// ledgers) by folding journal events. Folds are pure and deterministic:
// the same event sequence applied to the same starting state always yields
// byte-identical canonical output, which the replay engine verifies.
package projection

import (
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/creditledger/pkg/canonicalize"
)

// Entity is one derived ledger row: the running balance of a credit type
// for an entity. Entities are created lazily on first reference and never
// deleted, only marked exhausted.
type Entity struct {
	EntityID     string `json:"entity_id"`
	EntityType   string `json:"entity_type,omitempty"`
	CreditType   string `json:"credit_type"`
	Balance      int64  `json:"balance"`
	LastSequence uint64 `json:"last_sequence"`
	Exhausted    bool   `json:"exhausted,omitempty"`

	// Lifetime totals per fold rule, for audit and conservation checks.
	TotalAllocated   int64 `json:"total_allocated"`
	TotalConsumed    int64 `json:"total_consumed"`
	TotalRefunded    int64 `json:"total_refunded"`
	TotalWithdrawn   int64 `json:"total_withdrawn"`
	TotalRegenerated int64 `json:"total_regenerated"`
}

// EntityKey identifies a ledger entity within a state.
func EntityKey(entityID, creditType string) string {
	return entityID + "/" + creditType
}

// State is a full projection: every ledger entity plus audit counters for
// the non-balance event types. All fields are plain data so the canonical
// serialization is a pure function of content.
type State struct {
	Entities     map[string]*Entity `json:"entities"`
	Counters     map[string]uint64  `json:"counters"`
	LastSequence uint64             `json:"last_sequence"`
	EventCount   uint64             `json:"event_count"`
	SkippedFolds uint64             `json:"skipped_folds"`
}

// NewState returns an empty projection at journal genesis.
func NewState() *State {
	return &State{
		Entities: make(map[string]*Entity),
		Counters: make(map[string]uint64),
	}
}

// Clone deep-copies the state. Rebuilds fold into a private clone and
// publish the result atomically, never mutating a state readers hold.
func (s *State) Clone() *State {
	out := &State{
		Entities:     make(map[string]*Entity, len(s.Entities)),
		Counters:     make(map[string]uint64, len(s.Counters)),
		LastSequence: s.LastSequence,
		EventCount:   s.EventCount,
		SkippedFolds: s.SkippedFolds,
	}
	for k, e := range s.Entities {
		copied := *e
		out.Entities[k] = &copied
	}
	for k, v := range s.Counters {
		out.Counters[k] = v
	}
	return out
}

// Entity returns the ledger entity for (entityID, creditType), or nil.
func (s *State) Entity(entityID, creditType string) *Entity {
	return s.Entities[EntityKey(entityID, creditType)]
}

// Balance returns the current balance for (entityID, creditType). ok is
// false when the entity has never been referenced.
func (s *State) Balance(entityID, creditType string) (balance int64, ok bool) {
	e := s.Entity(entityID, creditType)
	if e == nil {
		return 0, false
	}
	return e.Balance, true
}

// MarshalCanonical serializes the state as RFC 8785 canonical JSON.
// Replaying the same events from the same snapshot produces byte-identical
// output here.
func (s *State) MarshalCanonical() ([]byte, error) {
	data, err := canonicalize.JCS(s)
	if err != nil {
		return nil, fmt.Errorf("canonicalize projection state: %w", err)
	}
	return data, nil
}

// Hash returns the SHA-256 hex digest of the canonical serialization.
func (s *State) Hash() (string, error) {
	data, err := s.MarshalCanonical()
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(data), nil
}

// UnmarshalState decodes serialized projection state (snapshot state_data).
func UnmarshalState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode projection state: %w", err)
	}
	if s.Entities == nil {
		s.Entities = make(map[string]*Entity)
	}
	if s.Counters == nil {
		s.Counters = make(map[string]uint64)
	}
	return &s, nil
}
