package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireEvent mirrors Event with the payload left raw so decoding can
// dispatch on event_type.
type wireEvent struct {
	EventID        string          `json:"event_id"`
	EventType      EventType       `json:"event_type"`
	SequenceNumber uint64          `json:"sequence_number,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	ActorID        string          `json:"actor_id"`
	CorrelationID  string          `json:"correlation_id"`
	CausationID    string          `json:"causation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	SchemaVersion  int             `json:"schema_version"`
	IdempotencyKey string          `json:"idempotency_key"`
	CommittedAt    time.Time       `json:"committed_at,omitempty"`
	CommitHash     string          `json:"commit_hash,omitempty"`
	PreviousHash   string          `json:"previous_hash,omitempty"`
}

// DecodePayload decodes raw payload JSON into the typed struct for t.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case EventCreditAllocated:
		p = &CreditAllocated{}
	case EventCreditConsumed:
		p = &CreditConsumed{}
	case EventCreditRefunded:
		p = &CreditRefunded{}
	case EventCreditWithdrawn:
		p = &CreditWithdrawn{}
	case EventCreditRegenerated:
		p = &CreditRegenerated{}
	case EventApprovalRequested:
		p = &ApprovalRequested{}
	case EventApprovalGranted:
		p = &ApprovalGranted{}
	case EventApprovalDenied:
		p = &ApprovalDenied{}
	case EventCollaborationRecorded:
		p = &CollaborationRecorded{}
	case EventEOCRegulated:
		p = &EOCRegulated{}
	case EventMissionRated:
		p = &MissionRated{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return deref(p), nil
}

// deref returns the value form so payloads compare and marshal uniformly.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *CreditAllocated:
		return *v
	case *CreditConsumed:
		return *v
	case *CreditRefunded:
		return *v
	case *CreditWithdrawn:
		return *v
	case *CreditRegenerated:
		return *v
	case *ApprovalRequested:
		return *v
	case *ApprovalGranted:
		return *v
	case *ApprovalDenied:
		return *v
	case *CollaborationRecorded:
		return *v
	case *EOCRegulated:
		return *v
	case *MissionRated:
		return *v
	}
	return p
}

// UnmarshalJSON decodes an envelope, dispatching the payload on event_type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	payload, err := DecodePayload(w.EventType, w.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		EventID:        w.EventID,
		EventType:      w.EventType,
		SequenceNumber: w.SequenceNumber,
		Timestamp:      w.Timestamp,
		ActorID:        w.ActorID,
		CorrelationID:  w.CorrelationID,
		CausationID:    w.CausationID,
		Payload:        payload,
		SchemaVersion:  w.SchemaVersion,
		IdempotencyKey: w.IdempotencyKey,
		CommittedAt:    w.CommittedAt,
		CommitHash:     w.CommitHash,
		PreviousHash:   w.PreviousHash,
	}
	return nil
}
