// Package envelope defines the immutable event envelope and the closed
// set of ledger event types it can carry.
package envelope

import (
	"errors"
	"fmt"
)

// EventType enumerates every event the ledger records. The set is closed:
// unknown types are rejected at construction and at decode time.
type EventType string

const (
	EventCreditAllocated       EventType = "CREDIT_ALLOCATED"
	EventCreditConsumed        EventType = "CREDIT_CONSUMED"
	EventCreditRefunded        EventType = "CREDIT_REFUNDED"
	EventCreditWithdrawn       EventType = "CREDIT_WITHDRAWN"
	EventCreditRegenerated     EventType = "CREDIT_REGENERATED"
	EventApprovalRequested     EventType = "APPROVAL_REQUESTED"
	EventApprovalGranted       EventType = "APPROVAL_GRANTED"
	EventApprovalDenied        EventType = "APPROVAL_DENIED"
	EventCollaborationRecorded EventType = "COLLABORATION_RECORDED"
	EventEOCRegulated          EventType = "EOC_REGULATED"
	EventMissionRated          EventType = "MISSION_RATED"
)

// AllEventTypes lists every member of the closed enumeration.
var AllEventTypes = []EventType{
	EventCreditAllocated,
	EventCreditConsumed,
	EventCreditRefunded,
	EventCreditWithdrawn,
	EventCreditRegenerated,
	EventApprovalRequested,
	EventApprovalGranted,
	EventApprovalDenied,
	EventCollaborationRecorded,
	EventEOCRegulated,
	EventMissionRated,
}

// Valid reports whether t is a member of the closed enumeration.
func (t EventType) Valid() bool {
	switch t {
	case EventCreditAllocated, EventCreditConsumed, EventCreditRefunded,
		EventCreditWithdrawn, EventCreditRegenerated,
		EventApprovalRequested, EventApprovalGranted, EventApprovalDenied,
		EventCollaborationRecorded, EventEOCRegulated, EventMissionRated:
		return true
	}
	return false
}

// ErrUnknownEventType is returned when a payload or envelope names a type
// outside the closed enumeration.
var ErrUnknownEventType = errors.New("unknown event type")

// Payload is the tagged union over per-type event data. Each event type has
// exactly one payload struct; the envelope never carries an untyped blob.
type Payload interface {
	Type() EventType
	Validate() error
}

// EntityRef is implemented by payloads that target a ledger entity. The
// projection layer uses it to route folds without inspecting concrete types.
type EntityRef interface {
	Entity() (entityID, entityType, creditType string)
}

// CreditAllocated grants credits to an entity.
type CreditAllocated struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	CreditType string `json:"credit_type"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason,omitempty"`
}

func (CreditAllocated) Type() EventType { return EventCreditAllocated }

func (p CreditAllocated) Validate() error {
	return validateCredit(p.EntityID, p.CreditType, p.Amount)
}

func (p CreditAllocated) Entity() (string, string, string) {
	return p.EntityID, p.EntityType, p.CreditType
}

// CreditConsumed spends credits, typically against a mission.
type CreditConsumed struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	CreditType string `json:"credit_type"`
	Amount     int64  `json:"amount"`
	MissionID  string `json:"mission_id,omitempty"`
}

func (CreditConsumed) Type() EventType { return EventCreditConsumed }

func (p CreditConsumed) Validate() error {
	return validateCredit(p.EntityID, p.CreditType, p.Amount)
}

func (p CreditConsumed) Entity() (string, string, string) {
	return p.EntityID, p.EntityType, p.CreditType
}

// CreditRefunded returns credits from a prior consumption. The envelope's
// causation_id references the consumption event.
type CreditRefunded struct {
	EntityID           string `json:"entity_id"`
	EntityType         string `json:"entity_type"`
	CreditType         string `json:"credit_type"`
	Amount             int64  `json:"amount"`
	ConsumptionEventID string `json:"consumption_event_id,omitempty"`
}

func (CreditRefunded) Type() EventType { return EventCreditRefunded }

func (p CreditRefunded) Validate() error {
	return validateCredit(p.EntityID, p.CreditType, p.Amount)
}

func (p CreditRefunded) Entity() (string, string, string) {
	return p.EntityID, p.EntityType, p.CreditType
}

// CreditWithdrawn removes credits from the system entirely.
type CreditWithdrawn struct {
	EntityID    string `json:"entity_id"`
	EntityType  string `json:"entity_type"`
	CreditType  string `json:"credit_type"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination,omitempty"`
}

func (CreditWithdrawn) Type() EventType { return EventCreditWithdrawn }

func (p CreditWithdrawn) Validate() error {
	return validateCredit(p.EntityID, p.CreditType, p.Amount)
}

func (p CreditWithdrawn) Entity() (string, string, string) {
	return p.EntityID, p.EntityType, p.CreditType
}

// CreditRegenerated tops an entity back up, bounded by Cap when Cap > 0.
type CreditRegenerated struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	CreditType string `json:"credit_type"`
	Amount     int64  `json:"amount"`
	Cap        int64  `json:"cap,omitempty"`
}

func (CreditRegenerated) Type() EventType { return EventCreditRegenerated }

func (p CreditRegenerated) Validate() error {
	if err := validateCredit(p.EntityID, p.CreditType, p.Amount); err != nil {
		return err
	}
	if p.Cap < 0 {
		return errors.New("cap must be non-negative")
	}
	return nil
}

func (p CreditRegenerated) Entity() (string, string, string) {
	return p.EntityID, p.EntityType, p.CreditType
}

// ApprovalRequested opens a human approval gate.
type ApprovalRequested struct {
	ApprovalID string `json:"approval_id"`
	SubjectID  string `json:"subject_id"`
	Action     string `json:"action"`
}

func (ApprovalRequested) Type() EventType { return EventApprovalRequested }

func (p ApprovalRequested) Validate() error {
	if p.ApprovalID == "" {
		return errors.New("approval_id required")
	}
	if p.Action == "" {
		return errors.New("action required")
	}
	return nil
}

// ApprovalGranted closes an approval gate positively.
type ApprovalGranted struct {
	ApprovalID string `json:"approval_id"`
	ApproverID string `json:"approver_id"`
}

func (ApprovalGranted) Type() EventType { return EventApprovalGranted }

func (p ApprovalGranted) Validate() error {
	if p.ApprovalID == "" {
		return errors.New("approval_id required")
	}
	return nil
}

// ApprovalDenied closes an approval gate negatively.
type ApprovalDenied struct {
	ApprovalID string `json:"approval_id"`
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason,omitempty"`
}

func (ApprovalDenied) Type() EventType { return EventApprovalDenied }

func (p ApprovalDenied) Validate() error {
	if p.ApprovalID == "" {
		return errors.New("approval_id required")
	}
	return nil
}

// CollaborationRecorded notes a multi-agent collaboration on a mission.
type CollaborationRecorded struct {
	MissionID string   `json:"mission_id"`
	AgentIDs  []string `json:"agent_ids"`
}

func (CollaborationRecorded) Type() EventType { return EventCollaborationRecorded }

func (p CollaborationRecorded) Validate() error {
	if p.MissionID == "" {
		return errors.New("mission_id required")
	}
	if len(p.AgentIDs) == 0 {
		return errors.New("agent_ids required")
	}
	return nil
}

// EOCRegulated records an economy-of-credits regulation directive.
type EOCRegulated struct {
	EntityID  string `json:"entity_id,omitempty"`
	Directive string `json:"directive"`
	Level     int    `json:"level"`
}

func (EOCRegulated) Type() EventType { return EventEOCRegulated }

func (p EOCRegulated) Validate() error {
	if p.Directive == "" {
		return errors.New("directive required")
	}
	return nil
}

// MissionRated records a quality rating for a completed mission.
type MissionRated struct {
	MissionID string `json:"mission_id"`
	RaterID   string `json:"rater_id"`
	Rating    int    `json:"rating"`
}

func (MissionRated) Type() EventType { return EventMissionRated }

func (p MissionRated) Validate() error {
	if p.MissionID == "" {
		return errors.New("mission_id required")
	}
	if p.Rating < 1 || p.Rating > 5 {
		return fmt.Errorf("rating %d out of range [1,5]", p.Rating)
	}
	return nil
}

func validateCredit(entityID, creditType string, amount int64) error {
	if entityID == "" {
		return errors.New("entity_id required")
	}
	if creditType == "" {
		return errors.New("credit_type required")
	}
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", amount)
	}
	return nil
}
