package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchemas holds the JSON Schema source per event type. Wire input is
// validated against these before decoding into the typed payload structs, so
// malformed producer payloads are rejected with a schema path rather than a
// Go unmarshal error.
var payloadSchemas = map[EventType]string{
	EventCreditAllocated: `{
		"type": "object",
		"required": ["entity_id", "credit_type", "amount"],
		"properties": {
			"entity_id": {"type": "string", "minLength": 1},
			"entity_type": {"type": "string"},
			"credit_type": {"type": "string", "minLength": 1},
			"amount": {"type": "integer", "minimum": 1},
			"reason": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	EventCreditConsumed: `{
		"type": "object",
		"required": ["entity_id", "credit_type", "amount"],
		"properties": {
			"entity_id": {"type": "string", "minLength": 1},
			"entity_type": {"type": "string"},
			"credit_type": {"type": "string", "minLength": 1},
			"amount": {"type": "integer", "minimum": 1},
			"mission_id": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	EventCreditRefunded: `{
		"type": "object",
		"required": ["entity_id", "credit_type", "amount"],
		"properties": {
			"entity_id": {"type": "string", "minLength": 1},
			"entity_type": {"type": "string"},
			"credit_type": {"type": "string", "minLength": 1},
			"amount": {"type": "integer", "minimum": 1},
			"consumption_event_id": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	EventCreditWithdrawn: `{
		"type": "object",
		"required": ["entity_id", "credit_type", "amount"],
		"properties": {
			"entity_id": {"type": "string", "minLength": 1},
			"entity_type": {"type": "string"},
			"credit_type": {"type": "string", "minLength": 1},
			"amount": {"type": "integer", "minimum": 1},
			"destination": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	EventCreditRegenerated: `{
		"type": "object",
		"required": ["entity_id", "credit_type", "amount"],
		"properties": {
			"entity_id": {"type": "string", "minLength": 1},
			"entity_type": {"type": "string"},
			"credit_type": {"type": "string", "minLength": 1},
			"amount": {"type": "integer", "minimum": 1},
			"cap": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`,
	EventApprovalRequested: `{
		"type": "object",
		"required": ["approval_id", "action"],
		"properties": {
			"approval_id": {"type": "string", "minLength": 1},
			"subject_id": {"type": "string"},
			"action": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	EventApprovalGranted: `{
		"type": "object",
		"required": ["approval_id"],
		"properties": {
			"approval_id": {"type": "string", "minLength": 1},
			"approver_id": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	EventApprovalDenied: `{
		"type": "object",
		"required": ["approval_id"],
		"properties": {
			"approval_id": {"type": "string", "minLength": 1},
			"approver_id": {"type": "string"},
			"reason": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	EventCollaborationRecorded: `{
		"type": "object",
		"required": ["mission_id", "agent_ids"],
		"properties": {
			"mission_id": {"type": "string", "minLength": 1},
			"agent_ids": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		},
		"additionalProperties": false
	}`,
	EventEOCRegulated: `{
		"type": "object",
		"required": ["directive"],
		"properties": {
			"entity_id": {"type": "string"},
			"directive": {"type": "string", "minLength": 1},
			"level": {"type": "integer"}
		},
		"additionalProperties": false
	}`,
	EventMissionRated: `{
		"type": "object",
		"required": ["mission_id", "rating"],
		"properties": {
			"mission_id": {"type": "string", "minLength": 1},
			"rater_id": {"type": "string"},
			"rating": {"type": "integer", "minimum": 1, "maximum": 5}
		},
		"additionalProperties": false
	}`,
}

var compiledSchemas = func() map[EventType]*jsonschema.Schema {
	out := make(map[EventType]*jsonschema.Schema, len(payloadSchemas))
	for t, src := range payloadSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		name := strings.ToLower(string(t)) + ".json"
		if err := c.AddResource(name, strings.NewReader(src)); err != nil {
			panic(fmt.Sprintf("envelope: schema resource %s: %v", t, err))
		}
		sch, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("envelope: compile schema %s: %v", t, err))
		}
		out[t] = sch
	}
	return out
}()

// ValidatePayloadJSON checks raw payload JSON against the schema for t.
func ValidatePayloadJSON(t EventType, raw json.RawMessage) error {
	sch, ok := compiledSchemas[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("payload schema violation for %s: %w", t, err)
	}
	return nil
}

// DecodeValidatedPayload schema-validates raw JSON and decodes it into the
// typed payload for t. This is the wire-ingestion path.
func DecodeValidatedPayload(t EventType, raw json.RawMessage) (Payload, error) {
	if err := ValidatePayloadJSON(t, raw); err != nil {
		return nil, err
	}
	return DecodePayload(t, raw)
}
