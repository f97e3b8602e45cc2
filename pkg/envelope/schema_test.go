package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePayloadJSONAccepts(t *testing.T) {
	raw := json.RawMessage(`{"entity_id":"agent_123","credit_type":"compute","amount":100}`)
	assert.NoError(t, ValidatePayloadJSON(EventCreditAllocated, raw))
}

func TestValidatePayloadJSONRejectsSchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		typ  EventType
		raw  string
	}{
		{"negative amount", EventCreditAllocated, `{"entity_id":"a","credit_type":"c","amount":-1}`},
		{"amount as string", EventCreditConsumed, `{"entity_id":"a","credit_type":"c","amount":"10"}`},
		{"missing entity", EventCreditWithdrawn, `{"credit_type":"c","amount":10}`},
		{"unexpected field", EventCreditRefunded, `{"entity_id":"a","credit_type":"c","amount":1,"bogus":true}`},
		{"empty agent list", EventCollaborationRecorded, `{"mission_id":"m","agent_ids":[]}`},
		{"rating above bound", EventMissionRated, `{"mission_id":"m","rating":9}`},
		{"not json", EventEOCRegulated, `{broken`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, ValidatePayloadJSON(tc.typ, json.RawMessage(tc.raw)))
		})
	}
}

func TestDecodeValidatedPayload(t *testing.T) {
	raw := json.RawMessage(`{"entity_id":"agent_123","entity_type":"agent","credit_type":"compute","amount":30,"mission_id":"m-1"}`)
	p, err := DecodeValidatedPayload(EventCreditConsumed, raw)
	require.NoError(t, err)
	consumed, ok := p.(CreditConsumed)
	require.True(t, ok)
	assert.Equal(t, int64(30), consumed.Amount)
	assert.Equal(t, "m-1", consumed.MissionID)
}

func TestSchemaCoversEveryEventType(t *testing.T) {
	for _, typ := range AllEventTypes {
		_, ok := compiledSchemas[typ]
		assert.True(t, ok, "missing schema for %s", typ)
	}
}
