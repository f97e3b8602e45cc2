package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/creditledger/pkg/bus"
	"github.com/Mindburn-Labs/creditledger/pkg/eventstore"
	"github.com/Mindburn-Labs/creditledger/pkg/idempotency"
	"github.com/Mindburn-Labs/creditledger/pkg/journal"
	"github.com/Mindburn-Labs/creditledger/pkg/observability"
	"github.com/Mindburn-Labs/creditledger/pkg/projection"
	"github.com/Mindburn-Labs/creditledger/pkg/replay"
	"github.com/Mindburn-Labs/creditledger/pkg/snapshot"
)

type testServer struct {
	service *Service
	mux     *http.ServeMux
	manager *projection.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	j := journal.NewMemoryJournal()
	guard := idempotency.NewMemoryGuard(0)
	b := bus.New()
	t.Cleanup(b.Close)
	snaps := snapshot.NewMemoryStore(3)

	manager := projection.NewManager("balances", projection.NewFolder(), snaps, projection.SnapshotPolicy{}, nil)
	b.Subscribe("balances", nil, manager.HandleEvent)

	store := eventstore.New(j, guard, b, eventstore.WithBalanceCheck(manager))
	engine := replay.NewEngine(j, snaps, manager.Folder(), nil)
	service := NewService(store, engine, map[string]*projection.Manager{"balances": manager}, nil)
	return &testServer{service: service, mux: service.Routes(), manager: manager}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) waitFolded(t *testing.T, seq uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ts.manager.AsOf() >= seq
	}, 2*time.Second, 2*time.Millisecond)
}

func allocateBody(key string, amount int64) string {
	return fmt.Sprintf(`{
		"event_type": "CREDIT_ALLOCATED",
		"actor_id": "ops",
		"correlation_id": "corr-api",
		"idempotency_key": %q,
		"payload": {"entity_id": "agent_9", "credit_type": "compute", "amount": %d}
	}`, key, amount)
}

func TestAppendEventEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/events", allocateBody("api-k1", 100))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var first AppendEventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, uint64(1), first.SequenceNumber)
	assert.False(t, first.Duplicate)

	rec = ts.do(t, http.MethodPost, "/v1/events", allocateBody("api-k1", 100))
	require.Equal(t, http.StatusOK, rec.Code)

	var retry AppendEventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &retry))
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.EventID, retry.EventID)
	assert.Equal(t, first.SequenceNumber, retry.SequenceNumber)
}

func TestAppendEventSchemaViolation(t *testing.T) {
	ts := newTestServer(t)

	body := `{
		"event_type": "CREDIT_ALLOCATED",
		"actor_id": "ops",
		"correlation_id": "corr-api",
		"idempotency_key": "bad-1",
		"payload": {"entity_id": "agent_9", "credit_type": "compute"}
	}`
	rec := ts.do(t, http.MethodPost, "/v1/events", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
}

func TestAppendEventUnknownType(t *testing.T) {
	ts := newTestServer(t)

	body := `{
		"event_type": "CREDIT_TELEPORTED",
		"actor_id": "ops",
		"correlation_id": "corr-api",
		"idempotency_key": "bad-2",
		"payload": {}
	}`
	rec := ts.do(t, http.MethodPost, "/v1/events", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAppendEventInsufficientBalance(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/events", allocateBody("api-k1", 10))
	require.Equal(t, http.StatusCreated, rec.Code)
	ts.waitFolded(t, 1)

	body := `{
		"event_type": "CREDIT_CONSUMED",
		"actor_id": "ops",
		"correlation_id": "corr-api",
		"idempotency_key": "api-k2",
		"payload": {"entity_id": "agent_9", "credit_type": "compute", "amount": 1000}
	}`
	rec = ts.do(t, http.MethodPost, "/v1/events", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBalanceEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/events", allocateBody("api-k1", 42))
	require.Equal(t, http.StatusCreated, rec.Code)
	ts.waitFolded(t, 1)

	rec = ts.do(t, http.MethodGet, "/v1/entities/agent_9/balance?credit_type=compute", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BalanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp.Balance)
	assert.Equal(t, uint64(1), resp.AsOfSequence)

	rec = ts.do(t, http.MethodGet, "/v1/entities/nobody/balance?credit_type=compute", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/entities/agent_9/balance", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCorrelationEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/events", allocateBody("api-k1", 10))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/correlations/corr-api/events", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		CorrelationID string            `json:"correlation_id"`
		Events        []json.RawMessage `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Events, 1)
}

func TestReplayEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/events", allocateBody("api-k1", 25))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/replay",
		`{"projection_type": "balances", "from_snapshot": true, "commit": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ReplayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "COMPLETE", resp.Status)
	assert.Equal(t, uint64(1), resp.Sequence)
	assert.True(t, resp.Swapped)
	assert.True(t, resp.Committed)

	rec = ts.do(t, http.MethodPost, "/v1/replay", `{"projection_type": "unknown"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRequestIDMiddleware(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-chosen")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "caller-chosen", rec.Header().Get("X-Request-ID"))
}

func TestTelemetryMiddleware(t *testing.T) {
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)
	handler := Telemetry(obs)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	// 5xx responses pass through unchanged while counting as errors.
	failing := Telemetry(obs)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	rec = httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewGlobalRateLimiter(1, 2)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[3])
}
