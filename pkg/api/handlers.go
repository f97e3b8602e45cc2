package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/creditledger/pkg/envelope"
	"github.com/Mindburn-Labs/creditledger/pkg/eventstore"
	"github.com/Mindburn-Labs/creditledger/pkg/idempotency"
	"github.com/Mindburn-Labs/creditledger/pkg/projection"
	"github.com/Mindburn-Labs/creditledger/pkg/replay"
)

// Service exposes the event store over HTTP.
type Service struct {
	store    *eventstore.Store
	engine   *replay.Engine
	managers map[string]*projection.Manager
	logger   *slog.Logger
}

// NewService wires the HTTP surface. managers is keyed by projection type.
func NewService(store *eventstore.Store, engine *replay.Engine, managers map[string]*projection.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		engine:   engine,
		managers: managers,
		logger:   logger,
	}
}

// Routes registers all endpoints on a fresh mux.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.HandleAppendEvent)
	mux.HandleFunc("GET /v1/entities/{id}/balance", s.HandleBalance)
	mux.HandleFunc("GET /v1/correlations/{id}/events", s.HandleCorrelation)
	mux.HandleFunc("POST /v1/replay", s.HandleReplay)
	mux.HandleFunc("GET /healthz", s.HandleHealth)
	return mux
}

// AppendEventRequest is the wire form of one event submission. The payload
// is validated against the per-type JSON Schema before decoding.
type AppendEventRequest struct {
	EventType      envelope.EventType `json:"event_type"`
	ActorID        string             `json:"actor_id"`
	CorrelationID  string             `json:"correlation_id"`
	CausationID    string             `json:"causation_id,omitempty"`
	IdempotencyKey string             `json:"idempotency_key"`
	SchemaVersion  int                `json:"schema_version,omitempty"`
	Timestamp      *time.Time         `json:"timestamp,omitempty"`
	Payload        json.RawMessage    `json:"payload"`
}

// AppendEventResponse reports the journaled identity. For a duplicate
// submission it carries the original event's identity with duplicate set.
type AppendEventResponse struct {
	EventID        string `json:"event_id"`
	SequenceNumber uint64 `json:"sequence_number"`
	Duplicate      bool   `json:"duplicate"`
}

// HandleAppendEvent handles POST /v1/events. A new event answers 201; an
// idempotent retry answers 200 with the original identity.
func (s *Service) HandleAppendEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var req AppendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.IdempotencyKey == "" || req.ActorID == "" || req.CorrelationID == "" {
		WriteBadRequest(w, "Missing required fields: idempotency_key, actor_id, correlation_id")
		return
	}

	payload, err := envelope.DecodeValidatedPayload(req.EventType, req.Payload)
	if err != nil {
		if errors.Is(err, envelope.ErrUnknownEventType) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteUnprocessable(w, err.Error())
		return
	}

	var opts []envelope.Option
	if req.CausationID != "" {
		opts = append(opts, envelope.WithCausation(req.CausationID))
	}
	if req.SchemaVersion > 0 {
		opts = append(opts, envelope.WithSchemaVersion(req.SchemaVersion))
	}
	if req.Timestamp != nil {
		opts = append(opts, envelope.WithTimestamp(*req.Timestamp))
	}
	event, err := envelope.New(payload, req.ActorID, req.CorrelationID, req.IdempotencyKey, opts...)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	result, err := s.store.Append(r.Context(), event)
	if err != nil {
		s.writeAppendError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, AppendEventResponse{
		EventID:        result.EventID,
		SequenceNumber: result.Sequence,
		Duplicate:      result.Duplicate,
	})
}

func (s *Service) writeAppendError(w http.ResponseWriter, err error) {
	var insufficient *projection.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		WriteConflict(w, insufficient.Error())
	case errors.Is(err, idempotency.ErrReservationPending):
		WriteConflict(w, "idempotency key has an in-flight reservation; retry shortly")
	case errors.Is(err, eventstore.ErrCausationCycle):
		WriteBadRequest(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

// BalanceResponse is the read-side view of one ledger entity.
type BalanceResponse struct {
	EntityID      string `json:"entity_id"`
	CreditType    string `json:"credit_type"`
	Balance       int64  `json:"balance"`
	AsOfSequence  uint64 `json:"as_of_sequence"`
	Exhausted     bool   `json:"exhausted"`
	TotalConsumed int64  `json:"total_consumed"`
}

// HandleBalance handles GET /v1/entities/{id}/balance?credit_type=...
func (s *Service) HandleBalance(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("id")
	creditType := r.URL.Query().Get("credit_type")
	if creditType == "" {
		WriteBadRequest(w, "Missing required query parameter: credit_type")
		return
	}

	manager, ok := s.managers["balances"]
	if !ok {
		WriteServiceUnavailable(w, "balance projection not available")
		return
	}
	ent := manager.Entity(entityID, creditType)
	if ent == nil {
		WriteNotFound(w, "No ledger entity for that entity_id and credit_type")
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		EntityID:      ent.EntityID,
		CreditType:    ent.CreditType,
		Balance:       ent.Balance,
		AsOfSequence:  manager.AsOf(),
		Exhausted:     ent.Exhausted,
		TotalConsumed: ent.TotalConsumed,
	})
}

// HandleCorrelation handles GET /v1/correlations/{id}/events.
func (s *Service) HandleCorrelation(w http.ResponseWriter, r *http.Request) {
	correlationID := r.PathValue("id")
	events, err := s.store.EventsByCorrelation(r.Context(), correlationID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"correlation_id": correlationID,
		"events":         events,
	})
}

// ReplayRequest triggers a projection rebuild, the one operator-facing
// action this core exposes.
type ReplayRequest struct {
	ProjectionType string `json:"projection_type"`
	FromSnapshot   bool   `json:"from_snapshot"`
	Commit         bool   `json:"commit"`
}

// ReplayResponse summarizes the replay outcome.
type ReplayResponse struct {
	ProjectionType string `json:"projection_type"`
	Status         string `json:"status"`
	Sequence       uint64 `json:"sequence"`
	EventsFolded   uint64 `json:"events_folded"`
	SkippedFolds   uint64 `json:"skipped_folds"`
	FromSnapshot   bool   `json:"from_snapshot"`
	StateHash      string `json:"state_hash"`
	Swapped        bool   `json:"swapped"`
	Committed      bool   `json:"committed"`
}

// HandleReplay handles POST /v1/replay. A completed replay is swapped into
// the live projection; with commit it is also persisted as a snapshot.
func (s *Service) HandleReplay(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req ReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.ProjectionType == "" {
		WriteBadRequest(w, "Missing required field: projection_type")
		return
	}
	manager, ok := s.managers[req.ProjectionType]
	if !ok {
		WriteNotFound(w, "Unknown projection_type")
		return
	}

	result, err := s.engine.Replay(r.Context(), req.ProjectionType, req.FromSnapshot)
	if err != nil {
		s.logger.Error("api: replay failed",
			"projection_type", req.ProjectionType,
			"failed_sequence", result.FailedSequence,
			"failed_event_id", result.FailedEventID,
			"error", err)
		WriteError(w, http.StatusInternalServerError, "Replay Failed", err.Error())
		return
	}

	resp := ReplayResponse{
		ProjectionType: result.ProjectionType,
		Status:         string(result.Status),
		Sequence:       result.Sequence,
		EventsFolded:   result.EventsFolded,
		SkippedFolds:   result.SkippedFolds,
		FromSnapshot:   result.FromSnapshot,
		StateHash:      result.StateHash,
	}
	resp.Swapped = manager.Swap(result.State)
	if req.Commit {
		if err := s.engine.CommitSnapshot(r.Context(), result); err != nil {
			WriteInternal(w, err)
			return
		}
		resp.Committed = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth handles GET /healthz.
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	seq, err := s.store.LastSequence(r.Context())
	if err != nil {
		WriteServiceUnavailable(w, "journal unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"last_sequence": seq,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
