// Package replay rebuilds projections from the latest snapshot plus
// subsequent journal events. The engine is the authoritative path for
// projection correctness: live bus delivery is an optimization, replay
// is the guarantee.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/creditledger/pkg/journal"
	"github.com/Mindburn-Labs/creditledger/pkg/observability"
	"github.com/Mindburn-Labs/creditledger/pkg/projection"
	"github.com/Mindburn-Labs/creditledger/pkg/snapshot"
)

// State is the lifecycle phase of a replay run.
type State string

const (
	StateIdle            State = "IDLE"
	StateLoadingSnapshot State = "LOADING_SNAPSHOT"
	StateReplayingEvents State = "REPLAYING_EVENTS"
	StateComplete        State = "COMPLETE"
	StateFailed          State = "FAILED"
)

// DivergenceError reports that two replays of the same range produced
// different state. A fold function is impure; treat as fatal.
type DivergenceError struct {
	ProjectionType string
	FirstHash      string
	SecondHash     string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("replay divergence for %s: first %s, second %s",
		e.ProjectionType, e.FirstHash, e.SecondHash)
}

// Result describes one completed or failed replay run.
type Result struct {
	ProjectionType   string    `json:"projection_type"`
	Status           State     `json:"status"`
	Sequence         uint64    `json:"sequence"`
	EventsFolded     uint64    `json:"events_folded"`
	SkippedFolds     uint64    `json:"skipped_folds"`
	FromSnapshot     bool      `json:"from_snapshot"`
	SnapshotSequence uint64    `json:"snapshot_sequence,omitempty"`
	StateHash        string    `json:"state_hash,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`

	// Set when Status is FAILED and a specific event caused it.
	FailedSequence uint64 `json:"failed_sequence,omitempty"`
	FailedEventID  string `json:"failed_event_id,omitempty"`

	// Final state; nil unless Status is COMPLETE. Partial state from a
	// failed or cancelled run is discarded, never exposed.
	State *projection.State `json:"-"`
}

// Engine rebuilds projection state from snapshot plus journal tail.
type Engine struct {
	journal   journal.Journal
	snapshots snapshot.Store
	folder    *projection.Folder
	logger    *slog.Logger
	obs       *observability.Provider

	mu    sync.Mutex
	phase State
}

// NewEngine wires a replay engine. snapshots may be nil, in which case
// every replay starts from journal genesis.
func NewEngine(j journal.Journal, snapshots snapshot.Store, folder *projection.Folder, logger *slog.Logger) *Engine {
	if folder == nil {
		folder = projection.NewFolder()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		journal:   j,
		snapshots: snapshots,
		folder:    folder,
		logger:    logger,
		phase:     StateIdle,
	}
}

// WithObservability traces replay runs and records the skipped-fold gauge.
func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	return e
}

// Phase reports the engine's current lifecycle phase.
func (e *Engine) Phase() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) setPhase(s State) {
	e.mu.Lock()
	e.phase = s
	e.mu.Unlock()
}

// Replay rebuilds the named projection. With fromSnapshot it starts
// from the latest stored snapshot; otherwise, or when no usable
// snapshot exists, it starts from journal genesis. The rebuilt state is
// private to the returned Result; callers publish it (projection
// Manager Swap) or persist it (CommitSnapshot) explicitly.
func (e *Engine) Replay(ctx context.Context, projectionType string, fromSnapshot bool) (*Result, error) {
	if e.obs == nil {
		return e.replay(ctx, projectionType, fromSnapshot)
	}
	ctx, done := e.obs.TrackOperation(ctx, "replay.run",
		attribute.String("projection_type", projectionType))
	res, err := e.replay(ctx, projectionType, fromSnapshot)
	done(err)
	if err == nil {
		e.obs.RecordSkippedFolds(ctx, projectionType, int64(res.SkippedFolds))
	}
	return res, err
}

func (e *Engine) replay(ctx context.Context, projectionType string, fromSnapshot bool) (*Result, error) {
	res := &Result{
		ProjectionType: projectionType,
		Status:         StateFailed,
		StartedAt:      time.Now(),
	}

	e.setPhase(StateLoadingSnapshot)
	base, err := e.loadBase(ctx, projectionType, fromSnapshot, res)
	if err != nil {
		e.finish(res, StateFailed)
		return res, err
	}

	e.setPhase(StateReplayingEvents)
	after := uint64(0)
	if base != nil {
		after = base.LastSequence
	}
	cur, err := e.journal.ReadFrom(ctx, after)
	if err != nil {
		e.finish(res, StateFailed)
		return res, fmt.Errorf("read journal after seq %d: %w", after, err)
	}
	defer cur.Close()

	built, err := e.folder.RebuildFrom(ctx, base, cur)
	if err != nil {
		var foldErr *projection.FoldFailureError
		if errors.As(err, &foldErr) {
			res.FailedSequence = foldErr.Sequence
			res.FailedEventID = foldErr.EventID
		}
		e.finish(res, StateFailed)
		e.logger.Error("replay: rebuild failed",
			"projection_type", projectionType,
			"failed_sequence", res.FailedSequence,
			"failed_event_id", res.FailedEventID,
			"error", err)
		return res, err
	}

	hash, err := built.Hash()
	if err != nil {
		e.finish(res, StateFailed)
		return res, fmt.Errorf("hash rebuilt state: %w", err)
	}

	res.State = built
	res.Sequence = built.LastSequence
	res.EventsFolded = built.EventCount
	res.SkippedFolds = built.SkippedFolds
	res.StateHash = hash
	e.finish(res, StateComplete)

	e.logger.Info("replay: complete",
		"projection_type", projectionType,
		"sequence", res.Sequence,
		"events_folded", res.EventsFolded,
		"skipped_folds", res.SkippedFolds,
		"from_snapshot", res.FromSnapshot,
		"state_hash", hash)
	return res, nil
}

// loadBase resolves the starting state. A corrupt snapshot never fails
// the replay: it falls back to a full rebuild from genesis with a
// critical alert, since a slow rebuild beats a wrong balance.
func (e *Engine) loadBase(ctx context.Context, projectionType string, fromSnapshot bool, res *Result) (*projection.State, error) {
	if !fromSnapshot || e.snapshots == nil {
		return nil, nil
	}

	snap, err := e.snapshots.LoadLatest(ctx, projectionType)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return nil, nil
	}
	var corrupt *snapshot.CorruptError
	if errors.As(err, &corrupt) {
		e.logger.Error("replay: snapshot corrupt, full rebuild from genesis",
			"projection_type", projectionType,
			"snapshot_sequence", corrupt.Sequence,
			"reason", corrupt.Reason)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", projectionType, err)
	}

	base, err := projection.UnmarshalState(snap.StateData)
	if err != nil {
		e.logger.Error("replay: snapshot state undecodable, full rebuild from genesis",
			"projection_type", projectionType,
			"snapshot_sequence", snap.Sequence,
			"error", err)
		return nil, nil
	}

	res.FromSnapshot = true
	res.SnapshotSequence = snap.Sequence
	return base, nil
}

func (e *Engine) finish(res *Result, status State) {
	res.Status = status
	res.CompletedAt = time.Now()
	e.setPhase(status)
}

// CommitSnapshot persists the result of a COMPLETE replay as a new
// snapshot. Partial or failed results are never committed.
func (e *Engine) CommitSnapshot(ctx context.Context, res *Result) error {
	if res.Status != StateComplete || res.State == nil {
		return fmt.Errorf("cannot commit snapshot from a %s replay", res.Status)
	}
	if e.snapshots == nil {
		return errors.New("no snapshot store configured")
	}
	data, err := res.State.MarshalCanonical()
	if err != nil {
		return err
	}
	snap := snapshot.New(res.ProjectionType, res.State.LastSequence, res.State.EventCount, data)
	if err := e.snapshots.Save(ctx, snap); err != nil {
		return fmt.Errorf("save replay snapshot: %w", err)
	}
	return nil
}

// VerifyDeterminism replays the projection twice from the same starting
// point and compares state hashes. A mismatch means a fold function is
// impure and returns a DivergenceError.
func (e *Engine) VerifyDeterminism(ctx context.Context, projectionType string) (string, error) {
	first, err := e.Replay(ctx, projectionType, true)
	if err != nil {
		return "", fmt.Errorf("first replay: %w", err)
	}
	second, err := e.Replay(ctx, projectionType, true)
	if err != nil {
		return "", fmt.Errorf("second replay: %w", err)
	}
	if first.StateHash != second.StateHash {
		return "", &DivergenceError{
			ProjectionType: projectionType,
			FirstHash:      first.StateHash,
			SecondHash:     second.StateHash,
		}
	}
	return first.StateHash, nil
}
