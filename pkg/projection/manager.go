package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/creditledger/pkg/envelope"
	"github.com/Mindburn-Labs/creditledger/pkg/snapshot"
)

// SnapshotPolicy triggers snapshot creation every K events or every T,
// whichever comes first. Zero fields disable the respective trigger.
type SnapshotPolicy struct {
	EveryEvents   uint64
	EveryInterval time.Duration
}

// Manager maintains the live projection. Folds are serialized; readers
// get a consistent immutable view through an atomic pointer swap, never an
// in-progress mutation.
type Manager struct {
	projectionType string
	folder         *Folder
	snapshots      snapshot.Store
	policy         SnapshotPolicy
	logger         *slog.Logger

	mu      sync.Mutex // serializes folds and swaps
	current atomic.Pointer[State]

	eventsSinceSnapshot uint64
	lastSnapshotAt      time.Time
}

// NewManager creates a projection manager. snapshots may be nil to
// disable snapshotting (e.g. throwaway replay targets).
func NewManager(projectionType string, folder *Folder, snapshots snapshot.Store, policy SnapshotPolicy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		projectionType: projectionType,
		folder:         folder,
		snapshots:      snapshots,
		policy:         policy,
		logger:         logger,
		lastSnapshotAt: time.Now(),
	}
	m.current.Store(NewState())
	return m
}

// Type returns the projection type this manager maintains.
func (m *Manager) Type() string { return m.projectionType }

// Folder exposes the fold configuration, shared with the replay engine.
func (m *Manager) Folder() *Folder { return m.folder }

// HandleEvent is the bus handler: fold one live event. Fold errors are
// resolved by the configured policy; policy-fatal errors are logged and
// left for the next replay, since bus delivery is best-effort.
func (m *Manager) HandleEvent(ctx context.Context, event *envelope.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.current.Load()
	if event.SequenceNumber <= state.LastSequence {
		// Already folded (e.g. replay committed past this point).
		return nil
	}

	next := state.Clone()
	if err := m.folder.applyWithPolicy(next, event); err != nil {
		return fmt.Errorf("live fold at seq %d: %w", event.SequenceNumber, err)
	}
	m.current.Store(next)

	m.eventsSinceSnapshot++
	m.maybeSnapshot(ctx, next)
	return nil
}

// maybeSnapshot persists the state when the policy fires. Called with the
// fold lock held.
func (m *Manager) maybeSnapshot(ctx context.Context, state *State) {
	if m.snapshots == nil {
		return
	}
	countDue := m.policy.EveryEvents > 0 && m.eventsSinceSnapshot >= m.policy.EveryEvents
	timeDue := m.policy.EveryInterval > 0 && time.Since(m.lastSnapshotAt) >= m.policy.EveryInterval
	if !countDue && !timeDue {
		return
	}
	if err := m.Snapshot(ctx); err != nil {
		m.logger.Error("projection: snapshot failed",
			"projection_type", m.projectionType,
			"sequence", state.LastSequence,
			"error", err)
	}
}

// Snapshot persists the current state unconditionally.
func (m *Manager) Snapshot(ctx context.Context) error {
	if m.snapshots == nil {
		return fmt.Errorf("no snapshot store configured for %s", m.projectionType)
	}
	state := m.current.Load()
	data, err := state.MarshalCanonical()
	if err != nil {
		return err
	}
	snap := snapshot.New(m.projectionType, state.LastSequence, state.EventCount, data)
	if err := m.snapshots.Save(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	m.eventsSinceSnapshot = 0
	m.lastSnapshotAt = time.Now()
	m.logger.Info("projection: snapshot taken",
		"projection_type", m.projectionType,
		"sequence", snap.Sequence,
		"event_count", snap.EventCount)
	return nil
}

// Swap publishes a fully-rebuilt state, replacing the live view only when
// the rebuilt state is at least as advanced. Used by the replay engine
// after a COMPLETE replay.
func (m *Manager) Swap(state *State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.current.Load(); state.LastSequence < cur.LastSequence {
		return false
	}
	m.current.Store(state)
	return true
}

// Current returns the live immutable state view.
func (m *Manager) Current() *State { return m.current.Load() }

// Balance reports the balance and the sequence it is valid as of.
func (m *Manager) Balance(entityID, creditType string) (balance int64, asOf uint64, ok bool) {
	state := m.current.Load()
	b, ok := state.Balance(entityID, creditType)
	return b, state.LastSequence, ok
}

// Entity returns a copy of the ledger entity, or nil when never seen.
func (m *Manager) Entity(entityID, creditType string) *Entity {
	ent := m.current.Load().Entity(entityID, creditType)
	if ent == nil {
		return nil
	}
	copied := *ent
	return &copied
}

// AsOf returns the sequence number the live view represents.
func (m *Manager) AsOf() uint64 { return m.current.Load().LastSequence }
