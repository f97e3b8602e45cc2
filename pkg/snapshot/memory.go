package snapshot

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps snapshots in memory, for tests and volatile nodes.
type MemoryStore struct {
	mu    sync.RWMutex
	keep  int
	byTyp map[string][]*Snapshot // ascending by sequence
}

// NewMemoryStore creates a store retaining the last keep snapshots per
// type (DefaultKeep when keep <= 0).
func NewMemoryStore(keep int) *MemoryStore {
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &MemoryStore{keep: keep, byTyp: make(map[string][]*Snapshot)}
}

func (m *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.byTyp[snap.SnapshotType], snap)
	sort.Slice(list, func(i, j int) bool { return list[i].Sequence < list[j].Sequence })
	if len(list) > m.keep {
		list = list[len(list)-m.keep:]
	}
	m.byTyp[snap.SnapshotType] = list
	return nil
}

func (m *MemoryStore) LoadLatest(ctx context.Context, snapshotType string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.byTyp[snapshotType]
	if len(list) == 0 {
		return nil, ErrNoSnapshot
	}
	latest := list[len(list)-1]
	if err := latest.VerifyIntegrity(); err != nil {
		return nil, err
	}
	return latest, nil
}

func (m *MemoryStore) List(ctx context.Context, snapshotType string) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.byTyp[snapshotType]
	out := make([]*Snapshot, len(list))
	for i, s := range list {
		out[len(list)-1-i] = s
	}
	return out, nil
}
