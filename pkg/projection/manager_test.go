package projection

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/creditledger/pkg/envelope"
	"github.com/Mindburn-Labs/creditledger/pkg/snapshot"
)

func TestManagerLiveFoldAndReaderView(t *testing.T) {
	m := NewManager("balances", NewFolder(), nil, SnapshotPolicy{}, nil)
	ctx := context.Background()

	require.NoError(t, m.HandleEvent(ctx, sequenced(t, 1,
		envelope.CreditAllocated{EntityID: "a", CreditType: "c", Amount: 100}, "k1")))
	require.NoError(t, m.HandleEvent(ctx, sequenced(t, 2,
		envelope.CreditConsumed{EntityID: "a", CreditType: "c", Amount: 30}, "k2")))

	balance, asOf, ok := m.Balance("a", "c")
	require.True(t, ok)
	assert.Equal(t, int64(70), balance)
	assert.Equal(t, uint64(2), asOf)
}

func TestManagerIgnoresAlreadyFoldedSequence(t *testing.T) {
	m := NewManager("balances", NewFolder(), nil, SnapshotPolicy{}, nil)
	ctx := context.Background()

	event := sequenced(t, 1,
		envelope.CreditAllocated{EntityID: "a", CreditType: "c", Amount: 100}, "k1")
	require.NoError(t, m.HandleEvent(ctx, event))
	require.NoError(t, m.HandleEvent(ctx, event), "redelivery is a no-op")

	balance, _, _ := m.Balance("a", "c")
	assert.Equal(t, int64(100), balance)
}

func TestManagerSnapshotPolicyEveryKEvents(t *testing.T) {
	store := snapshot.NewMemoryStore(5)
	m := NewManager("balances", NewFolder(), store, SnapshotPolicy{EveryEvents: 3}, nil)
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		require.NoError(t, m.HandleEvent(ctx, sequenced(t, uint64(i),
			envelope.CreditAllocated{EntityID: "a", CreditType: "c", Amount: 1},
			fmt.Sprintf("k%d", i))))
	}

	list, err := store.List(ctx, "balances")
	require.NoError(t, err)
	require.Len(t, list, 2, "7 events at K=3 yields snapshots at seq 3 and 6")
	assert.Equal(t, uint64(6), list[0].Sequence)
	assert.Equal(t, uint64(3), list[1].Sequence)
}

func TestManagerSwapRejectsStaleState(t *testing.T) {
	m := NewManager("balances", NewFolder(), nil, SnapshotPolicy{}, nil)
	ctx := context.Background()

	require.NoError(t, m.HandleEvent(ctx, sequenced(t, 5,
		envelope.CreditAllocated{EntityID: "a", CreditType: "c", Amount: 1}, "k1")))

	stale := NewState()
	stale.LastSequence = 3
	assert.False(t, m.Swap(stale))
	assert.Equal(t, uint64(5), m.AsOf())

	fresh := NewState()
	fresh.LastSequence = 9
	assert.True(t, m.Swap(fresh))
	assert.Equal(t, uint64(9), m.AsOf())
}

func TestManagerEntityReturnsCopy(t *testing.T) {
	m := NewManager("balances", NewFolder(), nil, SnapshotPolicy{}, nil)
	ctx := context.Background()
	require.NoError(t, m.HandleEvent(ctx, sequenced(t, 1,
		envelope.CreditAllocated{EntityID: "a", CreditType: "c", Amount: 10}, "k1")))

	ent := m.Entity("a", "c")
	require.NotNil(t, ent)
	ent.Balance = 9999

	balance, _, _ := m.Balance("a", "c")
	assert.Equal(t, int64(10), balance, "mutating the returned entity must not leak")
}

func TestBalanceConservation(t *testing.T) {
	m := NewManager("balances", NewFolder(), nil, SnapshotPolicy{}, nil)
	ctx := context.Background()

	seq := uint64(0)
	apply := func(p envelope.Payload) {
		seq++
		require.NoError(t, m.HandleEvent(ctx, sequenced(t, seq, p, fmt.Sprintf("k%d", seq))))
	}

	apply(envelope.CreditAllocated{EntityID: "a", CreditType: "c", Amount: 1000})
	apply(envelope.CreditConsumed{EntityID: "a", CreditType: "c", Amount: 250})
	apply(envelope.CreditRefunded{EntityID: "a", CreditType: "c", Amount: 50})
	apply(envelope.CreditWithdrawn{EntityID: "a", CreditType: "c", Amount: 300})
	apply(envelope.CreditConsumed{EntityID: "a", CreditType: "c", Amount: 100})

	ent := m.Entity("a", "c")
	require.NotNil(t, ent)
	expected := ent.TotalAllocated + ent.TotalRefunded + ent.TotalRegenerated -
		ent.TotalConsumed - ent.TotalWithdrawn
	assert.Equal(t, expected, ent.Balance)
	assert.Equal(t, int64(400), ent.Balance)
}
