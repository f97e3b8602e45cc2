package projection

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/creditledger/pkg/envelope"
	"github.com/Mindburn-Labs/creditledger/pkg/journal"
)

func sequenced(t *testing.T, seq uint64, payload envelope.Payload, key string) *envelope.Event {
	t.Helper()
	e, err := envelope.New(payload, "ops", "corr", key)
	require.NoError(t, err)
	e.SequenceNumber = seq
	return e
}

func TestFoldAllocateConsumeRefund(t *testing.T) {
	f := NewFolder()
	s := NewState()

	require.NoError(t, f.Apply(s, sequenced(t, 1,
		envelope.CreditAllocated{EntityID: "a", EntityType: "agent", CreditType: "compute", Amount: 100}, "k1")))
	require.NoError(t, f.Apply(s, sequenced(t, 2,
		envelope.CreditConsumed{EntityID: "a", CreditType: "compute", Amount: 30}, "k2")))
	require.NoError(t, f.Apply(s, sequenced(t, 3,
		envelope.CreditRefunded{EntityID: "a", CreditType: "compute", Amount: 10}, "k3")))

	balance, ok := s.Balance("a", "compute")
	require.True(t, ok)
	assert.Equal(t, int64(80), balance)

	ent := s.Entity("a", "compute")
	assert.Equal(t, int64(100), ent.TotalAllocated)
	assert.Equal(t, int64(30), ent.TotalConsumed)
	assert.Equal(t, int64(10), ent.TotalRefunded)
	assert.Equal(t, uint64(3), ent.LastSequence)
	assert.Equal(t, uint64(3), s.LastSequence)
}

func TestFoldInsufficientBalanceLeavesStateUntouched(t *testing.T) {
	f := NewFolder()
	s := NewState()

	require.NoError(t, f.Apply(s, sequenced(t, 1,
		envelope.CreditAllocated{EntityID: "a", CreditType: "compute", Amount: 50}, "k1")))

	err := f.Apply(s, sequenced(t, 2,
		envelope.CreditConsumed{EntityID: "a", CreditType: "compute", Amount: 1000}, "k2"))
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(50), insufficient.Balance)
	assert.Equal(t, int64(1000), insufficient.Requested)

	balance, _ := s.Balance("a", "compute")
	assert.Equal(t, int64(50), balance)
	assert.Equal(t, uint64(1), s.LastSequence, "failed fold must not advance state")
}

func TestFoldRejectedDebitCreatesNoEntity(t *testing.T) {
	f := NewFolder()
	s := NewState()

	err := f.Apply(s, sequenced(t, 1,
		envelope.CreditConsumed{EntityID: "ghost", CreditType: "compute", Amount: 3}, "k1"))
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(0), insufficient.Balance)

	assert.Empty(t, s.Entities, "rejected debit must not materialize the entity")
	assert.Zero(t, s.LastSequence)
	assert.Zero(t, s.EventCount)
}

func TestFoldConsumeToZeroMarksExhausted(t *testing.T) {
	f := NewFolder()
	s := NewState()

	require.NoError(t, f.Apply(s, sequenced(t, 1,
		envelope.CreditAllocated{EntityID: "a", CreditType: "compute", Amount: 40}, "k1")))
	require.NoError(t, f.Apply(s, sequenced(t, 2,
		envelope.CreditConsumed{EntityID: "a", CreditType: "compute", Amount: 40}, "k2")))

	ent := s.Entity("a", "compute")
	assert.True(t, ent.Exhausted)
	assert.Zero(t, ent.Balance)

	require.NoError(t, f.Apply(s, sequenced(t, 3,
		envelope.CreditAllocated{EntityID: "a", CreditType: "compute", Amount: 5}, "k3")))
	assert.False(t, s.Entity("a", "compute").Exhausted)
}

func TestFoldNegativePermittedCreditType(t *testing.T) {
	f := NewFolder()
	f.AllowNegative = map[string]bool{"overdraft": true}
	s := NewState()

	require.NoError(t, f.Apply(s, sequenced(t, 1,
		envelope.CreditConsumed{EntityID: "a", CreditType: "overdraft", Amount: 25}, "k1")))
	balance, _ := s.Balance("a", "overdraft")
	assert.Equal(t, int64(-25), balance)
}

func TestFoldWithdrawToZeroMarksExhausted(t *testing.T) {
	f := NewFolder()
	s := NewState()

	require.NoError(t, f.Apply(s, sequenced(t, 1,
		envelope.CreditAllocated{EntityID: "a", CreditType: "compute", Amount: 40}, "k1")))
	require.NoError(t, f.Apply(s, sequenced(t, 2,
		envelope.CreditWithdrawn{EntityID: "a", CreditType: "compute", Amount: 40}, "k2")))

	ent := s.Entity("a", "compute")
	assert.True(t, ent.Exhausted)
	assert.Zero(t, ent.Balance)

	// Regeneration revives the entity.
	require.NoError(t, f.Apply(s, sequenced(t, 3,
		envelope.CreditRegenerated{EntityID: "a", CreditType: "compute", Amount: 15}, "k3")))
	ent = s.Entity("a", "compute")
	assert.False(t, ent.Exhausted)
	assert.Equal(t, int64(15), ent.Balance)
}

func TestFoldRegenerationRespectsCap(t *testing.T) {
	f := NewFolder()
	s := NewState()

	require.NoError(t, f.Apply(s, sequenced(t, 1,
		envelope.CreditAllocated{EntityID: "a", CreditType: "compute", Amount: 90}, "k1")))
	require.NoError(t, f.Apply(s, sequenced(t, 2,
		envelope.CreditRegenerated{EntityID: "a", CreditType: "compute", Amount: 50, Cap: 100}, "k2")))

	balance, _ := s.Balance("a", "compute")
	assert.Equal(t, int64(100), balance)
}

func TestFoldNonBalanceEventsCountOnly(t *testing.T) {
	f := NewFolder()
	s := NewState()

	require.NoError(t, f.Apply(s, sequenced(t, 1,
		envelope.MissionRated{MissionID: "m", Rating: 5}, "k1")))
	require.NoError(t, f.Apply(s, sequenced(t, 2,
		envelope.ApprovalRequested{ApprovalID: "ap", Action: "deploy"}, "k2")))

	assert.Empty(t, s.Entities)
	assert.Equal(t, uint64(1), s.Counters[string(envelope.EventMissionRated)])
	assert.Equal(t, uint64(1), s.Counters[string(envelope.EventApprovalRequested)])
	assert.Equal(t, uint64(2), s.EventCount)
}

func TestFoldRejectsOutOfOrder(t *testing.T) {
	f := NewFolder()
	s := NewState()

	require.NoError(t, f.Apply(s, sequenced(t, 5,
		envelope.CreditAllocated{EntityID: "a", CreditType: "c", Amount: 1}, "k1")))
	err := f.Apply(s, sequenced(t, 5,
		envelope.CreditAllocated{EntityID: "a", CreditType: "c", Amount: 1}, "k2"))
	assert.ErrorContains(t, err, "out-of-order")

	err = f.Apply(s, sequenced(t, 3,
		envelope.CreditAllocated{EntityID: "a", CreditType: "c", Amount: 1}, "k3"))
	assert.ErrorContains(t, err, "out-of-order")
}

func TestRebuildFromSkipAndLogPolicy(t *testing.T) {
	j := journal.NewMemoryJournal()
	ctx := context.Background()

	mustAppend := func(p envelope.Payload, key string) {
		e, err := envelope.New(p, "ops", "corr", key)
		require.NoError(t, err)
		_, err = j.Append(ctx, e)
		require.NoError(t, err)
	}
	mustAppend(envelope.CreditAllocated{EntityID: "a", CreditType: "c", Amount: 10}, "k1")
	// Historically journaled over-consumption (rule changed later).
	mustAppend(envelope.CreditConsumed{EntityID: "a", CreditType: "c", Amount: 50}, "k2")
	mustAppend(envelope.CreditAllocated{EntityID: "b", CreditType: "c", Amount: 5}, "k3")

	f := NewFolder() // FoldSkipAndLog default
	cur, err := j.ReadFrom(ctx, 0)
	require.NoError(t, err)
	state, err := f.RebuildFrom(ctx, nil, cur)
	require.NoError(t, err)

	balanceA, _ := state.Balance("a", "c")
	assert.Equal(t, int64(10), balanceA, "skipped fold leaves balance intact")
	balanceB, _ := state.Balance("b", "c")
	assert.Equal(t, int64(5), balanceB, "unrelated entities still fold")
	assert.Equal(t, uint64(1), state.SkippedFolds)
	assert.Equal(t, uint64(3), state.LastSequence)
}

func TestRebuildFromFailFastPolicy(t *testing.T) {
	j := journal.NewMemoryJournal()
	ctx := context.Background()

	for i, p := range []envelope.Payload{
		envelope.CreditAllocated{EntityID: "a", CreditType: "c", Amount: 10},
		envelope.CreditConsumed{EntityID: "a", CreditType: "c", Amount: 50},
	} {
		e, err := envelope.New(p, "ops", "corr", fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		_, err = j.Append(ctx, e)
		require.NoError(t, err)
	}

	f := NewFolder()
	f.ErrorPolicy = FoldFailFast
	cur, err := j.ReadFrom(ctx, 0)
	require.NoError(t, err)
	_, err = f.RebuildFrom(ctx, nil, cur)
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, uint64(2), insufficient.Sequence)
}

func TestCanonicalMarshalIsByteStable(t *testing.T) {
	f := NewFolder()
	build := func() *State {
		s := NewState()
		require.NoError(t, f.Apply(s, sequenced(t, 1,
			envelope.CreditAllocated{EntityID: "z", CreditType: "c", Amount: 7}, "k1")))
		require.NoError(t, f.Apply(s, sequenced(t, 2,
			envelope.CreditAllocated{EntityID: "a", CreditType: "c", Amount: 3}, "k2")))
		return s
	}

	first, err := build().MarshalCanonical()
	require.NoError(t, err)
	second, err := build().MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	decoded, err := UnmarshalState(first)
	require.NoError(t, err)
	redone, err := decoded.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, first, redone, "decode/re-encode round trip is canonical")
}
