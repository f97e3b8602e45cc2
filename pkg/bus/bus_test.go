package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/creditledger/pkg/envelope"
)

func testEvent(t *testing.T, seq uint64, key string) *envelope.Event {
	t.Helper()
	e, err := envelope.New(envelope.CreditAllocated{
		EntityID: "agent_1", CreditType: "compute", Amount: 10,
	}, "ops", "corr", key)
	require.NoError(t, err)
	e.SequenceNumber = seq
	return e
}

func ratedEvent(t *testing.T, seq uint64, key string) *envelope.Event {
	t.Helper()
	e, err := envelope.New(envelope.MissionRated{
		MissionID: "m-1", Rating: 4,
	}, "ops", "corr", key)
	require.NoError(t, err)
	e.SequenceNumber = seq
	return e
}

func TestPerHandlerInOrderDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []uint64
	done := make(chan struct{})

	b.Subscribe("order-check", nil, func(ctx context.Context, e *envelope.Event) error {
		mu.Lock()
		got = append(got, e.SequenceNumber)
		if len(got) == 50 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for i := 1; i <= 50; i++ {
		b.Publish(testEvent(t, uint64(i), fmt.Sprintf("k%d", i)))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestTypeFilteredSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var types []envelope.EventType
	done := make(chan struct{})

	b.Subscribe("ratings-only", []envelope.EventType{envelope.EventMissionRated},
		func(ctx context.Context, e *envelope.Event) error {
			mu.Lock()
			types = append(types, e.EventType)
			mu.Unlock()
			close(done)
			return nil
		})

	b.Publish(testEvent(t, 1, "k1"))
	b.Publish(ratedEvent(t, 2, "k2"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, types, 1)
	assert.Equal(t, envelope.EventMissionRated, types[0])
}

func TestHandlerFailureIsIsolated(t *testing.T) {
	b := New()
	defer b.Close()

	var healthy sync.WaitGroup
	healthy.Add(2)

	b.Subscribe("failing", nil, func(ctx context.Context, e *envelope.Event) error {
		return errors.New("boom")
	})
	b.Subscribe("panicking", nil, func(ctx context.Context, e *envelope.Event) error {
		panic("ouch")
	})
	b.Subscribe("healthy", nil, func(ctx context.Context, e *envelope.Event) error {
		healthy.Done()
		return nil
	})

	b.Publish(testEvent(t, 1, "k1"))
	b.Publish(testEvent(t, 2, "k2"))

	waitDone := make(chan struct{})
	go func() { healthy.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("healthy handler starved by failing peers")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	var count sync.WaitGroup
	count.Add(1)
	unsub := b.Subscribe("once", nil, func(ctx context.Context, e *envelope.Event) error {
		count.Done()
		return nil
	})

	b.Publish(testEvent(t, 1, "k1"))
	count.Wait()
	unsub()

	// Publish after unsubscribe must not panic and must not deliver.
	b.Publish(testEvent(t, 2, "k2"))
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	b := New()

	var mu sync.Mutex
	delivered := 0
	b.Subscribe("drain", nil, func(ctx context.Context, e *envelope.Event) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})

	for i := 1; i <= 10; i++ {
		b.Publish(testEvent(t, uint64(i), fmt.Sprintf("k%d", i)))
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, delivered)
}
