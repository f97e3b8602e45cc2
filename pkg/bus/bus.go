// Package bus fans newly-appended events out to registered projection
// handlers. Delivery is a latency optimization, never the source of truth:
// the journal is already durable when Publish runs, and the replay engine
// is the authoritative path to projection correctness. A handler that
// errors, panics, or falls behind affects no other handler and never rolls
// back an append.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/creditledger/pkg/envelope"
)

// Handler consumes one event. Errors are logged and swallowed; the handler
// sees events in append order (never N+1 before N).
type Handler func(ctx context.Context, event *envelope.Event) error

// DefaultQueueDepth is the per-subscriber buffer between Publish and the
// handler goroutine.
const DefaultQueueDepth = 1024

// Bus is an in-process, per-subscriber-ordered event fan-out.
type Bus struct {
	mu         sync.RWMutex
	subs       map[int]*subscription
	nextID     int
	queueDepth int
	logger     *slog.Logger
	closed     bool
	wg         sync.WaitGroup
}

type subscription struct {
	id      int
	name    string
	types   map[envelope.EventType]bool // nil means all types
	ch      chan *envelope.Event
	handler Handler
}

// Option configures the bus.
type Option func(*Bus)

// WithQueueDepth overrides the per-subscriber queue depth.
func WithQueueDepth(depth int) Option {
	return func(b *Bus) {
		if depth > 0 {
			b.queueDepth = depth
		}
	}
}

// WithLogger sets the logger (slog.Default when unset).
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[int]*subscription),
		queueDepth: DefaultQueueDepth,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for the given event types (nil or empty
// means all). It returns an unsubscribe function. Each subscriber gets its
// own delivery goroutine, so one slow handler never stalls another.
func (b *Bus) Subscribe(name string, types []envelope.EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:      b.nextID,
		name:    name,
		ch:      make(chan *envelope.Event, b.queueDepth),
		handler: handler,
	}
	b.nextID++
	if len(types) > 0 {
		sub.types = make(map[envelope.EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go b.deliver(sub)

	return func() { b.unsubscribe(sub.id) }
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish enqueues the event for every matching subscriber. It never
// blocks: a subscriber whose queue is full loses the event, which is
// logged and left for the next replay to repair.
func (b *Bus) Publish(event *envelope.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[event.EventType] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("bus: subscriber queue full, dropping event",
				"subscriber", sub.name,
				"event_id", event.EventID,
				"sequence", event.SequenceNumber)
		}
	}
}

// deliver drains one subscriber's queue in order, isolating failures.
func (b *Bus) deliver(sub *subscription) {
	defer b.wg.Done()
	ctx := context.Background()
	for event := range sub.ch {
		b.invoke(ctx, sub, event)
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, event *envelope.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus: handler panicked",
				"subscriber", sub.name,
				"event_id", event.EventID,
				"sequence", event.SequenceNumber,
				"panic", r)
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Warn("bus: handler failed",
			"subscriber", sub.name,
			"event_id", event.EventID,
			"sequence", event.SequenceNumber,
			"error", err)
	}
}

// Close stops delivery. Pending queued events are drained first.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
