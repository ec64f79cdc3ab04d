package bus

import (
	"context"
	"strconv"
	"sync"

	"github.com/harwell/tidemark/errs"
	"github.com/harwell/tidemark/internal/schema"
)

// MemoryBus fans events out to in-process subscribers over buffered channels.
// Delivery is non-blocking: a subscriber that stops draining its channel
// surfaces an unavailable error to the publisher instead of stalling the bus.
type MemoryBus struct {
	cfg MemoryConfig

	mu     sync.Mutex
	subs   map[SubscriptionID]*subscription
	closed bool
	lastID uint64
}

// subscription owns one outbound channel. Sends and the final close are
// serialized on its mutex so a racing Unsubscribe or Close can never close
// the channel out from under an in-flight Publish.
type subscription struct {
	typ    schema.EventType
	cancel context.CancelFunc

	mu   sync.Mutex
	ch   chan *schema.Event
	done bool
}

func (s *subscription) send(evt *schema.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	select {
	case s.ch <- evt:
		return nil
	default:
		return errs.New("", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

func (s *subscription) finish() {
	s.cancel()
	s.mu.Lock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	return &MemoryBus{
		cfg:  cfg.normalize(),
		subs: make(map[SubscriptionID]*subscription),
	}
}

// Publish fans the event out to every subscriber of its type. The first
// full subscriber buffer aborts the fan-out with an unavailable error; the
// publisher decides whether that is fatal (the dispatcher logs and drops).
func (b *MemoryBus) Publish(ctx context.Context, evt *schema.Event) error {
	if evt == nil {
		return nil
	}
	if evt.Type == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errs.New("", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.typ == evt.Type {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if err := sub.send(evt); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers for events of the given type. Cancelling ctx tears the
// subscription down as if Unsubscribe had been called.
func (b *MemoryBus) Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan *schema.Event, error) {
	if typ == "" {
		return "", nil, errs.New("", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := &subscription{
		typ:    typ,
		cancel: cancel,
		ch:     make(chan *schema.Event, b.cfg.BufferSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return "", nil, errs.New("", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	b.lastID++
	id := SubscriptionID("sub-" + strconv.FormatUint(b.lastID, 10))
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(id)
	}()
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel. Unknown ids
// are a no-op.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.finish()
	}
}

// Close shuts down the bus and every subscription. Idempotent; no event is
// delivered after Close returns.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.finish()
	}
}
