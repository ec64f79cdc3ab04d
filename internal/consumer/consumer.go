// Package consumer multiplexes engine events for downstream readers and keeps
// the snapshot store current.
package consumer

import (
	"context"

	"github.com/sourcegraph/conc"

	"github.com/harwell/tidemark/internal/bus"
	"github.com/harwell/tidemark/internal/observability"
	"github.com/harwell/tidemark/internal/schema"
)

// Consumer subscribes to one or more event types on the bus and merges them
// onto a single downstream channel.
type Consumer struct {
	ID  string
	bus bus.Bus
	log observability.Logger

	events chan *schema.Event
	err    chan error
}

type subscription struct {
	id  bus.SubscriptionID
	typ schema.EventType
	ch  <-chan *schema.Event
}

// NewConsumer constructs a consumer bound to the engine bus.
func NewConsumer(id string, b bus.Bus, log observability.Logger) *Consumer {
	if log == nil {
		log = observability.Log()
	}
	return &Consumer{ID: id, bus: b, log: log}
}

// Start subscribes to the requested event types and forwards events until the
// context is cancelled. Calling Start twice returns the same channels.
func (c *Consumer) Start(ctx context.Context, types []schema.EventType) (<-chan *schema.Event, <-chan error) {
	if c.events != nil {
		return c.events, c.err
	}
	c.events = make(chan *schema.Event, 256)
	c.err = make(chan error, 1)
	go c.consume(ctx, types)
	return c.events, c.err
}

func (c *Consumer) consume(ctx context.Context, types []schema.EventType) {
	defer close(c.events)
	defer close(c.err)

	subs := make([]subscription, 0, len(types))
	for _, typ := range types {
		id, ch, err := c.bus.Subscribe(ctx, typ)
		if err != nil {
			c.err <- err
			for _, existing := range subs {
				c.bus.Unsubscribe(existing.id)
			}
			return
		}
		subs = append(subs, subscription{id: id, typ: typ, ch: ch})
	}

	var wg conc.WaitGroup
	for _, sub := range subs {
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-sub.ch:
					if !ok {
						return
					}
					if evt == nil {
						continue
					}
					c.log.Debug("consumer event",
						observability.F("consumer", c.ID),
						observability.F("type", string(sub.typ)),
						observability.F("event_id", evt.EventID))
					select {
					case <-ctx.Done():
						return
					case c.events <- evt:
					}
				}
			}
		})
	}

	<-ctx.Done()

	for _, sub := range subs {
		c.bus.Unsubscribe(sub.id)
	}

	wg.Wait()
}
