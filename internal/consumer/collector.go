package consumer

import (
	"context"
	"time"

	"github.com/harwell/tidemark/errs"
	"github.com/harwell/tidemark/internal/bus"
	"github.com/harwell/tidemark/internal/observability"
	"github.com/harwell/tidemark/internal/schema"
	"github.com/harwell/tidemark/internal/snapshot"
)

// Collector drains engine events into the snapshot store so the last full
// state per (symbol, type) survives for late joiners.
type Collector struct {
	consumer *Consumer
	store    snapshot.Store
	log      observability.Logger
	ttl      time.Duration

	done chan struct{}
}

// NewCollector builds a collector persisting events of the given TTL. A zero
// ttl keeps records forever.
func NewCollector(b bus.Bus, store snapshot.Store, ttl time.Duration, log observability.Logger) *Collector {
	if log == nil {
		log = observability.Log()
	}
	return &Collector{
		consumer: NewConsumer("snapshot-collector", b, log),
		store:    store,
		log:      log,
		ttl:      ttl,
		done:     make(chan struct{}),
	}
}

// Start begins collecting the given event types until ctx is cancelled.
func (c *Collector) Start(ctx context.Context, types []schema.EventType) {
	events, errc := c.consumer.Start(ctx, types)
	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errc:
				if ok && err != nil {
					c.log.Error("collector subscription failed", observability.F("error", err.Error()))
				}
				errc = nil
			case evt, ok := <-events:
				if !ok {
					return
				}
				c.persist(ctx, evt)
			}
		}
	}()
}

// Done is closed once the collector has drained and stopped.
func (c *Collector) Done() <-chan struct{} { return c.done }

// persist upserts the event as the latest snapshot for its key. Writers race
// per key, so the update runs get-then-swap and retries lost races with the
// fresher version.
func (c *Collector) persist(ctx context.Context, evt *schema.Event) {
	key := snapshot.Key{Symbol: evt.Symbol, Type: evt.Type}
	record := snapshot.Record{
		Key:       key,
		EventID:   evt.EventID,
		Payload:   evt.Payload,
		UpdatedAt: evt.EmitTS,
		TTL:       c.ttl,
	}
	for {
		current, err := c.store.Get(ctx, key)
		if errs.IsCode(err, errs.CodeNotFound) {
			if _, err := c.store.Put(ctx, record); err != nil {
				c.log.Warn("snapshot put failed",
					observability.F("event_id", evt.EventID),
					observability.F("error", err.Error()))
			}
			return
		}
		if err != nil {
			c.log.Warn("snapshot read failed",
				observability.F("event_id", evt.EventID),
				observability.F("error", err.Error()))
			return
		}
		_, err = c.store.CompareAndSwap(ctx, current.Version, record)
		if err == nil {
			return
		}
		if errs.IsCode(err, errs.CodeConflict) {
			continue
		}
		c.log.Warn("snapshot swap failed",
			observability.F("event_id", evt.EventID),
			observability.F("error", err.Error()))
		return
	}
}
