// Package bus is the engine's only output surface: it carries full-state
// events from the dispatcher to consumers such as the strategy layer and the
// snapshot collector.
package bus

import (
	"context"

	"github.com/harwell/tidemark/internal/schema"
)

// DefaultBufferSize is the per-subscriber channel capacity used when a
// configuration leaves it unset.
const DefaultBufferSize = 64

// SubscriptionID names one live subscription for later teardown.
type SubscriptionID string

// Bus routes events by type. Subscribers receive the full current state
// object each time, never a diff.
type Bus interface {
	Publish(ctx context.Context, evt *schema.Event) error
	Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan *schema.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig tunes the in-memory bus.
type MemoryConfig struct {
	BufferSize int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c
}
