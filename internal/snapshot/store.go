// Package snapshot stores the last emitted full-state payload per market key
// so late-joining consumers can catch up without replaying the stream.
package snapshot

import (
	"context"
	"strings"
	"time"

	"github.com/harwell/tidemark/errs"
	"github.com/harwell/tidemark/internal/schema"
)

// Key identifies one snapshot record.
type Key struct {
	Symbol string
	Type   schema.EventType
}

// Record is one stored full-state payload with optimistic-concurrency
// metadata.
type Record struct {
	Key       Key
	EventID   string
	Version   uint64
	Payload   any
	UpdatedAt time.Time
	TTL       time.Duration
}

// Store is the snapshot storage contract.
type Store interface {
	Get(ctx context.Context, key Key) (Record, error)
	Put(ctx context.Context, record Record) (Record, error)
	CompareAndSwap(ctx context.Context, prevVersion uint64, record Record) (Record, error)
}

// Validate checks the key names a storable state class.
func (k Key) Validate() error {
	switch k.Type {
	case schema.EventTypeKline, schema.EventTypeOrderBook, schema.EventTypeTicker:
	case schema.EventTypeExecution, schema.EventTypePosition, schema.EventTypeOrder:
	default:
		return errs.New("", errs.CodeInvalid, errs.WithMessage("unknown snapshot type"))
	}
	if strings.TrimSpace(k.Symbol) == "" && k.Type != schema.EventTypePosition {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("snapshot key requires a symbol"))
	}
	return nil
}

// Stale reports whether the record has outlived its TTL.
func (r Record) Stale(now time.Time) bool {
	if r.TTL <= 0 {
		return false
	}
	return r.UpdatedAt.Add(r.TTL).Before(now)
}
