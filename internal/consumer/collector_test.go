package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/harwell/tidemark/errs"
	"github.com/harwell/tidemark/internal/bus"
	"github.com/harwell/tidemark/internal/schema"
	"github.com/harwell/tidemark/internal/snapshot"
)

func TestCollectorPersistsLatestState(t *testing.T) {
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	defer b.Close()
	store := snapshot.NewMemoryStore()
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	col := NewCollector(b, store, 0, nil)
	col.Start(ctx, []schema.EventType{schema.EventTypeTicker})

	publish(t, b, schema.EventTypeTicker, "BTCUSDT", 1)
	publish(t, b, schema.EventTypeTicker, "BTCUSDT", 2)

	key := snapshot.Key{Symbol: "BTCUSDT", Type: schema.EventTypeTicker}
	deadline := time.Now().Add(2 * time.Second)
	for {
		record, err := store.Get(context.Background(), key)
		if err == nil && record.EventID == schema.BuildEventID("BTCUSDT", schema.EventTypeTicker, 2) {
			if record.Version < 2 {
				t.Fatalf("second write must bump the version, got %d", record.Version)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("latest event not persisted, record=%+v err=%v", record, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCollectorKeysPerSymbolAndType(t *testing.T) {
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	defer b.Close()
	store := snapshot.NewMemoryStore()
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	col := NewCollector(b, store, 0, nil)
	col.Start(ctx, []schema.EventType{schema.EventTypeTicker, schema.EventTypeOrderBook})

	publish(t, b, schema.EventTypeTicker, "BTCUSDT", 1)
	publish(t, b, schema.EventTypeOrderBook, "BTCUSDT", 1)
	publish(t, b, schema.EventTypeTicker, "ETHUSDT", 1)

	keys := []snapshot.Key{
		{Symbol: "BTCUSDT", Type: schema.EventTypeTicker},
		{Symbol: "BTCUSDT", Type: schema.EventTypeOrderBook},
		{Symbol: "ETHUSDT", Type: schema.EventTypeTicker},
	}
	deadline := time.Now().Add(2 * time.Second)
	for _, key := range keys {
		for {
			_, err := store.Get(context.Background(), key)
			if err == nil {
				break
			}
			if !errs.IsCode(err, errs.CodeNotFound) {
				t.Fatalf("Get(%v) = %v", key, err)
			}
			if time.Now().After(deadline) {
				t.Fatalf("key %v never persisted", key)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestCollectorStopsOnCancel(t *testing.T) {
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	defer b.Close()
	store := snapshot.NewMemoryStore()
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())

	col := NewCollector(b, store, 0, nil)
	col.Start(ctx, []schema.EventType{schema.EventTypeTicker})
	cancel()

	select {
	case <-col.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop after cancel")
	}
}
