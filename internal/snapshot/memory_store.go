package snapshot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harwell/tidemark/errs"
)

const sweepInterval = 30 * time.Second

// MemoryStore is an in-memory implementation of the snapshot Store. Expired
// records are pruned by a background sweeper.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[Key]*entry
	shutdown   chan struct{}
	once       sync.Once
	casRetries atomic.Uint64
}

type entry struct {
	mu     sync.Mutex
	record Record
}

// NewMemoryStore creates a memory-backed snapshot store.
func NewMemoryStore() *MemoryStore {
	store := new(MemoryStore)
	store.records = make(map[Key]*entry)
	store.shutdown = make(chan struct{})
	go store.sweepExpired()
	return store
}

// Get returns the current snapshot for the key. A record past its TTL is
// still returned; callers check Stale themselves.
func (s *MemoryStore) Get(ctx context.Context, key Key) (Record, error) {
	if err := key.Validate(); err != nil {
		return Record{}, err
	}
	if ctx != nil && ctx.Err() != nil {
		return Record{}, fmt.Errorf("snapshot get: %w", ctx.Err())
	}
	s.mu.RLock()
	e, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return Record{}, errs.New("", errs.CodeNotFound, errs.WithSymbol(key.Symbol), errs.WithMessage("snapshot not found"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, nil
}

// Put stores a snapshot unconditionally, resetting the version counter.
func (s *MemoryStore) Put(ctx context.Context, record Record) (Record, error) {
	if err := record.Key.Validate(); err != nil {
		return Record{}, err
	}
	if ctx != nil && ctx.Err() != nil {
		return Record{}, fmt.Errorf("snapshot put: %w", ctx.Err())
	}
	s.mu.Lock()
	e, exists := s.records[record.Key]
	if !exists {
		e = new(entry)
		s.records[record.Key] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	record.Version = 1
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	e.record = record
	return record, nil
}

// CompareAndSwap replaces the snapshot only when the stored version matches
// prevVersion, so concurrent writers cannot clobber a newer state.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, prevVersion uint64, record Record) (Record, error) {
	if err := record.Key.Validate(); err != nil {
		return Record{}, err
	}
	if ctx != nil && ctx.Err() != nil {
		return Record{}, fmt.Errorf("snapshot cas: %w", ctx.Err())
	}
	s.mu.RLock()
	e, ok := s.records[record.Key]
	s.mu.RUnlock()
	if !ok {
		return Record{}, errs.New("", errs.CodeNotFound, errs.WithSymbol(record.Key.Symbol), errs.WithMessage("snapshot not found"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.Version != prevVersion {
		s.casRetries.Add(1)
		return Record{}, errs.New("", errs.CodeConflict, errs.WithSymbol(record.Key.Symbol), errs.WithMessage("version mismatch"))
	}
	record.Version = prevVersion + 1
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	e.record = record
	return record, nil
}

// CASRetries reports how many compare-and-swap attempts lost their race.
func (s *MemoryStore) CASRetries() uint64 {
	return s.casRetries.Load()
}

// Close stops the background sweeper. Idempotent.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.shutdown) })
}

func (s *MemoryStore) sweepExpired() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.pruneExpired()
		}
	}
}

func (s *MemoryStore) pruneExpired() {
	now := time.Now().UTC()
	s.mu.Lock()
	for key, e := range s.records {
		e.mu.Lock()
		stale := e.record.Stale(now)
		e.mu.Unlock()
		if stale {
			delete(s.records, key)
		}
	}
	s.mu.Unlock()
}
