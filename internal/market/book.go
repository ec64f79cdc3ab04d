// Package market maintains per-symbol state reconstructed from snapshot and
// delta messages: order books, candle series, and tickers.
package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/harwell/tidemark/errs"
	"github.com/harwell/tidemark/internal/schema"
)

// Book maintains one consistent order book for a symbol by combining full
// snapshots with incremental deltas. All methods return the complete current
// book, never a raw delta.
type Book struct {
	mu     sync.Mutex
	symbol string
	strict bool
	seeded bool
	bids   map[string]decimal.Decimal
	asks   map[string]decimal.Decimal
	lastTS time.Time
}

// NewBook constructs an empty book. In strict mode a delta arriving before any
// snapshot is rejected as a protocol fault; otherwise the first delta seeds
// the book.
func NewBook(symbol string, strict bool) *Book {
	return &Book{
		symbol: symbol,
		strict: strict,
		bids:   make(map[string]decimal.Decimal),
		asks:   make(map[string]decimal.Decimal),
	}
}

type parsedLevel struct {
	key    string
	qty    decimal.Decimal
	remove bool
}

// ApplySnapshot replaces the whole book with the payload levels. On a data
// fault the existing book is left untouched.
func (b *Book) ApplySnapshot(bids, asks []schema.PriceLevel, ts time.Time) (schema.BookPayload, error) {
	parsedBids, err := b.parseSide(bids)
	if err != nil {
		return schema.BookPayload{}, err
	}
	parsedAsks, err := b.parseSide(asks)
	if err != nil {
		return schema.BookPayload{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	clearSide(b.bids)
	clearSide(b.asks)
	for _, level := range parsedBids {
		if !level.remove {
			b.bids[level.key] = level.qty
		}
	}
	for _, level := range parsedAsks {
		if !level.remove {
			b.asks[level.key] = level.qty
		}
	}
	b.seeded = true
	b.stampLocked(ts)
	return b.buildLocked(), nil
}

// ApplyDelta upserts and removes individual levels. The boolean reports
// whether the delta was applied; in strict mode a delta before any snapshot
// is rejected with a protocol fault and the book stays empty.
func (b *Book) ApplyDelta(bids, asks []schema.PriceLevel, ts time.Time) (schema.BookPayload, bool, error) {
	parsedBids, err := b.parseSide(bids)
	if err != nil {
		return schema.BookPayload{}, false, err
	}
	parsedAsks, err := b.parseSide(asks)
	if err != nil {
		return schema.BookPayload{}, false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.seeded {
		if b.strict {
			return schema.BookPayload{}, false, errs.New("", errs.CodeProtocol,
				errs.WithSymbol(b.symbol), errs.WithMessage("orderbook delta before snapshot"))
		}
		// Lenient mode: the upstream stream interleaves snapshot-less
		// incremental feeds, so the first delta seeds the book.
		b.seeded = true
	}

	applySide(b.bids, parsedBids)
	applySide(b.asks, parsedAsks)
	b.stampLocked(ts)
	return b.buildLocked(), true, nil
}

// Seeded reports whether the book has received a snapshot or seed delta.
func (b *Book) Seeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seeded
}

// Snapshot returns the current full book without mutating state.
func (b *Book) Snapshot() schema.BookPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buildLocked()
}

func (b *Book) parseSide(levels []schema.PriceLevel) ([]parsedLevel, error) {
	out := make([]parsedLevel, 0, len(levels))
	for _, level := range levels {
		price, err := decimal.NewFromString(level.Price)
		if err != nil {
			return nil, errs.New("", errs.CodeData, errs.WithSymbol(b.symbol),
				errs.WithMessage("unparsable orderbook price"), errs.WithCause(err))
		}
		qty, err := decimal.NewFromString(level.Quantity)
		if err != nil {
			return nil, errs.New("", errs.CodeData, errs.WithSymbol(b.symbol),
				errs.WithMessage("unparsable orderbook quantity"), errs.WithCause(err))
		}
		if qty.IsNegative() {
			return nil, errs.New("", errs.CodeData, errs.WithSymbol(b.symbol),
				errs.WithMessage("negative orderbook quantity"))
		}
		out = append(out, parsedLevel{key: price.String(), qty: qty, remove: qty.IsZero()})
	}
	return out, nil
}

func (b *Book) stampLocked(ts time.Time) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	b.lastTS = ts
}

func (b *Book) buildLocked() schema.BookPayload {
	return schema.BookPayload{
		Bids:      buildSide(b.bids, true),
		Asks:      buildSide(b.asks, false),
		Timestamp: b.lastTS,
	}
}

func clearSide(side map[string]decimal.Decimal) {
	for price := range side {
		delete(side, price)
	}
}

func applySide(side map[string]decimal.Decimal, levels []parsedLevel) {
	for _, level := range levels {
		if level.remove {
			delete(side, level.key)
			continue
		}
		side[level.key] = level.qty
	}
}

func buildSide(source map[string]decimal.Decimal, isBid bool) []schema.PriceLevel {
	// An empty side still serializes as [], never null.
	if len(source) == 0 {
		return []schema.PriceLevel{}
	}
	type entry struct {
		price decimal.Decimal
		qty   decimal.Decimal
		key   string
	}
	entries := make([]entry, 0, len(source))
	for key, qty := range source {
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		entries = append(entries, entry{price: price, qty: qty, key: key})
	}
	sort.Slice(entries, func(i, j int) bool {
		cmp := entries[i].price.Cmp(entries[j].price)
		if isBid {
			return cmp > 0
		}
		return cmp < 0
	})
	out := make([]schema.PriceLevel, 0, len(entries))
	for _, e := range entries {
		out = append(out, schema.PriceLevel{Price: e.key, Quantity: e.qty.String()})
	}
	return out
}
