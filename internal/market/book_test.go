package market

import (
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/harwell/tidemark/errs"
	"github.com/harwell/tidemark/internal/schema"
)

func levels(pairs ...[2]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, schema.PriceLevel{Price: p[0], Quantity: p[1]})
	}
	return out
}

func assertBookInvariants(t *testing.T, book schema.BookPayload) {
	t.Helper()
	checkSide := func(side []schema.PriceLevel, descending bool) {
		seen := make(map[string]struct{}, len(side))
		var prev decimal.Decimal
		for i, level := range side {
			if _, dup := seen[level.Price]; dup {
				t.Fatalf("duplicate price %s", level.Price)
			}
			seen[level.Price] = struct{}{}
			qty, err := decimal.NewFromString(level.Quantity)
			if err != nil || !qty.IsPositive() {
				t.Fatalf("level %s has non-positive quantity %q", level.Price, level.Quantity)
			}
			price, err := decimal.NewFromString(level.Price)
			if err != nil {
				t.Fatalf("unparsable price %q", level.Price)
			}
			if i > 0 {
				cmp := price.Cmp(prev)
				if descending && cmp >= 0 {
					t.Fatalf("bids not strictly descending at %s", level.Price)
				}
				if !descending && cmp <= 0 {
					t.Fatalf("asks not strictly ascending at %s", level.Price)
				}
			}
			prev = price
		}
	}
	checkSide(book.Bids, true)
	checkSide(book.Asks, false)
}

func TestBookSnapshotReplacesState(t *testing.T) {
	book := NewBook("BTCUSDT", false)
	if _, err := book.ApplySnapshot(
		levels([2]string{"100", "1"}, [2]string{"99", "2"}),
		levels([2]string{"101", "1"}),
		time.UnixMilli(1),
	); err != nil {
		t.Fatalf("first snapshot: %v", err)
	}

	payload, err := book.ApplySnapshot(
		levels([2]string{"200", "3"}),
		levels([2]string{"201", "4"}, [2]string{"202", "5"}),
		time.UnixMilli(2),
	)
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if len(payload.Bids) != 1 || payload.Bids[0].Price != "200" {
		t.Fatalf("snapshot did not replace bids: %+v", payload.Bids)
	}
	if len(payload.Asks) != 2 {
		t.Fatalf("snapshot did not replace asks: %+v", payload.Asks)
	}
	assertBookInvariants(t, payload)
}

func TestBookEmptySideSerializesAsEmptyArray(t *testing.T) {
	book := NewBook("BTCUSDT", false)
	payload, err := book.ApplySnapshot(levels([2]string{"100", "1"}), nil, time.UnixMilli(1))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if payload.Asks == nil {
		t.Fatal("empty ask side must be an empty slice, not nil")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"asks":[]`) {
		t.Fatalf("empty side serialized as %s", raw)
	}
}

func TestBookDeltaUpsertsAndSorts(t *testing.T) {
	book := NewBook("BTCUSDT", false)
	if _, err := book.ApplySnapshot(
		levels([2]string{"100", "1"}, [2]string{"98", "2"}),
		levels([2]string{"101", "1"}, [2]string{"103", "2"}),
		time.UnixMilli(1),
	); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	payload, applied, err := book.ApplyDelta(
		levels([2]string{"99", "5"}, [2]string{"100", "7"}),
		levels([2]string{"102", "4"}),
		time.UnixMilli(2),
	)
	if err != nil || !applied {
		t.Fatalf("delta: applied=%v err=%v", applied, err)
	}
	assertBookInvariants(t, payload)
	if len(payload.Bids) != 3 {
		t.Fatalf("expected 3 bids, got %+v", payload.Bids)
	}
	if payload.Bids[0].Price != "100" || payload.Bids[0].Quantity != "7" {
		t.Fatalf("best bid not overwritten: %+v", payload.Bids[0])
	}
	if len(payload.Asks) != 3 || payload.Asks[1].Price != "102" {
		t.Fatalf("ask not inserted in order: %+v", payload.Asks)
	}
}

func TestBookZeroQuantityRemovesExactlyOneLevel(t *testing.T) {
	book := NewBook("BTCUSDT", false)
	if _, err := book.ApplySnapshot(
		levels([2]string{"100", "1"}, [2]string{"99", "2"}, [2]string{"98", "3"}),
		nil,
		time.UnixMilli(1),
	); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	payload, applied, err := book.ApplyDelta(levels([2]string{"100", "0"}), nil, time.UnixMilli(2))
	if err != nil || !applied {
		t.Fatalf("delta: applied=%v err=%v", applied, err)
	}
	if len(payload.Bids) != 2 {
		t.Fatalf("expected exactly one level removed, got %+v", payload.Bids)
	}
	for _, level := range payload.Bids {
		if level.Price == "100" {
			t.Fatal("level at 100 should have been removed")
		}
	}
	assertBookInvariants(t, payload)
}

func TestBookInvariantsHoldAcrossDeltaSequences(t *testing.T) {
	book := NewBook("ETHUSDT", false)
	if _, err := book.ApplySnapshot(
		levels([2]string{"10", "1"}, [2]string{"9", "1"}),
		levels([2]string{"11", "1"}, [2]string{"12", "1"}),
		time.UnixMilli(1),
	); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	deltas := []struct {
		bids, asks []schema.PriceLevel
	}{
		{levels([2]string{"10", "2"}), nil},
		{levels([2]string{"9", "0"}, [2]string{"8.5", "4"}), levels([2]string{"11", "0"})},
		{nil, levels([2]string{"11.5", "2"}, [2]string{"12", "0"})},
		{levels([2]string{"10.1", "1"}, [2]string{"10.1", "3"}), nil},
	}
	for i, delta := range deltas {
		payload, applied, err := book.ApplyDelta(delta.bids, delta.asks, time.UnixMilli(int64(i+2)))
		if err != nil || !applied {
			t.Fatalf("delta %d: applied=%v err=%v", i, applied, err)
		}
		assertBookInvariants(t, payload)
	}
}

func TestBookLenientSeedOnFirstDelta(t *testing.T) {
	book := NewBook("BTCUSDT", false)
	payload, applied, err := book.ApplyDelta(levels([2]string{"100", "1"}), nil, time.UnixMilli(1))
	if err != nil || !applied {
		t.Fatalf("seed delta: applied=%v err=%v", applied, err)
	}
	if len(payload.Bids) != 1 {
		t.Fatalf("expected seeded bid, got %+v", payload.Bids)
	}
	if !book.Seeded() {
		t.Fatal("book should be seeded after first delta")
	}
}

func TestBookStrictModeRejectsDeltaBeforeSnapshot(t *testing.T) {
	book := NewBook("BTCUSDT", true)
	_, applied, err := book.ApplyDelta(levels([2]string{"100", "1"}), nil, time.UnixMilli(1))
	if applied {
		t.Fatal("strict book must not apply a delta before any snapshot")
	}
	if !errs.IsCode(err, errs.CodeProtocol) {
		t.Fatalf("expected protocol fault, got %v", err)
	}
	if book.Seeded() {
		t.Fatal("rejected delta must not seed the book")
	}
	// A snapshot unblocks delta processing.
	if _, err := book.ApplySnapshot(levels([2]string{"100", "1"}), nil, time.UnixMilli(2)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, applied, err := book.ApplyDelta(levels([2]string{"99", "1"}), nil, time.UnixMilli(3)); err != nil || !applied {
		t.Fatalf("delta after snapshot: applied=%v err=%v", applied, err)
	}
}

func TestBookMalformedDeltaLeavesStateUntouched(t *testing.T) {
	book := NewBook("BTCUSDT", false)
	if _, err := book.ApplySnapshot(levels([2]string{"100", "1"}), nil, time.UnixMilli(1)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	before := book.Snapshot()

	_, applied, err := book.ApplyDelta(levels([2]string{"101", "oops"}, [2]string{"100", "0"}), nil, time.UnixMilli(2))
	if applied || !errs.IsCode(err, errs.CodeData) {
		t.Fatalf("expected rejected data fault, got applied=%v err=%v", applied, err)
	}
	after := book.Snapshot()
	if len(after.Bids) != len(before.Bids) || after.Bids[0] != before.Bids[0] {
		t.Fatalf("state mutated by rejected delta: %+v", after.Bids)
	}
}

func TestBookNegativeQuantityRejected(t *testing.T) {
	book := NewBook("BTCUSDT", false)
	_, err := book.ApplySnapshot(levels([2]string{"100", "-1"}), nil, time.UnixMilli(1))
	if !errs.IsCode(err, errs.CodeData) {
		t.Fatalf("expected data fault for negative quantity, got %v", err)
	}
}
