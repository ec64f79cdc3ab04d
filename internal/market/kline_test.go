package market

import (
	"strconv"
	"testing"
	"time"

	"github.com/harwell/tidemark/errs"
	"github.com/harwell/tidemark/internal/schema"
)

func bar(startMs int64, close string) schema.CandleBar {
	return schema.CandleBar{
		Start:    time.UnixMilli(startMs).UTC(),
		Open:     "1",
		High:     "2",
		Low:      "0.5",
		Close:    close,
		Volume:   "10",
		Turnover: "20",
	}
}

func TestSeriesSnapshotReplacesAndSorts(t *testing.T) {
	series := NewSeries("BTCUSDT", "5", 100)
	if _, err := series.ApplyDelta(bar(1000, "1")); err != nil {
		t.Fatalf("seed delta: %v", err)
	}

	payload := series.ApplySnapshot([]schema.CandleBar{bar(3000, "3"), bar(2000, "2")})
	if len(payload.Bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(payload.Bars))
	}
	if !payload.Bars[0].Start.Before(payload.Bars[1].Start) {
		t.Fatal("series not ascending")
	}
	if payload.Bars[0].Close != "2" {
		t.Fatalf("snapshot did not replace prior state: %+v", payload.Bars)
	}
}

func TestSeriesSnapshotDropsMalformedBars(t *testing.T) {
	series := NewSeries("BTCUSDT", "5", 100)
	broken := bar(2000, "2")
	broken.High = ""
	unparsable := bar(3000, "3")
	unparsable.Volume = "n/a"
	payload := series.ApplySnapshot([]schema.CandleBar{bar(1000, "1"), broken, unparsable})
	if len(payload.Bars) != 1 || payload.Bars[0].Close != "1" {
		t.Fatalf("malformed bars must be dropped, got %+v", payload.Bars)
	}
}

func TestSeriesDeltaOverwritesInPlace(t *testing.T) {
	series := NewSeries("BTCUSDT", "5", 100)
	series.ApplySnapshot([]schema.CandleBar{bar(1000, "1"), bar(2000, "2")})

	payload, err := series.ApplyDelta(bar(2000, "2.5"))
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if len(payload.Bars) != 2 {
		t.Fatalf("overwrite must not change length, got %d", len(payload.Bars))
	}
	if payload.Bars[1].Close != "2.5" {
		t.Fatalf("bar not overwritten: %+v", payload.Bars[1])
	}
}

func TestSeriesDeltaAppendsAndResorts(t *testing.T) {
	series := NewSeries("BTCUSDT", "5", 100)
	series.ApplySnapshot([]schema.CandleBar{bar(1000, "1"), bar(3000, "3")})

	payload, err := series.ApplyDelta(bar(2000, "2"))
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if len(payload.Bars) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(payload.Bars))
	}
	for i := 1; i < len(payload.Bars); i++ {
		if !payload.Bars[i-1].Start.Before(payload.Bars[i].Start) {
			t.Fatalf("series not ascending after append: %+v", payload.Bars)
		}
	}
}

func TestSeriesCapEvictsOldestFirst(t *testing.T) {
	series := NewSeries("BTCUSDT", "5", 100)
	for i := 0; i < 150; i++ {
		if _, err := series.ApplyDelta(bar(int64(i+1)*1000, strconv.Itoa(i))); err != nil {
			t.Fatalf("delta %d: %v", i, err)
		}
	}
	payload := series.Payload()
	if len(payload.Bars) != 100 {
		t.Fatalf("expected 100 bars, got %d", len(payload.Bars))
	}
	if !payload.Bars[0].Start.Equal(time.UnixMilli(51 * 1000).UTC()) {
		t.Fatalf("oldest surviving bar wrong: %v", payload.Bars[0].Start)
	}
	if !payload.Bars[99].Start.Equal(time.UnixMilli(150 * 1000).UTC()) {
		t.Fatalf("newest bar wrong: %v", payload.Bars[99].Start)
	}
	for i := 1; i < len(payload.Bars); i++ {
		if !payload.Bars[i-1].Start.Before(payload.Bars[i].Start) {
			t.Fatal("capped series not ascending")
		}
	}
}

func TestSeriesDeltaRejectsMalformedBar(t *testing.T) {
	series := NewSeries("BTCUSDT", "5", 100)
	series.ApplySnapshot([]schema.CandleBar{bar(1000, "1")})

	missing := bar(2000, "2")
	missing.Open = ""
	if _, err := series.ApplyDelta(missing); !errs.IsCode(err, errs.CodeData) {
		t.Fatalf("expected data fault, got %v", err)
	}
	if series.Len() != 1 {
		t.Fatalf("rejected delta must not change the series, len=%d", series.Len())
	}
}

func TestSeriesPayloadIsACopy(t *testing.T) {
	series := NewSeries("BTCUSDT", "5", 100)
	series.ApplySnapshot([]schema.CandleBar{bar(1000, "1")})
	payload := series.Payload()
	payload.Bars[0].Close = "changed"
	if series.Payload().Bars[0].Close != "1" {
		t.Fatal("payload must not alias internal state")
	}
}
