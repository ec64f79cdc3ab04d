package market

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/harwell/tidemark/errs"
	"github.com/harwell/tidemark/internal/schema"
)

const defaultSeriesCap = 200

// Series maintains one bounded, time-ordered candle series per
// (symbol, interval). Bars are keyed by their start timestamp; the series is
// always sorted ascending with no duplicate timestamps and never exceeds cap
// entries (oldest evicted first).
type Series struct {
	mu       sync.Mutex
	symbol   string
	interval string
	cap      int
	bars     []schema.CandleBar
}

// NewSeries constructs an empty series bounded to cap bars (<=0 uses the default).
func NewSeries(symbol, interval string, cap int) *Series {
	if cap <= 0 {
		cap = defaultSeriesCap
	}
	return &Series{symbol: symbol, interval: interval, cap: cap}
}

// ApplySnapshot replaces the series outright. Malformed bars are dropped, not
// defaulted to zero, so indicator math downstream never sees fabricated values.
func (s *Series) ApplySnapshot(bars []schema.CandleBar) schema.KlinePayload {
	kept := make([]schema.CandleBar, 0, len(bars))
	for _, bar := range bars {
		if validBar(bar) {
			kept = append(kept, bar)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start.Before(kept[j].Start) })
	kept = dedupeBars(kept)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars = kept
	s.truncateLocked()
	return s.payloadLocked()
}

// ApplyDelta updates the bar with a matching start timestamp in place, or
// appends a new bar and re-sorts. A malformed bar is rejected with a data
// fault and the series is left untouched.
func (s *Series) ApplyDelta(bar schema.CandleBar) (schema.KlinePayload, error) {
	if !validBar(bar) {
		return schema.KlinePayload{}, errs.New("", errs.CodeData,
			errs.WithSymbol(s.symbol), errs.WithMessage("kline bar missing required fields"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i := range s.bars {
		if s.bars[i].Start.Equal(bar.Start) {
			s.bars[i] = bar
			replaced = true
			break
		}
	}
	if !replaced {
		s.bars = append(s.bars, bar)
		sort.Slice(s.bars, func(i, j int) bool { return s.bars[i].Start.Before(s.bars[j].Start) })
	}
	s.truncateLocked()
	return s.payloadLocked(), nil
}

// Len reports the current series length.
func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bars)
}

// Payload returns a copy of the current series without mutating state.
func (s *Series) Payload() schema.KlinePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloadLocked()
}

func (s *Series) truncateLocked() {
	if len(s.bars) <= s.cap {
		return
	}
	excess := len(s.bars) - s.cap
	s.bars = append(s.bars[:0], s.bars[excess:]...)
}

func (s *Series) payloadLocked() schema.KlinePayload {
	bars := make([]schema.CandleBar, len(s.bars))
	copy(bars, s.bars)
	return schema.KlinePayload{Interval: s.interval, Bars: bars}
}

// validBar requires a start timestamp and parsable OHLCV fields. Turnover is
// optional on some venues and may be empty.
func validBar(bar schema.CandleBar) bool {
	if bar.Start.IsZero() {
		return false
	}
	for _, field := range []string{bar.Open, bar.High, bar.Low, bar.Close, bar.Volume} {
		if field == "" {
			return false
		}
		if _, err := decimal.NewFromString(field); err != nil {
			return false
		}
	}
	if bar.Turnover != "" {
		if _, err := decimal.NewFromString(bar.Turnover); err != nil {
			return false
		}
	}
	return true
}

func dedupeBars(sorted []schema.CandleBar) []schema.CandleBar {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, bar := range sorted[1:] {
		if bar.Start.Equal(out[len(out)-1].Start) {
			out[len(out)-1] = bar
			continue
		}
		out = append(out, bar)
	}
	return out
}
