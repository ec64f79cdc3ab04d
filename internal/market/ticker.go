package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/harwell/tidemark/errs"
	"github.com/harwell/tidemark/internal/schema"
)

// TickerUpdate carries the fields present in one partial ticker message.
// Nil pointers mean the field was absent from the wire payload.
type TickerUpdate struct {
	LastPrice    *string
	Bid1Price    *string
	Ask1Price    *string
	Volume24h    *string
	Turnover24h  *string
	HighPrice24h *string
	LowPrice24h  *string
	Price24hPcnt *string
}

// Ticker maintains the last-known-good ticker record for one symbol. Partial
// updates upgrade the record field by field; a partial update never resets
// absent fields to defaults.
type Ticker struct {
	mu     sync.Mutex
	symbol string
	state  schema.TickerPayload
}

// NewTicker constructs an empty ticker record for the symbol.
func NewTicker(symbol string) *Ticker {
	return &Ticker{symbol: symbol}
}

// Apply merges the update onto the record and returns the merged state. The
// update is rejected as a whole, leaving the record untouched, when any
// present field is unparsable or when no usable price can be established.
func (t *Ticker) Apply(update TickerUpdate, ts time.Time) (schema.TickerPayload, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	merged := t.state
	fields := []struct {
		src *string
		dst *string
	}{
		{update.LastPrice, &merged.LastPrice},
		{update.Bid1Price, &merged.Bid1Price},
		{update.Ask1Price, &merged.Ask1Price},
		{update.Volume24h, &merged.Volume24h},
		{update.Turnover24h, &merged.Turnover24h},
		{update.HighPrice24h, &merged.HighPrice24h},
		{update.LowPrice24h, &merged.LowPrice24h},
		{update.Price24hPcnt, &merged.Price24hPcnt},
	}
	for _, field := range fields {
		if field.src == nil {
			continue
		}
		if _, err := decimal.NewFromString(*field.src); err != nil {
			return schema.TickerPayload{}, errs.New("", errs.CodeData,
				errs.WithSymbol(t.symbol), errs.WithMessage("unparsable ticker field"), errs.WithCause(err))
		}
		*field.dst = *field.src
	}

	// Last price precedence: explicit last-trade price, else mid of best
	// bid/ask, else whichever single side is present.
	if merged.LastPrice == "" {
		derived, err := deriveLastPrice(merged.Bid1Price, merged.Ask1Price)
		if err != nil {
			return schema.TickerPayload{}, errs.New("", errs.CodeData,
				errs.WithSymbol(t.symbol), errs.WithMessage("ticker update carries no usable price"), errs.WithCause(err))
		}
		merged.LastPrice = derived
	}

	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	merged.UpdatedAt = ts

	t.state = merged
	return merged, nil
}

// Snapshot returns the current merged record without mutating state.
func (t *Ticker) Snapshot() schema.TickerPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func deriveLastPrice(bid, ask string) (string, error) {
	switch {
	case bid != "" && ask != "":
		bidPrice, err := decimal.NewFromString(bid)
		if err != nil {
			return "", err
		}
		askPrice, err := decimal.NewFromString(ask)
		if err != nil {
			return "", err
		}
		return decimal.Avg(bidPrice, askPrice).String(), nil
	case bid != "":
		return bid, nil
	case ask != "":
		return ask, nil
	default:
		return "", errs.New("", errs.CodeData, errs.WithMessage("no price fields present"))
	}
}
