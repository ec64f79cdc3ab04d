// Package schema defines the engine's canonical event, topic, and frame types.
package schema

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// EventType enumerates canonical event categories emitted by the engine.
type EventType string

const (
	// EventTypeKline identifies candle series events carrying the full current series.
	EventTypeKline EventType = "Kline"
	// EventTypeOrderBook identifies order book events carrying the full current book.
	EventTypeOrderBook EventType = "OrderBook"
	// EventTypeTicker identifies merged ticker state events.
	EventTypeTicker EventType = "Ticker"
	// EventTypeExecution identifies private execution pass-through events.
	EventTypeExecution EventType = "Execution"
	// EventTypePosition identifies private position pass-through events.
	EventTypePosition EventType = "Position"
	// EventTypeOrder identifies private order pass-through events.
	EventTypeOrder EventType = "Order"
)

// Event is the engine's only output unit. Payload always carries the full
// current state for the key, never a raw delta.
type Event struct {
	EventID  string    `json:"event_id"`
	Symbol   string    `json:"symbol"`
	Type     EventType `json:"type"`
	IngestTS time.Time `json:"ingest_ts"`
	EmitTS   time.Time `json:"emit_ts"`
	Payload  any       `json:"payload"`
}

// BuildEventID constructs the idempotency key for an event.
func BuildEventID(symbol string, typ EventType, seq uint64) string {
	return fmt.Sprintf("%s:%s:%d", symbol, string(typ), seq)
}

// PriceLevel describes one order book price level using decimal strings.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// BookPayload conveys the full reconstructed depth for one symbol.
// Bids are sorted strictly descending by price, asks strictly ascending,
// and every level carries a positive quantity.
type BookPayload struct {
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// CandleBar is one OHLCV bar keyed by its open timestamp within a series.
type CandleBar struct {
	Start    time.Time `json:"start"`
	Open     string    `json:"open"`
	High     string    `json:"high"`
	Low      string    `json:"low"`
	Close    string    `json:"close"`
	Volume   string    `json:"volume"`
	Turnover string    `json:"turnover"`
}

// KlinePayload conveys the full current candle series for (symbol, interval),
// sorted ascending by bar start time.
type KlinePayload struct {
	Interval string      `json:"interval"`
	Bars     []CandleBar `json:"bars"`
}

// TickerPayload is the merged last-known-good ticker state for one symbol.
// Partial updates only upgrade fields that are present; absent fields retain
// their previous value.
type TickerPayload struct {
	LastPrice    string    `json:"last_price"`
	Bid1Price    string    `json:"bid1_price"`
	Ask1Price    string    `json:"ask1_price"`
	Volume24h    string    `json:"volume_24h"`
	Turnover24h  string    `json:"turnover_24h"`
	HighPrice24h string    `json:"high_price_24h"`
	LowPrice24h  string    `json:"low_price_24h"`
	Price24hPcnt string    `json:"price_24h_pcnt"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PrivatePayload passes a private-channel record array through verbatim.
// The engine owns no state reconstruction for these topics.
type PrivatePayload struct {
	Topic   string            `json:"topic"`
	Records []json.RawMessage `json:"records"`
}
