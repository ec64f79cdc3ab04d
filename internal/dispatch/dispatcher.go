// Package dispatch routes classified wire frames to the per-key state
// reconstructors and publishes the resulting full-state events.
package dispatch

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/harwell/tidemark/errs"
	"github.com/harwell/tidemark/internal/bus"
	"github.com/harwell/tidemark/internal/market"
	"github.com/harwell/tidemark/internal/observability"
	"github.com/harwell/tidemark/internal/schema"
)

// bookData is the depth payload shape: price and quantity as string pairs,
// sides keyed by their single-letter wire names.
type bookData struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID uint64     `json:"u"`
	Seq      uint64     `json:"seq"`
}

// klineBar is one candle as it appears on the wire, timestamps in epoch
// milliseconds and numerics as decimal strings.
type klineBar struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Turnover string `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

// tickerData is the partial ticker payload. Pointer fields distinguish an
// absent field from an explicit empty value.
type tickerData struct {
	Symbol       string  `json:"symbol"`
	LastPrice    *string `json:"lastPrice"`
	Bid1Price    *string `json:"bid1Price"`
	Ask1Price    *string `json:"ask1Price"`
	Volume24h    *string `json:"volume24h"`
	Turnover24h  *string `json:"turnover24h"`
	HighPrice24h *string `json:"highPrice24h"`
	LowPrice24h  *string `json:"lowPrice24h"`
	Price24hPcnt *string `json:"price24hPcnt"`
}

// Dispatcher classifies raw frames, drives the reconstructors in the market
// registry, and publishes one canonical event per applied update. A frame
// that cannot be applied is dropped with a diagnostic; shared state is never
// mutated by a rejected frame.
type Dispatcher struct {
	registry *market.Registry
	bus      bus.Bus
	log      observability.Logger

	mu   sync.Mutex
	seqs map[string]uint64

	ctx context.Context
}

// New constructs a dispatcher publishing onto b. ctx bounds publishes during
// shutdown.
func New(ctx context.Context, registry *market.Registry, b bus.Bus, log observability.Logger) *Dispatcher {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = observability.Log()
	}
	return &Dispatcher{
		registry: registry,
		bus:      b,
		log:      log,
		seqs:     make(map[string]uint64),
		ctx:      ctx,
	}
}

// Dispatch handles one raw inbound frame. It is the Handler wired into the
// connection managers and must never panic into the read loop.
func (d *Dispatcher) Dispatch(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch panic recovered", observability.F("panic", r))
			observability.Telemetry().IncCounter("dispatch_panics_total", 1, nil)
		}
	}()

	ingest := time.Now().UTC()
	observability.Telemetry().IncCounter("frames_total", 1, nil)

	frame, err := schema.ParseFrame(raw)
	if err != nil {
		d.drop("malformed", "", err)
		return
	}

	switch frame.Kind {
	case schema.FrameHeartbeat:
		return
	case schema.FrameSubscribeAck:
		if !frame.Success {
			d.log.Warn("subscribe rejected",
				observability.F("req_id", frame.ReqID),
				observability.F("ret_msg", frame.RetMsg))
		}
		return
	case schema.FrameAuthAck:
		// Consumed inline by the handshake; one arriving here is late noise.
		return
	case schema.FrameData:
	default:
		d.drop("unknown", frame.RawTopic, nil)
		return
	}

	if !frame.TS.IsZero() {
		ingest = frame.TS
	}

	switch frame.Topic.Kind {
	case schema.TopicOrderbook:
		d.dispatchBook(frame, ingest)
	case schema.TopicKline:
		d.dispatchKline(frame, ingest)
	case schema.TopicTicker:
		d.dispatchTicker(frame, ingest)
	case schema.TopicExecution, schema.TopicPosition, schema.TopicOrder:
		d.dispatchPrivate(frame, ingest)
	default:
		d.drop("unknown", frame.RawTopic, nil)
	}
}

func (d *Dispatcher) dispatchBook(frame *schema.Frame, ingest time.Time) {
	var data bookData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		d.drop("malformed", frame.RawTopic, err)
		return
	}
	symbol := data.Symbol
	if symbol == "" {
		symbol = frame.Topic.Symbol
	}

	bids := toLevels(data.Bids)
	asks := toLevels(data.Asks)
	book := d.registry.Book(symbol)

	var payload schema.BookPayload
	var err error
	if frame.Snapshot {
		payload, err = book.ApplySnapshot(bids, asks, ingest)
	} else {
		var applied bool
		payload, applied, err = book.ApplyDelta(bids, asks, ingest)
		if err == nil && !applied {
			d.drop("not_applied", frame.RawTopic, nil)
			return
		}
	}
	if err != nil {
		d.drop(dropReason(err), frame.RawTopic, err)
		return
	}
	d.publish(symbol, schema.EventTypeOrderBook, ingest, payload)
}

func (d *Dispatcher) dispatchKline(frame *schema.Frame, ingest time.Time) {
	var wire []klineBar
	if err := json.Unmarshal(frame.Data, &wire); err != nil {
		d.drop("malformed", frame.RawTopic, err)
		return
	}
	if len(wire) == 0 {
		d.drop("empty", frame.RawTopic, nil)
		return
	}

	series := d.registry.Series(frame.Topic.Symbol, frame.Topic.Interval)
	if frame.Snapshot {
		payload := series.ApplySnapshot(toBars(wire))
		d.publish(frame.Topic.Symbol, schema.EventTypeKline, ingest, payload)
		return
	}

	var payload schema.KlinePayload
	applied := false
	for _, bar := range toBars(wire) {
		next, err := series.ApplyDelta(bar)
		if err != nil {
			d.drop(dropReason(err), frame.RawTopic, err)
			continue
		}
		payload = next
		applied = true
	}
	if applied {
		d.publish(frame.Topic.Symbol, schema.EventTypeKline, ingest, payload)
	}
}

func (d *Dispatcher) dispatchTicker(frame *schema.Frame, ingest time.Time) {
	var data tickerData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		d.drop("malformed", frame.RawTopic, err)
		return
	}
	symbol := data.Symbol
	if symbol == "" {
		symbol = frame.Topic.Symbol
	}

	update := market.TickerUpdate{
		LastPrice:    data.LastPrice,
		Bid1Price:    data.Bid1Price,
		Ask1Price:    data.Ask1Price,
		Volume24h:    data.Volume24h,
		Turnover24h:  data.Turnover24h,
		HighPrice24h: data.HighPrice24h,
		LowPrice24h:  data.LowPrice24h,
		Price24hPcnt: data.Price24hPcnt,
	}
	payload, err := d.registry.Ticker(symbol).Apply(update, ingest)
	if err != nil {
		d.drop(dropReason(err), frame.RawTopic, err)
		return
	}
	d.publish(symbol, schema.EventTypeTicker, ingest, payload)
}

// dispatchPrivate forwards account records verbatim. The engine reconstructs
// no state for the private channel, but an empty record array is still a
// protocol violation and is dropped.
func (d *Dispatcher) dispatchPrivate(frame *schema.Frame, ingest time.Time) {
	var records []json.RawMessage
	if err := json.Unmarshal(frame.Data, &records); err != nil {
		d.drop("malformed", frame.RawTopic, err)
		return
	}
	if len(records) == 0 {
		d.drop("empty", frame.RawTopic, nil)
		return
	}
	symbol := privateSymbol(records)
	d.publish(symbol, frame.Topic.EventType(), ingest, schema.PrivatePayload{
		Topic:   frame.RawTopic,
		Records: records,
	})
}

// privateSymbol pulls a symbol out of the first record that names one so the
// event is addressable; private records for multiple symbols may share one
// frame, in which case the first wins for the envelope.
func privateSymbol(records []json.RawMessage) string {
	var probe struct {
		Symbol string `json:"symbol"`
	}
	for _, record := range records {
		if err := json.Unmarshal(record, &probe); err == nil && probe.Symbol != "" {
			return probe.Symbol
		}
	}
	return ""
}

func (d *Dispatcher) publish(symbol string, typ schema.EventType, ingest time.Time, payload any) {
	evt := &schema.Event{
		EventID:  schema.BuildEventID(symbol, typ, d.nextSeq(symbol, typ)),
		Symbol:   symbol,
		Type:     typ,
		IngestTS: ingest,
		EmitTS:   time.Now().UTC(),
		Payload:  payload,
	}
	if err := d.bus.Publish(d.ctx, evt); err != nil {
		d.log.Warn("event publish failed",
			observability.F("event_id", evt.EventID),
			observability.F("type", string(typ)),
			observability.F("error", err.Error()))
		observability.Telemetry().IncCounter("events_dropped_total", 1, map[string]string{"type": string(typ)})
		return
	}
	observability.Telemetry().IncCounter("events_published_total", 1, map[string]string{"type": string(typ)})
}

// nextSeq hands out a per-key monotonic sequence so event ids stay unique and
// ordered within (symbol, type).
func (d *Dispatcher) nextSeq(symbol string, typ schema.EventType) uint64 {
	key := symbol + ":" + string(typ)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seqs[key]++
	return d.seqs[key]
}

func (d *Dispatcher) drop(reason, topic string, err error) {
	fields := []observability.Field{
		observability.F("reason", reason),
		observability.F("topic", topic),
	}
	if err != nil {
		fields = append(fields, observability.F("error", err.Error()))
	}
	d.log.Warn("frame dropped", fields...)
	observability.Telemetry().IncCounter("frames_dropped_total", 1, map[string]string{"reason": reason})
}

func dropReason(err error) string {
	switch {
	case errs.IsCode(err, errs.CodeProtocol):
		return "protocol"
	case errs.IsCode(err, errs.CodeData):
		return "data"
	default:
		return "error"
	}
}

func toLevels(pairs [][]string) []schema.PriceLevel {
	out := make([]schema.PriceLevel, 0, len(pairs))
	for _, pair := range pairs {
		level := schema.PriceLevel{}
		if len(pair) > 0 {
			level.Price = pair[0]
		}
		if len(pair) > 1 {
			level.Quantity = pair[1]
		}
		out = append(out, level)
	}
	return out
}

func toBars(wire []klineBar) []schema.CandleBar {
	out := make([]schema.CandleBar, 0, len(wire))
	for _, bar := range wire {
		out = append(out, schema.CandleBar{
			Start:    time.UnixMilli(bar.Start).UTC(),
			Open:     bar.Open,
			High:     bar.High,
			Low:      bar.Low,
			Close:    bar.Close,
			Volume:   bar.Volume,
			Turnover: bar.Turnover,
		})
	}
	return out
}
