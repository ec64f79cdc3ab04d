package schema

import (
	"strconv"
	"strings"

	"github.com/harwell/tidemark/errs"
)

// TopicKind names a message class addressable on the exchange stream.
type TopicKind string

const (
	// TopicOrderbook streams depth snapshots and deltas.
	TopicOrderbook TopicKind = "orderbook"
	// TopicKline streams candle snapshots and deltas.
	TopicKline TopicKind = "kline"
	// TopicTicker streams partial ticker updates.
	TopicTicker TopicKind = "tickers"
	// TopicExecution streams private fill records.
	TopicExecution TopicKind = "execution"
	// TopicPosition streams private position records.
	TopicPosition TopicKind = "position"
	// TopicOrder streams private order records.
	TopicOrder TopicKind = "order"
)

// Topic identifies one subscribable stream. Its string form is used both to
// subscribe and to route inbound frames; ParseTopic is the exact inverse of
// Topic.String.
type Topic struct {
	Kind     TopicKind
	Symbol   string
	Interval string
	Depth    int
}

// Private reports whether the topic belongs to the authenticated channel.
func (t Topic) Private() bool {
	switch t.Kind {
	case TopicExecution, TopicPosition, TopicOrder:
		return true
	default:
		return false
	}
}

// EventType maps the topic class onto the canonical event category it feeds.
func (t Topic) EventType() EventType {
	switch t.Kind {
	case TopicOrderbook:
		return EventTypeOrderBook
	case TopicKline:
		return EventTypeKline
	case TopicTicker:
		return EventTypeTicker
	case TopicExecution:
		return EventTypeExecution
	case TopicPosition:
		return EventTypePosition
	case TopicOrder:
		return EventTypeOrder
	default:
		return ""
	}
}

// String renders the exchange topic key, e.g. "orderbook.50.BTCUSDT".
func (t Topic) String() string {
	switch t.Kind {
	case TopicOrderbook:
		return string(TopicOrderbook) + "." + strconv.Itoa(t.Depth) + "." + t.Symbol
	case TopicKline:
		return string(TopicKline) + "." + t.Interval + "." + t.Symbol
	case TopicTicker:
		return string(TopicTicker) + "." + t.Symbol
	case TopicExecution, TopicPosition, TopicOrder:
		return string(t.Kind)
	default:
		return ""
	}
}

// ParseTopic reconstructs a Topic from its wire key.
func ParseTopic(raw string) (Topic, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Topic{}, errs.New("", errs.CodeProtocol, errs.WithMessage("empty topic"))
	}
	parts := strings.Split(raw, ".")
	switch TopicKind(parts[0]) {
	case TopicOrderbook:
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return Topic{}, errs.New("", errs.CodeProtocol, errs.WithTopic(raw), errs.WithMessage("orderbook topic requires depth and symbol"))
		}
		depth, err := strconv.Atoi(parts[1])
		if err != nil || depth <= 0 {
			return Topic{}, errs.New("", errs.CodeProtocol, errs.WithTopic(raw), errs.WithMessage("orderbook depth must be a positive integer"))
		}
		return Topic{Kind: TopicOrderbook, Symbol: parts[2], Depth: depth}, nil
	case TopicKline:
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return Topic{}, errs.New("", errs.CodeProtocol, errs.WithTopic(raw), errs.WithMessage("kline topic requires interval and symbol"))
		}
		return Topic{Kind: TopicKline, Symbol: parts[2], Interval: parts[1]}, nil
	case TopicTicker:
		if len(parts) != 2 || parts[1] == "" {
			return Topic{}, errs.New("", errs.CodeProtocol, errs.WithTopic(raw), errs.WithMessage("ticker topic requires symbol"))
		}
		return Topic{Kind: TopicTicker, Symbol: parts[1]}, nil
	case TopicExecution, TopicPosition, TopicOrder:
		if len(parts) != 1 {
			return Topic{}, errs.New("", errs.CodeProtocol, errs.WithTopic(raw), errs.WithMessage("private topic carries no parameters"))
		}
		return Topic{Kind: TopicKind(parts[0])}, nil
	default:
		return Topic{}, errs.New("", errs.CodeProtocol, errs.WithTopic(raw), errs.WithMessage("unknown topic class"))
	}
}
