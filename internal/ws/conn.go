// Package ws owns the exchange streaming connections: dialing, the
// authenticated handshake, heartbeats, subscription replay, and reconnection
// with bounded exponential backoff.
package ws

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
)

// State tracks a connection through its lifecycle.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateAuthenticating
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Wire is one established streaming socket. Implementations must be safe for
// one concurrent reader and one concurrent writer.
type Wire interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Close(reason string) error
}

// Dialer opens a Wire to the given URL. The default dials a websocket; tests
// substitute in-memory wires.
type Dialer func(ctx context.Context, url string) (Wire, error)

// DialWebsocket is the production Dialer.
func DialWebsocket(ctx context.Context, url string) (Wire, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &websocketWire{conn: conn}, nil
}

type websocketWire struct {
	conn *websocket.Conn
}

func (w *websocketWire) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := w.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (w *websocketWire) Write(ctx context.Context, payload []byte) error {
	if err := w.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (w *websocketWire) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

// operation is the outbound op envelope shared by ping, subscribe, and auth.
type operation struct {
	ReqID string `json:"req_id,omitempty"`
	Op    string `json:"op"`
	Args  []any  `json:"args,omitempty"`
}

func writeOperation(ctx context.Context, wire Wire, op operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal %s op: %w", op.Op, err)
	}
	if err := wire.Write(ctx, payload); err != nil {
		return fmt.Errorf("send %s op: %w", op.Op, err)
	}
	return nil
}
