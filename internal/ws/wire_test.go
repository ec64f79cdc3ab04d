package ws

import (
	"context"
	"errors"
	"io"
	"sync"

	json "github.com/goccy/go-json"
)

// fakeWire is an in-memory Wire whose responses are scripted through onWrite.
type fakeWire struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	writes  []operation
	onWrite func(op operation, w *fakeWire)
}

func newFakeWire() *fakeWire {
	return &fakeWire{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (w *fakeWire) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.closed:
		return nil, errors.New("wire closed")
	case msg, ok := <-w.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	}
}

func (w *fakeWire) Write(ctx context.Context, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closed:
		return errors.New("wire closed")
	default:
	}
	var op operation
	if err := json.Unmarshal(payload, &op); err != nil {
		return err
	}
	w.mu.Lock()
	w.writes = append(w.writes, op)
	hook := w.onWrite
	w.mu.Unlock()
	if hook != nil {
		hook(op, w)
	}
	return nil
}

func (w *fakeWire) Close(string) error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

func (w *fakeWire) isClosed() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

// deliver feeds a raw frame to the wire's reader.
func (w *fakeWire) deliver(raw string) {
	select {
	case w.in <- []byte(raw):
	case <-w.closed:
	}
}

// dropConnection makes the next Read fail, simulating an abrupt close.
func (w *fakeWire) dropConnection() {
	close(w.in)
}

func (w *fakeWire) opsByName(name string) []operation {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]operation, 0, len(w.writes))
	for _, op := range w.writes {
		if op.Op == name {
			out = append(out, op)
		}
	}
	return out
}
