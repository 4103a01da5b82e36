package http

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsMaxMessage = maxEnvelopeSize
)

// bufferTransport captures the reply of a one-shot HTTP exchange.
type bufferTransport struct {
	mu    sync.Mutex
	reply []byte
}

func newBufferTransport() *bufferTransport {
	return &bufferTransport{}
}

func (t *bufferTransport) Send(_ context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	// First reply wins; a one-shot exchange has no channel for more.
	if t.reply == nil {
		t.reply = append([]byte(nil), payload...)
	}
	return nil
}

func (t *bufferTransport) take() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	reply := t.reply
	t.reply = nil
	return reply
}

// wsTransport writes session frames onto a websocket connection.
// The session serializes Send calls, so no extra locking is needed
// beyond the deadline handling.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(_ context.Context, payload []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// sseTransport streams frames as server-sent events. Binary envelopes
// travel base64-encoded in the data field.
type sseTransport struct {
	events    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSSETransport() *sseTransport {
	return &sseTransport{events: make(chan []byte, 32), done: make(chan struct{})}
}

func (t *sseTransport) Send(ctx context.Context, payload []byte) error {
	frame := append([]byte(nil), payload...)
	select {
	case t.events <- frame:
		return nil
	case <-t.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *sseTransport) close() {
	t.closeOnce.Do(func() { close(t.done) })
}
