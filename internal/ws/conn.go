package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"

	"github.com/livegate/livegate/backend/internal/gateway"
)

// socket is the subset of *websocket.Conn the connection wrapper needs;
// tests substitute a fake.
type socket interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Conn pairs a live websocket with its gateway connection metadata.
type Conn struct {
	Meta *gateway.Connection

	sock      socket
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(sock socket, meta *gateway.Connection) *Conn {
	return &Conn{sock: sock, Meta: meta}
}

// SendJSON writes v as a single text frame. Writes are serialized so
// concurrent broadcasts and notices cannot interleave.
func (c *Conn) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.Write(ctx, websocket.MessageText, data)
}

// Close closes the websocket at most once. Reasons are truncated by the
// protocol; keep them terse.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.sock.Close(code, reason)
	})
}
