package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// WriteTimeout bounds a single frame write, so a slow consumer cannot
	// block the Bridge's router goroutine indefinitely. A write that blows
	// through this deadline marks the consumer for drop, not retry.
	WriteTimeout = 5 * time.Second

	// DefaultHeartbeatInterval is how often a well-behaved component sends a
	// heartbeat frame.
	DefaultHeartbeatInterval = 5 * time.Second

	// LivenessWindow is the multiple of the heartbeat interval after which a
	// component registration is considered stale.
	LivenessWindow = 3
)

// Conn wraps a single websocket connection carrying the Message envelope in
// both directions. Writes are serialized with a mutex because gorilla's
// websocket.Conn forbids concurrent writers; reads are the caller's
// responsibility to serialize by only ever running one ReadMessage loop.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

// NewConn wraps an established websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes a single Message frame, applying WriteTimeout. It returns
// websocket.ErrCloseSent or a network error if the peer has gone away; callers
// (the Bridge router) translate that into an undeliverable/slow_consumer event
// rather than retrying the write themselves.
func (c *Conn) Send(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Receive blocks for the next Message frame. It returns an error when the
// underlying connection closes or the frame cannot be decoded.
func (c *Conn) Receive() (Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

// Dial opens a Conn to a Bridge url (e.g. "ws://host:port/bus") from a
// component process. ctx bounds only the handshake.
func Dial(ctx context.Context, url string, headers map[string][]string) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	h := make(map[string][]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	ws, resp, err := dialer.DialContext(ctx, url, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial bridge: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	return NewConn(ws), nil
}
