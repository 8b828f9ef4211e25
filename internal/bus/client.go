package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/barrhawk/e2e-core/internal/telemetry"
)

// Handler processes a Message that did not resolve a pending correlated
// reply (i.e. it is an unsolicited request, event, or broadcast).
type Handler func(ctx context.Context, msg Message)

// Client is the component-side half of the Bridge connection contract. It
// owns the websocket connection, the heartbeat loop, and a correlationId ->
// reply-slot map: a Request registers a one-shot channel keyed by the
// outgoing message id, and the read loop resolves it the moment a reply with
// a matching correlationId arrives, instead of threading ambient promise
// chains through the call stack.
type Client struct {
	ID      string
	Version string

	conn   *Conn
	logger telemetry.Logger

	mu      sync.Mutex
	waiters map[string]chan Message

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	heartbeatInterval time.Duration

	connected atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// ClientOptions configures Connect.
type ClientOptions struct {
	URL               string
	AuthToken         string
	ID                string
	Version           string
	HeartbeatInterval time.Duration
	Logger            telemetry.Logger
}

// Connect dials the Bridge, sends a component.register frame carrying the
// shared auth token, and starts the heartbeat and read-dispatch loops.
func Connect(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	conn, err := Dial(ctx, opts.URL, map[string][]string{
		"X-Auth-Token": {opts.AuthToken},
	})
	if err != nil {
		return nil, err
	}
	c := &Client{
		ID:                opts.ID,
		Version:           opts.Version,
		conn:              conn,
		logger:            logger,
		waiters:           make(map[string]chan Message),
		handlers:          make(map[string]Handler),
		heartbeatInterval: opts.HeartbeatInterval,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	reg, err := New(opts.ID, "", "component.register", RegisterPayload{
		ID:        opts.ID,
		Version:   opts.Version,
		AuthToken: opts.AuthToken,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Send(reg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register with bridge: %w", err)
	}
	ack, err := conn.Receive()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read registration ack: %w", err)
	}
	if ack.Type != "component.register.ack" {
		conn.Close()
		return nil, fmt.Errorf("unexpected frame %q while awaiting registration ack", ack.Type)
	}
	var ackPayload RegisterAck
	if err := ack.Decode(&ackPayload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode registration ack: %w", err)
	}
	if !ackPayload.Accepted {
		conn.Close()
		return nil, fmt.Errorf("registration rejected: %s", ackPayload.Reason)
	}
	c.connected.Store(true)
	go c.heartbeatLoop()
	go c.readLoop()
	return c, nil
}

// Connected reports whether the read loop is still servicing this
// connection. It goes false the moment the connection drops and never
// recovers; reconnecting is done by replacing the Client, not repairing it.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// RegisterAck is the component.register.ack frame payload, carrying
// correlationId = the register message's id.
type RegisterAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// RegisterPayload is the component.register frame payload.
type RegisterPayload struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	AuthToken string `json:"authToken"`
}

// HeartbeatPayload is the empty heartbeat payload; the message type alone
// ("heartbeat") carries all the information the Bridge needs.
type HeartbeatPayload struct{}

// On registers a handler for unsolicited messages of the given type
// (events, broadcasts, requests that are not replies to a pending Request).
func (c *Client) On(msgType string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[msgType] = h
}

// Send emits a fire-and-forget message to target.
func (c *Client) Send(target, msgType string, payload any) (Message, error) {
	msg, err := New(c.ID, target, msgType, payload)
	if err != nil {
		return Message{}, err
	}
	return msg, c.conn.Send(msg)
}

// Request sends a message and blocks until a reply with a matching
// correlationId arrives or ctx is done. A late reply (arriving after the
// waiter was purged by timeout) is discarded by the read loop rather than
// delivered as a fresh event.
func (c *Client) Request(ctx context.Context, target, msgType string, payload any) (Message, error) {
	msg, err := New(c.ID, target, msgType, payload)
	if err != nil {
		return Message{}, err
	}
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.waiters[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, msg.ID)
		c.mu.Unlock()
	}()
	if err := c.conn.Send(msg); err != nil {
		return Message{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Reply sends a reply to req with correlationId = req.ID.
func (c *Client) Reply(req Message, msgType string, payload any) error {
	msg, err := Reply(req, c.ID, msgType, payload)
	if err != nil {
		return err
	}
	return c.conn.Send(msg)
}

// Close stops the heartbeat/read loops and closes the connection.
func (c *Client) Close() error {
	close(c.stop)
	<-c.done
	return c.conn.Close()
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if _, err := c.Send(Broadcast, "heartbeat", HeartbeatPayload{}); err != nil {
				c.logger.Warn(context.Background(), "heartbeat send failed", "component", c.ID, "error", err.Error())
			}
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.connected.Store(false)
	for {
		msg, err := c.conn.Receive()
		if err != nil {
			select {
			case <-c.stop:
			default:
				c.logger.Warn(context.Background(), "bridge connection lost", "component", c.ID, "error", err.Error())
			}
			return
		}
		if msg.CorrelationID != "" {
			c.mu.Lock()
			ch, ok := c.waiters[msg.CorrelationID]
			if ok {
				delete(c.waiters, msg.CorrelationID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
				continue
			}
			// No pending waiter: either unsolicited or a late reply whose
			// waiter was already purged by a Request timeout. A reply-only
			// type is discarded; any other type falls through to its
			// handler as an event.
			if isReplyOnlyType(msg.Type) {
				continue
			}
		}
		c.handlersMu.RLock()
		h, ok := c.handlers[msg.Type]
		c.handlersMu.RUnlock()
		if ok {
			go h(context.Background(), msg)
		}
	}
}

// isReplyOnlyType reports whether a message type is only ever sent as a
// correlated reply and therefore has no meaning as an unsolicited event.
func isReplyOnlyType(t string) bool {
	switch t {
	case "plan.accepted", "plan.completed", "tool.created", "tool.error", "version.announce":
		return false
	default:
		return true
	}
}
