// Package bus defines the single JSON envelope used on the Bridge's
// authenticated pub/sub connections and the websocket transport components
// use to exchange it. It is intentionally small: Message is the wire format,
// Conn is the per-connection transport, and everything else (routing,
// liveness, event logging) belongs to internal/bridge.
package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Broadcast is the reserved target value routed to every connected component
// except the sender.
const Broadcast = "broadcast"

// Message is the single envelope carried over every Bridge connection.
// Messages are immutable once emitted: callers must treat a decoded Message
// as read-only and construct a new one to reply.
type Message struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	Target        string          `json:"target"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// New constructs a Message with a fresh id and the current timestamp. Payload
// is marshaled from v; pass nil for an empty payload.
func New(source, target, typ string, v any) (Message, error) {
	raw, err := marshalPayload(v)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Target:    target,
		Type:      typ,
		Payload:   raw,
	}, nil
}

// Reply constructs a Message whose CorrelationID is set to req.ID. Every
// reply on the bus must be built through this helper rather than New so the
// correlation invariant can't be forgotten at a call site.
func Reply(req Message, source, typ string, v any) (Message, error) {
	msg, err := New(source, req.Source, typ, v)
	if err != nil {
		return Message{}, err
	}
	msg.CorrelationID = req.ID
	return msg, nil
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
