package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/errs"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

// Router accepts component websocket connections, authenticates
// component.register frames, and routes every subsequent message by target:
// a specific component id is delivered point-to-point, bus.Broadcast is
// fanned out to everyone else, and anything else is reported back to the
// sender as undeliverable.
type Router struct {
	Table   *Table
	Events  *EventLog
	AuthToken         string
	HeartbeatInterval time.Duration
	LivenessWindow    int

	logger  telemetry.Logger
	metrics telemetry.Metrics

	upgrader websocket.Upgrader
}

// Config configures a Router.
type Config struct {
	AuthToken         string
	HeartbeatInterval time.Duration
	LivenessWindow    int
	EventLogCapacity  int
	AllowedOrigins    []string
	Logger            telemetry.Logger
	Metrics           telemetry.Metrics
}

// NewRouter constructs a Router ready to accept connections.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = bus.DefaultHeartbeatInterval
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = bus.LivenessWindow
	}
	if cfg.EventLogCapacity <= 0 {
		cfg.EventLogCapacity = 10000
	}
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	wildcard := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}
	return &Router{
		Table:             NewTable(logger),
		Events:            NewEventLog(cfg.EventLogCapacity),
		AuthToken:         cfg.AuthToken,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LivenessWindow:    cfg.LivenessWindow,
		logger:            logger,
		metrics:           metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if wildcard {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// ServeBus upgrades an incoming HTTP request to a websocket and runs the
// connection's register-then-route loop until it disconnects.
func (rt *Router) ServeBus(w http.ResponseWriter, r *http.Request) {
	ws, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.logger.Warn(r.Context(), "websocket upgrade failed", "error", err.Error())
		return
	}
	conn := bus.NewConn(ws)
	rt.handleConnection(r.Context(), conn)
}

func (rt *Router) handleConnection(ctx context.Context, conn *bus.Conn) {
	id, route, err := rt.authenticate(conn)
	if err != nil {
		rt.logger.Warn(ctx, "component registration rejected", "error", err.Error())
		conn.Close()
		return
	}
	defer func() {
		rt.Table.RemoveIfSame(id, conn)
		conn.Close()
		rt.broadcastComponentEvent(id, "component.disconnected")
	}()

	rt.broadcastComponentEvent(id, "version.announce")
	rt.metrics.IncCounter("bridge.component.connected", 1, "component", id)

	for {
		msg, err := conn.Receive()
		if err != nil {
			return
		}
		rt.Table.Touch(id)
		rt.Events.Append(msg)
		if msg.Type == "heartbeat" {
			continue
		}
		rt.route(ctx, msg)
	}
}

// authenticate reads the first frame off a new connection, validates it is a
// component.register carrying the shared auth token, registers the component
// (incumbent wins on a duplicate id), and replies with a
// component.register.ack the caller can block on.
func (rt *Router) authenticate(conn *bus.Conn) (id, route string, err error) {
	msg, rerr := conn.Receive()
	if rerr != nil {
		return "", "", rerr
	}
	id, route, err = rt.validateRegistration(conn, msg)
	ack, ackErr := bus.Reply(msg, "bridge", "component.register.ack", bus.RegisterAck{
		Accepted: err == nil,
		Reason:   reasonOf(err),
	})
	if ackErr == nil {
		_ = conn.Send(ack)
	}
	return id, route, err
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (rt *Router) validateRegistration(conn *bus.Conn, msg bus.Message) (id, route string, err error) {
	if msg.Type != "component.register" {
		return "", "", errs.New(errs.ValidationFailed, "first frame must be component.register")
	}
	var payload bus.RegisterPayload
	if err := msg.Decode(&payload); err != nil {
		return "", "", errs.Wrap(errs.ValidationFailed, err, "decode component.register")
	}
	if rt.AuthToken != "" && payload.AuthToken != rt.AuthToken {
		return "", "", errs.New(errs.ValidationFailed, "invalid auth token")
	}
	if payload.ID == "" {
		return "", "", errs.New(errs.ValidationFailed, "component id required")
	}
	if !rt.Table.TryRegister(payload.ID, payload.Version, "", conn) {
		return "", "", errs.Newf(errs.ValidationFailed, "component %q already connected", payload.ID)
	}
	return payload.ID, "", nil
}

// route delivers msg to its target, applying the broadcast and
// point-to-point rules, and emits undeliverable/slow_consumer events back to
// the sender when delivery cannot complete.
func (rt *Router) route(ctx context.Context, msg bus.Message) {
	if msg.Target == bus.Broadcast {
		for _, c := range rt.Table.Broadcast(msg.Source) {
			rt.deliver(ctx, msg, c, "")
		}
		return
	}
	target, ok := rt.Table.Get(msg.Target)
	if !ok {
		rt.notifySender(ctx, msg, "undeliverable", "unknown_target")
		return
	}
	rt.deliver(ctx, msg, target, msg.Target)
}

func (rt *Router) deliver(ctx context.Context, msg bus.Message, target *bus.Conn, targetID string) {
	if err := target.Send(msg); err != nil {
		rt.logger.Warn(ctx, "delivery failed", "target", targetID, "type", msg.Type, "error", err.Error())
		rt.metrics.IncCounter("bridge.slow_consumer", 1, "target", targetID)
		rt.notifySender(ctx, msg, "slow_consumer", "target_offline")
		// Drop the consumer: closing ends its read loop, which removes it
		// from the table; the component has to reconnect.
		target.Close()
	}
}

func (rt *Router) notifySender(ctx context.Context, orig bus.Message, eventType, reason string) {
	sender, ok := rt.Table.Get(orig.Source)
	if !ok {
		return
	}
	reply, err := bus.Reply(orig, "bridge", eventType, map[string]string{
		"target": orig.Target,
		"type":   orig.Type,
		"reason": reason,
	})
	if err != nil {
		return
	}
	if err := sender.Send(reply); err != nil {
		rt.logger.Warn(ctx, "failed to notify sender of delivery failure", "source", orig.Source, "error", err.Error())
	}
}

func (rt *Router) broadcastComponentEvent(id, eventType string) {
	msg, err := bus.New("bridge", bus.Broadcast, eventType, map[string]string{"component": id})
	if err != nil {
		return
	}
	for _, c := range rt.Table.Broadcast(id) {
		_ = c.Send(msg)
	}
	rt.Events.Append(msg)
}

// LivenessSweeper periodically disconnects components whose heartbeat has
// gone stale, running until ctx is canceled.
func (rt *Router) LivenessSweeper(ctx context.Context) {
	threshold := rt.HeartbeatInterval * time.Duration(rt.LivenessWindow)
	ticker := time.NewTicker(rt.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range rt.Table.StaleSince(threshold) {
				if c, ok := rt.Table.Get(id); ok {
					rt.logger.Warn(ctx, "disconnecting stale component", "component", id)
					c.Close()
					rt.Table.RemoveIfSame(id, c)
				}
			}
		}
	}
}
