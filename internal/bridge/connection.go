// Package bridge implements the message router every other component
// connects to: a connection table keyed by component id, point-to-point and
// broadcast routing, a bounded event log, and heartbeat-driven liveness.
package bridge

import (
	"strings"
	"sync"
	"time"

	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

// connection is one registered component's live websocket plus its last
// observed heartbeat time.
type connection struct {
	id            string
	version       string
	conn          *bus.Conn
	registeredAt  time.Time
	lastHeartbeat time.Time
	route         string // non-empty only for route-specialized Igor workers
}

// Table is the Bridge's connection registry. A component id maps to at most
// one live connection: a second component.register for the same id replaces
// the incumbent only if the incumbent's connection has already gone away,
// otherwise the newcomer is rejected (incumbent wins).
type Table struct {
	mu    sync.RWMutex
	byID  map[string]*connection
	logger telemetry.Logger
}

// NewTable constructs an empty connection table.
func NewTable(logger telemetry.Logger) *Table {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Table{byID: make(map[string]*connection), logger: logger}
}

// Register adds a connection for id, closing and replacing any prior
// connection for the same id. Callers that want incumbent-wins semantics
// should check Get first and reject the new socket before calling Register.
func (t *Table) Register(id, version, route string, conn *bus.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byID[id]; ok {
		old.conn.Close()
	}
	now := time.Now()
	t.byID[id] = &connection{
		id:            id,
		version:       version,
		conn:          conn,
		route:         route,
		registeredAt:  now,
		lastHeartbeat: now,
	}
}

// TryRegister registers id only if no live connection currently exists for
// it, implementing "incumbent wins": a duplicate component.register from a
// second process is rejected while the first is still live.
func (t *Table) TryRegister(id, version, route string, conn *bus.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[id]; ok {
		return false
	}
	now := time.Now()
	t.byID[id] = &connection{
		id:            id,
		version:       version,
		conn:          conn,
		route:         route,
		registeredAt:  now,
		lastHeartbeat: now,
	}
	return true
}

// Touch records a heartbeat or any inbound frame as proof of liveness.
func (t *Table) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.byID[id]; ok {
		c.lastHeartbeat = time.Now()
	}
}

// Get returns the live connection for id, if any.
func (t *Table) Get(id string) (*bus.Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return c.conn, true
}

// Remove drops id from the table. It does not close the connection; callers
// close before or after depending on why the removal happened.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// RemoveIfSame removes id only if its currently registered connection is
// conn, avoiding a race where a reconnect's Register already replaced it by
// the time the old connection's read loop notices it died.
func (t *Table) RemoveIfSame(id string, conn *bus.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.byID[id]; ok && c.conn == conn {
		delete(t.byID, id)
	}
}

// Broadcast returns the connection of every component except except, for
// fan-out delivery.
func (t *Table) Broadcast(except string) []*bus.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*bus.Conn, 0, len(t.byID))
	for id, c := range t.byID {
		if id == except {
			continue
		}
		out = append(out, c.conn)
	}
	return out
}

// IgorsForRoute returns the ids of registered Igor workers whose route
// matches exactly. Pass "" to list the default (non-route-specialized) pool.
// A caller that wants route-then-default fallback must call this twice.
func (t *Table) IgorsForRoute(route string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, c := range t.byID {
		if !strings.HasPrefix(id, "igor") {
			continue
		}
		if c.route == route {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot reports the ids and liveness of every registered connection, used
// by the health HTTP endpoint and the liveness sweeper.
type ConnectionStatus struct {
	ID            string
	Version       string
	Route         string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// Snapshot returns the current state of every registered connection.
func (t *Table) Snapshot() []ConnectionStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ConnectionStatus, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, ConnectionStatus{
			ID:            c.id,
			Version:       c.version,
			Route:         c.route,
			RegisteredAt:  c.registeredAt,
			LastHeartbeat: c.lastHeartbeat,
		})
	}
	return out
}

// StaleSince returns the ids whose last heartbeat is older than threshold,
// the candidates for disconnection by the liveness sweeper.
func (t *Table) StaleSince(threshold time.Duration) []string {
	cutoff := time.Now().Add(-threshold)
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, c := range t.byID {
		if c.lastHeartbeat.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}
