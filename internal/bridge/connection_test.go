package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableTryRegisterRejectsDuplicateWhileIncumbentLive(t *testing.T) {
	t.Parallel()

	table := NewTable(nil)
	ok := table.TryRegister("doctor", "v1", "", nil)
	require.True(t, ok)

	ok = table.TryRegister("doctor", "v2", "", nil)
	assert.False(t, ok, "a second register for a still-registered id must be rejected")
}

func TestTableRemoveIfSameAllowsReregistrationAfterDisconnect(t *testing.T) {
	t.Parallel()

	table := NewTable(nil)
	table.Register("doctor", "v1", "", nil)

	conn, ok := table.Get("doctor")
	require.True(t, ok)

	table.RemoveIfSame("doctor", conn)
	_, ok = table.Get("doctor")
	assert.False(t, ok)

	ok = table.TryRegister("doctor", "v2", "", nil)
	assert.True(t, ok, "after disconnect, a fresh registration must succeed")
}

func TestTableStaleSinceReportsOnlyExpiredHeartbeats(t *testing.T) {
	t.Parallel()

	table := NewTable(nil)
	table.Register("fresh", "v1", "", nil)
	table.Register("stale", "v1", "", nil)

	// Force the "stale" entry's heartbeat into the past.
	table.mu.Lock()
	table.byID["stale"].lastHeartbeat = time.Now().Add(-time.Hour)
	table.mu.Unlock()

	stale := table.StaleSince(time.Minute)
	assert.ElementsMatch(t, []string{"stale"}, stale)
}

func TestTableIgorsForRouteFiltersByRoute(t *testing.T) {
	t.Parallel()

	table := NewTable(nil)
	table.Register("igor-default-1", "v1", "", nil)
	table.Register("igor-checkout-1", "v1", "checkout", nil)
	table.Register("doctor", "v1", "", nil)

	def := table.IgorsForRoute("")
	assert.ElementsMatch(t, []string{"igor-default-1"}, def)

	checkout := table.IgorsForRoute("checkout")
	assert.ElementsMatch(t, []string{"igor-checkout-1"}, checkout)
}
