package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/e2e-core/internal/bus"
)

func TestEventLogEvictsOldestOnOverflow(t *testing.T) {
	t.Parallel()

	log := NewEventLog(2)
	m1, err := bus.New("doctor", bus.Broadcast, "plan.created", nil)
	require.NoError(t, err)
	m2, err := bus.New("doctor", bus.Broadcast, "plan.accepted", nil)
	require.NoError(t, err)
	m3, err := bus.New("doctor", bus.Broadcast, "plan.completed", nil)
	require.NoError(t, err)

	log.Append(m1)
	log.Append(m2)
	log.Append(m3)

	recent := log.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "plan.accepted", recent[0].Type)
	assert.Equal(t, "plan.completed", recent[1].Type)
}

func TestEventLogRecentLimitsCount(t *testing.T) {
	t.Parallel()

	log := NewEventLog(10)
	for i := 0; i < 5; i++ {
		m, err := bus.New("doctor", bus.Broadcast, "heartbeat", nil)
		require.NoError(t, err)
		log.Append(m)
	}

	assert.Len(t, log.Recent(2), 2)
	assert.Equal(t, 5, log.Len())
}
