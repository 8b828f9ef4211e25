package restart

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/e2e-core/internal/bus"
)

type fakeHealth struct {
	mu       sync.Mutex
	sequence []bool
	idx      int
}

func (f *fakeHealth) Healthy(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.sequence[f.idx]
	if f.idx < len(f.sequence)-1 {
		f.idx++
	}
	return v, nil
}

type fakeSender struct {
	sent []string
}

func (f *fakeSender) Send(target, msgType string, payload any) (bus.Message, error) {
	f.sent = append(f.sent, msgType)
	return bus.Message{}, nil
}

func TestRestartRejectsConcurrentInFlight(t *testing.T) {
	t.Parallel()

	health := &fakeHealth{sequence: []bool{true}}
	sender := &fakeSender{}
	spawned := false
	c := NewCoordinator(sender, health, func(ctx context.Context) error { spawned = true; return nil }, nil, nil)
	c.inFlight.Store(true)

	err := c.Restart(context.Background(), "test", nil)
	require.Error(t, err)
	assert.False(t, spawned)
}

func TestRestartRunsFullSequenceAndClearsFlag(t *testing.T) {
	t.Parallel()

	// false first (Frank reports down), then true (Frank reports up).
	health := &fakeHealth{sequence: []bool{false, true}}
	sender := &fakeSender{}
	spawned := false
	resynced := false
	c := NewCoordinator(sender, health, func(ctx context.Context) error { spawned = true; return nil }, nil, nil)

	err := c.Restart(context.Background(), "tool created", func(ctx context.Context) error {
		resynced = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, spawned)
	assert.True(t, resynced)
	assert.False(t, c.InFlight())
	assert.Contains(t, sender.sent, "shutdown")
}
