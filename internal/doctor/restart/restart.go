// Package restart implements the single-flight Frank restart coordinator:
// shutdown, poll, spawn, poll, resync.
package restart

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

// HealthChecker reports Frank's current health as observed over HTTP.
type HealthChecker interface {
	// Healthy polls Frank's /health endpoint once, reporting whether the
	// bus connection it reports is up.
	Healthy(ctx context.Context) (bridgeConnected bool, err error)
}

// HTTPHealthChecker polls a Frank process's /health endpoint.
type HTTPHealthChecker struct {
	URL    string
	Client *http.Client
}

// Healthy implements HealthChecker.
func (h *HTTPHealthChecker) Healthy(ctx context.Context) (bool, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var body struct {
		BridgeConnected bool `json:"bridgeConnected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.BridgeConnected, nil
}

// Spawner starts a new detached Frank process.
type Spawner func(ctx context.Context) error

// ExecSpawner spawns Frank via os/exec, detached from Doctor's stdio.
func ExecSpawner(command string, args ...string) Spawner {
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(context.Background(), command, args...)
		cmd.Stdin = nil
		cmd.Stdout = nil
		cmd.Stderr = nil
		return cmd.Start()
	}
}

// Sender is the subset of *bus.Client the coordinator needs to notify
// Frank of a pending shutdown. Defined as an interface so tests can
// substitute a fake without a live bridge connection.
type Sender interface {
	Send(target, msgType string, payload any) (bus.Message, error)
}

// Coordinator serializes Frank restarts behind a single in-flight flag.
type Coordinator struct {
	bridge  Sender
	health  HealthChecker
	spawn   Spawner
	logger  telemetry.Logger
	metrics telemetry.Metrics

	inFlight atomic.Bool
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(bridge Sender, health HealthChecker, spawn Spawner, logger telemetry.Logger, metrics telemetry.Metrics) *Coordinator {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Coordinator{bridge: bridge, health: health, spawn: spawn, logger: logger, metrics: metrics}
}

// Restart runs the full shutdown -> poll -> spawn -> poll -> resync sequence.
// onResynced is invoked once Frank reports bus-connected again, so the
// caller can re-sync its dynamic tool inventory and retry any plan waiting
// on this restart. It returns an error and leaves the in-flight flag clear
// on any step failure, without touching outstanding pending tool requests
// (they persist across the restart and are retried by the failure tracker
// once tool.created/tool.error eventually arrives).
func (c *Coordinator) Restart(ctx context.Context, reason string, onResynced func(ctx context.Context) error) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return fmt.Errorf("a restart is already in progress")
	}
	defer c.inFlight.Store(false)

	if _, err := c.bridge.Send("frank", "shutdown", map[string]string{"reason": reason}); err != nil {
		c.metrics.IncCounter("doctor.restart.error", 1, "step", "shutdown")
		return fmt.Errorf("send shutdown: %w", err)
	}

	if err := c.pollUntil(ctx, 5*time.Second, func(ctx context.Context) (bool, error) {
		connected, err := c.health.Healthy(ctx)
		if err != nil {
			return true, nil // unreachable counts as "down", which is what we're waiting for
		}
		return !connected, nil
	}); err != nil {
		c.metrics.IncCounter("doctor.restart.error", 1, "step", "await_shutdown")
		return fmt.Errorf("await frank shutdown: %w", err)
	}

	if err := c.spawn(ctx); err != nil {
		c.metrics.IncCounter("doctor.restart.error", 1, "step", "spawn")
		return fmt.Errorf("spawn frank: %w", err)
	}

	if err := c.pollUntil(ctx, 15*time.Second, func(ctx context.Context) (bool, error) {
		connected, err := c.health.Healthy(ctx)
		if err != nil {
			return false, nil // not reachable yet: the new process is still starting
		}
		return connected, nil
	}); err != nil {
		c.metrics.IncCounter("doctor.restart.error", 1, "step", "await_reconnect")
		return fmt.Errorf("await frank reconnect: %w", err)
	}

	if onResynced != nil {
		if err := onResynced(ctx); err != nil {
			c.metrics.IncCounter("doctor.restart.error", 1, "step", "resync")
			return fmt.Errorf("resync after restart: %w", err)
		}
	}
	c.metrics.IncCounter("doctor.restart.success", 1)
	return nil
}

// pollUntil polls condition every 250ms until it reports true or timeout
// elapses.
func (c *Coordinator) pollUntil(ctx context.Context, timeout time.Duration, condition func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := condition(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// InFlight reports whether a restart is currently running.
func (c *Coordinator) InFlight() bool {
	return c.inFlight.Load()
}
