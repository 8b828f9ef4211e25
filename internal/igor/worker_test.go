package igor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/doctor/compile"
)

type recordedSend struct {
	target  string
	msgType string
	payload any
}

type fakeClient struct {
	mu    sync.Mutex
	sent  []recordedSend
	reply func(target, msgType string, payload any) (bus.Message, error)
}

func (f *fakeClient) Send(target, msgType string, payload any) (bus.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, recordedSend{target, msgType, payload})
	f.mu.Unlock()
	return bus.Message{}, nil
}

func (f *fakeClient) Request(ctx context.Context, target, msgType string, payload any) (bus.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, recordedSend{target, msgType, payload})
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(target, msgType, payload)
	}
	raw, _ := json.Marshal(browserReply{OK: true})
	return bus.Message{Payload: raw}, nil
}

func (f *fakeClient) On(msgType string, h bus.Handler) {}

func (f *fakeClient) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.msgType
	}
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

func simplePlan() compile.Plan {
	return compile.Plan{
		ID: "plan-1",
		Steps: []compile.Step{
			{Action: compile.ActionLaunch, Timeout: time.Second},
			{Action: compile.ActionNavigate, Timeout: time.Second, Params: map[string]any{"url": "https://example.com"}},
			{Action: compile.ActionScreenshot, Timeout: time.Second},
			{Action: compile.ActionClose, Timeout: time.Second},
		},
	}
}

func TestRunExecutesAllStepsAndReportsSuccess(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	w := NewWorker("igor", "", client, nil, nil)

	w.run(simplePlan(), nil, 0)

	types := client.types()
	assert.Contains(t, types, "plan.accepted")
	assert.Contains(t, types, "plan.completed")
	assert.Contains(t, types, "step.completed")
	assert.NotContains(t, types, "step.failed")
}

func TestRunReportsFailureAfterRetriesExhausted(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		reply: func(target, msgType string, payload any) (bus.Message, error) {
			raw, _ := json.Marshal(browserReply{
				OK:    false,
				Error: &browserError{Kind: "element_not_found", Command: msgType, Detail: "missing"},
			})
			return bus.Message{Payload: raw}, nil
		},
	}
	w := NewWorker("igor", "", client, nil, nil)

	plan := compile.Plan{
		ID: "plan-2",
		Steps: []compile.Step{
			{Action: compile.ActionClick, Timeout: time.Millisecond, RetryBudget: 1, Params: map[string]any{"selector": "#go"}},
		},
	}
	w.run(plan, nil, 0)

	types := client.types()
	assert.Contains(t, types, "step.retrying")
	assert.Contains(t, types, "step.failed")

	var sawFailure bool
	client.mu.Lock()
	for _, s := range client.sent {
		if s.msgType == "plan.completed" {
			m := s.payload.(map[string]any)
			sawFailure = m["success"] == false
		}
	}
	client.mu.Unlock()
	assert.True(t, sawFailure)
}

func TestPlanCancelAbortsAtNextAwaitPoint(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		reply: func(target, msgType string, payload any) (bus.Message, error) {
			time.Sleep(20 * time.Millisecond)
			raw, _ := json.Marshal(browserReply{OK: true})
			return bus.Message{Payload: raw}, nil
		},
	}
	w := NewWorker("igor", "", client, nil, nil)

	plan := compile.Plan{
		ID: "plan-3",
		Steps: []compile.Step{
			{Action: compile.ActionNavigate, Timeout: time.Second, Params: map[string]any{"url": "https://example.com"}},
			{Action: compile.ActionNavigate, Timeout: time.Second, Params: map[string]any{"url": "https://example.com/2"}},
		},
	}

	go w.run(plan, nil, 0)
	waitUntil(t, time.Second, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.activePlanID == "plan-3"
	})

	cancelMsg, err := bus.New("doctor", "igor", "plan.cancel", map[string]string{"planId": "plan-3"})
	require.NoError(t, err)
	w.handlePlanCancel(context.Background(), cancelMsg)

	waitUntil(t, time.Second, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.activePlanID == ""
	})
}
