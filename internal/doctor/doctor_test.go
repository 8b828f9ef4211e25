package doctor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/config"
)

type fakeBusClient struct {
	mu   sync.Mutex
	sent []sentMessage
}

type sentMessage struct {
	target  string
	msgType string
	payload any
}

func (f *fakeBusClient) Send(target, msgType string, payload any) (bus.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{target, msgType, payload})
	return bus.Message{}, nil
}

func (f *fakeBusClient) Request(ctx context.Context, target, msgType string, payload any) (bus.Message, error) {
	return bus.Message{}, context.DeadlineExceeded
}

func (f *fakeBusClient) On(msgType string, h bus.Handler) {}

func (f *fakeBusClient) Connected() bool { return true }

func testConfig() config.Doctor {
	return config.Doctor{
		MaxActivePlans:           50,
		FailureThresholdForTool:  2,
		FrankToolCreationEnabled: true,
		RateLimitRequestsPerSec:  100,
		RateLimitBurst:           100,
	}
}

func TestSubmitPlanAssignsDefaultIgor(t *testing.T) {
	t.Parallel()

	client := &fakeBusClient{}
	svc := NewService(testConfig(), client, nil, nil, nil, nil)

	result, err := svc.SubmitPlan(context.Background(), "navigate to https://example.com and take a screenshot", "")
	require.NoError(t, err)
	require.NotNil(t, result.Plan)

	state, ok := svc.Plans().Get(result.Plan.ID)
	require.True(t, ok)
	assert.Equal(t, "igor", state.AssignedIgor)
	assert.Equal(t, StatusPending, state.Status)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.sent, 1)
	assert.Equal(t, "igor", client.sent[0].target)
	assert.Equal(t, "plan.submit", client.sent[0].msgType)
}

func TestSubmitPlanBranchingCreatesChildPlanPerRoute(t *testing.T) {
	t.Parallel()

	client := &fakeBusClient{}
	svc := NewService(testConfig(), client, nil, nil, nil, nil)

	result, err := svc.SubmitPlan(context.Background(), "sign up as an admin or a guest user", "https://example.com")
	require.NoError(t, err)
	require.NotNil(t, result.Branch)
	assert.Len(t, result.Branch.Routes, 3) // admin, user, guest

	for routeID, rs := range result.Branch.Routes {
		_, ok := svc.Plans().Get(rs.PlanID)
		assert.True(t, ok, "child plan for route %s must be tracked", routeID)
	}
}

func TestSubmitPlanRejectsOverCapacity(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxActivePlans = 1
	client := &fakeBusClient{}
	svc := NewService(cfg, client, nil, nil, nil, nil)

	_, err := svc.SubmitPlan(context.Background(), "navigate to https://example.com", "")
	require.NoError(t, err)

	_, err = svc.SubmitPlan(context.Background(), "navigate to https://example.com", "")
	require.Error(t, err)
}

func TestHandleStepFailedCrossesThresholdAndRequestsTool(t *testing.T) {
	t.Parallel()

	client := &fakeBusClient{}
	svc := NewService(testConfig(), client, nil, nil, nil, nil)

	result, err := svc.SubmitPlan(context.Background(), "navigate to https://example.com", "")
	require.NoError(t, err)
	planID := result.Plan.ID

	failMsg, err := bus.New("igor", "doctor", "step.failed", map[string]any{
		"planId": planID, "igorId": "igor", "stepIndex": 1, "action": "click",
		"error": `element "#submit-1" not found after 100ms`,
	})
	require.NoError(t, err)

	svc.handleStepFailed(context.Background(), failMsg)
	state, _ := svc.Plans().Get(planID)
	assert.Equal(t, StatusFailed, state.Status)

	failMsg2, err := bus.New("igor", "doctor", "step.failed", map[string]any{
		"planId": planID, "igorId": "igor", "stepIndex": 1, "action": "click",
		"error": `element "#submit-2" not found after 200ms`,
	})
	require.NoError(t, err)
	svc.handleStepFailed(context.Background(), failMsg2)

	client.mu.Lock()
	defer client.mu.Unlock()
	found := false
	for _, m := range client.sent {
		if m.msgType == "tool.create" {
			found = true
		}
	}
	assert.True(t, found, "crossing the failure threshold must issue a tool.create")
}

func TestHandleToolCreatedResumesFailedPlanWithoutRestarter(t *testing.T) {
	t.Parallel()

	client := &fakeBusClient{}
	svc := NewService(testConfig(), client, nil, nil, nil, nil)

	result, err := svc.SubmitPlan(context.Background(), "navigate to https://example.com", "")
	require.NoError(t, err)
	planID := result.Plan.ID

	uniqueErr := "element not found"
	r1 := svc.failures.Upsert("click", uniqueErr, planID)
	require.False(t, r1.CrossedThreshold)
	r2 := svc.failures.Upsert("click", uniqueErr, planID)
	require.True(t, r2.CrossedThreshold)
	req := svc.failures.RequestTool(r2.Key, planID, 0, r2.ToolType)

	svc.plans.Transition(planID, func(st *PlanState) { st.Status = StatusFailed })

	createdMsg, err := bus.New("frank", "doctor", "tool.created", map[string]string{
		"requestId": req.RequestID, "toolName": req.CandidateName,
	})
	require.NoError(t, err)
	svc.handleToolCreated(context.Background(), createdMsg)

	state, _ := svc.Plans().Get(planID)
	assert.Equal(t, StatusPending, state.Status)
}

func TestHandleIgorExitedMarksAssignedPlanWorkerCrashed(t *testing.T) {
	t.Parallel()

	client := &fakeBusClient{}
	svc := NewService(testConfig(), client, nil, nil, nil, nil)

	result, err := svc.SubmitPlan(context.Background(), "navigate to https://example.com", "")
	require.NoError(t, err)
	planID := result.Plan.ID

	exitMsg, err := bus.New("bridge", "doctor", "igor.exited", map[string]string{"igorId": "igor"})
	require.NoError(t, err)
	svc.handleIgorExited(context.Background(), exitMsg)

	state, _ := svc.Plans().Get(planID)
	assert.Equal(t, StatusFailed, state.Status)
	require.NotEmpty(t, state.Errors)
}
