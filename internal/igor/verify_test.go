package igor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/e2e-core/internal/ai"
	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/doctor/compile"
)

type fakeVerifier struct {
	result ai.VerifyResult
	err    error
	calls  int
}

func (f *fakeVerifier) Verify(ctx context.Context, screenshotBase64PNG, expectedOutcome string) (ai.VerifyResult, error) {
	f.calls++
	return f.result, f.err
}

func screenshotReplyClient(image string) *fakeClient {
	return &fakeClient{
		reply: func(target, msgType string, payload any) (bus.Message, error) {
			raw, _ := json.Marshal(browserReply{OK: true, Result: map[string]string{"image": image}})
			return bus.Message{Payload: raw}, nil
		},
	}
}

func TestVerifyStepAttachesVerdictWithoutFailingTheStep(t *testing.T) {
	t.Parallel()

	client := screenshotReplyClient("base64png")
	w := NewWorker("igor", "", client, nil, nil)
	verifier := &fakeVerifier{result: ai.VerifyResult{Satisfied: true, Explanation: "looks right"}}
	w.SetVerifier(verifier)

	plan := compile.Plan{
		ID: "plan-verify",
		Steps: []compile.Step{
			{Action: compile.ActionVerify, Timeout: time.Second, Params: map[string]any{"expected": "the post was approved"}},
		},
	}
	w.run(plan, nil, 0)

	assert.Equal(t, 1, verifier.calls)

	client.mu.Lock()
	defer client.mu.Unlock()
	var sawCompleted bool
	for _, s := range client.sent {
		if s.msgType == "step.completed" {
			sawCompleted = true
			body := s.payload.(map[string]any)
			result := body["result"].(map[string]any)
			assert.Equal(t, true, result["verified"])
			assert.Equal(t, "looks right", result["explanation"])
		}
		assert.NotEqual(t, "step.failed", s.msgType)
	}
	assert.True(t, sawCompleted)
}

func TestVerifyStepSucceedsEvenWhenVerifierErrors(t *testing.T) {
	t.Parallel()

	client := screenshotReplyClient("base64png")
	w := NewWorker("igor", "", client, nil, nil)
	w.SetVerifier(&fakeVerifier{err: assertVerifyErr{"model unavailable"}})

	plan := compile.Plan{
		ID: "plan-verify-2",
		Steps: []compile.Step{
			{Action: compile.ActionVerify, Timeout: time.Second, Params: map[string]any{"expected": "anything"}},
		},
	}
	w.run(plan, nil, 0)

	types := client.types()
	assert.Contains(t, types, "step.completed")
	assert.NotContains(t, types, "step.failed")
}

func TestDefaultWorkerUsesNoopVerifier(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	w := NewWorker("igor", "", client, nil, nil)
	require.IsType(t, ai.NoopVerifier{}, w.verifier)
}

type assertVerifyErr struct{ msg string }

func (e assertVerifyErr) Error() string { return e.msg }
