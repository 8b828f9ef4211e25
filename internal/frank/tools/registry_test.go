package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/e2e-core/internal/errs"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

type fakeCaps struct {
	fetchResponse string
	fetchErr      error

	lastExecCommand string
	lastExecArgs    []string
}

func (f *fakeCaps) Fetch(ctx context.Context, url string) (string, error) {
	return f.fetchResponse, f.fetchErr
}

func (f *fakeCaps) Exec(ctx context.Context, command string, args []string) (ExecResult, error) {
	f.lastExecCommand = command
	f.lastExecArgs = args
	return ExecResult{Stdout: "ok"}, nil
}

func (f *fakeCaps) Screenshot(ctx context.Context) (string, error) {
	return "base64data", nil
}

func (f *fakeCaps) Logger() telemetry.Logger {
	return telemetry.NewNoopLogger()
}

func returnSpec(value string) json.RawMessage {
	spec := Spec{Instructions: []Instruction{{Op: OpReturn, Value: value}}}
	b, _ := json.Marshal(spec)
	return b
}

func TestCreateRejectsEmptyInstructionSequence(t *testing.T) {
	t.Parallel()

	r := NewRegistry(&fakeCaps{})
	_, err := r.Create("broken_tool", "does nothing", json.RawMessage(`{"instructions":[]}`), nil)
	require.Error(t, err)
	assert.Equal(t, errs.ToolCompileFailed, errs.As(err).Kind)
}

func TestCreateStoresToolByIDAndName(t *testing.T) {
	t.Parallel()

	r := NewRegistry(&fakeCaps{})
	tool, err := r.Create("auto_smart_selector_click", "finds an element", returnSpec("$params.selector"), nil)
	require.NoError(t, err)
	require.NotEmpty(t, tool.ID)

	byID, ok := r.Get(tool.ID)
	require.True(t, ok)
	assert.Equal(t, tool, byID)

	byName, ok := r.GetByName("auto_smart_selector_click")
	require.True(t, ok)
	assert.Equal(t, tool.ID, byName.ID)
}

func TestInvokeValidatesParamsAgainstSchema(t *testing.T) {
	t.Parallel()

	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"selector": {"type": "string"}},
		"required": ["selector"]
	}`)
	r := NewRegistry(&fakeCaps{})
	tool, err := r.Create("needs_selector", "", returnSpec("$params.selector"), schema)
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), tool.ID, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, errs.ValidationFailed, errs.As(err).Kind)

	result, err := r.Invoke(context.Background(), tool.ID, map[string]any{"selector": "#submit"})
	require.NoError(t, err)
	assert.Equal(t, "#submit", result)
}

func TestInvokeRecordsInvocationCountersAndDuration(t *testing.T) {
	t.Parallel()

	r := NewRegistry(&fakeCaps{})
	tool, err := r.Create("always_succeeds", "", returnSpec("ok"), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := r.Invoke(context.Background(), tool.ID, nil)
		require.NoError(t, err)
	}

	stats := tool.stats()
	assert.Equal(t, 3, stats.Invocations)
	assert.Equal(t, 3, stats.Successes)
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestUpdateLeavesPreviousVersionActiveOnFailedCompile(t *testing.T) {
	t.Parallel()

	r := NewRegistry(&fakeCaps{})
	tool, err := r.Create("stable_tool", "", returnSpec("v1"), nil)
	require.NoError(t, err)

	err = r.Update(tool.ID, json.RawMessage(`{"instructions":[]}`), nil)
	require.Error(t, err)

	result, err := r.Invoke(context.Background(), tool.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", result, "a failed recompile must not disturb the previously active spec")
}

func TestUpdateReplacesSpecOnSuccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(&fakeCaps{})
	tool, err := r.Create("stable_tool", "", returnSpec("v1"), nil)
	require.NoError(t, err)

	require.NoError(t, r.Update(tool.ID, returnSpec("v2"), nil))

	result, err := r.Invoke(context.Background(), tool.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", result)
}

func TestPromoteEligibleRequiresInvocationAndSuccessThresholds(t *testing.T) {
	t.Parallel()

	r := NewRegistry(&fakeCaps{})
	tool, err := r.Create("almost_ready", "", returnSpec("ok"), nil)
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		_, err := r.Invoke(context.Background(), tool.ID, nil)
		require.NoError(t, err)
	}
	assert.Empty(t, r.PromoteEligible(), "9 invocations must not yet meet the 10-invocation floor")

	_, err = r.Invoke(context.Background(), tool.ID, nil)
	require.NoError(t, err)

	eligible := r.PromoteEligible()
	require.Len(t, eligible, 1)
	assert.Equal(t, tool.ID, eligible[0].ID)

	artifact, err := r.Promote(tool.ID)
	require.NoError(t, err)
	assert.Equal(t, "almost_ready", artifact.Name)

	promoted, _ := r.Get(tool.ID)
	assert.Equal(t, StatusIgorified, promoted.Status)
	assert.Empty(t, r.PromoteEligible(), "an already-igorified tool is no longer eligible")
}

func TestInvokeTimesOutSleepLongerThanDeadline(t *testing.T) {
	t.Parallel()

	spec := Spec{Instructions: []Instruction{{Op: OpSleep, Ms: 50}, {Op: OpReturn, Value: "done"}}}
	b, _ := json.Marshal(spec)

	r := NewRegistry(&fakeCaps{})
	tool, err := r.Create("slow_tool", "", b, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err = r.Invoke(ctx, tool.ID, nil)
	require.Error(t, err)
	assert.Equal(t, errs.ToolInvokeFailed, errs.As(err).Kind)
}

func TestInvokeUnknownToolReturnsNotFound(t *testing.T) {
	t.Parallel()

	r := NewRegistry(&fakeCaps{})
	_, err := r.Invoke(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, errs.ToolNotFound, errs.As(err).Kind)
}
