package compile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/e2e-core/internal/ai"
)

type fakeFallbackPlanner struct {
	steps []ai.ProposedStep
	err   error
}

func (f *fakeFallbackPlanner) ProposeSteps(ctx context.Context, intent, explicitURL string) ([]ai.ProposedStep, error) {
	return f.steps, f.err
}

func TestCompileWithFallbackConsultedOnlyWhenRecognizersExhausted(t *testing.T) {
	t.Parallel()

	fallback := &fakeFallbackPlanner{steps: []ai.ProposedStep{
		{Action: "navigate", Params: map[string]any{"url": "https://example.com"}},
	}}
	c := NewCompilerWithFallback(fallback)

	plan := c.CompileWithFallback(context.Background(), "do something no recognizer understands", "")
	require.Len(t, plan.Steps, 4)
	assert.Equal(t, ActionLaunch, plan.Steps[0].Action)
	assert.Equal(t, ActionNavigate, plan.Steps[1].Action)
	assert.Equal(t, "https://example.com", plan.Steps[1].Params["url"])
}

func TestCompileWithFallbackNotConsultedWhenARecognizerMatches(t *testing.T) {
	t.Parallel()

	fallback := &fakeFallbackPlanner{steps: []ai.ProposedStep{
		{Action: "wait", Params: map[string]any{"ms": 1}},
	}}
	c := NewCompilerWithFallback(fallback)

	plan := c.CompileWithFallback(context.Background(), "navigate to http://localhost:8080", "")
	for _, s := range plan.Steps {
		assert.NotEqual(t, ActionWait, s.Action, "fallback must not run when a recognizer already matched")
	}
}

func TestCompileWithFallbackDropsUnknownActions(t *testing.T) {
	t.Parallel()

	fallback := &fakeFallbackPlanner{steps: []ai.ProposedStep{
		{Action: "eval_javascript", Params: nil},
		{Action: "click", Params: map[string]any{"text": "OK"}},
	}}
	c := NewCompilerWithFallback(fallback)

	plan := c.CompileWithFallback(context.Background(), "something unrecognized", "")
	var sawClick, sawUnknown bool
	for _, s := range plan.Steps {
		if s.Action == ActionClick {
			sawClick = true
		}
		if string(s.Action) == "eval_javascript" {
			sawUnknown = true
		}
	}
	assert.True(t, sawClick)
	assert.False(t, sawUnknown)
}

func TestCompileWithFallbackDegradesSilentlyOnError(t *testing.T) {
	t.Parallel()

	fallback := &fakeFallbackPlanner{err: assertFallbackErr{"model unavailable"}}
	c := NewCompilerWithFallback(fallback)

	plan := c.CompileWithFallback(context.Background(), "something unrecognized", "")
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, ActionLaunch, plan.Steps[0].Action)
	assert.Equal(t, ActionScreenshot, plan.Steps[1].Action)
	assert.Equal(t, ActionClose, plan.Steps[2].Action)
}

type assertFallbackErr struct{ msg string }

func (e assertFallbackErr) Error() string { return e.msg }
