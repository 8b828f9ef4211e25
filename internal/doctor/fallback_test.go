package doctor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/e2e-core/internal/ai"
)

type fakeFallbackPlanner struct {
	steps []ai.ProposedStep
}

func (f *fakeFallbackPlanner) ProposeSteps(ctx context.Context, intent, explicitURL string) ([]ai.ProposedStep, error) {
	return f.steps, nil
}

func TestSetFallbackPlannerIsConsultedOnRecognizerExhaustion(t *testing.T) {
	t.Parallel()

	client := &fakeBusClient{}
	svc := NewService(testConfig(), client, nil, nil, nil, nil)
	svc.SetFallbackPlanner(&fakeFallbackPlanner{steps: []ai.ProposedStep{
		{Action: "navigate", Params: map[string]any{"url": "https://fallback.example.com"}},
	}})

	result, err := svc.SubmitPlan(context.Background(), "do a thing no recognizer understands", "")
	require.NoError(t, err)
	require.NotNil(t, result.Plan)

	var sawFallbackNavigate bool
	for _, s := range result.Plan.Steps {
		if s.Action == "navigate" && s.Params["url"] == "https://fallback.example.com" {
			sawFallbackNavigate = true
		}
	}
	assert.True(t, sawFallbackNavigate)
}

func TestWithoutFallbackPlannerRecognizerExhaustionYieldsBarePlan(t *testing.T) {
	t.Parallel()

	client := &fakeBusClient{}
	svc := NewService(testConfig(), client, nil, nil, nil, nil)

	result, err := svc.SubmitPlan(context.Background(), "do a thing no recognizer understands", "")
	require.NoError(t, err)
	require.NotNil(t, result.Plan)
	assert.Len(t, result.Plan.Steps, 3)
}
