// Package compile turns a sanitized intent string into a Plan by pattern
// matching it against a closed, ordered set of recognizers.
package compile

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/barrhawk/e2e-core/internal/ai"
)

// Action is a step's closed action tag.
type Action string

const (
	ActionLaunch     Action = "launch"
	ActionNavigate   Action = "navigate"
	ActionClick      Action = "click"
	ActionType       Action = "type"
	ActionSelect     Action = "select"
	ActionScreenshot Action = "screenshot"
	ActionWait       Action = "wait"
	ActionVerify     Action = "verify"
	ActionClose      Action = "close"
)

// actionDefaultTimeout returns the recommended timeout for an action absent
// an explicit override.
func actionDefaultTimeout(a Action) time.Duration {
	switch a {
	case ActionNavigate:
		return 30 * time.Second
	case ActionClick, ActionType:
		return 5 * time.Second
	case ActionVerify:
		return 10 * time.Second
	default:
		return 5 * time.Second
	}
}

// Step is one action in a Plan.
type Step struct {
	Action      Action         `json:"action"`
	Params      map[string]any `json:"params,omitempty"`
	Timeout     time.Duration  `json:"timeout"`
	RetryBudget int            `json:"retryBudget,omitempty"`
}

// Plan is a compiled, ordered sequence of Steps.
type Plan struct {
	ID             string    `json:"id"`
	Intent         string    `json:"intent"`
	Steps          []Step    `json:"steps"`
	ExpectedOutcome string   `json:"expectedOutcome,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ParentID       string    `json:"parentId,omitempty"`
	Route          string    `json:"route,omitempty"`
}

func newStep(action Action, params map[string]any) Step {
	return Step{Action: action, Params: params, Timeout: actionDefaultTimeout(action)}
}

// Compiler compiles a sanitized intent (plus optional explicit URL) into a
// Plan by running the fixed recognizer pipeline in order, then prepending
// launch and appending screenshot/close. When every recognizer in the
// pipeline is exhausted (produces nothing), CompileWithFallback asks an
// optional ai.FallbackPlanner for a best-effort step list drawn from the
// same closed action vocabulary; Compile never consults the fallback.
type Compiler struct {
	recognizers []recognizer
	fallback    ai.FallbackPlanner
}

// recognizer matches part of an intent and appends 0..k steps.
type recognizer func(intent string, explicitURL string) []Step

// NewCompiler constructs a Compiler with the fixed, ordered recognizer set
// and no fallback planner.
func NewCompiler() *Compiler {
	return NewCompilerWithFallback(ai.NoopFallbackPlanner{})
}

// NewCompilerWithFallback constructs a Compiler whose CompileWithFallback
// consults fallback on recognizer exhaustion.
func NewCompilerWithFallback(fallback ai.FallbackPlanner) *Compiler {
	if fallback == nil {
		fallback = ai.NoopFallbackPlanner{}
	}
	return &Compiler{
		recognizers: []recognizer{
			recognizeNavigation,
			recognizeLogin,
			recognizePostSubmission,
			recognizeApproval,
			recognizeClick,
			recognizeType,
		},
		fallback: fallback,
	}
}

// Compile produces a Plan from intent and an optional explicit url, running
// only the deterministic recognizer pipeline. The caller is responsible for
// running Validate before submission.
func (c *Compiler) Compile(intent, explicitURL string) *Plan {
	return c.compile(intent, explicitURL, nil)
}

// CompileWithFallback is Compile, except that when the recognizer pipeline
// produces no steps at all it consults the configured ai.FallbackPlanner for
// a best-effort step list before giving up. A fallback error or empty
// proposal degrades silently to the same bare launch/screenshot/close plan
// Compile would have produced — this is a best-effort source of steps, not a
// required one.
func (c *Compiler) CompileWithFallback(ctx context.Context, intent, explicitURL string) *Plan {
	return c.compile(intent, explicitURL, func() []Step {
		proposed, err := c.fallback.ProposeSteps(ctx, intent, explicitURL)
		if err != nil || len(proposed) == 0 {
			return nil
		}
		steps := make([]Step, 0, len(proposed))
		for _, p := range proposed {
			a := Action(p.Action)
			if !closedActions[a] {
				continue
			}
			steps = append(steps, newStep(a, p.Params))
		}
		return steps
	})
}

func (c *Compiler) compile(intent, explicitURL string, onExhaustion func() []Step) *Plan {
	var produced []Step
	for _, r := range c.recognizers {
		if s := r(intent, explicitURL); len(s) > 0 {
			produced = append(produced, s...)
		}
	}
	if len(produced) == 0 && onExhaustion != nil {
		produced = onExhaustion()
	}
	steps := append([]Step{newStep(ActionLaunch, nil)}, produced...)

	verifiable := false
	for _, s := range steps {
		if s.Action == ActionClick || s.Action == ActionVerify {
			verifiable = true
		}
	}
	expected := ""
	if verifiable {
		expected = intent
		verify := newStep(ActionVerify, map[string]any{"expected": expected, "captureScreenshot": true})
		steps = append(steps, verify)
	}
	steps = append(steps, newStep(ActionScreenshot, nil), newStep(ActionClose, nil))
	return &Plan{
		ID:              uuid.NewString(),
		Intent:          intent,
		Steps:           steps,
		ExpectedOutcome: expected,
		CreatedAt:       time.Now().UTC(),
	}
}
