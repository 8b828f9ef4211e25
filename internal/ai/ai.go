// Package ai provides Igor's and Doctor's two optional, model-backed
// seams: a Verifier that judges whether a post-step screenshot satisfies a
// plan's expected outcome, and a FallbackPlanner that proposes closed-
// vocabulary steps when the deterministic recognizer pipeline in
// internal/doctor/compile produces nothing. Both default to no-op
// implementations so the core loop never hard-depends on a live model.
package ai

import "context"

// VerifyResult is a Verifier's judgement of one screenshot against one
// expected-outcome string.
type VerifyResult struct {
	Satisfied   bool
	Explanation string
}

// Verifier judges whether a base64-encoded PNG screenshot satisfies an
// expected-outcome description.
type Verifier interface {
	Verify(ctx context.Context, screenshotBase64PNG, expectedOutcome string) (VerifyResult, error)
}

// ProposedStep is a model-proposed action, decoupled from
// internal/doctor/compile.Step so this package never imports doctor code;
// the caller is responsible for mapping Action into its own closed
// vocabulary and running it back through the same validation every
// deterministically compiled plan goes through.
type ProposedStep struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// FallbackPlanner proposes a step list for an intent the recognizer
// pipeline could not match against anything.
type FallbackPlanner interface {
	ProposeSteps(ctx context.Context, intent, explicitURL string) ([]ProposedStep, error)
}

// NoopVerifier always reports satisfied: it is the default when no
// Anthropic API key is configured, so a verify step never blocks on a
// model call it can't make.
type NoopVerifier struct{}

func (NoopVerifier) Verify(ctx context.Context, _, _ string) (VerifyResult, error) {
	return VerifyResult{Satisfied: true, Explanation: "no verifier configured"}, nil
}

// NoopFallbackPlanner proposes nothing; callers treat an empty result the
// same as recognizer exhaustion.
type NoopFallbackPlanner struct{}

func (NoopFallbackPlanner) ProposeSteps(ctx context.Context, _, _ string) ([]ProposedStep, error) {
	return nil, nil
}
