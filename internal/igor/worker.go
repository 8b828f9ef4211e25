// Package igor implements the worker pool half of the bus: it accepts a
// compiled Plan, executes each step against Frank's browser surface,
// retries through the tool bag on recoverable failure, and reports
// progress back to Doctor.
package igor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/barrhawk/e2e-core/internal/ai"
	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/doctor/compile"
	"github.com/barrhawk/e2e-core/internal/errs"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

// BusClient is the subset of *bus.Client a Worker needs.
type BusClient interface {
	Send(target, msgType string, payload any) (bus.Message, error)
	Request(ctx context.Context, target, msgType string, payload any) (bus.Message, error)
	On(msgType string, h bus.Handler)
}

// ToolBagEntry mirrors the wire shape of a doctor/schedule.ToolBagEntry; the
// Worker only needs the name and whether it is a dynamic Frank tool.
type ToolBagEntry struct {
	Name    string `json:"name"`
	Reason  string `json:"reason"`
	Dynamic bool   `json:"dynamic,omitempty"`
}

// PlanSubmitPayload is the plan.submit message body.
type PlanSubmitPayload struct {
	Plan      compile.Plan   `json:"plan"`
	ToolBag   []ToolBagEntry `json:"toolBag"`
	Reasoning string         `json:"reasoning"`
}

// Worker is one Igor instance: either the default worker (Route == "") or a
// route-specialized one, which only accepts plans bound to its route.
type Worker struct {
	ID     string
	Route  string
	client BusClient
	logger telemetry.Logger
	metrics telemetry.Metrics
	verifier ai.Verifier

	mu           sync.Mutex
	activePlanID string
	cancel       context.CancelFunc
}

// NewWorker constructs a Worker bound to client. The verify step runs
// against a no-op Verifier (always satisfied) until SetVerifier configures a
// model-backed one.
func NewWorker(id, route string, client BusClient, logger telemetry.Logger, metrics telemetry.Metrics) *Worker {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Worker{ID: id, Route: route, client: client, logger: logger, metrics: metrics, verifier: ai.NoopVerifier{}}
}

// SetVerifier swaps in a model-backed Verifier for the verify step. Judging
// is informational only: its verdict rides along on the step's result
// payload and never turns a successful screenshot capture into a step
// failure.
func (w *Worker) SetVerifier(v ai.Verifier) {
	if v == nil {
		v = ai.NoopVerifier{}
	}
	w.verifier = v
}

// RegisterHandlers wires plan.submit/plan.cancel onto the client.
func (w *Worker) RegisterHandlers() {
	w.client.On("plan.submit", w.handlePlanSubmit)
	w.client.On("plan.cancel", w.handlePlanCancel)
	w.client.On("plan.resume", w.handlePlanResume)
}

func (w *Worker) handlePlanSubmit(ctx context.Context, msg bus.Message) {
	var payload PlanSubmitPayload
	if err := msg.Decode(&payload); err != nil {
		w.logger.Warn(ctx, "decode plan.submit", "error", err.Error())
		return
	}
	if w.Route != "" && payload.Plan.Route != w.Route {
		w.logger.Warn(ctx, "rejecting plan for foreign route", "igor", w.ID, "route", w.Route, "planRoute", payload.Plan.Route)
		return
	}
	w.run(payload.Plan, payload.ToolBag, 0)
}

func (w *Worker) handlePlanResume(ctx context.Context, msg bus.Message) {
	var payload struct {
		Plan     compile.Plan `json:"plan"`
		FromStep int          `json:"fromStep"`
	}
	if err := msg.Decode(&payload); err != nil {
		w.logger.Warn(ctx, "decode plan.resume", "error", err.Error())
		return
	}
	w.run(payload.Plan, nil, payload.FromStep)
}

func (w *Worker) handlePlanCancel(ctx context.Context, msg bus.Message) {
	var payload struct {
		PlanID string `json:"planId"`
	}
	if err := msg.Decode(&payload); err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activePlanID == payload.PlanID && w.cancel != nil {
		w.cancel()
	}
}

// run executes a plan start-to-finish in the caller's goroutine context; the
// caller is the bus read loop's dispatch goroutine, so this does not block
// other handlers.
func (w *Worker) run(plan compile.Plan, bag []ToolBagEntry, fromStep int) {
	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.activePlanID = plan.ID
	w.cancel = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.activePlanID = ""
		w.cancel = nil
		w.mu.Unlock()
		cancel()
	}()

	if _, err := w.client.Send("doctor", "plan.accepted", map[string]string{"planId": plan.ID}); err != nil {
		w.logger.Warn(ctx, "plan.accepted send failed", "error", err.Error())
	}

	success := true
	cancelled := false
	for i := fromStep; i < len(plan.Steps); i++ {
		step := plan.Steps[i]
		if ctx.Err() != nil {
			cancelled = true
			success = false
			break
		}
		if err := w.runStep(ctx, plan.ID, i, step, bag); err != nil {
			success = false
			break
		}
	}

	if _, err := w.client.Send("doctor", "plan.completed", map[string]any{
		"planId":    plan.ID,
		"igorId":    w.ID,
		"success":   success,
		"cancelled": cancelled,
	}); err != nil {
		w.logger.Warn(ctx, "plan.completed send failed", "error", err.Error())
	}
}

// runStep executes one step with retry through the tool bag on recoverable
// failure, emitting step.started/step.completed/step.retrying/step.failed
// as it goes. It returns a non-nil error only once retries are exhausted.
func (w *Worker) runStep(ctx context.Context, planID string, index int, step compile.Step, bag []ToolBagEntry) error {
	if _, err := w.client.Send("doctor", "step.started", map[string]any{
		"planId": planID, "stepIndex": index, "action": step.Action,
	}); err != nil {
		w.logger.Warn(ctx, "step.started send failed", "error", err.Error())
	}

	budget := step.RetryBudget
	if budget <= 0 {
		budget = 2
	}

	var lastErr *errs.Error
	start := time.Now()
	for attempt := 0; attempt <= budget; attempt++ {
		result, err := w.performAction(ctx, step)
		if err == nil {
			w.metrics.RecordTimer("igor.step.duration", time.Since(start), "action", string(step.Action))
			if _, sendErr := w.client.Send("doctor", "step.completed", map[string]any{
				"planId": planID, "stepIndex": index, "result": result,
				"duration": time.Since(start).Milliseconds(),
			}); sendErr != nil {
				w.logger.Warn(ctx, "step.completed send failed", "error", sendErr.Error())
			}
			return nil
		}
		lastErr = err
		if !err.Kind.Retryable() || attempt == budget {
			w.metrics.IncCounter("igor.step.failed", 1, "action", string(step.Action), "kind", string(err.Kind))
			break
		}

		frankToolUsed := w.attemptRepair(ctx, planID, step, err, bag)
		backoff := jitteredBackoff(attempt)
		if _, sendErr := w.client.Send("doctor", "step.retrying", map[string]any{
			"planId": planID, "stepIndex": index, "attemptNumber": attempt + 1,
			"backoffMs": backoff.Milliseconds(), "retriesLeft": budget - attempt - 1,
			"frankToolUsed": frankToolUsed,
		}); sendErr != nil {
			w.logger.Warn(ctx, "step.retrying send failed", "error", sendErr.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	if _, sendErr := w.client.Send("doctor", "step.failed", map[string]any{
		"planId": planID, "stepIndex": index, "action": string(step.Action),
		"error": lastErr.Error(),
	}); sendErr != nil {
		w.logger.Warn(ctx, "step.failed send failed", "error", sendErr.Error())
	}
	return lastErr
}

// attemptRepair looks for a dynamic tool in the bag and, if one is present,
// invokes it once as a best-effort repair before the next retry. It never
// returns an error: a failed repair attempt just means the retry proceeds
// unaided.
func (w *Worker) attemptRepair(ctx context.Context, planID string, step compile.Step, failure *errs.Error, bag []ToolBagEntry) bool {
	var toolName string
	for _, t := range bag {
		if t.Dynamic {
			toolName = t.Name
			break
		}
	}
	if toolName == "" {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := w.client.Request(reqCtx, "frank", "tool.invoke", map[string]any{
		"toolId": toolName,
		"params": step.Params,
		"planId": planID,
	})
	if err != nil {
		w.logger.Debug(ctx, "tool.invoke repair attempt failed", "tool", toolName, "error", err.Error())
		return false
	}
	if _, sendErr := w.client.Send("doctor", "igor.thought", map[string]any{
		"planId": planID, "thought": "invoked " + toolName + " to repair " + string(step.Action),
		"context": map[string]string{"action": string(step.Action), "error": failure.Error()},
	}); sendErr != nil {
		w.logger.Debug(ctx, "igor.thought send failed", "error", sendErr.Error())
	}
	return true
}

func jitteredBackoff(attempt int) time.Duration {
	base := 250 * time.Millisecond * time.Duration(1<<uint(attempt))
	jitter := (rand.Float64()*0.4 - 0.2) * float64(base)
	return base + time.Duration(jitter)
}

type browserError struct {
	Kind    string `json:"kind"`
	Command string `json:"command"`
	Detail  string `json:"detail"`
	Cause   string `json:"cause,omitempty"`
}

type browserReply struct {
	OK     bool          `json:"ok"`
	Result any           `json:"result,omitempty"`
	Error  *browserError `json:"error,omitempty"`
}

// frankMessageFor maps a compiled Action onto one of Frank's closed set of
// browser.* handlers. Select and verify have no dedicated Frank handler:
// select is expressed as a click on the option, and verify captures a
// screenshot for Doctor/Igor-side comparison against the plan's expected
// outcome.
func frankMessageFor(a compile.Action) (msgType string, local bool) {
	switch a {
	case compile.ActionWait:
		return "", true
	case compile.ActionSelect:
		return "browser.click", false
	case compile.ActionVerify:
		return "browser.screenshot", false
	default:
		return "browser." + string(a), false
	}
}

func (w *Worker) performAction(ctx context.Context, step compile.Step) (any, *errs.Error) {
	msgType, local := frankMessageFor(step.Action)
	if local {
		ms, _ := step.Params["ms"].(float64)
		if ms <= 0 {
			ms = float64(step.Timeout.Milliseconds())
		}
		select {
		case <-ctx.Done():
			return nil, errs.New(errs.Unexpected, "cancelled during wait")
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
		return nil, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, step.Timeout+2*time.Second)
	defer cancel()
	msg, err := w.client.Request(reqCtx, "frank", msgType, step.Params)
	if err != nil {
		return nil, errs.Wrap(errs.BrowserTimeout, err, fmt.Sprintf("%s request failed", msgType))
	}
	var reply browserReply
	if err := msg.Decode(&reply); err != nil {
		return nil, errs.Wrap(errs.Unexpected, err, "decode browser reply")
	}
	if !reply.OK {
		kind := errs.Unexpected
		if reply.Error != nil {
			kind = errs.Kind(reply.Error.Kind)
		}
		detail := ""
		if reply.Error != nil {
			detail = reply.Error.Detail
		}
		return nil, errs.New(kind, detail)
	}
	if step.Action == compile.ActionVerify {
		return w.judge(ctx, step, reply.Result), nil
	}
	return reply.Result, nil
}

// judge asks the configured Verifier whether the screenshot just captured
// satisfies the step's expected outcome and folds the verdict into the
// result payload. It never fails the step: a verifier error or a reply
// shape it doesn't recognize just means the screenshot rides along
// unjudged.
func (w *Worker) judge(ctx context.Context, step compile.Step, result any) any {
	shot, ok := result.(map[string]any)
	if !ok {
		return result
	}
	image, _ := shot["image"].(string)
	if image == "" {
		return result
	}
	expected, _ := step.Params["expected"].(string)
	verdict, err := w.verifier.Verify(ctx, image, expected)
	if err != nil {
		w.logger.Debug(ctx, "verifier call failed", "error", err.Error())
		return result
	}
	return map[string]any{
		"image":       image,
		"verified":    verdict.Satisfied,
		"explanation": verdict.Explanation,
	}
}
