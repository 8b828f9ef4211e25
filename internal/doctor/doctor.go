package doctor

import (
	"context"
	"encoding/json"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/barrhawk/e2e-core/internal/ai"
	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/config"
	"github.com/barrhawk/e2e-core/internal/doctor/branch"
	"github.com/barrhawk/e2e-core/internal/doctor/compile"
	"github.com/barrhawk/e2e-core/internal/doctor/failure"
	"github.com/barrhawk/e2e-core/internal/doctor/restart"
	"github.com/barrhawk/e2e-core/internal/doctor/schedule"
	"github.com/barrhawk/e2e-core/internal/errs"
	"github.com/barrhawk/e2e-core/internal/telemetry"
)

// BusClient is the subset of *bus.Client the Service needs: sending,
// correlated requesting, and handler registration. Defined as an interface
// so tests can drive the Service without a live Bridge connection.
type BusClient interface {
	Send(target, msgType string, payload any) (bus.Message, error)
	Request(ctx context.Context, target, msgType string, payload any) (bus.Message, error)
	On(msgType string, h bus.Handler)
	Connected() bool
}

// Service is Doctor's runtime: it owns plan compilation, branch detection,
// Igor scheduling, failure tracking, and Frank restart coordination, and
// drives all of them off messages arriving from the Bridge.
type Service struct {
	cfg     config.Doctor
	client  BusClient
	logger  telemetry.Logger
	metrics telemetry.Metrics

	compiler  *compile.Compiler
	igors     *schedule.Table
	failures  *failure.Tracker
	restarter *restart.Coordinator

	plans    *PlanStore
	branches *BranchStore

	toolsMu      sync.Mutex
	dynamicTools map[string]bool

	limiter    *rate.Limiter
	igorSpawn  IgorSpawner
	httpClient *http.Client
	startedAt  time.Time
}

// IgorSpawner starts a new detached Igor process bound to the given id and
// route.
type IgorSpawner func(ctx context.Context, id, route string) error

// ExecIgorSpawner spawns an Igor via os/exec, passing id and route through
// the environment the same way cmd/igor reads them at startup.
func ExecIgorSpawner(command string) IgorSpawner {
	return func(ctx context.Context, id, route string) error {
		cmd := exec.CommandContext(ctx, command)
		cmd.Env = append(cmd.Environ(), "IGOR_ID="+id, "IGOR_ROUTE="+route)
		cmd.Stdin = nil
		cmd.Stdout = nil
		cmd.Stderr = nil
		return cmd.Start()
	}
}

// NewService wires a Service's collaborators. health and spawn are passed
// through to the restart coordinator; pass nil health for a Service that
// never restarts Frank (e.g. in tests exercising message handling alone).
func NewService(cfg config.Doctor, client BusClient, health restart.HealthChecker, spawn restart.Spawner, logger telemetry.Logger, metrics telemetry.Metrics) *Service {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	igors := schedule.NewTable()
	igors.Register("igor", "")

	var restarter *restart.Coordinator
	if health != nil && spawn != nil {
		restarter = restart.NewCoordinator(client, health, spawn, logger, metrics)
	}

	var igorSpawn IgorSpawner
	if cfg.IgorSpawnCommand != "" {
		igorSpawn = ExecIgorSpawner(cfg.IgorSpawnCommand)
	}

	return &Service{
		cfg:          cfg,
		client:       client,
		logger:       logger,
		metrics:      metrics,
		compiler:     compile.NewCompiler(),
		igors:        igors,
		failures:     failure.NewTracker(cfg.FailureThresholdForTool),
		restarter:    restarter,
		plans:        NewPlanStore(),
		branches:     NewBranchStore(),
		dynamicTools: make(map[string]bool),
		limiter:      rate.NewLimiter(rate.Limit(cfg.RateLimitRequestsPerSec), cfg.RateLimitBurst),
		igorSpawn:    igorSpawn,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		startedAt:    time.Now(),
	}
}

// Version is Doctor's protocol version, matching the version it registers
// with the Bridge.
const Version = "1"

// SetFallbackPlanner swaps in a model-backed ai.FallbackPlanner, consulted
// by CompileWithFallback only when the deterministic recognizer pipeline
// produces no steps at all.
func (s *Service) SetFallbackPlanner(p ai.FallbackPlanner) {
	s.compiler = compile.NewCompilerWithFallback(p)
}

// RegisterHandlers wires every bus message type Doctor reacts to onto the
// client. Call once after construction, before the client starts reading.
func (s *Service) RegisterHandlers() {
	s.client.On("step.failed", s.handleStepFailed)
	s.client.On("plan.completed", s.handlePlanCompleted)
	s.client.On("igor.exited", s.handleIgorExited)
	s.client.On("component.disconnected", s.handleComponentDisconnected)
	s.client.On("igor.registered", s.handleIgorRegistered)
	s.client.On("tool.created", s.handleToolCreated)
	s.client.On("tool.error", s.handleToolError)
	s.client.On("igor.thought", s.handleIgorThought)
	s.client.On("plan.cancel", s.handlePlanCancel)
}

// Allow reports whether the caller's request passes the rate limiter. The
// /health endpoint is exempt and never calls this.
func (s *Service) Allow() bool {
	return s.limiter.Allow()
}

// RunCleanupLoop evicts terminal plans older than PlanTTL every
// PlanCleanupInterval, until ctx is done.
func (s *Service) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PlanCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.plans.EvictTerminalOlderThan(s.cfg.PlanTTL); n > 0 {
				s.logger.Info(ctx, "evicted expired plans", "count", n)
			}
		}
	}
}

// SubmitResult is what POST /plan returns: either a single plan or a
// branching plan with one child per route.
type SubmitResult struct {
	Plan     *compile.Plan `json:"plan,omitempty"`
	Branch   *branch.Plan  `json:"branchingPlan,omitempty"`
	ToolBag  []schedule.ToolBagEntry `json:"toolBag,omitempty"`
}

// SubmitPlan compiles intent (optionally branching), assigns it to one or
// more Igors, and returns the resulting plan or branching plan.
func (s *Service) SubmitPlan(ctx context.Context, intent, explicitURL string) (*SubmitResult, error) {
	return s.submitPlan(ctx, intent, explicitURL, false)
}

// SubmitPlanOptions submits a plan honoring an explicit branching override.
// suppressBranching true means the caller passed forceBranching:false on
// POST /plan, which suppresses automatic branch detection even when the
// intent matches a branch rule.
func (s *Service) SubmitPlanOptions(ctx context.Context, intent, explicitURL string, suppressBranching bool) (*SubmitResult, error) {
	return s.submitPlan(ctx, intent, explicitURL, suppressBranching)
}

func (s *Service) submitPlan(ctx context.Context, intent, explicitURL string, suppressBranching bool) (*SubmitResult, error) {
	if err := schedule.Admit(s.plans.ActiveCount(), s.cfg.MaxActivePlans); err != nil {
		return nil, err
	}

	if !suppressBranching {
		if description, routes, ok := branch.Detect(intent); ok {
			return s.submitBranching(ctx, intent, explicitURL, description, routes)
		}
	}
	return s.submitSingle(ctx, intent, explicitURL)
}

func (s *Service) submitSingle(ctx context.Context, intent, explicitURL string) (*SubmitResult, error) {
	plan := s.compiler.CompileWithFallback(ctx, intent, explicitURL)
	if err := compile.Validate(plan, compile.ValidateOptions{AllowLocalhost: s.cfg.AllowLocalhost}); err != nil {
		return nil, err
	}
	igorID := s.dispatchRoute(ctx, "", nil)
	bag, reasoning := schedule.SelectToolBag(intent, 4, s.dynamicToolNames())
	s.plans.Put(&PlanState{Plan: plan, Status: StatusPending, AssignedIgor: igorID})
	s.sendPlanSubmit(igorID, plan, bag, reasoning)
	return &SubmitResult{Plan: plan, ToolBag: bag}, nil
}

func (s *Service) submitBranching(ctx context.Context, intent, explicitURL, description string, routes []branch.Route) (*SubmitResult, error) {
	childPlans := branch.ExpandRoutes(s.compiler, intent, explicitURL, routes)
	for _, p := range childPlans {
		if err := compile.Validate(p, compile.ValidateOptions{AllowLocalhost: s.cfg.AllowLocalhost}); err != nil {
			return nil, err
		}
	}
	childIDs := make(map[string]string, len(childPlans))
	for routeID, p := range childPlans {
		childIDs[routeID] = p.ID
	}
	bp := branch.NewPlan(description, routes, childIDs)

	bag, reasoning := schedule.SelectToolBag(intent, 4, s.dynamicToolNames())
	for _, r := range routes {
		p := childPlans[r.ID]
		conditions := map[string]any{"selector": r.Selector, "value": r.Value}
		igorID := s.dispatchRoute(ctx, r.ID, conditions)
		bp.Routes[r.ID].AssignedTo = igorID
		s.plans.Put(&PlanState{Plan: p, Status: StatusPending, AssignedIgor: igorID, ParentBranchID: bp.ID})
		s.sendPlanSubmit(igorID, p, bag, reasoning)
	}
	s.branches.Put(bp)
	return &SubmitResult{Branch: bp, ToolBag: bag}, nil
}

// dispatchRoute picks the best available Igor for route (empty for the
// default pool). If a route-specialized worker isn't registered yet, it
// announces the spawn over the bus, starts one with the matching id via
// igorSpawn, and waits briefly for it to register before falling back to
// any available Igor ("unknown" when none is available).
func (s *Service) dispatchRoute(ctx context.Context, route string, conditions map[string]any) string {
	if route == "" {
		if id, ok := s.igors.GetAvailableIgor(); ok {
			return id
		}
		return "unknown"
	}
	if id, ok := s.igors.GetIgorForRoute(route); ok {
		return id
	}
	igorID := "igor-" + route
	if _, err := s.client.Send("bridge", "igor.spawn", map[string]any{
		"id": igorID, "route": route, "conditions": conditions,
	}); err != nil {
		s.logger.Warn(ctx, "announce igor.spawn failed", "route", route, "error", err.Error())
	}
	if s.igorSpawn != nil {
		if err := s.igorSpawn(ctx, igorID, route); err != nil {
			s.logger.Warn(ctx, "spawn igor failed", "route", route, "error", err.Error())
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if s.awaitIgorRegistration(waitCtx, igorID) {
		return igorID
	}
	if id, ok := s.igors.GetAvailableIgor(); ok {
		return id
	}
	return "unknown"
}

// awaitIgorRegistration polls the Igor table for id's arrival until ctx is
// done, returning false once the deadline passes.
func (s *Service) awaitIgorRegistration(ctx context.Context, id string) bool {
	if _, ok := s.igors.Get(id); ok {
		return true
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if _, ok := s.igors.Get(id); ok {
				return true
			}
		}
	}
}

func (s *Service) sendPlanSubmit(igorID string, plan *compile.Plan, bag []schedule.ToolBagEntry, reasoning string) {
	s.igors.MarkBusy(igorID, plan.ID)
	if _, err := s.client.Send(igorID, "plan.submit", map[string]any{
		"plan":      plan,
		"toolBag":   bag,
		"reasoning": reasoning,
	}); err != nil {
		s.logger.Warn(context.Background(), "plan.submit send failed", "igor", igorID, "plan", plan.ID, "error", err.Error())
	}
}

func (s *Service) dynamicToolNames() []string {
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()
	out := make([]string, 0, len(s.dynamicTools))
	for name := range s.dynamicTools {
		out = append(out, name)
	}
	return out
}

type stepFailedPayload struct {
	PlanID    string `json:"planId"`
	IgorID    string `json:"igorId"`
	StepIndex int    `json:"stepIndex"`
	Action    string `json:"action"`
	Error     string `json:"error"`
}

func (s *Service) handleStepFailed(ctx context.Context, msg bus.Message) {
	var p stepFailedPayload
	if err := msg.Decode(&p); err != nil {
		s.logger.Warn(ctx, "decode step.failed", "error", err.Error())
		return
	}
	s.plans.Transition(p.PlanID, func(st *PlanState) {
		st.Status = StatusFailed
		st.CurrentStep = p.StepIndex
		st.Errors = append(st.Errors, p.Error)
	})

	result := s.failures.Upsert(p.Action, p.Error, p.PlanID)
	if !result.CrossedThreshold || !s.cfg.FrankToolCreationEnabled {
		return
	}
	req := s.failures.RequestTool(result.Key, p.PlanID, p.StepIndex, result.ToolType)
	if _, err := s.client.Send("frank", "tool.create", map[string]any{
		"requestId": req.RequestID,
		"name":      req.CandidateName,
		"toolType":  result.ToolType,
		"originPlanId": p.PlanID,
		"stepIndex":    p.StepIndex,
	}); err != nil {
		s.logger.Warn(ctx, "tool.create send failed", "error", err.Error())
	}
}

type planCompletedPayload struct {
	PlanID  string `json:"planId"`
	IgorID  string `json:"igorId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Service) handlePlanCompleted(ctx context.Context, msg bus.Message) {
	var p planCompletedPayload
	if err := msg.Decode(&p); err != nil {
		s.logger.Warn(ctx, "decode plan.completed", "error", err.Error())
		return
	}
	s.igors.MarkIdle(p.IgorID, p.Success)

	var parentBranchID string
	s.plans.Transition(p.PlanID, func(st *PlanState) {
		if p.Success {
			st.Status = StatusCompleted
		} else {
			st.Status = StatusFailed
			if p.Error != "" {
				st.Errors = append(st.Errors, p.Error)
			}
		}
		st.CompletedAt = time.Now().UTC()
		parentBranchID = st.ParentBranchID
	})
	if parentBranchID == "" {
		return
	}
	s.branches.ForEachContainingChild(p.PlanID, func(plan *branch.Plan, routeID string) {
		plan.RecordResult(routeID, p.Success, nil, p.Error)
	})
}

type igorExitedPayload struct {
	IgorID string `json:"igorId"`
}

func (s *Service) handleIgorExited(ctx context.Context, msg bus.Message) {
	var p igorExitedPayload
	if err := msg.Decode(&p); err != nil {
		s.logger.Warn(ctx, "decode igor.exited", "error", err.Error())
		return
	}
	s.igorExited(p.IgorID)
}

// componentDisconnectedPayload mirrors the Bridge's component.disconnected
// broadcast. An Igor's disconnect is the common, real-world trigger for
// igor.exited; a graceful exit may additionally send igor.exited itself
// before dropping the connection, in which case this is a harmless repeat
// (OnExited is idempotent once the Igor is already removed).
type componentDisconnectedPayload struct {
	Component string `json:"component"`
}

func (s *Service) handleComponentDisconnected(ctx context.Context, msg bus.Message) {
	var p componentDisconnectedPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	if !strings.HasPrefix(p.Component, "igor") {
		return
	}
	s.igorExited(p.Component)
}

func (s *Service) igorExited(igorID string) {
	crashedPlanID, hadPlan := s.igors.OnExited(igorID)
	if !hadPlan {
		return
	}
	crashErr := errs.New(errs.WorkerCrashed, "igor exited while a plan was in flight").With("igorId", igorID)
	var parentBranchID string
	s.plans.Transition(crashedPlanID, func(st *PlanState) {
		st.Status = StatusFailed
		st.Errors = append(st.Errors, crashErr.Error())
		st.CompletedAt = time.Now().UTC()
		parentBranchID = st.ParentBranchID
	})
	if parentBranchID != "" {
		s.branches.ForEachContainingChild(crashedPlanID, func(plan *branch.Plan, routeID string) {
			plan.RecordResult(routeID, false, nil, crashErr.Error())
		})
	}
}

type igorRegisteredPayload struct {
	IgorID string `json:"igorId"`
	Route  string `json:"route,omitempty"`
}

func (s *Service) handleIgorRegistered(ctx context.Context, msg bus.Message) {
	var p igorRegisteredPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.igors.Register(p.IgorID, p.Route)
}

type toolCreatedPayload struct {
	RequestID string `json:"requestId"`
	ToolName  string `json:"toolName"`
}

func (s *Service) handleToolCreated(ctx context.Context, msg bus.Message) {
	var p toolCreatedPayload
	if err := msg.Decode(&p); err != nil {
		s.logger.Warn(ctx, "decode tool.created", "error", err.Error())
		return
	}
	_, origin, ok := s.failures.ToolCreated(p.RequestID, p.ToolName)
	if !ok {
		return
	}
	s.toolsMu.Lock()
	s.dynamicTools[p.ToolName] = true
	s.toolsMu.Unlock()

	if s.restarter == nil {
		s.resumeFailingPlan(origin.OriginPlanID)
		return
	}
	go func() {
		err := s.restarter.Restart(context.Background(), "tool created: "+p.ToolName, s.resyncFrankTools)
		if err != nil {
			s.logger.Warn(context.Background(), "frank restart after tool.created failed", "error", err.Error())
			return
		}
		s.resumeFailingPlan(origin.OriginPlanID)
	}()
}

// resyncFrankTools re-reads Frank's /tools after a restart and reconciles
// the locally tracked dynamic tool inventory against it, dropping anything
// that did not survive the restart.
func (s *Service) resyncFrankTools(ctx context.Context) error {
	if s.cfg.FrankToolsURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.FrankToolsURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errs.Newf(errs.Unexpected, "frank /tools returned status %d", resp.StatusCode)
	}
	var tools []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&tools); err != nil {
		return err
	}
	live := make(map[string]bool, len(tools))
	for _, t := range tools {
		if name, ok := t["name"].(string); ok {
			live[name] = true
		}
	}
	s.toolsMu.Lock()
	s.dynamicTools = live
	s.toolsMu.Unlock()
	return nil
}

// resumeFailingPlan implements the single documented non-monotonic
// transition: a plan sitting in failed moves back to pending so its
// assigned Igor can retry from the step that failed.
func (s *Service) resumeFailingPlan(planID string) {
	s.plans.Transition(planID, func(st *PlanState) {
		if st.Status != StatusFailed {
			return
		}
		st.Status = StatusPending
		igorID := st.AssignedIgor
		if igorID == "" || igorID == "unknown" {
			if id, ok := s.igors.GetAvailableIgor(); ok {
				igorID = id
				st.AssignedIgor = id
			}
		}
		if igorID != "" && igorID != "unknown" {
			s.igors.MarkBusy(igorID, planID)
			if _, err := s.client.Send(igorID, "plan.resume", map[string]any{
				"plan":      st.Plan,
				"fromStep":  st.CurrentStep,
			}); err != nil {
				s.logger.Warn(context.Background(), "plan.resume send failed", "plan", planID, "error", err.Error())
			}
		}
	})
}

type toolErrorPayload struct {
	RequestID string `json:"requestId"`
}

func (s *Service) handleToolError(ctx context.Context, msg bus.Message) {
	var p toolErrorPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.failures.ToolError(p.RequestID)
}

type igorThoughtPayload struct {
	PlanID  string `json:"planId"`
	IgorID  string `json:"igorId"`
	Thought string `json:"thought"`
}

// handleIgorThought records remediation reasoning for observability only; it
// has no effect on plan state.
func (s *Service) handleIgorThought(ctx context.Context, msg bus.Message) {
	var p igorThoughtPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.logger.Debug(ctx, "igor thought", "plan", p.PlanID, "igor", p.IgorID, "thought", p.Thought)
}

type planCancelPayload struct {
	PlanID string `json:"planId"`
}

func (s *Service) handlePlanCancel(ctx context.Context, msg bus.Message) {
	var p planCancelPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	s.plans.Transition(p.PlanID, func(st *PlanState) {
		if st.Status == StatusCompleted || st.Status == StatusFailed {
			return // idempotent: already terminal
		}
		st.Status = StatusFailed
		st.Errors = append(st.Errors, "cancelled")
		st.CompletedAt = time.Now().UTC()
		if st.AssignedIgor != "" {
			if _, err := s.client.Send(st.AssignedIgor, "plan.cancel", map[string]string{"planId": p.PlanID}); err != nil {
				s.logger.Warn(ctx, "plan.cancel forward failed", "plan", p.PlanID, "error", err.Error())
			}
		}
	})
}

// Plans exposes the plan store for the HTTP layer.
func (s *Service) Plans() *PlanStore { return s.plans }

// Branches exposes the branch store for the HTTP layer.
func (s *Service) Branches() *BranchStore { return s.branches }

// Igors exposes the Igor table for the HTTP layer.
func (s *Service) Igors() *schedule.Table { return s.igors }

// Failures exposes the failure tracker for the HTTP layer.
func (s *Service) Failures() *failure.Tracker { return s.failures }

// RestartInFlight reports whether Frank is currently being restarted.
func (s *Service) RestartInFlight() bool {
	return s.restarter != nil && s.restarter.InFlight()
}

// BridgeConnected reports whether this Service's bus connection is up.
func (s *Service) BridgeConnected() bool {
	return s.client.Connected()
}

// Uptime reports how long this Service has been running.
func (s *Service) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// PlanLimits summarizes the active-plan cap and retention policy for /health.
func (s *Service) PlanLimits() map[string]any {
	return map[string]any{
		"maxActivePlans": s.cfg.MaxActivePlans,
		"planTTL":        s.cfg.PlanTTL.String(),
	}
}

// Reconnection surfaces the backoff policy a component reconnecting to the
// Bridge would use.
func (s *Service) Reconnection() map[string]any {
	return map[string]any{
		"initialBackoff": s.cfg.ReconnectInitialBackoff.String(),
		"maxBackoff":     s.cfg.ReconnectMaxBackoff.String(),
	}
}

// Experience reports on the per-site experience accumulator, which is an
// external collaborator and not implemented by this service.
func (s *Service) Experience() map[string]any {
	return map[string]any{"enabled": false}
}
