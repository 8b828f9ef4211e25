// Package branch detects branching intents — orthogonal to plan compilation
// — and expands them into one route plan per branch.
package branch

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/barrhawk/e2e-core/internal/doctor/compile"
)

// Route is one branch of a BranchingPlan.
type Route struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
}

// branchRule is one entry of the fixed branch-regex table (rules), each
// describing a mutually exclusive set of routes keyed off a pattern in the
// intent.
type branchRule struct {
	description string
	pattern     *regexp.Regexp
	routes      []Route
}

var rules = []branchRule{
	{
		description: "gender selection",
		pattern:     regexp.MustCompile(`(?i)\b(boy|girl|male|female)\b.*\buser`),
		routes: []Route{
			{ID: "boy", Name: "boy", Selector: "#gender-boy", Value: "boy"},
			{ID: "girl", Name: "girl", Selector: "#gender-girl", Value: "girl"},
		},
	},
	{
		description: "role selection",
		pattern:     regexp.MustCompile(`(?i)\b(admin|user|guest)s?\b`),
		routes: []Route{
			{ID: "admin", Name: "admin", Selector: "#role-admin", Value: "admin"},
			{ID: "user", Name: "user", Selector: "#role-user", Value: "user"},
			{ID: "guest", Name: "guest", Selector: "#role-guest", Value: "guest"},
		},
	},
	{
		description: "A/B variant",
		pattern:     regexp.MustCompile(`(?i)\bvariant\s+[ab]\b|\ba/b\b`),
		routes: []Route{
			{ID: "a", Name: "variant-a", Value: "a"},
			{ID: "b", Name: "variant-b", Value: "b"},
		},
	},
}

// Detect matches intent against the fixed branch table, returning the first
// match's description and routes, or ok=false if nothing matched.
func Detect(intent string) (description string, routes []Route, ok bool) {
	for _, r := range rules {
		if r.pattern.MatchString(intent) {
			return r.description, r.routes, true
		}
	}
	return "", nil, false
}

// RouteStatus is the per-route outcome tracked inside a BranchingPlan.
type RouteStatus struct {
	RouteID   string `json:"routeId"`
	PlanID    string `json:"planId"`
	AssignedTo string `json:"assignedTo,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Status is the aggregate status of a BranchingPlan, a pure function of its
// children's terminal states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
)

// Plan is a parent BranchingPlan tracking one child plan per route.
type Plan struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	CreatedAt   time.Time              `json:"createdAt"`
	Routes      map[string]*RouteStatus `json:"routes"`
}

// NewPlan constructs a BranchingPlan with one pending RouteStatus per route.
func NewPlan(description string, routes []Route, childPlanIDs map[string]string) *Plan {
	p := &Plan{
		ID:          uuid.NewString(),
		Description: description,
		CreatedAt:   time.Now().UTC(),
		Routes:      make(map[string]*RouteStatus, len(routes)),
	}
	for _, r := range routes {
		p.Routes[r.ID] = &RouteStatus{RouteID: r.ID, PlanID: childPlanIDs[r.ID]}
	}
	return p
}

// RecordResult records a child plan's terminal outcome by route id.
func (p *Plan) RecordResult(routeID string, success bool, result any, errMsg string) {
	rs, ok := p.Routes[routeID]
	if !ok {
		return
	}
	rs.Success = &success
	rs.Result = result
	rs.Error = errMsg
}

// Status computes the aggregate status as a pure function of the routes'
// current terminal state: completed iff every route succeeded, failed iff
// every route that has reported has failed and all have reported, partial
// if some failed and some succeeded, executing/pending otherwise.
func (p *Plan) Status() Status {
	total := len(p.Routes)
	reported, succeeded, failed := 0, 0, 0
	for _, rs := range p.Routes {
		if rs.Success == nil {
			continue
		}
		reported++
		if *rs.Success {
			succeeded++
		} else {
			failed++
		}
	}
	if reported == 0 {
		return StatusPending
	}
	if reported < total {
		return StatusExecuting
	}
	switch {
	case failed == 0:
		return StatusCompleted
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// ExpandRoutes compiles one independent route plan per route by re-running
// the recognizer pipeline and splicing a route-specific first interaction
// immediately after the launch+navigate prefix.
func ExpandRoutes(c *compile.Compiler, intent, explicitURL string, routes []Route) map[string]*compile.Plan {
	out := make(map[string]*compile.Plan, len(routes))
	for _, r := range routes {
		plan := c.Compile(intent, explicitURL)
		plan.Route = r.ID
		interaction := compile.Step{
			Action:  compile.ActionClick,
			Timeout: 5 * time.Second,
			Params:  map[string]any{"selector": r.Selector, "value": r.Value},
		}
		plan.Steps = spliceAfterNavigate(plan.Steps, interaction)
		out[r.ID] = plan
	}
	return out
}

// spliceAfterNavigate inserts step immediately after the first navigate step
// (or right after launch if no navigate step is present).
func spliceAfterNavigate(steps []compile.Step, step compile.Step) []compile.Step {
	insertAt := 1
	for i, s := range steps {
		if s.Action == compile.ActionNavigate {
			insertAt = i + 1
			break
		}
	}
	out := make([]compile.Step, 0, len(steps)+1)
	out = append(out, steps[:insertAt]...)
	out = append(out, step)
	out = append(out, steps[insertAt:]...)
	return out
}
