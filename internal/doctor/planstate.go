// Package doctor owns the plan lifecycle end to end: compiling intents,
// detecting branches, scheduling Igors, tracking failures, and coordinating
// Frank restarts. It wires the internal/doctor/{compile,branch,schedule,
// failure,restart} packages together behind a bus.Client connection and an
// HTTP surface.
package doctor

import (
	"sync"
	"time"

	"github.com/barrhawk/e2e-core/internal/doctor/branch"
	"github.com/barrhawk/e2e-core/internal/doctor/compile"
)

// Status is a Plan's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PlanState is Doctor's view of one in-flight or recently terminal plan.
type PlanState struct {
	Plan          *compile.Plan
	Status        Status
	CurrentStep   int
	StepResults   []any
	Errors        []string
	AssignedIgor  string
	CompletedAt   time.Time
	ParentBranchID string
}

// PlanStore is the mutex-guarded collection of every plan Doctor currently
// knows about, keyed by plan id. A single mutex covers the whole collection
// since operations are short and non-blocking.
type PlanStore struct {
	mu    sync.Mutex
	plans map[string]*PlanState
}

// NewPlanStore constructs an empty PlanStore.
func NewPlanStore() *PlanStore {
	return &PlanStore{plans: make(map[string]*PlanState)}
}

// Put inserts or replaces a plan's state.
func (s *PlanStore) Put(state *PlanState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[state.Plan.ID] = state
}

// Get returns the state for a plan id.
func (s *PlanStore) Get(id string) (*PlanState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	return p, ok
}

// ActiveCount returns the number of non-terminal plans.
func (s *PlanStore) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.plans {
		if p.Status == StatusPending || p.Status == StatusExecuting {
			n++
		}
	}
	return n
}

// Transition applies fn to the plan's state under the store lock, enforcing
// that status only moves forward except for the one documented
// failed->pending retry transition.
func (s *PlanStore) Transition(id string, fn func(*PlanState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return false
	}
	prev := p.Status
	fn(p)
	retry := prev == StatusFailed && p.Status == StatusPending
	terminal := prev == StatusCompleted || prev == StatusFailed
	if !retry && (terminal || (prev == StatusExecuting && p.Status == StatusPending)) {
		p.Status = prev
	}
	return true
}

// Snapshot returns a copy of every tracked plan, for the /plans endpoint.
func (s *PlanStore) Snapshot() []*PlanState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PlanState, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	return out
}

// EvictTerminalOlderThan removes completed/failed plans whose CompletedAt
// predates the TTL, returning the number evicted. Called periodically by
// the cleanup loop.
func (s *PlanStore) EvictTerminalOlderThan(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, p := range s.plans {
		if (p.Status == StatusCompleted || p.Status == StatusFailed) && p.CompletedAt.Before(cutoff) {
			delete(s.plans, id)
			evicted++
		}
	}
	return evicted
}

// BranchStore is the mutex-guarded collection of branching plans.
type BranchStore struct {
	mu       sync.Mutex
	branches map[string]*branch.Plan
}

// NewBranchStore constructs an empty BranchStore.
func NewBranchStore() *BranchStore {
	return &BranchStore{branches: make(map[string]*branch.Plan)}
}

// Put inserts or replaces a branching plan.
func (b *BranchStore) Put(p *branch.Plan) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.branches[p.ID] = p
}

// Get returns a branching plan by id.
func (b *BranchStore) Get(id string) (*branch.Plan, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.branches[id]
	return p, ok
}

// Snapshot returns a copy of every branching plan, for the /branches
// endpoint.
func (b *BranchStore) Snapshot() []*branch.Plan {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*branch.Plan, 0, len(b.branches))
	for _, p := range b.branches {
		out = append(out, p)
	}
	return out
}

// ForEachContainingChild finds the branching plan owning childPlanID, if
// any, and applies fn under the store lock.
func (b *BranchStore) ForEachContainingChild(childPlanID string, fn func(*branch.Plan, string)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.branches {
		for routeID, rs := range p.Routes {
			if rs.PlanID == childPlanID {
				fn(p, routeID)
				return true
			}
		}
	}
	return false
}
