// Package schedule maintains the Igor table and implements the submission
// protocol: selecting a worker, enforcing the active-plan cap, and reacting
// to plan.completed/igor.exited.
package schedule

import (
	"sync"
	"time"

	"github.com/barrhawk/e2e-core/internal/errs"
)

// Status is an Igor instance's scheduling state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusUnknown Status = "unknown"
)

// Igor is one registered worker.
type Igor struct {
	ID            string
	Route         string // empty for the default pool
	Status        Status
	CurrentPlanID string
	Completed     int
	Failed        int
	RegisteredAt  time.Time
	LastSeen      time.Time
}

// Table is the scheduler's Igor registry and round-robin cursor.
type Table struct {
	mu      sync.Mutex
	byID    map[string]*Igor
	order   []string // registration order, for stable round robin
	cursor  int
}

// NewTable constructs an empty Igor table.
func NewTable() *Table {
	return &Table{byID: make(map[string]*Igor)}
}

// Register adds or refreshes an Igor entry as idle/unknown.
func (t *Table) Register(id, route string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if existing, ok := t.byID[id]; ok {
		existing.LastSeen = now
		return
	}
	t.byID[id] = &Igor{ID: id, Route: route, Status: StatusUnknown, RegisteredAt: now, LastSeen: now}
	t.order = append(t.order, id)
}

// Remove drops an Igor from the table (it has exited). The default Igor
// ("igor") is never removed by callers; this function itself has no
// special-case, the scheduler enforces that invariant at the call site.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
	for i, o := range t.order {
		if o == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Get returns a copy of the Igor's current state.
func (t *Table) Get(id string) (Igor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[id]
	if !ok {
		return Igor{}, false
	}
	return *i, true
}

// MarkBusy transitions id to busy with the given plan id.
func (t *Table) MarkBusy(id, planID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.byID[id]; ok {
		i.Status = StatusBusy
		i.CurrentPlanID = planID
	}
}

// MarkIdle transitions id back to idle, clearing its current plan and
// bumping the appropriate counter.
func (t *Table) MarkIdle(id string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[id]
	if !ok {
		return
	}
	i.Status = StatusIdle
	i.CurrentPlanID = ""
	if success {
		i.Completed++
	} else {
		i.Failed++
	}
}

// getAvailableIgor returns any Igor with status idle or unknown, chosen
// round-robin across the eligible set to spread load.
func (t *Table) getAvailableIgor() (string, bool) {
	if len(t.order) == 0 {
		return "", false
	}
	n := len(t.order)
	for k := 0; k < n; k++ {
		idx := (t.cursor + k) % n
		id := t.order[idx]
		i, ok := t.byID[id]
		if !ok {
			continue
		}
		if i.Status == StatusIdle || i.Status == StatusUnknown {
			t.cursor = (idx + 1) % n
			return id, true
		}
	}
	return "", false
}

// GetAvailableIgor is the exported, lock-guarded form of getAvailableIgor.
func (t *Table) GetAvailableIgor() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getAvailableIgor()
}

// GetIgorForRoute prefers "igor-<route>" if idle/unknown, else falls back to
// getAvailableIgor's round robin over every idle/unknown Igor, including
// workers specialized for other routes.
func (t *Table) GetIgorForRoute(route string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	preferred := "igor-" + route
	if i, ok := t.byID[preferred]; ok && (i.Status == StatusIdle || i.Status == StatusUnknown) {
		return preferred, true
	}
	return t.getAvailableIgor()
}

// OnExited handles igor.exited: if the Igor held a plan in executing state,
// it returns that plan id so the caller can mark it worker_crashed. The
// Igor is removed from the table unless it is the default worker.
func (t *Table) OnExited(id string) (crashedPlanID string, hadPlan bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[id]
	if ok && i.Status == StatusBusy && i.CurrentPlanID != "" {
		crashedPlanID, hadPlan = i.CurrentPlanID, true
	}
	if id != "igor" {
		delete(t.byID, id)
		for idx, o := range t.order {
			if o == id {
				t.order = append(t.order[:idx], t.order[idx+1:]...)
				break
			}
		}
	} else if ok {
		i.Status = StatusUnknown
		i.CurrentPlanID = ""
	}
	return crashedPlanID, hadPlan
}

// Snapshot returns a copy of every registered Igor, for the /igors endpoint.
func (t *Table) Snapshot() []Igor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Igor, 0, len(t.byID))
	for _, id := range t.order {
		out = append(out, *t.byID[id])
	}
	return out
}

// ErrOverload is returned by Admit when MAX_ACTIVE_PLANS would be exceeded.
func ErrOverload() error {
	return errs.New(errs.Overload, "active plan limit reached")
}

// Admit enforces the MAX_ACTIVE_PLANS gate given the caller's current count
// of non-terminal plans.
func Admit(activePlans, maxActivePlans int) error {
	if activePlans >= maxActivePlans {
		return ErrOverload()
	}
	return nil
}
