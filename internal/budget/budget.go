// Package budget enforces per-organization call quotas: a monthly ceiling
// across all runs and a per-run ceiling for one materialization pass.
// Quota checks happen before any provider call is made.
package budget

import (
	"sync"
	"time"

	"github.com/toolforge/toolforge/engine/pkg/contracts"
)

// Guard tracks monthly usage per organization. Counters are process-local;
// the monthly count resets when the calendar month rolls over.
type Guard struct {
	mu      sync.Mutex
	monthly map[string]int // key: org:YYYY-MM

	monthlyMax int
	perRunMax  int

	now func() time.Time
}

// New creates a guard. Zero or negative limits disable the corresponding
// check.
func New(monthlyMax, perRunMax int) *Guard {
	return &Guard{
		monthly:    make(map[string]int),
		monthlyMax: monthlyMax,
		perRunMax:  perRunMax,
		now:        time.Now,
	}
}

// SetClock overrides the guard's clock. Test hook.
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

func (g *Guard) monthKey(orgID string) string {
	return orgID + ":" + g.now().UTC().Format("2006-01")
}

// NewRun opens a per-run allocation for one materialization pass.
func (g *Guard) NewRun(orgID string) *Run {
	return &Run{guard: g, orgID: orgID}
}

// charge consumes n monthly units or fails without consuming anything.
func (g *Guard) charge(orgID string, n int) error {
	if g.monthlyMax <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := g.monthKey(orgID)
	if g.monthly[key]+n > g.monthlyMax {
		return &contracts.BudgetExceededError{OrgID: orgID, Scope: "monthly", Limit: g.monthlyMax}
	}
	g.monthly[key] += n
	return nil
}

// Run is the per-run allocation. Not safe for concurrent use by itself;
// callers charge under their own coordination.
type Run struct {
	guard *Guard
	orgID string

	mu   sync.Mutex
	used int
}

// Charge consumes n units against both the run and the monthly quota.
func (r *Run) Charge(n int) error {
	r.mu.Lock()
	if r.guard.perRunMax > 0 && r.used+n > r.guard.perRunMax {
		r.mu.Unlock()
		return &contracts.BudgetExceededError{OrgID: r.orgID, Scope: "run", Limit: r.guard.perRunMax}
	}
	r.used += n
	r.mu.Unlock()

	if err := r.guard.charge(r.orgID, n); err != nil {
		r.mu.Lock()
		r.used -= n
		r.mu.Unlock()
		return err
	}
	return nil
}
