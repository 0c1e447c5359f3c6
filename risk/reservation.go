package risk

import (
	"fmt"
	"math"
	"sync"
)

// Reservation holds risk against the daily and total ceilings while an
// order is between authorization and dispatch. Release it exactly once;
// extra calls are no-ops.
type Reservation struct {
	m      *Manager
	amount float64
	once   sync.Once
}

func (r *Reservation) Amount() float64 { return r.amount }

func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.m.mu.Lock()
		r.m.reserved = math.Max(0, r.m.reserved-r.amount)
		r.m.mu.Unlock()
	})
}

// Reserve checks riskAmount against the ceilings and holds it in one step,
// so two workers cannot both spend the same remaining budget.
func (m *Manager) Reserve(riskAmount float64) (*Reservation, error) {
	if riskAmount <= 0 || math.IsNaN(riskAmount) {
		return nil, fmt.Errorf("reserve: invalid risk amount %.2f", riskAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	if ok, reason := m.validateLocked(riskAmount); !ok {
		return nil, fmt.Errorf("reserve: %s", reason)
	}
	m.reserved += riskAmount
	return &Reservation{m: m, amount: riskAmount}, nil
}
