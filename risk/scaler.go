package risk

import (
	"math"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// DefaultDrawdownFreeze is the pullback from peak equity that pins the
// multiplier to 1.0.
const DefaultDrawdownFreeze = 0.03

// Tier caps scaling for accounts whose starting balance is at most MaxBalance.
// A zero MaxBalance means "no upper bound" and should be last.
type Tier struct {
	MaxBalance    float64 `yaml:"max_balance" json:"max_balance"`
	MaxMultiplier float64 `yaml:"max_multiplier" json:"max_multiplier"`
	Step          float64 `yaml:"step" json:"step"`
}

func DefaultTiers() []Tier {
	return []Tier{
		{MaxBalance: 10_000, MaxMultiplier: 1.5, Step: 0.25},
		{MaxBalance: 25_000, MaxMultiplier: 2.0, Step: 0.30},
		{MaxBalance: 0, MaxMultiplier: 2.5, Step: 0.40},
	}
}

// SelectTier picks the first tier whose bound covers start.
func SelectTier(tiers []Tier, start float64) Tier {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	ts := make([]Tier, len(tiers))
	copy(ts, tiers)
	sort.SliceStable(ts, func(i, j int) bool {
		// unbounded sorts last
		if ts[i].MaxBalance == 0 {
			return false
		}
		if ts[j].MaxBalance == 0 {
			return true
		}
		return ts[i].MaxBalance < ts[j].MaxBalance
	})
	for _, t := range ts {
		if t.MaxBalance == 0 || start <= t.MaxBalance {
			return t
		}
	}
	return ts[len(ts)-1]
}

type ScalerState struct {
	StartBalance  float64 `json:"start_balance"`
	CurrentEquity float64 `json:"current_equity"`
	PeakEquity    float64 `json:"peak_equity"`
	Tier          Tier    `json:"tier"`
	InDrawdown    bool    `json:"in_drawdown"`
	Multiplier    float64 `json:"multiplier"`
}

// Scaler turns growth since the start balance into a stepped risk
// multiplier. The tier is fixed at construction.
type Scaler struct {
	mu       sync.RWMutex
	start    float64
	current  float64
	peak     float64
	tier     Tier
	freezePc float64
}

func NewScaler(start float64, tiers []Tier, drawdownFreeze float64) *Scaler {
	if drawdownFreeze <= 0 || drawdownFreeze >= 1 {
		drawdownFreeze = DefaultDrawdownFreeze
	}
	return &Scaler{
		start:    start,
		current:  start,
		peak:     start,
		tier:     SelectTier(tiers, start),
		freezePc: drawdownFreeze,
	}
}

// UpdateEquity ignores non-positive values.
func (s *Scaler) UpdateEquity(equity float64) {
	if equity <= 0 || math.IsNaN(equity) || math.IsInf(equity, 0) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = equity
	if equity > s.peak {
		s.peak = equity
	}
}

func (s *Scaler) InDrawdown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inDrawdownLocked()
}

func (s *Scaler) inDrawdownLocked() bool {
	return s.current < s.peak*(1-s.freezePc)
}

// Multiplier is 1.0 unless equity is above start and not in drawdown. Growth
// on an exact step boundary counts that step; partial steps never do.
func (s *Scaler) Multiplier() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.multiplierLocked()
}

func (s *Scaler) multiplierLocked() float64 {
	if s.start <= 0 || s.current <= s.start || s.inDrawdownLocked() {
		return 1.0
	}
	if s.tier.Step <= 0 {
		return 1.0
	}
	// Decimal so that growth exactly on a step counts it and growth a hair
	// below does not.
	start := decimal.NewFromFloat(s.start)
	growth := decimal.NewFromFloat(s.current).Sub(start).Div(start)
	steps, _ := growth.Div(decimal.NewFromFloat(s.tier.Step)).Floor().Float64()
	m := 1 + steps*s.tier.Step
	if s.tier.MaxMultiplier > 0 && m > s.tier.MaxMultiplier {
		m = s.tier.MaxMultiplier
	}
	return m
}

func (s *Scaler) State() ScalerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ScalerState{
		StartBalance:  s.start,
		CurrentEquity: s.current,
		PeakEquity:    s.peak,
		Tier:          s.tier,
		InDrawdown:    s.inDrawdownLocked(),
		Multiplier:    s.multiplierLocked(),
	}
}
