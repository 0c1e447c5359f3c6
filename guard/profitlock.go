package guard

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/propguard/logging"
)

const (
	DefaultProfitLockActivation = 0.02
	DefaultProfitLockRatio      = 0.50
)

// ProfitLock protects part of the open profit once it passes the
// activation level. The floor only moves up.
type ProfitLock struct {
	start      float64
	activation float64
	ratio      float64
	log        zerolog.Logger

	mu     sync.Mutex
	active bool
	floor  float64
}

func NewProfitLock(start, activation, ratio float64, log zerolog.Logger) *ProfitLock {
	if activation <= 0 {
		activation = DefaultProfitLockActivation
	}
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultProfitLockRatio
	}
	return &ProfitLock{
		start:      start,
		activation: activation,
		ratio:      ratio,
		log:        log.With().Str("component", "profit_lock").Logger(),
	}
}

// Check returns false once equity is below the locked floor. Unavailable
// equity (<= 0) does not pause trading.
func (p *ProfitLock) Check(equity float64) bool {
	if equity <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	profit := equity - p.start
	if !p.active {
		if profit/p.start >= p.activation {
			p.active = true
			p.floor = p.start + profit*p.ratio
			p.log.Info().Float64("equity", equity).Float64("floor", p.floor).Msg("profit lock activated")
		}
		return true
	}

	if f := p.start + profit*p.ratio; f > p.floor {
		p.floor = f
		p.log.Info().Float64("floor", p.floor).Msg("profit lock trailed")
	}
	if equity < p.floor {
		logging.Critical(p.log).Float64("equity", equity).Float64("floor", p.floor).Msg("profit lock breached")
		return false
	}
	return true
}

// Floor is 0 until the lock is active.
func (p *ProfitLock) Floor() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.floor
}

func (p *ProfitLock) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
