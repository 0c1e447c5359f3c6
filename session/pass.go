package session

import (
	"github.com/rs/zerolog"

	"github.com/rustyeddy/propguard/risk"
)

// PassDetector marks the challenge passed once equity reaches the target
// while the kill switch is clear.
type PassDetector struct {
	target float64
	locked func() bool
	risk   *risk.Manager
	log    zerolog.Logger
}

// NewPassDetector targets balance+profitTarget. locked may be nil.
func NewPassDetector(balance, profitTarget float64, locked func() bool, rm *risk.Manager, log zerolog.Logger) *PassDetector {
	return &PassDetector{
		target: balance + profitTarget,
		locked: locked,
		risk:   rm,
		log:    log.With().Str("component", "pass_detector").Logger(),
	}
}

func (p *PassDetector) Target() float64 { return p.target }

func (p *PassDetector) Check(equity float64) bool {
	if p.locked != nil && p.locked() {
		p.log.Warn().Msg("challenge check skipped, account locked")
		return false
	}
	if equity <= 0 || equity < p.target {
		return false
	}
	if !p.risk.ChallengePassed() {
		p.log.Info().Float64("equity", equity).Float64("target", p.target).Msg("challenge target reached")
	}
	p.risk.MarkChallengePassed()
	return true
}
