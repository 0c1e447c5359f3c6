// Package gatekeeper makes the single allow/deny call for a trade by
// combining the execution flags with the risk manager.
package gatekeeper

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/propguard/broker"
	"github.com/rustyeddy/propguard/flags"
	"github.com/rustyeddy/propguard/logging"
	"github.com/rustyeddy/propguard/risk"
)

// Code is the reason category of a Decision. Callers and tests branch on
// Code; Reason is for humans.
type Code string

const (
	Approved          Code = "APPROVED"
	ExecutionDisabled Code = "EXECUTION_DISABLED"
	LiveNotPermitted  Code = "LIVE_NOT_PERMITTED"
	ShadowNotEnabled  Code = "SHADOW_NOT_ENABLED"
	MaxLossBreached   Code = "MAX_LOSS_BREACHED"
	DailyLossBreached Code = "DAILY_LOSS_BREACHED"
	RiskLimit         Code = "RISK_LIMIT"
	FundedNotLive     Code = "FUNDED_REQUIRES_LIVE"
	Correlated        Code = "CORRELATED"
)

type Decision struct {
	Allowed bool   `json:"allowed"`
	Code    Code   `json:"code"`
	Reason  string `json:"reason"`
}

func deny(code Code, reason string) Decision {
	return Decision{Allowed: false, Code: code, Reason: reason}
}

// Snapshot combines both halves of the guard state.
type Snapshot struct {
	Flags flags.Snapshot `json:"execution_flags"`
	Risk  risk.State     `json:"risk_state"`
}

// Observer is told about every decision, e.g. for metrics.
type Observer func(symbol string, d Decision)

type Gatekeeper struct {
	flags   *flags.Flags
	risk    *risk.Manager
	log     zerolog.Logger
	observe Observer
}

type Option func(*Gatekeeper)

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gatekeeper) { g.log = l.With().Str("component", "gatekeeper").Logger() }
}

func WithObserver(o Observer) Option {
	return func(g *Gatekeeper) { g.observe = o }
}

func New(f *flags.Flags, rm *risk.Manager, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{flags: f, risk: rm, log: zerolog.Nop()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// AuthorizeTrade runs the checks in order and reports the first failure.
// A hard-stop failure also disables execution system-wide.
func (g *Gatekeeper) AuthorizeTrade(symbol string, riskAmount float64, isNewTrade bool) Decision {
	d := g.authorize(symbol, riskAmount, isNewTrade)
	g.report(symbol, riskAmount, d)
	return d
}

func (g *Gatekeeper) authorize(symbol string, riskAmount float64, isNewTrade bool) Decision {
	if !g.flags.AllowAnyExecution() {
		return deny(ExecutionDisabled, "execution globally disabled")
	}
	if isNewTrade && !g.flags.AllowLiveTrading() {
		return deny(LiveNotPermitted, "live execution not permitted (shadow or disabled mode)")
	}
	if d, breached := g.checkAndEnforceHardStop(symbol); breached {
		return d
	}
	if ok, why := g.risk.ValidateTradeRisk(riskAmount); !ok {
		return deny(RiskLimit, fmt.Sprintf("trade risk %.2f rejected: %s", riskAmount, why))
	}
	if g.flags.Phase() == flags.Funded && !g.flags.AllowLiveTrading() {
		return deny(FundedNotLive, "funded account but live trading disabled")
	}
	return Decision{Allowed: true, Code: Approved, Reason: "approved"}
}

// AuthorizeShadowTrade is the shadow-mode counterpart: the same hard-stop
// and risk checks, but it requires shadow mode instead of live.
func (g *Gatekeeper) AuthorizeShadowTrade(symbol string, riskAmount float64) Decision {
	d := func() Decision {
		if !g.flags.AllowAnyExecution() {
			return deny(ExecutionDisabled, "execution globally disabled")
		}
		if !g.flags.AllowShadowTrading() {
			return deny(ShadowNotEnabled, "shadow execution not enabled")
		}
		if d, breached := g.checkAndEnforceHardStop(symbol); breached {
			return d
		}
		if ok, why := g.risk.ValidateTradeRisk(riskAmount); !ok {
			return deny(RiskLimit, fmt.Sprintf("trade risk %.2f rejected: %s", riskAmount, why))
		}
		return Decision{Allowed: true, Code: Approved, Reason: "approved (shadow)"}
	}()
	g.report(symbol, riskAmount, d)
	return d
}

// CheckExposure is the pre-authorization check against what is already
// open: the loss budgets, then correlation with the open positions. An
// allowed result is not an approval; AuthorizeTrade still decides.
func (g *Gatekeeper) CheckExposure(symbol string, riskAmount float64, open []broker.Position) Decision {
	d := Decision{Allowed: true, Code: Approved, Reason: "exposure ok"}
	if ok, why := g.risk.CheckOpenTrade(riskAmount, symbol, nil); !ok {
		d = deny(RiskLimit, why)
	} else if why, blocked := g.risk.CorrelationBlock(symbol, open); blocked {
		d = deny(Correlated, why)
	}
	if !d.Allowed {
		g.report(symbol, riskAmount, d)
	}
	return d
}

// checkAndEnforceHardStop is a check with a side effect: on a breached
// loss ceiling it disables execution for every symbol, not just this one.
func (g *Gatekeeper) checkAndEnforceHardStop(symbol string) (Decision, bool) {
	var d Decision
	switch {
	case g.risk.MaxLossBreached():
		d = deny(MaxLossBreached, "max loss limit breached")
	case g.risk.DailyLossBreached():
		d = deny(DailyLossBreached, "daily loss limit breached")
	default:
		return Decision{}, false
	}
	logging.Critical(g.log).Str("symbol", symbol).Str("code", string(d.Code)).Msg(d.Reason)
	g.flags.DisableExecution(d.Reason)
	return d, true
}

func (g *Gatekeeper) report(symbol string, riskAmount float64, d Decision) {
	switch d.Code {
	case Approved:
		g.log.Info().Str("symbol", symbol).Float64("risk", riskAmount).Msg("trade approved")
	case LiveNotPermitted, ShadowNotEnabled:
		g.log.Info().Str("symbol", symbol).Str("code", string(d.Code)).Msg(d.Reason)
	case MaxLossBreached, DailyLossBreached:
		// already logged as critical
	default:
		g.log.Warn().Str("symbol", symbol).Str("code", string(d.Code)).Float64("risk", riskAmount).Msg(d.Reason)
	}
	if g.observe != nil {
		g.observe(symbol, d)
	}
}

// AuthorizePositionManagement gates changes to existing positions. Only a
// full disable blocks it; loss budgets do not.
func (g *Gatekeeper) AuthorizePositionManagement() bool {
	if !g.flags.AllowAnyExecution() {
		g.log.Warn().Msg("position management blocked: execution disabled")
		return false
	}
	return true
}

func (g *Gatekeeper) EmergencyKill(reason string) {
	logging.Critical(g.log).Str("reason", reason).Msg("emergency kill triggered")
	g.flags.DisableExecution(reason)
}

func (g *Gatekeeper) Snapshot() Snapshot {
	return Snapshot{Flags: g.flags.Snapshot(), Risk: g.risk.Snapshot()}
}
