// Package risk owns the loss budget: it sizes positions, gates new trades
// against the daily/total/per-trade ceilings and correlation with what is
// already open, and records realized losses.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/propguard/broker"
	"github.com/rustyeddy/propguard/logging"
	"github.com/rustyeddy/propguard/market"
)

// Limits are the per-phase ceilings, in account currency.
type Limits struct {
	AccountBalance       float64
	DailyLossLimit       float64
	MaxLossLimit         float64
	MaxRiskPerTrade      float64
	CorrelationThreshold float64
}

func (l Limits) Validate() error {
	switch {
	case l.AccountBalance <= 0:
		return fmt.Errorf("account balance must be positive")
	case l.DailyLossLimit <= 0:
		return fmt.Errorf("daily loss limit must be positive")
	case l.MaxLossLimit <= 0:
		return fmt.Errorf("max loss limit must be positive")
	case l.MaxRiskPerTrade <= 0:
		return fmt.Errorf("max risk per trade must be positive")
	case l.CorrelationThreshold < 0 || l.CorrelationThreshold > 1:
		return fmt.Errorf("correlation threshold must be in [0,1]")
	}
	return nil
}

// Correlator is the read side of the correlation matrix.
type Correlator interface {
	Ready() bool
	Correlation(a, b string) float64
}

// State is a copy of the counters for snapshots.
type State struct {
	StartBalance    float64     `json:"start_balance"`
	Equity          float64     `json:"equity"`
	EquityAvailable bool        `json:"equity_available"`
	DailyLoss       float64     `json:"daily_loss"`
	TotalLoss       float64     `json:"total_loss"`
	DailyProfit     float64     `json:"daily_profit"`
	Reserved        float64     `json:"reserved"`
	LastReset       string      `json:"last_reset"`
	HardStop        bool        `json:"hard_stop"`
	ChallengePassed bool        `json:"challenge_passed"`
	Scaler          ScalerState `json:"scaler"`
}

// Manager is safe for concurrent use; each public call is atomic with
// respect to the counters.
type Manager struct {
	limits Limits
	scaler *Scaler
	corr   Correlator
	now    func() time.Time
	log    zerolog.Logger
	onStop func(reason string)

	mu              sync.Mutex
	equity          float64
	equityOK        bool
	dailyLoss       float64
	totalLoss       float64
	dailyProfit     float64
	reserved        float64
	lastReset       string
	challengePassed bool
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l.With().Str("component", "risk").Logger() }
}

func WithCorrelator(c Correlator) Option {
	return func(m *Manager) { m.corr = c }
}

func WithScaler(s *Scaler) Option {
	return func(m *Manager) { m.scaler = s }
}

// OnHardStop is called once per breach, outside the lock, when a
// registered loss crosses the daily or total ceiling.
func OnHardStop(fn func(reason string)) Option {
	return func(m *Manager) { m.onStop = fn }
}

func NewManager(limits Limits, opts ...Option) *Manager {
	m := &Manager{
		limits:   limits,
		now:      time.Now,
		log:      zerolog.Nop(),
		equity:   limits.AccountBalance,
		equityOK: true,
	}
	for _, o := range opts {
		o(m)
	}
	if m.scaler == nil {
		m.scaler = NewScaler(limits.AccountBalance, nil, DefaultDrawdownFreeze)
	}
	m.lastReset = dayKey(m.now())
	return m
}

func (m *Manager) Limits() Limits { return m.limits }

func (m *Manager) Scaler() *Scaler { return m.scaler }

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RolloverIfNewDay zeroes the daily counters once per UTC day. It reports
// whether a reset happened.
func (m *Manager) RolloverIfNewDay() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rolloverLocked()
}

func (m *Manager) rolloverLocked() bool {
	today := dayKey(m.now())
	if today == m.lastReset {
		return false
	}
	m.log.Info().
		Str("previous_day", m.lastReset).
		Str("day", today).
		Float64("daily_loss", m.dailyLoss).
		Msg("daily risk reset")
	m.dailyLoss = 0
	m.dailyProfit = 0
	m.lastReset = today
	return true
}

// remainingLocked counts realized losses and in-flight reservations.
func (m *Manager) remainingLocked() (daily, total float64) {
	daily = math.Max(0, m.limits.DailyLossLimit-m.dailyLoss-m.reserved)
	total = math.Max(0, m.limits.MaxLossLimit-m.totalLoss-m.reserved)
	return daily, total
}

// PositionSize returns lots for a trade whose stop is stopLossDistance pips
// away, or 0 when the budget is gone, the stop is invalid or equity is
// unknown. pipValue <= 0 falls back to market.DefaultPipValue.
func (m *Manager) PositionSize(symbol string, stopLossDistance, pipValue float64) float64 {
	if stopLossDistance <= 0 || math.IsNaN(stopLossDistance) {
		m.log.Debug().Str("symbol", symbol).Float64("stop", stopLossDistance).Msg("invalid stop distance")
		return 0
	}
	if pipValue <= 0 {
		pipValue = market.DefaultPipValue
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverLocked()
	if !m.equityOK {
		m.log.Warn().Str("symbol", symbol).Msg("equity unavailable, sizing to zero")
		return 0
	}

	remDaily, remTotal := m.remainingLocked()
	base := math.Min(m.limits.MaxRiskPerTrade, math.Min(remDaily, remTotal))
	if base <= 0 {
		m.log.Warn().
			Str("symbol", symbol).
			Float64("daily_loss", m.dailyLoss).
			Float64("total_loss", m.totalLoss).
			Msg("risk budget exhausted")
		return 0
	}

	mult := m.scaler.Multiplier()
	scaled := base * mult
	scaled = math.Min(scaled, math.Min(m.limits.MaxRiskPerTrade, math.Min(remDaily, remTotal)))

	volume := RoundVolume(scaled / (stopLossDistance * pipValue))
	m.log.Debug().
		Str("symbol", symbol).
		Float64("base_risk", base).
		Float64("multiplier", mult).
		Float64("scaled_risk", scaled).
		Float64("stop_pips", stopLossDistance).
		Float64("pip_value", pipValue).
		Float64("volume", volume).
		Msg("position sized")
	return volume
}

// ValidateTradeRisk checks riskAmount against the three ceilings and
// returns a reason when it does not fit.
func (m *Manager) ValidateTradeRisk(riskAmount float64) (bool, string) {
	if riskAmount <= 0 || math.IsNaN(riskAmount) {
		return false, fmt.Sprintf("invalid risk amount %.2f", riskAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	return m.validateLocked(riskAmount)
}

func (m *Manager) validateLocked(riskAmount float64) (bool, string) {
	if riskAmount > m.limits.MaxRiskPerTrade {
		return false, fmt.Sprintf("risk %.2f exceeds per-trade limit %.2f", riskAmount, m.limits.MaxRiskPerTrade)
	}
	if m.dailyLoss+m.reserved+riskAmount > m.limits.DailyLossLimit {
		return false, fmt.Sprintf("risk %.2f would exceed daily loss limit %.2f (loss %.2f, reserved %.2f)",
			riskAmount, m.limits.DailyLossLimit, m.dailyLoss, m.reserved)
	}
	if m.totalLoss+m.reserved+riskAmount > m.limits.MaxLossLimit {
		return false, fmt.Sprintf("risk %.2f would exceed max loss limit %.2f (loss %.2f, reserved %.2f)",
			riskAmount, m.limits.MaxLossLimit, m.totalLoss, m.reserved)
	}
	return true, ""
}

// CanOpenTrade is ValidateTradeRisk plus the correlation gate against
// open positions. An unready matrix does not block.
func (m *Manager) CanOpenTrade(riskAmount float64, symbol string, open []broker.Position) bool {
	ok, _ := m.CheckOpenTrade(riskAmount, symbol, open)
	return ok
}

// CheckOpenTrade is CanOpenTrade with the reason.
func (m *Manager) CheckOpenTrade(riskAmount float64, symbol string, open []broker.Position) (bool, string) {
	if riskAmount <= 0 || math.IsNaN(riskAmount) {
		return false, fmt.Sprintf("invalid risk amount %.2f", riskAmount)
	}

	m.mu.Lock()
	m.rolloverLocked()
	ok, reason := m.validateLocked(riskAmount)
	m.mu.Unlock()
	if !ok {
		m.log.Warn().Str("symbol", symbol).Float64("risk", riskAmount).Str("reason", reason).Msg("trade over budget")
		return false, reason
	}

	if why, blocked := m.CorrelationBlock(symbol, open); blocked {
		return false, why
	}
	return true, ""
}

// CorrelationBlock reports whether an open position is too correlated
// with symbol. An unready correlator never blocks.
func (m *Manager) CorrelationBlock(symbol string, open []broker.Position) (string, bool) {
	if len(open) == 0 || m.corr == nil {
		return "", false
	}
	if !m.corr.Ready() {
		m.log.Warn().Str("symbol", symbol).Int("open_positions", len(open)).
			Msg("correlation matrix not ready, allowing trade")
		return "", false
	}
	for _, p := range open {
		c := m.corr.Correlation(symbol, p.Symbol)
		if math.Abs(c) > m.limits.CorrelationThreshold {
			reason := fmt.Sprintf("%s correlation with open %s is %.2f (threshold %.2f)",
				symbol, p.Symbol, c, m.limits.CorrelationThreshold)
			m.log.Warn().Str("symbol", symbol).Str("open_symbol", p.Symbol).
				Float64("correlation", c).Msg("correlated exposure blocked")
			return reason, true
		}
	}
	return "", false
}

// RegisterLoss adds a realized loss to both counters. Non-positive amounts
// are ignored.
func (m *Manager) RegisterLoss(amount float64) {
	if amount <= 0 || math.IsNaN(amount) {
		return
	}
	m.mu.Lock()
	m.rolloverLocked()
	was := m.hardStopLocked()
	m.dailyLoss += amount
	m.totalLoss += amount
	daily, total := m.dailyLoss, m.totalLoss
	hard := m.hardStopLocked()
	reason := "daily loss limit breached"
	if total >= m.limits.MaxLossLimit {
		reason = "max loss limit breached"
	}
	m.mu.Unlock()

	ev := m.log.Info()
	if hard {
		ev = logging.Critical(m.log)
	}
	ev.Float64("amount", amount).Float64("daily_loss", daily).Float64("total_loss", total).
		Bool("hard_stop", hard).Msg("loss registered")

	if hard && !was && m.onStop != nil {
		m.onStop(reason)
	}
}

// RegisterProfit records a realized gain. Profits never reduce the loss
// counters: prop-firm drawdown is measured on gross losses.
func (m *Manager) RegisterProfit(amount float64) {
	if amount <= 0 || math.IsNaN(amount) {
		return
	}
	m.mu.Lock()
	m.rolloverLocked()
	m.dailyProfit += amount
	m.mu.Unlock()
	m.log.Info().Float64("amount", amount).Msg("profit registered")
}

// Settle feeds a closed trade's realized P/L into the counters.
func (m *Manager) Settle(pl float64) {
	if pl < 0 {
		m.RegisterLoss(-pl)
		return
	}
	m.RegisterProfit(pl)
}

func (m *Manager) hardStopLocked() bool {
	return m.dailyLoss >= m.limits.DailyLossLimit || m.totalLoss >= m.limits.MaxLossLimit
}

func (m *Manager) HardStopTriggered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hardStopLocked()
}

func (m *Manager) MaxLossBreached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLoss >= m.limits.MaxLossLimit
}

func (m *Manager) DailyLossBreached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyLoss >= m.limits.DailyLossLimit
}

// UpdateEquity records a fresh equity reading and feeds the scaler.
func (m *Manager) UpdateEquity(equity float64) {
	if equity <= 0 || math.IsNaN(equity) || math.IsInf(equity, 0) {
		m.MarkEquityUnavailable()
		return
	}
	m.mu.Lock()
	m.equity = equity
	m.equityOK = true
	m.mu.Unlock()
	m.scaler.UpdateEquity(equity)
}

// MarkEquityUnavailable makes PositionSize return 0 until the next good
// UpdateEquity.
func (m *Manager) MarkEquityUnavailable() {
	m.mu.Lock()
	was := m.equityOK
	m.equityOK = false
	m.mu.Unlock()
	if was {
		m.log.Warn().Msg("equity unavailable, new trade sizing closed")
	}
}

func (m *Manager) EquityAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equityOK
}

func (m *Manager) MarkChallengePassed() {
	m.mu.Lock()
	already := m.challengePassed
	m.challengePassed = true
	m.mu.Unlock()
	if !already {
		m.log.Info().Msg("challenge passed")
	}
}

func (m *Manager) ChallengePassed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.challengePassed
}

func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		StartBalance:    m.limits.AccountBalance,
		Equity:          m.equity,
		EquityAvailable: m.equityOK,
		DailyLoss:       m.dailyLoss,
		TotalLoss:       m.totalLoss,
		DailyProfit:     m.dailyProfit,
		Reserved:        m.reserved,
		LastReset:       m.lastReset,
		HardStop:        m.hardStopLocked(),
		ChallengePassed: m.challengePassed,
		Scaler:          m.scaler.State(),
	}
}
