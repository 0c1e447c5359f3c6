// Package orchestrator runs the trading loop: each tick it refreshes
// equity, checks the guards and then gives every symbol one pass through
// signal, sizing, authorization and routing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rustyeddy/propguard/broker"
	"github.com/rustyeddy/propguard/broker/sim"
	"github.com/rustyeddy/propguard/flags"
	"github.com/rustyeddy/propguard/gatekeeper"
	"github.com/rustyeddy/propguard/guard"
	"github.com/rustyeddy/propguard/id"
	"github.com/rustyeddy/propguard/journal"
	"github.com/rustyeddy/propguard/logging"
	"github.com/rustyeddy/propguard/market"
	"github.com/rustyeddy/propguard/metrics"
	"github.com/rustyeddy/propguard/risk"
	"github.com/rustyeddy/propguard/router"
	"github.com/rustyeddy/propguard/session"
	"github.com/rustyeddy/propguard/strategy"
)

const (
	DefaultInterval       = time.Minute
	DefaultPausedInterval = 5 * time.Minute
	DefaultTickTimeout    = 45 * time.Second
	DefaultCandles        = 200
	DefaultConcurrency    = 4
	DefaultStagger        = 250 * time.Millisecond

	// closedLookback keeps recently settled tickets deduped while the
	// closed-trade cursor moves forward.
	closedLookback = time.Hour
)

// Components are the collaborators every orchestrator needs.
type Components struct {
	Flags      *flags.Flags
	Risk       *risk.Manager
	Gatekeeper *gatekeeper.Gatekeeper
	Router     *router.Router
	Session    *session.Controller
	Source     strategy.Source
	History    market.History
	Equity     broker.EquitySource
	Positions  broker.PositionSource
}

func (c Components) validate() error {
	switch {
	case c.Flags == nil:
		return errors.New("orchestrator: flags required")
	case c.Risk == nil:
		return errors.New("orchestrator: risk manager required")
	case c.Gatekeeper == nil:
		return errors.New("orchestrator: gatekeeper required")
	case c.Router == nil:
		return errors.New("orchestrator: router required")
	case c.Session == nil:
		return errors.New("orchestrator: session controller required")
	case c.Source == nil:
		return errors.New("orchestrator: signal source required")
	case c.History == nil:
		return errors.New("orchestrator: history source required")
	case c.Equity == nil:
		return errors.New("orchestrator: equity source required")
	case c.Positions == nil:
		return errors.New("orchestrator: position source required")
	}
	return nil
}

type Orchestrator struct {
	Components

	symbols []string
	shadow  *sim.Engine
	kill    *guard.KillSwitch
	lock    *guard.ProfitLock
	pass    *session.PassDetector
	window  *session.Window
	journal journal.Journal
	metrics *metrics.Registry

	closedSrc   broker.ClosedTradeSource
	closedSince time.Time
	settled     map[string]time.Time

	interval       time.Duration
	pausedInterval time.Duration
	tickTimeout    time.Duration
	timeframe      time.Duration
	candles        int
	concurrency    int
	stagger        *rate.Limiter

	now func() time.Time
	log zerolog.Logger

	// touched only by the goroutine calling Tick
	paused      bool
	pauseReason string
}

type Option func(*Orchestrator)

// WithShadowEngine lets the loop mark shadow trades against each new bar
// and read shadow positions while in shadow mode.
func WithShadowEngine(e *sim.Engine) Option {
	return func(o *Orchestrator) { o.shadow = e }
}

// WithClosedTrades polls src each tick and settles every trade the venue
// closed since the orchestrator was built.
func WithClosedTrades(src broker.ClosedTradeSource) Option {
	return func(o *Orchestrator) { o.closedSrc = src }
}

func WithKillSwitch(k *guard.KillSwitch) Option {
	return func(o *Orchestrator) { o.kill = k }
}

func WithProfitLock(p *guard.ProfitLock) Option {
	return func(o *Orchestrator) { o.lock = p }
}

func WithPassDetector(p *session.PassDetector) Option {
	return func(o *Orchestrator) { o.pass = p }
}

// WithWindow restricts new trades to the window's hours.
func WithWindow(w session.Window) Option {
	return func(o *Orchestrator) { o.window = &w }
}

func WithJournal(j journal.Journal) Option {
	return func(o *Orchestrator) {
		if j != nil {
			o.journal = j
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithInterval sets the wait between ticks and the longer wait used while
// paused.
func WithInterval(every, paused time.Duration) Option {
	return func(o *Orchestrator) {
		if every > 0 {
			o.interval = every
		}
		if paused > 0 {
			o.pausedInterval = paused
		}
	}
}

func WithTickTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.tickTimeout = d
		}
	}
}

// WithCandles sets the history request: timeframe and bar count.
func WithCandles(timeframe time.Duration, count int) Option {
	return func(o *Orchestrator) {
		if timeframe > 0 {
			o.timeframe = timeframe
		}
		if count > 0 {
			o.candles = count
		}
	}
}

// WithConcurrency caps the symbol workers running at once and spaces
// their starts by stagger. A zero stagger starts them back to back.
func WithConcurrency(n int, stagger time.Duration) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
		if stagger <= 0 {
			o.stagger = rate.NewLimiter(rate.Inf, 1)
		} else {
			o.stagger = rate.NewLimiter(rate.Every(stagger), 1)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l.With().Str("component", "orchestrator").Logger() }
}

func New(c Components, symbols []string, opts ...Option) (*Orchestrator, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		Components:     c,
		journal:        journal.Nop{},
		interval:       DefaultInterval,
		pausedInterval: DefaultPausedInterval,
		tickTimeout:    DefaultTickTimeout,
		timeframe:      market.M5,
		candles:        DefaultCandles,
		concurrency:    DefaultConcurrency,
		stagger:        rate.NewLimiter(rate.Every(DefaultStagger), 1),
		now:            time.Now,
		log:            zerolog.Nop(),
	}
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		s = market.Normalize(s)
		if _, err := market.Lookup(s); err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		if !seen[s] {
			seen[s] = true
			o.symbols = append(o.symbols, s)
		}
	}
	if len(o.symbols) == 0 {
		return nil, errors.New("orchestrator: no symbols")
	}
	for _, opt := range opts {
		opt(o)
	}
	o.closedSince = o.now().UTC()
	o.settled = make(map[string]time.Time)
	return o, nil
}

func (o *Orchestrator) Symbols() []string {
	return append([]string(nil), o.symbols...)
}

// Report summarizes one tick.
type Report struct {
	Time        time.Time
	Equity      float64
	Paused      bool
	PauseReason string
	Trading     bool // false outside the trading window
	Closed      int
	Signals     int
	Approved    int
	Routed      int
	Rejected    int
}

type tally struct {
	closed, signals, approved, routed, rejected atomic.Int64
}

// Run ticks until ctx is cancelled. A tick in progress when ctx ends runs
// to completion under its own timeout.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info().
		Strs("symbols", o.symbols).
		Dur("interval", o.interval).
		Str("mode", o.Flags.Mode().String()).
		Str("phase", o.Flags.Phase().String()).
		Msg("orchestrator started")

	for {
		if err := ctx.Err(); err != nil {
			o.log.Info().Msg("orchestrator stopped")
			return nil
		}

		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.tickTimeout)
		rep := o.Tick(tctx)
		cancel()

		wait := o.interval
		if rep.Paused {
			wait = o.pausedInterval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			o.log.Info().Msg("orchestrator stopped")
			return nil
		case <-t.C:
		}
	}
}

// Tick runs one full pass. It is not safe to call Tick concurrently.
func (o *Orchestrator) Tick(ctx context.Context) Report {
	start := time.Now()
	now := o.now().UTC()
	rep := Report{Time: now}

	snap := o.Session.DailyMaintenance(ctx)
	if o.metrics != nil {
		o.metrics.ObserveSnapshot(snap)
	}

	rep.Equity = o.refreshEquity(ctx, now)
	settled := o.settleClosed(ctx)
	rep.PauseReason = o.checkGuards(rep.Equity)
	rep.Paused = rep.PauseReason != ""
	o.notePause(rep.PauseReason)

	rep.Trading = !rep.Paused && (o.window == nil || o.window.Allowed(now))
	if !rep.Paused && !rep.Trading {
		o.log.Debug().Time("now", now).Msg("outside trading window")
	}

	var t tally
	o.fanOut(ctx, now, rep.Trading, &t)

	// closes settled during the fan-out can breach a limit
	if reason := o.enforceHardStop(); reason != "" && !rep.Paused {
		rep.Paused = true
		rep.PauseReason = reason
		o.notePause(reason)
	}

	rep.Closed = settled + int(t.closed.Load())
	rep.Signals = int(t.signals.Load())
	rep.Approved = int(t.approved.Load())
	rep.Routed = int(t.routed.Load())
	rep.Rejected = int(t.rejected.Load())

	elapsed := time.Since(start)
	if o.metrics != nil {
		o.metrics.ObserveTick(elapsed)
	}
	o.log.Debug().
		Dur("elapsed", elapsed).
		Bool("paused", rep.Paused).
		Int("signals", rep.Signals).
		Int("routed", rep.Routed).
		Int("closed", rep.Closed).
		Msg("tick complete")
	return rep
}

// refreshEquity returns 0 when the source fails.
func (o *Orchestrator) refreshEquity(ctx context.Context, now time.Time) float64 {
	eq, err := o.Equity.Equity(ctx)
	if err != nil || eq <= 0 {
		o.log.Warn().Err(err).Float64("equity", eq).Msg("equity refresh failed")
		o.Risk.MarkEquityUnavailable()
		return 0
	}
	o.Risk.UpdateEquity(eq)

	st := o.Risk.Snapshot()
	err = o.journal.RecordEquity(ctx, journal.EquitySnapshot{
		Time:      now,
		Equity:    eq,
		DailyLoss: st.DailyLoss,
		TotalLoss: st.TotalLoss,
	})
	if err != nil {
		o.log.Error().Err(err).Msg("journal equity")
	}
	return eq
}

// checkGuards returns why new trades must pause, or "".
func (o *Orchestrator) checkGuards(equity float64) string {
	if o.kill != nil {
		o.kill.Check(equity)
		if o.kill.Locked() {
			reason := "kill switch: " + o.kill.Reason()
			if o.Flags.AllowAnyExecution() {
				o.Gatekeeper.EmergencyKill(reason)
			}
			return reason
		}
	}
	if o.pass != nil && equity > 0 {
		o.pass.Check(equity)
	}
	if o.lock != nil && !o.lock.Check(equity) {
		return "profit lock breached"
	}
	if reason := o.enforceHardStop(); reason != "" {
		return reason
	}
	if !o.Flags.AllowAnyExecution() {
		return "execution disabled: " + o.Flags.DisableReason()
	}
	return ""
}

// enforceHardStop disables execution on a breached loss limit and returns
// the breach, or "".
func (o *Orchestrator) enforceHardStop() string {
	if !o.Risk.HardStopTriggered() {
		return ""
	}
	reason := "loss limit breached"
	if o.Risk.MaxLossBreached() {
		reason = "max loss limit breached"
	} else if o.Risk.DailyLossBreached() {
		reason = "daily loss limit breached"
	}
	if o.Flags.AllowAnyExecution() {
		o.Gatekeeper.EmergencyKill(reason)
	}
	return reason
}

// settleClosed books each venue-closed trade once. The cursor trails the
// newest close by closedLookback so late reports are still seen.
func (o *Orchestrator) settleClosed(ctx context.Context) int {
	if o.closedSrc == nil {
		return 0
	}
	closed, err := o.closedSrc.ClosedTrades(ctx, o.closedSince)
	if err != nil {
		o.log.Warn().Err(err).Msg("closed trades unavailable")
		return 0
	}

	var n int
	newest := o.closedSince
	for _, ct := range closed {
		if ct.Closed.After(newest) {
			newest = ct.Closed
		}
		if _, done := o.settled[ct.Ticket]; done {
			continue
		}
		o.settled[ct.Ticket] = ct.Closed
		o.settle(ctx, ct, o.log, "trade closed")
		n++
	}

	if cursor := newest.Add(-closedLookback); cursor.After(o.closedSince) {
		o.closedSince = cursor
		for k, at := range o.settled {
			if at.Before(cursor) {
				delete(o.settled, k)
			}
		}
	}
	return n
}

func (o *Orchestrator) notePause(reason string) {
	switch {
	case reason != "" && !o.paused:
		logging.Critical(o.log).Str("reason", reason).Msg("trading paused")
	case reason == "" && o.paused:
		o.log.Info().Str("was", o.pauseReason).Msg("trading resumed")
	}
	o.paused = reason != ""
	o.pauseReason = reason
}

func (o *Orchestrator) fanOut(ctx context.Context, now time.Time, trade bool, t *tally) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, sym := range o.symbols {
		if err := o.stagger.Wait(gctx); err != nil {
			o.log.Warn().Err(err).Msg("tick cut short")
			break
		}
		g.Go(func() error {
			o.work(gctx, now, sym, trade, t)
			return nil
		})
	}
	_ = g.Wait()
}

// work is one symbol's pass. A panic is logged and confined to the symbol.
func (o *Orchestrator) work(ctx context.Context, now time.Time, symbol string, trade bool, t *tally) {
	log := o.log.With().Str("symbol", symbol).Logger()
	defer func() {
		if r := recover(); r != nil {
			logging.Critical(log).Interface("panic", r).Msg("symbol worker panicked")
		}
	}()

	candles, err := o.History.History(ctx, symbol, o.timeframe, o.candles)
	if err != nil {
		log.Warn().Err(err).Msg("history unavailable")
		return
	}
	if len(candles) == 0 {
		return
	}
	t.closed.Add(int64(o.markShadow(ctx, symbol, candles, log)))
	if o.window != nil && o.window.MustFlat(now) {
		t.closed.Add(int64(o.flattenShadow(ctx, now, symbol, candles[len(candles)-1], log)))
	}

	if !trade {
		return
	}
	sig, ok := o.Source.Signal(symbol, candles)
	if !ok {
		return
	}
	t.signals.Add(1)
	o.execute(ctx, sig, t, log)
}

// markShadow closes shadow trades hit by any of bars and settles their P/L.
func (o *Orchestrator) markShadow(ctx context.Context, symbol string, bars []market.Candle, log zerolog.Logger) int {
	if o.shadow == nil {
		return 0
	}
	closed, err := o.shadow.Mark(ctx, symbol, bars...)
	if err != nil {
		log.Warn().Err(err).Msg("mark shadow trades")
		return 0
	}
	for _, ct := range closed {
		o.settle(ctx, ct, log, "shadow trade closed")
	}
	return len(closed)
}

// flattenShadow closes the symbol's shadow trades at the last price ahead
// of the weekend.
func (o *Orchestrator) flattenShadow(ctx context.Context, now time.Time, symbol string, last market.Candle, log zerolog.Logger) int {
	if o.shadow == nil {
		return 0
	}
	open, err := o.shadow.OpenPositions(ctx)
	if err != nil || !holds(open, symbol) {
		return 0
	}
	if !o.Gatekeeper.AuthorizePositionManagement() {
		return 0
	}
	closed, err := o.shadow.Flatten(ctx, symbol, last.Close, now, "WeekendFlat")
	if err != nil {
		log.Warn().Err(err).Msg("flatten shadow trades")
		return 0
	}
	for _, ct := range closed {
		o.settle(ctx, ct, log, "shadow trade flattened")
	}
	return len(closed)
}

func holds(open []broker.Position, symbol string) bool {
	for _, p := range open {
		if p.Symbol == symbol {
			return true
		}
	}
	return false
}

// settle feeds a realized result into the loss counters and the journal.
func (o *Orchestrator) settle(ctx context.Context, ct broker.ClosedTrade, log zerolog.Logger, msg string) {
	o.Risk.Settle(ct.RealizedPL)
	log.Info().
		Str("ticket", ct.Ticket).
		Str("symbol", ct.Symbol).
		Float64("pl", risk.RoundMoney(ct.RealizedPL)).
		Str("reason", ct.Reason).
		Msg(msg)
	err := o.journal.RecordTrade(ctx, journal.TradeRecord{
		Ticket:     ct.Ticket,
		Symbol:     ct.Symbol,
		CloseTime:  ct.Closed,
		RealizedPL: ct.RealizedPL,
		Reason:     ct.Reason,
	})
	if err != nil {
		log.Error().Err(err).Msg("journal trade")
	}
}

func (o *Orchestrator) execute(ctx context.Context, sig strategy.Signal, t *tally, log zerolog.Logger) {
	inst, err := market.Lookup(sig.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("signal for unknown symbol")
		return
	}
	pipValue := inst.PipValue(sig.Price)
	volume := o.Risk.PositionSize(sig.Symbol, sig.StopPips, pipValue)
	if volume <= 0 {
		log.Info().Float64("stop_pips", sig.StopPips).Msg("signal skipped, zero size")
		return
	}
	amount := risk.RiskAmount(sig.StopPips, pipValue, volume)

	open, err := o.openPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("open positions unavailable, skipping signal")
		return
	}
	if d := o.Gatekeeper.CheckExposure(sig.Symbol, amount, open); !d.Allowed {
		o.recordDecision(ctx, sig.Symbol, amount, d)
		return
	}

	var d gatekeeper.Decision
	if o.Flags.AllowShadowTrading() {
		d = o.Gatekeeper.AuthorizeShadowTrade(sig.Symbol, amount)
	} else {
		d = o.Gatekeeper.AuthorizeTrade(sig.Symbol, amount, true)
	}
	o.recordDecision(ctx, sig.Symbol, amount, d)
	if !d.Allowed {
		return
	}
	t.approved.Add(1)

	hold, err := o.Risk.Reserve(amount)
	if err != nil {
		log.Warn().Err(err).Msg("risk reservation refused")
		return
	}
	defer hold.Release()

	in := sig.Instruction()
	in.Volume = volume
	res := o.Router.Route(ctx, in)
	if res.Accepted() {
		t.routed.Add(1)
		return
	}
	t.rejected.Add(1)
}

func (o *Orchestrator) openPositions(ctx context.Context) ([]broker.Position, error) {
	if o.shadow != nil && o.Flags.Mode() == flags.Shadow {
		return o.shadow.OpenPositions(ctx)
	}
	return o.Positions.OpenPositions(ctx)
}

func (o *Orchestrator) recordDecision(ctx context.Context, symbol string, amount float64, d gatekeeper.Decision) {
	err := o.journal.RecordDecision(ctx, journal.DecisionRecord{
		ID:      id.New(),
		Time:    o.now().UTC(),
		Symbol:  symbol,
		Risk:    amount,
		Allowed: d.Allowed,
		Code:    string(d.Code),
		Reason:  d.Reason,
	})
	if err != nil {
		o.log.Error().Err(err).Str("symbol", symbol).Msg("journal decision")
	}
}
