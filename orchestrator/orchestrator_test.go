package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/propguard/broker"
	"github.com/rustyeddy/propguard/broker/sim"
	"github.com/rustyeddy/propguard/flags"
	"github.com/rustyeddy/propguard/gatekeeper"
	"github.com/rustyeddy/propguard/guard"
	"github.com/rustyeddy/propguard/journal"
	"github.com/rustyeddy/propguard/market"
	"github.com/rustyeddy/propguard/risk"
	"github.com/rustyeddy/propguard/router"
	"github.com/rustyeddy/propguard/session"
	"github.com/rustyeddy/propguard/strategy"
)

// Wednesday, inside the London session.
var wednesday = time.Date(2025, 3, 5, 10, 0, 0, 0, time.UTC)

type stubSource struct {
	calls atomic.Int64
	fn    func(symbol string) (strategy.Signal, bool)
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Signal(symbol string, candles []market.Candle) (strategy.Signal, bool) {
	s.calls.Add(1)
	return s.fn(symbol)
}

func buyEURUSD(symbol string) (strategy.Signal, bool) {
	if symbol != "EURUSD" {
		return strategy.Signal{}, false
	}
	return strategy.Signal{
		Symbol: "EURUSD", Side: broker.Buy, Price: 1.1000,
		StopPips: 20, TakeProfitPips: 40, Reason: "BullCross",
	}, true
}

type recordingJournal struct {
	journal.Nop
	mu        sync.Mutex
	decisions []journal.DecisionRecord
	trades    []journal.TradeRecord
	equity    []journal.EquitySnapshot
}

func (r *recordingJournal) RecordDecision(_ context.Context, d journal.DecisionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	return nil
}

func (r *recordingJournal) RecordTrade(_ context.Context, t journal.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
	return nil
}

func (r *recordingJournal) RecordEquity(_ context.Context, e journal.EquitySnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.equity = append(r.equity, e)
	return nil
}

type fixedCorrelator float64

func (fixedCorrelator) Ready() bool                       { return true }
func (c fixedCorrelator) Correlation(_, _ string) float64 { return float64(c) }

type harness struct {
	o       *Orchestrator
	flags   *flags.Flags
	risk    *risk.Manager
	engine  *sim.Engine
	source  *stubSource
	journal *recordingJournal

	equity float64
	eqErr  error
	bar    market.Candle
}

type setup struct {
	now     time.Time
	symbols []string
	signal  func(string) (strategy.Signal, bool)
	riskOpt []risk.Option
	opts    []Option
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	if s.now.IsZero() {
		s.now = wednesday
	}
	if s.symbols == nil {
		s.symbols = []string{"EURUSD", "GBPUSD"}
	}
	if s.signal == nil {
		s.signal = buyEURUSD
	}
	clock := func() time.Time { return s.now }

	h := &harness{
		equity:  5_000,
		source:  &stubSource{fn: s.signal},
		journal: &recordingJournal{},
		bar: market.Candle{
			Time: s.now, Open: 1.1000, High: 1.1005, Low: 1.0995, Close: 1.1000,
		},
	}
	h.flags = flags.New(flags.Challenge, flags.Shadow, flags.MLFrozen, flags.WithClock(clock))
	h.risk = risk.NewManager(risk.Limits{
		AccountBalance:       5_000,
		DailyLossLimit:       200,
		MaxLossLimit:         400,
		MaxRiskPerTrade:      50,
		CorrelationThreshold: 0.85,
	}, append([]risk.Option{risk.WithClock(clock)}, s.riskOpt...)...)
	h.engine = sim.NewEngine(5_000)
	h.engine.SetClock(clock)

	c := Components{
		Flags:      h.flags,
		Risk:       h.risk,
		Gatekeeper: gatekeeper.New(h.flags, h.risk),
		Router:     router.New(h.flags, h.engine, s.symbols, router.WithClock(clock)),
		Session:    session.NewController(h.flags, h.risk, false, session.WithClock(clock)),
		Source:     h.source,
		History: market.HistoryFunc(func(_ context.Context, _ string, _ time.Duration, _ int) ([]market.Candle, error) {
			return []market.Candle{h.bar}, nil
		}),
		Equity: broker.EquityFunc(func(context.Context) (float64, error) {
			return h.equity, h.eqErr
		}),
		Positions: h.engine,
	}
	opts := append([]Option{
		WithShadowEngine(h.engine),
		WithJournal(h.journal),
		WithWindow(session.DefaultWindow()),
		WithConcurrency(2, 0),
		WithClock(clock),
	}, s.opts...)

	o, err := New(c, s.symbols, opts...)
	require.NoError(t, err)
	h.o = o
	return h
}

func TestTickRoutesShadowTrade(t *testing.T) {
	h := newHarness(t, setup{})

	rep := h.o.Tick(context.Background())
	assert.False(t, rep.Paused)
	assert.True(t, rep.Trading)
	assert.Equal(t, 5_000.0, rep.Equity)
	assert.Equal(t, 1, rep.Signals)
	assert.Equal(t, 1, rep.Approved)
	assert.Equal(t, 1, rep.Routed)
	assert.Equal(t, int64(2), h.source.calls.Load())

	open, err := h.engine.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "EURUSD", open[0].Symbol)
	// 50 USD budget over a 20 pip stop at 10 USD/pip.
	assert.InDelta(t, 0.25, open[0].Volume, 1e-9)

	require.Len(t, h.journal.decisions, 1)
	assert.True(t, h.journal.decisions[0].Allowed)
	assert.Equal(t, string(gatekeeper.Approved), h.journal.decisions[0].Code)
	assert.InDelta(t, 50.0, h.journal.decisions[0].Risk, 1e-9)
	require.Len(t, h.journal.equity, 1)

	assert.Zero(t, h.risk.Snapshot().Reserved, "reservation released after routing")
}

func TestTickSettlesShadowStop(t *testing.T) {
	h := newHarness(t, setup{})
	h.o.Tick(context.Background())

	// Stop sits at 1.0980.
	h.bar = market.Candle{Time: wednesday, Open: 1.0990, High: 1.1005, Low: 1.0975, Close: 1.0985}
	rep := h.o.Tick(context.Background())

	assert.Equal(t, 1, rep.Closed)
	assert.InDelta(t, 50.0, h.risk.Snapshot().DailyLoss, 1e-9)
	require.Len(t, h.journal.trades, 1)
	assert.Equal(t, "StopLoss", h.journal.trades[0].Reason)
	assert.InDelta(t, -50.0, h.journal.trades[0].RealizedPL, 1e-9)
}

func TestTickPausesOnHardStop(t *testing.T) {
	h := newHarness(t, setup{})
	h.risk.RegisterLoss(200)

	rep := h.o.Tick(context.Background())
	assert.True(t, rep.Paused)
	assert.Equal(t, "daily loss limit breached", rep.PauseReason)
	assert.False(t, rep.Trading)
	assert.Zero(t, rep.Signals)
	assert.Zero(t, h.source.calls.Load())
	assert.Equal(t, flags.Disabled, h.flags.Mode())

	// Stays paused on the following tick.
	rep = h.o.Tick(context.Background())
	assert.True(t, rep.Paused)
}

// liveVenue fills every order and reports the closes the test books.
type liveVenue struct {
	mu     sync.Mutex
	seq    int
	open   []broker.Position
	closed []broker.ClosedTrade
}

func (v *liveVenue) Execute(_ context.Context, in broker.Instruction) (broker.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	ticket := fmt.Sprintf("L%d", v.seq)
	v.open = append(v.open, broker.Position{Ticket: ticket, Symbol: in.Symbol, Side: in.Side, Volume: in.Volume})
	return broker.Result{Status: broker.Filled, TicketID: ticket, Execution: "live", Instruction: in}, nil
}

func (v *liveVenue) OpenPositions(context.Context) ([]broker.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]broker.Position(nil), v.open...), nil
}

// ClosedTrades returns the whole history every time; the caller dedupes.
func (v *liveVenue) ClosedTrades(_ context.Context, since time.Time) ([]broker.ClosedTrade, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []broker.ClosedTrade
	for _, ct := range v.closed {
		if !ct.Closed.Before(since) {
			out = append(out, ct)
		}
	}
	return out, nil
}

func (v *liveVenue) stopOut(at time.Time, pl float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	v.closed = append(v.closed, broker.ClosedTrade{
		Ticket: fmt.Sprintf("C%d", v.seq), Symbol: "EURUSD", RealizedPL: pl, Closed: at, Reason: "StopLoss",
	})
	if len(v.open) > 0 {
		v.open = v.open[1:]
	}
}

func TestTickSettlesVenueClosedTrades(t *testing.T) {
	venue := &liveVenue{}
	h := newHarness(t, setup{symbols: []string{"EURUSD"}, opts: []Option{WithClosedTrades(venue)}})
	h.flags.SwitchToFunded()
	clock := func() time.Time { return wednesday }
	h.o.Router = router.New(h.flags, h.engine, []string{"EURUSD"}, router.WithClock(clock), router.WithLive(venue))
	h.o.Positions = venue

	var reps []Report
	for i := 0; i < 5; i++ {
		if i > 0 {
			venue.stopOut(wednesday, -50)
		}
		reps = append(reps, h.o.Tick(context.Background()))
	}

	assert.Equal(t, 1, reps[0].Routed)
	assert.False(t, reps[3].Paused)
	assert.InDelta(t, 200.0, h.risk.Snapshot().DailyLoss, 1e-9)
	assert.True(t, reps[4].Paused, "fourth stop-out reaches the daily limit")
	assert.Equal(t, "daily loss limit breached", reps[4].PauseReason)
	assert.Equal(t, flags.Disabled, h.flags.Mode())
	assert.Zero(t, reps[4].Routed)

	// each close is booked once although every poll returns all of them
	assert.Len(t, h.journal.trades, 4)
	assert.Equal(t, 1, reps[4].Closed)
}

func TestTickPausesWhenFanOutBreaches(t *testing.T) {
	h := newHarness(t, setup{})
	h.risk.RegisterLoss(150)

	rep := h.o.Tick(context.Background())
	require.Equal(t, 1, rep.Routed)
	require.False(t, rep.Paused)

	// the open trade stops out during the next pass
	h.bar = market.Candle{Time: wednesday, Open: 1.0990, High: 1.1005, Low: 1.0975, Close: 1.0985}
	rep = h.o.Tick(context.Background())
	assert.Equal(t, 1, rep.Closed)
	assert.True(t, rep.Paused)
	assert.Equal(t, "daily loss limit breached", rep.PauseReason)
	assert.Equal(t, flags.Disabled, h.flags.Mode())
	assert.Zero(t, rep.Routed)
}

func TestTickFlattensShadowForWeekend(t *testing.T) {
	friday := time.Date(2025, 3, 7, 21, 0, 0, 0, time.UTC)
	h := newHarness(t, setup{now: friday})
	_, err := h.engine.Execute(context.Background(), broker.Instruction{
		Symbol: "EURUSD", Side: broker.Buy, Volume: 0.25,
		StopLossDistance: 20, TakeProfitDistance: 40, EntryPrice: 1.1000,
	})
	require.NoError(t, err)
	h.bar = market.Candle{Time: friday, Open: 1.0995, High: 1.0995, Low: 1.0985, Close: 1.0990}

	rep := h.o.Tick(context.Background())
	assert.False(t, rep.Trading)
	assert.Equal(t, 1, rep.Closed)
	assert.Zero(t, h.source.calls.Load())
	require.Len(t, h.journal.trades, 1)
	assert.Equal(t, "WeekendFlat", h.journal.trades[0].Reason)
	assert.InDelta(t, -25.0, h.journal.trades[0].RealizedPL, 1e-6)
	assert.InDelta(t, 25.0, h.risk.Snapshot().DailyLoss, 1e-6)

	open, err := h.engine.OpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestWeekendFlattenNeedsExecution(t *testing.T) {
	saturday := time.Date(2025, 3, 8, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, setup{now: saturday})
	_, err := h.engine.Execute(context.Background(), broker.Instruction{
		Symbol: "EURUSD", Side: broker.Buy, Volume: 0.25, StopLossDistance: 20, EntryPrice: 1.1000,
	})
	require.NoError(t, err)
	h.flags.DisableExecution("operator")

	rep := h.o.Tick(context.Background())
	assert.Zero(t, rep.Closed)
	open, err := h.engine.OpenPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestTickPausesOnKillSwitch(t *testing.T) {
	clock := func() time.Time { return wednesday }
	ks := guard.NewKillSwitch(5_000, 0.02, 0.04, guard.WithKillSwitchClock(clock))
	h := newHarness(t, setup{opts: []Option{WithKillSwitch(ks)}})
	h.equity = 4_700

	rep := h.o.Tick(context.Background())
	assert.True(t, rep.Paused)
	assert.Contains(t, rep.PauseReason, "kill switch")
	assert.True(t, ks.Locked())
	assert.Equal(t, flags.Disabled, h.flags.Mode())
	assert.Zero(t, h.source.calls.Load())
}

func TestTickPausesOnProfitLock(t *testing.T) {
	pl := guard.NewProfitLock(5_000, 0.02, 0.5, zerolog.Nop())
	h := newHarness(t, setup{opts: []Option{WithProfitLock(pl)}})

	h.equity = 5_200 // activates, floor 5100
	rep := h.o.Tick(context.Background())
	assert.False(t, rep.Paused)

	h.equity = 5_050
	rep = h.o.Tick(context.Background())
	assert.True(t, rep.Paused)
	assert.Equal(t, "profit lock breached", rep.PauseReason)
	// The profit lock pauses entries without disabling execution.
	assert.Equal(t, flags.Shadow, h.flags.Mode())
}

func TestTickMarksChallengePassed(t *testing.T) {
	h := newHarness(t, setup{})
	pass := session.NewPassDetector(5_000, 500, nil, h.risk, zerolog.Nop())
	h.o.pass = pass

	h.equity = 5_600
	h.o.Tick(context.Background())
	assert.True(t, h.risk.ChallengePassed())
}

func TestTickEquityUnavailable(t *testing.T) {
	h := newHarness(t, setup{})
	h.eqErr = broker.ErrEquityUnavailable

	rep := h.o.Tick(context.Background())
	assert.Zero(t, rep.Equity)
	assert.False(t, h.risk.EquityAvailable())
	assert.Equal(t, 1, rep.Signals)
	assert.Zero(t, rep.Routed, "sizing is zero without equity")
	assert.Empty(t, h.journal.equity)
}

func TestTickOutsideWindow(t *testing.T) {
	saturday := time.Date(2025, 3, 8, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, setup{now: saturday})

	rep := h.o.Tick(context.Background())
	assert.False(t, rep.Paused)
	assert.False(t, rep.Trading)
	assert.Zero(t, h.source.calls.Load())
}

func TestTickCorrelationBlocks(t *testing.T) {
	both := func(symbol string) (strategy.Signal, bool) {
		return strategy.Signal{Symbol: symbol, Side: broker.Buy, Price: 1.2, StopPips: 20, TakeProfitPips: 40}, true
	}
	h := newHarness(t, setup{
		signal:  both,
		riskOpt: []risk.Option{risk.WithCorrelator(fixedCorrelator(0.95))},
		opts:    []Option{WithConcurrency(1, 0)},
	})

	rep := h.o.Tick(context.Background())
	assert.Equal(t, 2, rep.Signals)
	assert.Equal(t, 1, rep.Routed, "second symbol is blocked by the first")

	var blocked int
	for _, d := range h.journal.decisions {
		if !d.Allowed {
			blocked++
			assert.Equal(t, string(gatekeeper.Correlated), d.Code)
			assert.Contains(t, d.Reason, "correlation")
		}
	}
	assert.Equal(t, 1, blocked)
}

func TestWorkerPanicIsContained(t *testing.T) {
	h := newHarness(t, setup{signal: func(symbol string) (strategy.Signal, bool) {
		if symbol == "GBPUSD" {
			panic("boom")
		}
		return buyEURUSD(symbol)
	}})

	var rep Report
	assert.NotPanics(t, func() { rep = h.o.Tick(context.Background()) })
	assert.Equal(t, 1, rep.Routed)
}

func TestLiveModeWithoutExecutorRejects(t *testing.T) {
	h := newHarness(t, setup{})
	require.NoError(t, h.flags.Rearm(flags.Live))

	rep := h.o.Tick(context.Background())
	assert.Equal(t, 1, rep.Approved)
	assert.Equal(t, 1, rep.Rejected)
	assert.Zero(t, rep.Routed)
}

func TestNewValidates(t *testing.T) {
	h := newHarness(t, setup{})

	_, err := New(Components{}, []string{"EURUSD"})
	assert.Error(t, err)

	_, err = New(h.o.Components, []string{"DOGEUSD"})
	assert.ErrorIs(t, err, market.ErrUnknownSymbol)

	_, err = New(h.o.Components, nil)
	assert.Error(t, err)

	o, err := New(h.o.Components, []string{"eur_usd", "EURUSD", "GBPUSD"})
	require.NoError(t, err)
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, o.Symbols())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, setup{opts: []Option{WithInterval(5*time.Millisecond, 5*time.Millisecond)}})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, h.source.calls.Load(), int64(2))
}

func TestHistoryErrorSkipsSymbol(t *testing.T) {
	h := newHarness(t, setup{})
	h.o.History = market.HistoryFunc(func(context.Context, string, time.Duration, int) ([]market.Candle, error) {
		return nil, errors.New("feed down")
	})

	rep := h.o.Tick(context.Background())
	assert.Zero(t, rep.Signals)
	assert.Zero(t, h.source.calls.Load())
}
