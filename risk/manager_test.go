package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/propguard/broker"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeCorr struct {
	ready bool
	m     map[[2]string]float64
}

func (f *fakeCorr) Ready() bool { return f.ready }

func (f *fakeCorr) Correlation(a, b string) float64 {
	if !f.ready {
		return 0
	}
	if v, ok := f.m[[2]string{a, b}]; ok {
		return v
	}
	return f.m[[2]string{b, a}]
}

func testLimits() Limits {
	return Limits{
		AccountBalance:       10_000,
		DailyLossLimit:       500,
		MaxLossLimit:         1_000,
		MaxRiskPerTrade:      100,
		CorrelationThreshold: 0.85,
	}
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *clock) {
	t.Helper()
	c := newClock(time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return NewManager(testLimits(), opts...), c
}

func TestLimitsValidate(t *testing.T) {
	require.NoError(t, testLimits().Validate())

	l := testLimits()
	l.DailyLossLimit = 0
	assert.Error(t, l.Validate())

	l = testLimits()
	l.CorrelationThreshold = 1.5
	assert.Error(t, l.Validate())
}

func TestPositionSizeScenario(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Equal(t, 1.0, m.PositionSize("EURUSD", 10, 10))
}

func TestPositionSizeRejectsBadStop(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Zero(t, m.PositionSize("EURUSD", 0, 10))
	assert.Zero(t, m.PositionSize("EURUSD", -5, 10))
}

func TestPositionSizeDefaultsPipValue(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Equal(t, 1.0, m.PositionSize("EURUSD", 10, 0))
}

func TestPositionSizeClampsToRemaining(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterLoss(450)
	// 50 left today
	assert.Equal(t, 0.5, m.PositionSize("EURUSD", 10, 10))
}

func TestPositionSizeScaledButClamped(t *testing.T) {
	m, _ := newTestManager(t)
	m.UpdateEquity(15_000)
	require.Equal(t, 1.5, m.Scaler().Multiplier())

	// scaled 150 is clamped back to the per-trade ceiling
	assert.Equal(t, 1.0, m.PositionSize("EURUSD", 10, 10))

	m.RegisterLoss(440)
	assert.Equal(t, 0.6, m.PositionSize("EURUSD", 10, 10))
}

func TestHardStopAfterLoss(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterLoss(500)

	assert.True(t, m.HardStopTriggered())
	assert.True(t, m.DailyLossBreached())
	assert.False(t, m.MaxLossBreached())
	assert.Zero(t, m.PositionSize("EURUSD", 10, 10))
}

func TestHardStopNeverSizes(t *testing.T) {
	m, c := newTestManager(t)
	for i := 0; i < 4; i++ {
		m.RegisterLoss(250)
		c.Advance(24 * time.Hour)
	}
	assert.True(t, m.MaxLossBreached())
	assert.True(t, m.HardStopTriggered())
	assert.False(t, m.DailyLossBreached())
	assert.Zero(t, m.PositionSize("EURUSD", 10, 10))
	assert.False(t, m.CanOpenTrade(1, "EURUSD", nil))
}

func TestRegisterLossIgnoresNonPositive(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterLoss(0)
	m.RegisterLoss(-25)
	s := m.Snapshot()
	assert.Zero(t, s.DailyLoss)
	assert.Zero(t, s.TotalLoss)
}

func TestRegisterProfitDoesNotNet(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterLoss(300)
	m.RegisterProfit(1_000)
	m.Settle(200)

	s := m.Snapshot()
	assert.Equal(t, 300.0, s.DailyLoss)
	assert.Equal(t, 300.0, s.TotalLoss)
	assert.Equal(t, 1_200.0, s.DailyProfit)

	m.Settle(-50)
	assert.Equal(t, 350.0, m.Snapshot().TotalLoss)
}

func TestConcurrentRegisterLoss(t *testing.T) {
	m, _ := newTestManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RegisterLoss(2.5)
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	assert.InDelta(t, 250.0, s.DailyLoss, 1e-9)
	assert.InDelta(t, 250.0, s.TotalLoss, 1e-9)
}

func TestRolloverIdempotent(t *testing.T) {
	m, c := newTestManager(t)
	m.RegisterLoss(120)

	assert.False(t, m.RolloverIfNewDay())
	assert.False(t, m.RolloverIfNewDay())
	assert.Equal(t, 120.0, m.Snapshot().DailyLoss)

	c.Advance(14 * time.Hour) // past midnight UTC
	assert.True(t, m.RolloverIfNewDay())
	assert.False(t, m.RolloverIfNewDay())

	s := m.Snapshot()
	assert.Zero(t, s.DailyLoss)
	assert.Equal(t, 120.0, s.TotalLoss)
	assert.Equal(t, "2024-05-07", s.LastReset)
}

func TestRolloverOnSizing(t *testing.T) {
	m, c := newTestManager(t)
	m.RegisterLoss(500)
	require.Zero(t, m.PositionSize("EURUSD", 10, 10))

	c.Advance(24 * time.Hour)
	assert.Equal(t, 1.0, m.PositionSize("EURUSD", 10, 10))
}

func TestValidateTradeRisk(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []struct {
		name string
		risk float64
		ok   bool
	}{
		{"zero", 0, false},
		{"negative", -1, false},
		{"fits", 100, true},
		{"over per trade", 100.01, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := m.ValidateTradeRisk(tt.risk)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				assert.NotEmpty(t, reason)
			}
		})
	}

	m.RegisterLoss(450)
	ok, reason := m.ValidateTradeRisk(60)
	assert.False(t, ok)
	assert.Contains(t, reason, "daily")
}

func TestCanOpenTradeRejectsNonPositiveRisk(t *testing.T) {
	m, _ := newTestManager(t, WithCorrelator(&fakeCorr{}))
	assert.False(t, m.CanOpenTrade(0, "EURUSD", nil))
	assert.False(t, m.CanOpenTrade(-10, "EURUSD", []broker.Position{{Symbol: "GBPUSD"}}))
}

func TestCanOpenTradeCorrelation(t *testing.T) {
	corr := &fakeCorr{m: map[[2]string]float64{
		{"EURUSD", "GBPUSD"}: 0.91,
		{"EURUSD", "USDJPY"}: -0.40,
		{"EURUSD", "XAUUSD"}: -0.88,
	}}
	m, _ := newTestManager(t, WithCorrelator(corr))
	gbp := []broker.Position{{Symbol: "GBPUSD"}}

	// not ready: fail open
	assert.True(t, m.CanOpenTrade(100, "EURUSD", gbp))

	corr.ready = true
	assert.False(t, m.CanOpenTrade(100, "EURUSD", gbp))
	assert.True(t, m.CanOpenTrade(100, "EURUSD", []broker.Position{{Symbol: "USDJPY"}}))
	assert.True(t, m.CanOpenTrade(100, "EURUSD", nil))

	ok, reason := m.CheckOpenTrade(100, "EURUSD", []broker.Position{{Symbol: "XAUUSD"}})
	assert.False(t, ok)
	assert.Contains(t, reason, "XAUUSD")
}

func TestCanOpenTradeWithoutCorrelator(t *testing.T) {
	m, _ := newTestManager(t)
	assert.True(t, m.CanOpenTrade(100, "EURUSD", []broker.Position{{Symbol: "GBPUSD"}}))
}

func TestEquityUnavailable(t *testing.T) {
	m, _ := newTestManager(t)
	m.MarkEquityUnavailable()
	assert.False(t, m.EquityAvailable())
	assert.Zero(t, m.PositionSize("EURUSD", 10, 10))

	m.UpdateEquity(10_100)
	assert.True(t, m.EquityAvailable())
	assert.Equal(t, 1.0, m.PositionSize("EURUSD", 10, 10))

	m.UpdateEquity(0)
	assert.False(t, m.EquityAvailable())
}

func TestReserve(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterLoss(350)

	r1, err := m.Reserve(100)
	require.NoError(t, err)
	assert.Equal(t, 100.0, r1.Amount())

	// 50 left once r1 is held
	_, err = m.Reserve(100)
	assert.Error(t, err)
	assert.Equal(t, 0.5, m.PositionSize("EURUSD", 10, 10))

	r1.Release()
	r1.Release()
	assert.Zero(t, m.Snapshot().Reserved)

	r2, err := m.Reserve(100)
	require.NoError(t, err)
	r2.Release()

	_, err = m.Reserve(0)
	assert.Error(t, err)
	var nilRes *Reservation
	nilRes.Release()
}

func TestReserveConcurrentNoOverspend(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterLoss(200)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []*Reservation
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := m.Reserve(100)
			if err != nil {
				return
			}
			mu.Lock()
			got = append(got, r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, got, 3)
	assert.LessOrEqual(t, m.Snapshot().Reserved+200, 500.0)
}

func TestChallengePassed(t *testing.T) {
	m, _ := newTestManager(t)
	assert.False(t, m.ChallengePassed())
	m.MarkChallengePassed()
	m.MarkChallengePassed()
	assert.True(t, m.ChallengePassed())
	assert.True(t, m.Snapshot().ChallengePassed)
}

func TestOnHardStopFiresOnceAtBreach(t *testing.T) {
	var reasons []string
	m, _ := newTestManager(t, OnHardStop(func(r string) { reasons = append(reasons, r) }))

	m.RegisterLoss(499)
	assert.Empty(t, reasons)

	m.RegisterLoss(1)
	m.RegisterLoss(10)
	assert.Equal(t, []string{"daily loss limit breached"}, reasons)
}

func TestOnHardStopReportsMaxLoss(t *testing.T) {
	var reasons []string
	m, c := newTestManager(t, OnHardStop(func(r string) { reasons = append(reasons, r) }))

	m.RegisterLoss(450)
	c.Advance(24 * time.Hour)
	m.RegisterLoss(450)
	assert.Empty(t, reasons)

	c.Advance(24 * time.Hour)
	m.Settle(-100)
	assert.Equal(t, []string{"max loss limit breached"}, reasons)
}
