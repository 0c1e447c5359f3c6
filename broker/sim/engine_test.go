package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/propguard/broker"
	"github.com/rustyeddy/propguard/market"
)

func TestExecuteSimulates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := NewEngine(5000)
	at := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return at })

	res, err := e.Execute(ctx, broker.Instruction{
		Symbol: "EURUSD", Side: broker.Buy, Volume: 0.5,
		StopLossDistance: 12, EntryPrice: 1.0851, CorrelationID: "C1",
	})
	require.NoError(t, err)
	assert.Equal(t, broker.Simulated, res.Status)
	assert.Equal(t, "shadow", res.Execution)
	assert.NotEmpty(t, res.TicketID)
	assert.Equal(t, 1.0851, res.FillPrice)

	pos, err := e.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "EURUSD", pos[0].Symbol)
	assert.Equal(t, at, pos[0].Opened)

	assert.Equal(t, "C1", e.trades[res.TicketID].CorrelationID)
}

func TestExecuteRejectsZeroVolume(t *testing.T) {
	t.Parallel()

	e := NewEngine(5000)
	res, err := e.Execute(context.Background(), broker.Instruction{Symbol: "EURUSD", Volume: 0})
	require.NoError(t, err)
	assert.Equal(t, broker.Rejected, res.Status)

	pos, _ := e.OpenPositions(context.Background())
	assert.Empty(t, pos)
}

func TestFlattenBooksPL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := NewEngine(5000)
	at := time.Date(2026, 2, 6, 20, 0, 0, 0, time.UTC)
	short, err := e.Execute(ctx, broker.Instruction{Symbol: "GBPUSD", Side: broker.Sell, Volume: 1, EntryPrice: 1.2700})
	require.NoError(t, err)
	long, err := e.Execute(ctx, broker.Instruction{Symbol: "GBPUSD", Side: broker.Buy, Volume: 0.5, EntryPrice: 1.2700})
	require.NoError(t, err)
	_, err = e.Execute(ctx, broker.Instruction{Symbol: "EURUSD", Side: broker.Buy, Volume: 1, EntryPrice: 1.1000})
	require.NoError(t, err)

	// price rose 4.25 pips: the short loses, the long gains
	closed, err := e.Flatten(ctx, "GBP_USD", 1.270425, at, "WeekendFlat")
	require.NoError(t, err)
	require.Len(t, closed, 2)
	byTicket := map[string]broker.ClosedTrade{closed[0].Ticket: closed[0], closed[1].Ticket: closed[1]}
	assert.InDelta(t, -42.5, byTicket[short.TicketID].RealizedPL, 1e-6)
	assert.InDelta(t, 21.25, byTicket[long.TicketID].RealizedPL, 1e-6)
	assert.Equal(t, "WeekendFlat", closed[0].Reason)
	assert.Equal(t, at, closed[0].Closed)

	eq, err := e.Equity(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 4978.75, eq, 1e-6)

	pos, _ := e.OpenPositions(ctx)
	require.Len(t, pos, 1)
	assert.Equal(t, "EURUSD", pos[0].Symbol)

	_, err = e.Flatten(ctx, "GBPUSD", 0, at, "x")
	assert.Error(t, err)
}

func TestCloseLockedErrors(t *testing.T) {
	t.Parallel()

	e := NewEngine(5000)
	res, err := e.Execute(context.Background(), broker.Instruction{Symbol: "GBPUSD", Side: broker.Sell, Volume: 1})
	require.NoError(t, err)

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.closeLocked(res.TicketID, -1, time.Time{}, "x")
	require.NoError(t, err)
	_, err = e.closeLocked(res.TicketID, 1, time.Time{}, "again")
	assert.True(t, errors.Is(err, ErrTradeAlreadyClosed))
	_, err = e.closeLocked("missing", 1, time.Time{}, "")
	assert.True(t, errors.Is(err, ErrTradeNotFound))
}

func TestExecuteHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(1).Execute(ctx, broker.Instruction{Symbol: "EURUSD", Volume: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMarkClosesOnStopAndTarget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := NewEngine(5000)
	at := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return at })

	long, err := e.Execute(ctx, broker.Instruction{
		Symbol: "EURUSD", Side: broker.Buy, Volume: 0.5,
		StopLossDistance: 10, TakeProfitDistance: 20, EntryPrice: 1.1000,
	})
	require.NoError(t, err)
	short, err := e.Execute(ctx, broker.Instruction{
		Symbol: "EURUSD", Side: broker.Sell, Volume: 1,
		StopLossDistance: 10, TakeProfitDistance: 20, EntryPrice: 1.1000,
	})
	require.NoError(t, err)

	// bar rallies to 1.1015: short stop at 1.1010 hit, long target 1.1020 not yet
	closed, err := e.Mark(ctx, "EURUSD", market.Candle{Time: at.Add(5 * time.Minute), High: 1.1015, Low: 1.0995, Close: 1.1012})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, short.TicketID, closed[0].Ticket)
	assert.Equal(t, "StopLoss", closed[0].Reason)
	assert.InDelta(t, -100.0, closed[0].RealizedPL, 1e-6)

	closed, err = e.Mark(ctx, "EURUSD", market.Candle{Time: at.Add(10 * time.Minute), High: 1.1022, Low: 1.1005, Close: 1.1021})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, long.TicketID, closed[0].Ticket)
	assert.Equal(t, "TakeProfit", closed[0].Reason)
	assert.InDelta(t, 100.0, closed[0].RealizedPL, 1e-6)

	eq, err := e.Equity(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 5000.0, eq, 1e-6)

	pos, err := e.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pos)
}

func TestMarkWalksEveryBar(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := NewEngine(5000)
	at := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return at })

	res, err := e.Execute(ctx, broker.Instruction{
		Symbol: "EURUSD", Side: broker.Buy, Volume: 0.5,
		StopLossDistance: 10, TakeProfitDistance: 20, EntryPrice: 1.1000,
	})
	require.NoError(t, err)

	// an hour of M5 bars arrives at once: the stop is touched in the fifth
	// bar, the target in the ninth and the hour closes back near entry
	bars := make([]market.Candle, 0, 13)
	bars = append(bars, market.Candle{Time: at.Add(-5 * time.Minute), High: 1.1030, Low: 1.0980, Close: 1.1000})
	for i := 1; i <= 12; i++ {
		c := market.Candle{Time: at.Add(time.Duration(i-1) * 5 * time.Minute), High: 1.1005, Low: 1.0995, Close: 1.1001}
		switch i {
		case 5:
			c.Low = 1.0988
		case 9:
			c.High = 1.1025
		}
		bars = append(bars, c)
	}

	closed, err := e.Mark(ctx, "EURUSD", bars...)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, res.TicketID, closed[0].Ticket)
	assert.Equal(t, "StopLoss", closed[0].Reason)
	assert.Equal(t, bars[5].Time, closed[0].Closed)
	assert.InDelta(t, -50.0, closed[0].RealizedPL, 1e-6)

	// the same window again closes nothing more
	closed, err = e.Mark(ctx, "EURUSD", bars...)
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func TestMarkUnknownSymbol(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(5000).Mark(context.Background(), "BTCUSD", market.Candle{})
	assert.True(t, errors.Is(err, market.ErrUnknownSymbol))
}
