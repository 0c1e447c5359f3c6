package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/propguard/broker"
	"github.com/rustyeddy/propguard/id"
	"github.com/rustyeddy/propguard/market"
)

var (
	ErrTradeNotFound      = errors.New("trade not found")
	ErrTradeAlreadyClosed = errors.New("trade already closed")
)

type Trade struct {
	broker.Position

	EntryPrice         float64
	StopLossDistance   float64
	TakeProfitDistance float64
	CorrelationID      string

	RealizedPL float64
	Closed     time.Time
	Open       bool
}

// Engine is the shadow venue: it accepts every well formed instruction,
// fills it at the instruction's reference price and keeps a paper account.
type Engine struct {
	mu      sync.Mutex
	balance float64
	trades  map[string]*Trade
	now     func() time.Time
}

func NewEngine(balance float64) *Engine {
	return &Engine{
		balance: balance,
		trades:  make(map[string]*Trade),
		now:     time.Now,
	}
}

// SetClock replaces the engine clock (tests).
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func (e *Engine) Execute(ctx context.Context, in broker.Instruction) (broker.Result, error) {
	if err := ctx.Err(); err != nil {
		return broker.Result{}, err
	}
	if in.Volume <= 0 {
		return broker.Reject(in, "volume must be positive"), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ticket := id.New()
	e.trades[ticket] = &Trade{
		Position: broker.Position{
			Ticket: ticket,
			Symbol: in.Symbol,
			Side:   in.Side,
			Volume: in.Volume,
			Opened: e.now().UTC(),
		},
		EntryPrice:         in.EntryPrice,
		StopLossDistance:   in.StopLossDistance,
		TakeProfitDistance: in.TakeProfitDistance,
		CorrelationID:      in.CorrelationID,
		Open:               true,
	}

	return broker.Result{
		Status:      broker.Simulated,
		TicketID:    ticket,
		FillPrice:   in.EntryPrice,
		Execution:   "shadow",
		Instruction: in,
	}, nil
}

// OpenPositions returns open paper trades ordered by ticket (open order).
func (e *Engine) OpenPositions(ctx context.Context) ([]broker.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]broker.Position, 0, len(e.trades))
	for _, t := range e.trades {
		if t.Open {
			out = append(out, t.Position)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

// Equity is the paper balance; open trades are not marked to market.
func (e *Engine) Equity(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance, nil
}

// closeLocked realizes pl on an open trade and books it to the paper
// balance. e.mu must be held.
func (e *Engine) closeLocked(ticket string, pl float64, at time.Time, reason string) (broker.ClosedTrade, error) {
	t, ok := e.trades[ticket]
	if !ok {
		return broker.ClosedTrade{}, fmt.Errorf("close trade: %w: %q", ErrTradeNotFound, ticket)
	}
	if !t.Open {
		return broker.ClosedTrade{}, fmt.Errorf("close trade: %w: %q", ErrTradeAlreadyClosed, ticket)
	}
	if at.IsZero() {
		at = e.now()
	}

	t.Open = false
	t.RealizedPL = pl
	t.Closed = at.UTC()
	e.balance += pl

	return broker.ClosedTrade{
		Ticket:     ticket,
		Symbol:     t.Symbol,
		RealizedPL: pl,
		Closed:     t.Closed,
		Reason:     reason,
	}, nil
}

// openTicketsLocked lists open trades on symbol that carry a reference
// price, in ticket (open) order.
func (e *Engine) openTicketsLocked(symbol string) []string {
	tickets := make([]string, 0, len(e.trades))
	for k, t := range e.trades {
		if t.Open && t.Symbol == symbol && t.EntryPrice > 0 {
			tickets = append(tickets, k)
		}
	}
	sort.Strings(tickets)
	return tickets
}

// Mark walks bars in time order against the open trades on symbol. A trade
// closes on the first bar after it opened that touches its stop or target;
// when both are inside one bar the stop wins. Bars already seen may be
// passed again: a trade still open was not touched by them.
func (e *Engine) Mark(ctx context.Context, symbol string, bars ...market.Candle) ([]broker.ClosedTrade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inst, err := market.Lookup(symbol)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var closed []broker.ClosedTrade
	for _, k := range e.openTicketsLocked(inst.Symbol) {
		t := e.trades[k]
		pipValue := inst.PipValue(t.EntryPrice)
		sign := t.Side.Sign()
		stop := t.EntryPrice - sign*t.StopLossDistance*inst.PipSize
		target := t.EntryPrice + sign*t.TakeProfitDistance*inst.PipSize

		for _, c := range bars {
			if !c.Time.IsZero() && c.Time.Before(t.Opened) {
				continue
			}
			var pl float64
			var reason string
			switch {
			case t.StopLossDistance > 0 && touched(c, stop):
				pl, reason = -t.StopLossDistance*pipValue*t.Volume, "StopLoss"
			case t.TakeProfitDistance > 0 && touched(c, target):
				pl, reason = t.TakeProfitDistance*pipValue*t.Volume, "TakeProfit"
			default:
				continue
			}
			ct, err := e.closeLocked(k, pl, c.Time, reason)
			if err != nil {
				return closed, err
			}
			closed = append(closed, ct)
			break
		}
	}
	return closed, nil
}

// Flatten closes every open trade on symbol at price, e.g. before the
// weekend. P/L is the price move in pips times pip value and volume.
func (e *Engine) Flatten(ctx context.Context, symbol string, price float64, at time.Time, reason string) ([]broker.ClosedTrade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inst, err := market.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	if price <= 0 {
		return nil, fmt.Errorf("flatten %s: price must be positive", inst.Symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var closed []broker.ClosedTrade
	for _, k := range e.openTicketsLocked(inst.Symbol) {
		t := e.trades[k]
		pips := t.Side.Sign() * (price - t.EntryPrice) / inst.PipSize
		ct, err := e.closeLocked(k, pips*inst.PipValue(t.EntryPrice)*t.Volume, at, reason)
		if err != nil {
			return closed, err
		}
		closed = append(closed, ct)
	}
	return closed, nil
}

func touched(c market.Candle, price float64) bool {
	return c.Low <= price && price <= c.High
}
