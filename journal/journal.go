package journal

import (
	"context"
	"errors"
	"time"

	"github.com/rustyeddy/propguard/session"
)

var ErrNotFound = errors.New("not found")

// DecisionRecord is one gatekeeper outcome.
type DecisionRecord struct {
	ID      string
	Time    time.Time
	Symbol  string
	Risk    float64
	Allowed bool
	Code    string
	Reason  string
}

// OrderRecord is a routed instruction and what the venue said.
type OrderRecord struct {
	CorrelationID string
	Time          time.Time
	Symbol        string
	Side          string
	Volume        float64
	StopLoss      float64
	TakeProfit    float64
	Status        string
	Execution     string
	Ticket        string
	FillPrice     float64
	Reason        string
}

// TradeRecord is a closed trade.
type TradeRecord struct {
	Ticket     string
	Symbol     string
	CloseTime  time.Time
	RealizedPL float64
	Reason     string
}

type EquitySnapshot struct {
	Time      time.Time
	Equity    float64
	DailyLoss float64
	TotalLoss float64
}

type Journal interface {
	RecordDecision(ctx context.Context, d DecisionRecord) error
	RecordOrder(ctx context.Context, o OrderRecord) error
	RecordTrade(ctx context.Context, t TradeRecord) error
	RecordEquity(ctx context.Context, e EquitySnapshot) error
	RecordSnapshot(ctx context.Context, s session.Snapshot) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordDecision(context.Context, DecisionRecord) error   { return nil }
func (Nop) RecordOrder(context.Context, OrderRecord) error         { return nil }
func (Nop) RecordTrade(context.Context, TradeRecord) error         { return nil }
func (Nop) RecordEquity(context.Context, EquitySnapshot) error     { return nil }
func (Nop) RecordSnapshot(context.Context, session.Snapshot) error { return nil }
func (Nop) Close() error                                           { return nil }

// Multi writes to every journal and joins their errors.
type Multi []Journal

func (m Multi) each(fn func(Journal) error) error {
	var errs []error
	for _, j := range m {
		if err := fn(j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) RecordDecision(ctx context.Context, d DecisionRecord) error {
	return m.each(func(j Journal) error { return j.RecordDecision(ctx, d) })
}

func (m Multi) RecordOrder(ctx context.Context, o OrderRecord) error {
	return m.each(func(j Journal) error { return j.RecordOrder(ctx, o) })
}

func (m Multi) RecordTrade(ctx context.Context, t TradeRecord) error {
	return m.each(func(j Journal) error { return j.RecordTrade(ctx, t) })
}

func (m Multi) RecordEquity(ctx context.Context, e EquitySnapshot) error {
	return m.each(func(j Journal) error { return j.RecordEquity(ctx, e) })
}

func (m Multi) RecordSnapshot(ctx context.Context, s session.Snapshot) error {
	return m.each(func(j Journal) error { return j.RecordSnapshot(ctx, s) })
}

func (m Multi) Close() error {
	return m.each(func(j Journal) error { return j.Close() })
}
