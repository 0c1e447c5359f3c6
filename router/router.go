// Package router is the only path from an approved trade to a venue. It
// sends to the shadow engine or the live broker depending on the flags.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/rustyeddy/propguard/broker"
	"github.com/rustyeddy/propguard/flags"
	"github.com/rustyeddy/propguard/id"
	"github.com/rustyeddy/propguard/journal"
	"github.com/rustyeddy/propguard/logging"
	"github.com/rustyeddy/propguard/market"
)

var ErrNotAllowed = errors.New("order not allowed")

type Router struct {
	flags   *flags.Flags
	shadow  broker.Executor
	live    broker.Executor
	symbols map[string]bool
	breaker *gobreaker.CircuitBreaker
	journal journal.Journal
	now     func() time.Time
	log     zerolog.Logger
	observe func(status string)
}

type Option func(*Router)

func WithLive(e broker.Executor) Option {
	return func(r *Router) { r.live = e }
}

func WithJournal(j journal.Journal) Option {
	return func(r *Router) { r.journal = j }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.log = l.With().Str("component", "router").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithObserver is told the status of every routed order.
func WithObserver(fn func(status string)) Option {
	return func(r *Router) { r.observe = fn }
}

// New routes symbols on the allow-list to shadow or, when set, live.
func New(f *flags.Flags, shadow broker.Executor, symbols []string, opts ...Option) *Router {
	r := &Router{
		flags:   f,
		shadow:  shadow,
		symbols: make(map[string]bool, len(symbols)),
		journal: journal.Nop{},
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, s := range symbols {
		r.symbols[market.Normalize(s)] = true
	}
	for _, o := range opts {
		o(r)
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "live-orders",
		MaxRequests: 1,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return r
}

// Validate is the router's own last check. It assumes the gatekeeper has
// already approved the trade.
func (r *Router) Validate(in broker.Instruction) error {
	if !r.flags.AllowAnyExecution() {
		return fmt.Errorf("%w: execution disabled", ErrNotAllowed)
	}
	if !r.symbols[market.Normalize(in.Symbol)] {
		return fmt.Errorf("%w: symbol %q not allowed", ErrNotAllowed, in.Symbol)
	}
	if in.Volume <= 0 || math.IsNaN(in.Volume) {
		return fmt.Errorf("%w: volume %.3f must be positive", ErrNotAllowed, in.Volume)
	}
	if in.Side != broker.Buy && in.Side != broker.Sell {
		return fmt.Errorf("%w: side %q", ErrNotAllowed, in.Side)
	}
	if in.StopLossDistance < 0 || in.TakeProfitDistance < 0 {
		return fmt.Errorf("%w: negative stop or target distance", ErrNotAllowed)
	}
	return nil
}

// Route dispatches in and always returns a Result; failures are Rejected.
func (r *Router) Route(ctx context.Context, in broker.Instruction) broker.Result {
	in.Symbol = market.Normalize(in.Symbol)
	if in.CorrelationID == "" {
		in.CorrelationID = id.New()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = r.now().UTC()
	}

	res := r.dispatch(ctx, in)
	res.Instruction = in
	r.record(ctx, res)
	return res
}

func (r *Router) dispatch(ctx context.Context, in broker.Instruction) broker.Result {
	if err := r.Validate(in); err != nil {
		logging.Critical(r.log).Err(err).Str("correlation_id", in.CorrelationID).Msg("order blocked")
		return broker.Reject(in, err.Error())
	}

	switch r.flags.Mode() {
	case flags.Shadow:
		res, err := r.shadow.Execute(ctx, in)
		if err != nil {
			return broker.Reject(in, err.Error())
		}
		return res

	case flags.Live:
		if r.live == nil {
			logging.Critical(r.log).Msg("live executor not configured")
			return broker.Reject(in, "live executor unavailable")
		}
		v, err := r.breaker.Execute(func() (interface{}, error) {
			return r.live.Execute(ctx, in)
		})
		if err != nil {
			r.log.Error().Err(err).Str("symbol", in.Symbol).Msg("live execution failed")
			return broker.Reject(in, err.Error())
		}
		return v.(broker.Result)

	default:
		return broker.Reject(in, "invalid execution state")
	}
}

func (r *Router) record(ctx context.Context, res broker.Result) {
	in := res.Instruction
	ev := r.log.Info()
	if !res.Accepted() {
		ev = r.log.Warn().Str("reason", res.Reason)
	}
	ev.Str("correlation_id", in.CorrelationID).
		Str("symbol", in.Symbol).
		Str("side", string(in.Side)).
		Float64("volume", in.Volume).
		Str("status", string(res.Status)).
		Str("execution", res.Execution).
		Str("ticket", res.TicketID).
		Msg("order routed")

	if r.observe != nil {
		r.observe(string(res.Status))
	}
	err := r.journal.RecordOrder(ctx, journal.OrderRecord{
		CorrelationID: in.CorrelationID,
		Time:          in.Timestamp,
		Symbol:        in.Symbol,
		Side:          string(in.Side),
		Volume:        in.Volume,
		StopLoss:      in.StopLossDistance,
		TakeProfit:    in.TakeProfitDistance,
		Status:        string(res.Status),
		Execution:     res.Execution,
		Ticket:        res.TicketID,
		FillPrice:     res.FillPrice,
		Reason:        res.Reason,
	})
	if err != nil {
		r.log.Error().Err(err).Str("correlation_id", in.CorrelationID).Msg("journal order")
	}
}
