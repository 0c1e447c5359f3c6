package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrEquityUnavailable = errors.New("equity unavailable")

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return Buy, nil
	case "sell", "short":
		return Sell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

type Status string

const (
	Filled    Status = "filled"
	Simulated Status = "simulated"
	Rejected  Status = "rejected"
)

// Instruction is an authorized trade handed to the router. Distances are
// in pips; Volume is in standard lots.
type Instruction struct {
	Symbol             string
	Side               Side
	Volume             float64
	StopLossDistance   float64
	TakeProfitDistance float64
	EntryPrice         float64 // last observed price, 0 if unknown
	CorrelationID      string
	Timestamp          time.Time
	Comment            string
}

type Result struct {
	Status    Status
	TicketID  string
	Reason    string
	FillPrice float64
	Execution string // "live", "shadow" or "" when rejected

	Instruction Instruction
}

func (r Result) Accepted() bool {
	return r.Status == Filled || r.Status == Simulated
}

// Reject builds a rejected Result for in.
func Reject(in Instruction, reason string) Result {
	return Result{Status: Rejected, Reason: reason, Instruction: in}
}

// Executor sends an instruction to a venue. A venue-side refusal is a
// Rejected result; err is reserved for transport failures.
type Executor interface {
	Execute(ctx context.Context, in Instruction) (Result, error)
}

// EquitySource reports current account equity. Implementations return an
// error wrapping ErrEquityUnavailable when the venue cannot be reached.
type EquitySource interface {
	Equity(ctx context.Context) (float64, error)
}

type EquityFunc func(ctx context.Context) (float64, error)

func (f EquityFunc) Equity(ctx context.Context) (float64, error) { return f(ctx) }

type Position struct {
	Ticket  string
	Symbol  string
	Side    Side
	Volume  float64
	Opened  time.Time
	RiskUSD float64
}

type PositionSource interface {
	OpenPositions(ctx context.Context) ([]Position, error)
}

// ClosedTrade is the realized outcome fed back into the loss counters.
type ClosedTrade struct {
	Ticket     string
	Symbol     string
	RealizedPL float64
	Closed     time.Time
	Reason     string
}

// ClosedTradeSource lists trades the venue closed at or after since.
// Stop and target exits happen at the venue, so this is how their P/L
// reaches the loss counters.
type ClosedTradeSource interface {
	ClosedTrades(ctx context.Context, since time.Time) ([]ClosedTrade, error)
}
