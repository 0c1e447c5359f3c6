package market

import (
	"context"
	"errors"
	"time"
)

var ErrNoHistory = errors.New("no history")

// M5 is the bar size the orchestrator and correlation matrix work on.
const M5 = 5 * time.Minute

// History returns up to count completed bars of the given timeframe for
// symbol, oldest first. Implementations return ErrNoHistory (wrapped) when
// the symbol has no data at all; a short series is not an error.
type History interface {
	History(ctx context.Context, symbol string, timeframe time.Duration, count int) ([]Candle, error)
}

// HistoryFunc adapts a function to History.
type HistoryFunc func(ctx context.Context, symbol string, timeframe time.Duration, count int) ([]Candle, error)

func (f HistoryFunc) History(ctx context.Context, symbol string, timeframe time.Duration, count int) ([]Candle, error) {
	return f(ctx, symbol, timeframe, count)
}
