package indicators

import (
	"fmt"

	"github.com/rustyeddy/propguard/market"
)

// EMASeries returns the EMA value at every candle from index period-1 on.
// The result has len(candles)-period+1 entries.
func EMASeries(candles []market.Candle, period int) ([]float64, error) {
	if period <= 0 {
		return nil, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(candles) < period {
		return nil, fmt.Errorf("not enough candles: need %d, got %d", period, len(candles))
	}

	multiplier := 2.0 / float64(period+1)

	sma := 0.0
	for i := 0; i < period; i++ {
		sma += candles[i].Close
	}
	ema := sma / float64(period)

	out := make([]float64, 0, len(candles)-period+1)
	out = append(out, ema)
	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close-ema)*multiplier + ema
		out = append(out, ema)
	}
	return out, nil
}
