// Package indicators provides the technical indicators the signal sources
// build on. Prices are market.Candle floats in quote units.
package indicators

import "github.com/rustyeddy/propguard/market"

// Indicator computes a single streaming value from closed candles.
type Indicator interface {
	// Name returns a stable identifier like "ADX(14)".
	Name() string

	// Warmup returns how many updates are needed before Ready() can be true.
	Warmup() int

	Reset()

	// Update consumes the next closed candle.
	Update(c market.Candle)

	// Ready reports whether Value() is meaningful.
	Ready() bool

	// Value returns 0 until Ready.
	Value() float64
}

// Feed pushes candles through ind in order and returns the final value.
func Feed(ind Indicator, candles []market.Candle) float64 {
	for _, c := range candles {
		ind.Update(c)
	}
	return ind.Value()
}
