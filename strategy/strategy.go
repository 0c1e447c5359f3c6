// Package strategy turns candle history into trade signals. Sizing and
// authorization happen downstream; a Signal only carries direction and
// distances.
package strategy

import (
	"time"

	"github.com/rustyeddy/propguard/broker"
	"github.com/rustyeddy/propguard/market"
)

type Signal struct {
	Symbol         string
	Side           broker.Side
	Price          float64 // close of the bar that produced the signal
	StopPips       float64
	TakeProfitPips float64
	Reason         string
	Time           time.Time
}

// Instruction converts s into an unsized instruction. The caller fills in
// Volume once risk has sized the trade.
func (s Signal) Instruction() broker.Instruction {
	return broker.Instruction{
		Symbol:             s.Symbol,
		Side:               s.Side,
		StopLossDistance:   s.StopPips,
		TakeProfitDistance: s.TakeProfitPips,
		EntryPrice:         s.Price,
		Comment:            s.Reason,
	}
}

// Source produces at most one signal per call from the latest candles.
type Source interface {
	Name() string
	Signal(symbol string, candles []market.Candle) (Signal, bool)
}

// Params are per-symbol indicator periods.
type Params struct {
	FastPeriod int `yaml:"ema_fast" json:"ema_fast"`
	SlowPeriod int `yaml:"ema_slow" json:"ema_slow"`
	ATRPeriod  int `yaml:"atr_period" json:"atr_period"`
}

// Lookback is the number of candles Signal needs.
func (p Params) Lookback() int {
	n := p.SlowPeriod + 1
	if p.ATRPeriod+1 > n {
		n = p.ATRPeriod + 1
	}
	return n
}

func (p Params) valid() bool {
	return p.FastPeriod > 0 && p.SlowPeriod > p.FastPeriod && p.ATRPeriod > 0
}

var fallbackParams = Params{FastPeriod: 21, SlowPeriod: 50, ATRPeriod: 14}

// DefaultParams returns the stock periods for the allow-listed symbols.
func DefaultParams() map[string]Params {
	return map[string]Params{
		"EURUSD": {FastPeriod: 21, SlowPeriod: 50, ATRPeriod: 14},
		"GBPUSD": {FastPeriod: 22, SlowPeriod: 50, ATRPeriod: 14},
		"USDJPY": {FastPeriod: 20, SlowPeriod: 50, ATRPeriod: 14},
		"XAUUSD": {FastPeriod: 21, SlowPeriod: 50, ATRPeriod: 14},
		"US30":   {FastPeriod: 21, SlowPeriod: 50, ATRPeriod: 14},
		"NAS100": {FastPeriod: 20, SlowPeriod: 50, ATRPeriod: 14},
	}
}
