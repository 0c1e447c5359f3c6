package strategy

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/propguard/broker"
	"github.com/rustyeddy/propguard/indicators"
	"github.com/rustyeddy/propguard/market"
)

const (
	DefaultStopATR     = 1.2
	DefaultRewardRatio = 2.0
)

// EMACross signals on the bar where the fast EMA crosses the slow EMA.
// The stop is StopATR * ATR (at least one pip) and the target is
// RewardRatio times the stop.
type EMACross struct {
	params      map[string]Params
	stopATR     float64
	rewardRatio float64
	adxPeriod   int
	minADX      float64
	log         zerolog.Logger
}

type Option func(*EMACross)

func WithStopATR(m float64) Option {
	return func(e *EMACross) {
		if m > 0 {
			e.stopATR = m
		}
	}
}

func WithRewardRatio(r float64) Option {
	return func(e *EMACross) {
		if r > 0 {
			e.rewardRatio = r
		}
	}
}

// WithMinADX drops crosses while ADX(period) is below min, filtering
// crosses in ranging markets.
func WithMinADX(period int, min float64) Option {
	return func(e *EMACross) {
		if period > 0 && min > 0 {
			e.adxPeriod, e.minADX = period, min
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *EMACross) { e.log = l }
}

// NewEMACross uses params per symbol; missing or invalid entries fall back
// to 21/50/14.
func NewEMACross(params map[string]Params, opts ...Option) *EMACross {
	e := &EMACross{
		params:      make(map[string]Params, len(params)),
		stopATR:     DefaultStopATR,
		rewardRatio: DefaultRewardRatio,
		log:         zerolog.Nop(),
	}
	for sym, p := range params {
		e.params[market.Normalize(sym)] = p
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *EMACross) Name() string { return "ema-cross" }

// ParamsFor returns the periods used for symbol.
func (e *EMACross) ParamsFor(symbol string) Params {
	if p, ok := e.params[market.Normalize(symbol)]; ok && p.valid() {
		return p
	}
	return fallbackParams
}

func (e *EMACross) Signal(symbol string, candles []market.Candle) (Signal, bool) {
	symbol = market.Normalize(symbol)
	inst, err := market.Lookup(symbol)
	if err != nil {
		return Signal{}, false
	}
	p := e.ParamsFor(symbol)
	if len(candles) < p.Lookback() {
		e.log.Debug().Str("symbol", symbol).Int("have", len(candles)).Int("need", p.Lookback()).Msg("not enough history")
		return Signal{}, false
	}

	fast, err := indicators.EMASeries(candles, p.FastPeriod)
	if err != nil {
		return Signal{}, false
	}
	slow, err := indicators.EMASeries(candles, p.SlowPeriod)
	if err != nil {
		return Signal{}, false
	}
	// Both series end at the last candle.
	cur := fast[len(fast)-1] - slow[len(slow)-1]
	prev := fast[len(fast)-2] - slow[len(slow)-2]

	var side broker.Side
	var reason string
	switch {
	case prev <= 0 && cur > 0:
		side, reason = broker.Buy, "BullCross"
	case prev >= 0 && cur < 0:
		side, reason = broker.Sell, "BearCross"
	default:
		return Signal{}, false
	}

	if e.minADX > 0 {
		adx := indicators.NewADX(e.adxPeriod)
		v := indicators.Feed(adx, candles)
		if !adx.Ready() || v < e.minADX {
			e.log.Debug().Str("symbol", symbol).Str("reason", reason).Float64("adx", v).Msg("cross filtered by adx")
			return Signal{}, false
		}
	}

	atr, err := indicators.ATRFunc(candles, p.ATRPeriod)
	if err != nil {
		return Signal{}, false
	}
	stop := math.Max(inst.Pips(atr*e.stopATR), 1)

	last := candles[len(candles)-1]
	sig := Signal{
		Symbol:         symbol,
		Side:           side,
		Price:          last.Close,
		StopPips:       stop,
		TakeProfitPips: stop * e.rewardRatio,
		Reason:         reason,
		Time:           last.Time,
	}
	e.log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("reason", reason).
		Float64("stop_pips", sig.StopPips).
		Float64("tp_pips", sig.TakeProfitPips).
		Msg("signal")
	return sig, true
}
