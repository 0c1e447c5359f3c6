package indicators

import (
	"testing"
	"time"

	"github.com/rustyeddy/propguard/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestCandles() []market.Candle {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	raw := [][4]float64{
		{100, 105, 99, 102},
		{102, 107, 101, 105},
		{105, 108, 104, 106},
		{106, 110, 105, 108},
		{108, 112, 107, 110},
		{110, 113, 109, 111},
		{111, 115, 110, 113},
		{113, 116, 112, 114},
		{114, 118, 113, 116},
		{116, 120, 115, 118},
	}
	out := make([]market.Candle, len(raw))
	for i, r := range raw {
		out[i] = market.Candle{
			Time: base.Add(time.Duration(i) * time.Hour),
			Open: r[0], High: r[1], Low: r[2], Close: r[3],
		}
	}
	return out
}

func TestEMASeries(t *testing.T) {
	candles := createTestCandles()

	series, err := EMASeries(candles, 3)
	require.NoError(t, err)
	require.Len(t, series, len(candles)-2)

	// Seed is the SMA of the first three closes.
	assert.InDelta(t, (102.0+105.0+106.0)/3.0, series[0], 1e-9)
	// Next value: (108 - 104.333) * 0.5 + 104.333
	assert.InDelta(t, 106.1667, series[1], 1e-3)

	_, err = EMASeries(candles, 0)
	assert.Error(t, err)
	_, err = EMASeries(candles[:2], 3)
	assert.Error(t, err)
}

func TestATRFuncDetailed(t *testing.T) {
	candles := []market.Candle{
		{High: 10, Low: 8, Close: 9},
		{High: 11, Low: 9, Close: 10},
		{High: 12, Low: 10, Close: 11},
		{High: 11, Low: 9, Close: 10},
		{High: 12, Low: 10, Close: 11},
		{High: 13, Low: 11, Close: 12},
	}
	atr, err := ATRFunc(candles, 3)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, atr, 1e-9)

	_, err = ATRFunc(candles[:3], 3)
	assert.Error(t, err)
}

func TestTrueRange(t *testing.T) {
	current := market.Candle{High: 110, Low: 100, Close: 105}

	assert.Equal(t, 10.0, trueRange(current, market.Candle{Close: 104}))
	// Gap up: previous close below the low.
	assert.Equal(t, 15.0, trueRange(current, market.Candle{Close: 95}))
}

func TestADXStrongTrend(t *testing.T) {
	adx := NewADX(3)
	assert.Equal(t, "ADX(3)", adx.Name())
	assert.Equal(t, 6, adx.Warmup())

	candles := createTestCandles()
	for i, c := range candles[:5] {
		adx.Update(c)
		assert.False(t, adx.Ready(), "candle %d", i)
	}
	// Every bar makes a higher high and a higher low, so -DM stays zero.
	v := Feed(adx, candles[5:])
	require.True(t, adx.Ready())
	assert.InDelta(t, 100.0, v, 1e-9)
	assert.Greater(t, adx.PlusDI(), 0.0)
	assert.Zero(t, adx.MinusDI())

	adx.Reset()
	assert.False(t, adx.Ready())
	assert.Zero(t, adx.Value())
}

func TestADXFlatMarket(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	adx := NewADX(4)
	for i := 0; i < 12; i++ {
		adx.Update(market.Candle{Time: base.Add(time.Duration(i) * time.Hour), Open: 100, High: 101, Low: 99, Close: 100})
	}
	require.True(t, adx.Ready())
	assert.Zero(t, adx.Value())
}
