package indicators

import (
	"fmt"
	"math"

	"github.com/rustyeddy/propguard/market"
)

// ADX is Wilder's Average Directional Index. It needs N periods to seed
// the smoothed TR/+DM/-DM and N DX values to seed the ADX itself, so it is
// ready after 2N candles.
type ADX struct {
	n int

	prev    market.Candle
	hasPrev bool
	periods int
	ready   bool

	adx, plusDI, minusDI float64

	sumTR, sumPlusDM, sumMinusDM float64
	smTR, smPlusDM, smMinusDM    float64

	dxSum   float64
	dxCount int
}

func NewADX(period int) *ADX {
	return &ADX{n: period}
}

func (a *ADX) Name() string { return fmt.Sprintf("ADX(%d)", a.n) }
func (a *ADX) Warmup() int  { return 2 * a.n }
func (a *ADX) Ready() bool  { return a.n > 0 && a.ready }

func (a *ADX) Value() float64 {
	if !a.Ready() {
		return 0
	}
	return a.adx
}

func (a *ADX) PlusDI() float64  { return a.plusDI }
func (a *ADX) MinusDI() float64 { return a.minusDI }

func (a *ADX) Reset() { *a = ADX{n: a.n} }

func (a *ADX) Update(c market.Candle) {
	if a.n <= 0 {
		return
	}
	if !a.hasPrev {
		a.prev, a.hasPrev = c, true
		return
	}
	defer func() { a.prev = c }()

	tr := trueRange(c, a.prev)
	up := c.High - a.prev.High
	down := a.prev.Low - c.Low
	var plusDM, minusDM float64
	if up > down && up > 0 {
		plusDM = up
	}
	if down > up && down > 0 {
		minusDM = down
	}
	a.periods++

	if a.periods <= a.n {
		a.sumTR += tr
		a.sumPlusDM += plusDM
		a.sumMinusDM += minusDM
		if a.periods == a.n {
			a.smTR, a.smPlusDM, a.smMinusDM = a.sumTR, a.sumPlusDM, a.sumMinusDM
			a.plusDI, a.minusDI = di(a.smPlusDM, a.smMinusDM, a.smTR)
			a.dxSum, a.dxCount = dx(a.plusDI, a.minusDI), 1
			a.seedIfDone()
		}
		return
	}

	nf := float64(a.n)
	a.smTR = a.smTR - a.smTR/nf + tr
	a.smPlusDM = a.smPlusDM - a.smPlusDM/nf + plusDM
	a.smMinusDM = a.smMinusDM - a.smMinusDM/nf + minusDM
	a.plusDI, a.minusDI = di(a.smPlusDM, a.smMinusDM, a.smTR)
	d := dx(a.plusDI, a.minusDI)

	if a.ready {
		a.adx = (a.adx*(nf-1) + d) / nf
		return
	}
	a.dxSum += d
	a.dxCount++
	a.seedIfDone()
}

func (a *ADX) seedIfDone() {
	if a.dxCount >= a.n {
		a.adx = a.dxSum / float64(a.n)
		a.ready = true
	}
}

func di(smPlusDM, smMinusDM, smTR float64) (plus, minus float64) {
	if smTR <= 0 {
		return 0, 0
	}
	return 100 * smPlusDM / smTR, 100 * smMinusDM / smTR
}

func dx(plusDI, minusDI float64) float64 {
	den := plusDI + minusDI
	if den <= 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / den
}
