package correlation

import (
	"math"
	"sort"
	"time"

	"github.com/rustyeddy/propguard/market"
)

// minReturns is the fewest aligned returns a pair needs to get an entry.
const minReturns = 3

// Matrix is immutable once published.
type Matrix struct {
	Symbols    []string                      `json:"symbols"`
	Values     map[string]map[string]float64 `json:"values"`
	ComputedAt time.Time                     `json:"computed_at"`
}

// Get reports whether the pair has an entry.
func (m *Matrix) Get(a, b string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	row, ok := m.Values[a]
	if !ok {
		return 0, false
	}
	v, ok := row[b]
	return v, ok
}

// Compute builds a matrix from close series keyed by symbol. Each pair is
// aligned on the timestamps both series share; pairs with too little
// overlap are left out rather than failing the whole matrix.
func Compute(series map[string][]market.Candle, at time.Time) *Matrix {
	closes := make(map[string]map[int64]float64, len(series))
	syms := make([]string, 0, len(series))
	for sym, cs := range series {
		if len(cs) < minReturns+1 {
			continue
		}
		byTime := make(map[int64]float64, len(cs))
		for _, c := range cs {
			if c.Close > 0 {
				byTime[c.Time.Unix()] = c.Close
			}
		}
		closes[sym] = byTime
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	m := &Matrix{
		Symbols:    syms,
		Values:     make(map[string]map[string]float64, len(syms)),
		ComputedAt: at.UTC(),
	}
	for _, s := range syms {
		m.Values[s] = map[string]float64{s: 1.0}
	}
	for i := 0; i < len(syms); i++ {
		for j := i + 1; j < len(syms); j++ {
			a, b := syms[i], syms[j]
			ra, rb := alignedReturns(closes[a], closes[b])
			if len(ra) < minReturns {
				continue
			}
			r, ok := Pearson(ra, rb)
			if !ok {
				continue
			}
			m.Values[a][b] = r
			m.Values[b][a] = r
		}
	}
	return m
}

// alignedReturns intersects the two series by timestamp and returns their
// percentage changes over the shared bars.
func alignedReturns(a, b map[int64]float64) ([]float64, []float64) {
	ts := make([]int64, 0, len(a))
	for t := range a {
		if _, ok := b[t]; ok {
			ts = append(ts, t)
		}
	}
	if len(ts) < 2 {
		return nil, nil
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	ra := make([]float64, 0, len(ts)-1)
	rb := make([]float64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		pa, ca := a[ts[i-1]], a[ts[i]]
		pb, cb := b[ts[i-1]], b[ts[i]]
		ra = append(ra, ca/pa-1)
		rb = append(rb, cb/pb-1)
	}
	return ra, rb
}

// Pearson returns the sample correlation of x and y. It is not ok when the
// lengths differ or either side has no variance.
func Pearson(x, y []float64) (float64, bool) {
	n := len(x)
	if n == 0 || n != len(y) {
		return 0, false
	}
	var mx, my float64
	for i := range x {
		mx += x[i]
		my += y[i]
	}
	mx /= float64(n)
	my /= float64(n)

	var sxy, sxx, syy float64
	for i := range x {
		dx, dy := x[i]-mx, y[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, false
	}
	r := sxy / math.Sqrt(sxx*syy)
	// clamp float error
	return math.Max(-1, math.Min(1, r)), true
}
