package risk

import (
	"math"

	"github.com/shopspring/decimal"
)

// RiskAmount is the account-currency loss if the stop is hit.
func RiskAmount(stopPips, pipValue, volume float64) float64 {
	return math.Abs(stopPips) * pipValue * volume
}

// RoundVolume cuts lots to 3 decimals. It truncates rather than rounds so a
// sized trade never risks more than the budget it was sized from.
func RoundVolume(v float64) float64 {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	f, _ := decimal.NewFromFloat(v).Truncate(3).Float64()
	return f
}

// RoundMoney rounds to cents for logs and the journal.
func RoundMoney(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
