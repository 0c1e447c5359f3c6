// market/instruments.go
package market

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

// DefaultPipValue is the account-currency value of one pip on one standard
// lot when no price is available for conversion.
const DefaultPipValue = 10.0

type Instrument struct {
	Symbol        string
	BaseCurrency  string
	QuoteCurrency string

	PipSize float64 // price move of one pip
	LotSize float64 // units in one standard lot

	// Feed symbols
	Dukascopy  string
	DukasScale float64 // bi5 integer price divisor
	OANDA      string
}

// Instruments is the tradable allow-list. Anything else is rejected by
// Lookup.
var Instruments = map[string]Instrument{
	"EURUSD": {
		Symbol: "EURUSD", BaseCurrency: "EUR", QuoteCurrency: "USD",
		PipSize: 0.0001, LotSize: 100_000,
		Dukascopy: "EURUSD", DukasScale: 100_000, OANDA: "EUR_USD",
	},
	"GBPUSD": {
		Symbol: "GBPUSD", BaseCurrency: "GBP", QuoteCurrency: "USD",
		PipSize: 0.0001, LotSize: 100_000,
		Dukascopy: "GBPUSD", DukasScale: 100_000, OANDA: "GBP_USD",
	},
	"USDJPY": {
		Symbol: "USDJPY", BaseCurrency: "USD", QuoteCurrency: "JPY",
		PipSize: 0.01, LotSize: 100_000,
		Dukascopy: "USDJPY", DukasScale: 1_000, OANDA: "USD_JPY",
	},
	"XAUUSD": {
		Symbol: "XAUUSD", BaseCurrency: "XAU", QuoteCurrency: "USD",
		PipSize: 0.1, LotSize: 100,
		Dukascopy: "XAUUSD", DukasScale: 1_000, OANDA: "XAU_USD",
	},
	"US30": {
		Symbol: "US30", BaseCurrency: "US30", QuoteCurrency: "USD",
		PipSize: 1, LotSize: 10,
		Dukascopy: "USA30IDXUSD", DukasScale: 1_000, OANDA: "US30_USD",
	},
	"NAS100": {
		Symbol: "NAS100", BaseCurrency: "NAS100", QuoteCurrency: "USD",
		PipSize: 1, LotSize: 10,
		Dukascopy: "USATECHIDXUSD", DukasScale: 1_000, OANDA: "NAS100_USD",
	},
}

// Normalize maps "EUR_USD", "eur/usd" and "EURUSD" to "EURUSD".
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, "/", "")
}

func Lookup(symbol string) (Instrument, error) {
	in, ok := Instruments[Normalize(symbol)]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
	}
	return in, nil
}

// Symbols returns the allow-listed symbols sorted.
func Symbols() []string {
	out := make([]string, 0, len(Instruments))
	for s := range Instruments {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// PipValue returns the account (USD) value of one pip on one standard lot.
//
// USD quote: pip * lot.
// USD base:  pip * lot / price (quote -> account conversion).
// Anything else falls back to DefaultPipValue.
func (in Instrument) PipValue(price float64) float64 {
	switch {
	case in.QuoteCurrency == "USD":
		return in.PipSize * in.LotSize
	case in.BaseCurrency == "USD" && price > 0:
		return in.PipSize * in.LotSize / price
	default:
		return DefaultPipValue
	}
}

// Pips converts a price distance into pips.
func (in Instrument) Pips(distance float64) float64 {
	if in.PipSize <= 0 {
		return 0
	}
	if distance < 0 {
		distance = -distance
	}
	return distance / in.PipSize
}
