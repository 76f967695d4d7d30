package oracle

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// AdapterKind tags the adapter variants. New oracle shapes (derived or
// multi-symbol feeds) are added as new kinds carrying their own parameters,
// dispatched inside Compute.
type AdapterKind int

const (
	// KindSingleFeed answers with exactly one aggregated symbol.
	KindSingleFeed AdapterKind = iota
)

// Adapter converts aggregated CEX prices into an oracle-shaped answer.
type Adapter struct {
	Kind   AdapterKind
	Symbol string
}

// SingleFeed builds the one concrete adapter variant needed today.
func SingleFeed(symbol string) Adapter {
	return Adapter{Kind: KindSingleFeed, Symbol: symbol}
}

// RequiredSymbols lists the aggregated symbols the adapter consumes.
func (a Adapter) RequiredSymbols() []string {
	switch a.Kind {
	case KindSingleFeed:
		return []string{a.Symbol}
	default:
		return nil
	}
}

// Computed carries the oracle-shaped outputs: the answer in quote-currency
// units and the same value as an integer on the market-wide 1e36 base, so
// oracles of differing native decimals compare directly.
type Computed struct {
	Answer     decimal.Decimal
	FixedPoint *big.Int
}

// Compute produces the predicted answer from the supplied aggregated
// prices. False when a required symbol is missing.
func (a Adapter) Compute(prices map[string]decimal.Decimal, decimals int32, scaleFactor decimal.Decimal) (Computed, bool) {
	switch a.Kind {
	case KindSingleFeed:
		price, ok := prices[a.Symbol]
		if !ok {
			return Computed{}, false
		}
		rounded := price.Shift(decimals).Round(0)
		return Computed{
			Answer:     price,
			FixedPoint: rounded.Mul(scaleFactor).BigInt(),
		}, true
	default:
		return Computed{}, false
	}
}
