package oracle

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSingleFeedCompute(t *testing.T) {
	adapter := SingleFeed("BTCUSD")
	prices := map[string]decimal.Decimal{
		"BTCUSD": decimal.RequireFromString("65000.12345678"),
	}

	// 8 native decimals on the 1e36 base: scale factor 1e28.
	computed, ok := adapter.Compute(prices, 8, decimal.New(1, 28))
	if !ok {
		t.Fatal("expected a computed answer")
	}
	if !computed.Answer.Equal(decimal.RequireFromString("65000.12345678")) {
		t.Fatalf("answer stays in quote units, got %s", computed.Answer)
	}

	want, _ := new(big.Int).SetString("65000123456780000000000000000000000000000", 10)
	if computed.FixedPoint.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want, computed.FixedPoint)
	}
}

func TestComputeRoundsToNativeDecimals(t *testing.T) {
	adapter := SingleFeed("BTCUSD")
	prices := map[string]decimal.Decimal{
		// More precision than 8 decimals can carry; the ninth digit rounds.
		"BTCUSD": decimal.RequireFromString("100.123456789"),
	}

	computed, ok := adapter.Compute(prices, 8, decimal.New(1, 28))
	if !ok {
		t.Fatal("expected a computed answer")
	}

	want, _ := new(big.Int).SetString("100123456790000000000000000000000000000", 10)
	if computed.FixedPoint.Cmp(want) != 0 {
		t.Fatalf("expected rounded fixed point %s, got %s", want, computed.FixedPoint)
	}
}

func TestComputeMissingSymbol(t *testing.T) {
	adapter := SingleFeed("BTCUSD")
	if _, ok := adapter.Compute(map[string]decimal.Decimal{}, 8, decimal.New(1, 28)); ok {
		t.Fatal("a missing required symbol must not compute")
	}
}

func TestRequiredSymbols(t *testing.T) {
	adapter := SingleFeed("ETHUSD")
	symbols := adapter.RequiredSymbols()
	if len(symbols) != 1 || symbols[0] != "ETHUSD" {
		t.Fatalf("unexpected symbols %v", symbols)
	}
}

func TestRegistryResolve(t *testing.T) {
	registry := NewRegistry("BTCUSD")
	registry.Register(1, "0xAbCd", SingleFeed("ETHUSD"))

	// Lookup is case-insensitive on the address.
	adapter, verified := registry.Resolve(1, "0xabcd")
	if !verified {
		t.Fatal("a registered oracle resolves as verified")
	}
	if adapter.Symbol != "ETHUSD" {
		t.Fatalf("expected the registered adapter, got %s", adapter.Symbol)
	}
}

func TestRegistryFallback(t *testing.T) {
	registry := NewRegistry("BTCUSD")

	adapter, verified := registry.Resolve(1, "0xunknown")
	if verified {
		t.Fatal("an unregistered oracle must not be verified")
	}
	if adapter.Symbol != "BTCUSD" {
		t.Fatalf("fallback should feed from the baseline symbol, got %s", adapter.Symbol)
	}
}
