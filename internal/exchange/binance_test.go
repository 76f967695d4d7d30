package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newTestBinance(restURL string) *Binance {
	return NewBinance(BinanceOptions{
		Name:        "binance",
		RESTURL:     restURL,
		Instruments: map[string]string{"BTCUSDT": "BTC/USD"},
		Timeout:     time.Second,
	}, zerolog.Nop())
}

func TestParseKlines(t *testing.T) {
	payload := []byte(`[
		[1700000000000, "100.0", "102.0", "99.0", "101.5", "12.3", 1700000059999, "0", 1, "0", "0", "0"],
		[1700000060000, "101.5", "103.0", "101.0", "102.25", "9.1", 1700000119999, "0", 1, "0", "0", "0"]
	]`)

	candles, err := parseKlines(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}
	if candles[0].OpenTimeMs != 1700000000000 || candles[0].CloseTimeMs != 1700000059999 {
		t.Fatalf("unexpected candle times: %+v", candles[0])
	}
	if !candles[0].Close.Equal(decimal.RequireFromString("101.5")) {
		t.Fatalf("expected close 101.5, got %s", candles[0].Close)
	}
}

func TestParseKlinesShortRow(t *testing.T) {
	if _, err := parseKlines([]byte(`[[1700000000000, "1"]]`)); err == nil {
		t.Fatal("a short row must fail")
	}
}

func TestParseKlinesBadPrice(t *testing.T) {
	payload := []byte(`[[1700000000000, "1", "1", "1", "not-a-price", "1", 1700000059999]]`)
	if _, err := parseKlines(payload); err == nil {
		t.Fatal("an unparseable close price must fail")
	}
}

func TestRecentKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Fatalf("expected instrument BTCUSDT, got %s", got)
		}
		if got := r.URL.Query().Get("interval"); got != "1m" {
			t.Fatalf("expected 1m interval, got %s", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Fatalf("expected limit 5, got %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[[1700000000000, "100", "102", "99", "101.5", "12.3", 1700000059999]]`))
	}))
	defer srv.Close()

	b := newTestBinance(srv.URL)
	candles, err := b.RecentKlines(context.Background(), "BTC/USD", 5)
	if err != nil {
		t.Fatalf("recent klines: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(candles))
	}
	if !candles[0].Close.Equal(decimal.RequireFromString("101.5")) {
		t.Fatalf("expected close 101.5, got %s", candles[0].Close)
	}
}

func TestRecentKlinesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"rate limited"}`))
	}))
	defer srv.Close()

	b := newTestBinance(srv.URL)
	if _, err := b.RecentKlines(context.Background(), "BTC/USD", 5); err == nil {
		t.Fatal("a non-200 response must fail")
	}
}

func TestRecentKlinesUnmappedSymbol(t *testing.T) {
	b := newTestBinance("http://localhost:1")
	if _, err := b.RecentKlines(context.Background(), "ETH/USD", 5); err == nil {
		t.Fatal("an unmapped symbol must fail without calling out")
	}
}

func TestSymbolsSorted(t *testing.T) {
	b := NewBinance(BinanceOptions{
		Instruments: map[string]string{
			"ETHUSDT": "ETH/USD",
			"BTCUSDT": "BTC/USD",
		},
	}, zerolog.Nop())

	symbols := b.Symbols()
	if len(symbols) != 2 || symbols[0] != "BTC/USD" || symbols[1] != "ETH/USD" {
		t.Fatalf("expected sorted canonical symbols, got %v", symbols)
	}
}

func TestStreamPath(t *testing.T) {
	b := NewBinance(BinanceOptions{
		Instruments: map[string]string{
			"ETHUSDT": "ETH/USD",
			"BTCUSDT": "BTC/USD",
		},
	}, zerolog.Nop())

	if got := b.streamPath(); got != "btcusdt@trade/ethusdt@trade" {
		t.Fatalf("unexpected stream path %s", got)
	}
}

func TestStreamRequiresInstruments(t *testing.T) {
	b := NewBinance(BinanceOptions{}, zerolog.Nop())
	if err := b.Stream(context.Background(), nil); err == nil {
		t.Fatal("streaming without instruments must fail")
	}
}
