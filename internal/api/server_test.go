package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-predictor/internal/aggregate"
	"oracle-predictor/internal/config"
	"oracle-predictor/internal/oracle"
	"oracle-predictor/internal/predict"
	"oracle-predictor/internal/storage"
)

type fakePricer struct {
	price      decimal.Decimal
	hasData    bool
	lastSymbol string
}

func (f *fakePricer) PriceAt(ctx context.Context, symbol string, tMs int64) (decimal.Decimal, bool, error) {
	f.lastSymbol = symbol
	return f.price, f.hasData, nil
}

func (f *fakePricer) WeightedAt(ctx context.Context, symbol string, tMs int64, weights map[string]decimal.Decimal) (aggregate.WeightedPrice, bool, error) {
	return aggregate.WeightedPrice{Value: f.price, UsedWeight: decimal.NewFromInt(1)}, f.hasData, nil
}

func (f *fakePricer) Sources(ctx context.Context, symbol string) ([]string, error) {
	return []string{"binance", "coinbase"}, nil
}

type fakeOracleStore struct {
	configs []storage.OracleConfig
}

func (f *fakeOracleStore) UpsertOracleConfig(ctx context.Context, cfg storage.OracleConfig) error {
	return nil
}

func (f *fakeOracleStore) GetOracleConfig(ctx context.Context, chainID int64, addr string) (storage.OracleConfig, bool, error) {
	for _, cfg := range f.configs {
		if cfg.ChainID == chainID && cfg.OracleAddr == addr {
			return cfg, true, nil
		}
	}
	return storage.OracleConfig{}, false, nil
}

func (f *fakeOracleStore) ListOracleConfigs(ctx context.Context) ([]storage.OracleConfig, error) {
	return f.configs, nil
}

func (f *fakeOracleStore) SetOracleLag(ctx context.Context, chainID int64, addr string, lagSeconds decimal.Decimal) error {
	return nil
}

func (f *fakeOracleStore) ReplaceWeights(ctx context.Context, chainID int64, addr string, weights []storage.CexWeight) error {
	return nil
}

func (f *fakeOracleStore) ListWeights(ctx context.Context, chainID int64, addr string) ([]storage.CexWeight, error) {
	return nil, nil
}

type fakeSampleStore struct {
	samples []storage.OracleSample
}

func (f *fakeSampleStore) InsertOracleSample(ctx context.Context, sample storage.OracleSample) error {
	return nil
}

func (f *fakeSampleStore) ListRecentSamples(ctx context.Context, chainID int64, addr string, limit int) ([]storage.OracleSample, error) {
	return f.samples, nil
}

func (f *fakeSampleStore) ListSamplesBetween(ctx context.Context, chainID int64, addr string, fromMs, toMs int64) ([]storage.OracleSample, error) {
	return f.samples, nil
}

func (f *fakeSampleStore) CountSamples(ctx context.Context) (int64, error) {
	return int64(len(f.samples)), nil
}

type fakeTradeStore struct {
	count int64
}

func (f *fakeTradeStore) InsertTrades(ctx context.Context, trades []storage.Trade) error { return nil }
func (f *fakeTradeStore) InsertTrade(ctx context.Context, trade storage.Trade) error    { return nil }

func (f *fakeTradeStore) CountTrades(ctx context.Context, symbol string) (int64, error) {
	return f.count, nil
}

func (f *fakeTradeStore) ListTradesInBucket(ctx context.Context, symbol string, bucketMs, widthMs int64) ([]storage.Trade, error) {
	return nil, nil
}

func newTestServer(pricer predict.Pricer, oracles *fakeOracleStore, samples *fakeSampleStore) *Server {
	registry := oracle.NewRegistry("BTCUSD")
	registry.Register(1, "0xabc", oracle.SingleFeed("BTCUSD"))

	svc := predict.New(pricer, registry, oracles, samples, zerolog.Nop())
	return NewServer(config.HTTPConfig{}, svc, oracles, samples, &fakeTradeStore{count: 7}, []string{"BTCUSD"}, zerolog.Nop())
}

func testOracleConfig() storage.OracleConfig {
	return storage.OracleConfig{
		ChainID:          1,
		OracleAddr:       "0xabc",
		HeartbeatSeconds: 3600,
		DeviationBps:     10,
		Decimals:         8,
		ScaleFactor:      decimal.New(1, 28),
		LagSeconds:       decimal.NewFromInt(1),
	}
}

func doRequest(t *testing.T, srv *Server, path string) (*http.Response, map[string]any) {
	t.Helper()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("request %s: %v", path, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp, body
}

func TestHandlePrice(t *testing.T) {
	srv := newTestServer(&fakePricer{price: decimal.NewFromInt(65000), hasData: true}, &fakeOracleStore{}, &fakeSampleStore{})

	resp, body := doRequest(t, srv, "/price/btcusd")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["symbol"] != "BTCUSD" {
		t.Fatalf("symbol should be upper-cased, got %v", body["symbol"])
	}
	if body["aggregatedPrice"] != "65000" {
		t.Fatalf("expected price 65000, got %v", body["aggregatedPrice"])
	}
	if body["count"].(float64) != 2 {
		t.Fatalf("expected 2 sources, got %v", body["count"])
	}
}

func TestHandlePriceNoCoverage(t *testing.T) {
	srv := newTestServer(&fakePricer{}, &fakeOracleStore{}, &fakeSampleStore{})

	resp, body := doRequest(t, srv, "/price/btcusd")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Fatal("error responses carry an error message")
	}
}

func TestHandlePriceAtValidation(t *testing.T) {
	srv := newTestServer(&fakePricer{price: decimal.NewFromInt(65000), hasData: true}, &fakeOracleStore{}, &fakeSampleStore{})

	cases := []string{
		"/priceAt/btcusd",
		"/priceAt/btcusd?ts=notanumber",
		"/priceAt/btcusd?ts=1000&lag=-5",
		"/priceAt/btcusd?ts=1000&sources=a,b&weights=1",
		"/priceAt/btcusd?ts=1000&sources=a&weights=-1",
		"/priceAt/btcusd?ts=1000&sources=a",
	}
	for _, path := range cases {
		resp, _ := doRequest(t, srv, path)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, resp.StatusCode)
		}
	}
}

func TestHandlePriceAt(t *testing.T) {
	srv := newTestServer(&fakePricer{price: decimal.NewFromInt(64000), hasData: true}, &fakeOracleStore{}, &fakeSampleStore{})

	resp, body := doRequest(t, srv, "/priceAt/btcusd?ts=1700000000000&lag=500&sources=binance,coinbase&weights=2,1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["price"] != "64000" {
		t.Fatalf("expected price 64000, got %v", body["price"])
	}
	if body["lag"].(float64) != 500 {
		t.Fatalf("expected lag echo, got %v", body["lag"])
	}
}

func TestHandlePredictionSymbolOverride(t *testing.T) {
	cfg := testOracleConfig()
	cfg.OracleAddr = "0xdef"
	pricer := &fakePricer{price: decimal.NewFromInt(3200), hasData: true}
	srv := newTestServer(pricer, &fakeOracleStore{configs: []storage.OracleConfig{cfg}}, &fakeSampleStore{})

	resp, body := doRequest(t, srv, "/oracles/1/0xdef/prediction?symbol=ethusd")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if pricer.lastSymbol != "ETHUSD" {
		t.Fatalf("expected the override symbol to feed the prediction, got %q", pricer.lastSymbol)
	}
	if body["verified"] != false {
		t.Fatal("an unregistered oracle stays unverified")
	}
}

func TestHandlePredictionAt(t *testing.T) {
	srv := newTestServer(
		&fakePricer{price: decimal.NewFromInt(65000), hasData: true},
		&fakeOracleStore{configs: []storage.OracleConfig{testOracleConfig()}},
		&fakeSampleStore{},
	)

	resp, body := doRequest(t, srv, "/oracles/1/0xabc/predictionAt?ts=1700000000000")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["answer"] != "65000" {
		t.Fatalf("expected answer 65000, got %v", body["answer"])
	}
	if body["verified"] != true {
		t.Fatal("registered oracle should be verified")
	}
	// Calibrated lag of 1s applies when no explicit lag is given.
	if body["lagMs"].(float64) != 1000 {
		t.Fatalf("expected calibrated lag 1000ms, got %v", body["lagMs"])
	}
}

func TestHandlePredictionAtUnknownOracle(t *testing.T) {
	srv := newTestServer(&fakePricer{hasData: true}, &fakeOracleStore{}, &fakeSampleStore{})

	resp, _ := doRequest(t, srv, "/oracles/1/0xmissing/predictionAt?ts=1700000000000")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandlePredictionAtBadChainID(t *testing.T) {
	srv := newTestServer(&fakePricer{hasData: true}, &fakeOracleStore{}, &fakeSampleStore{})

	resp, _ := doRequest(t, srv, "/oracles/zero/0xabc/predictionAt?ts=1700000000000")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleOracles(t *testing.T) {
	srv := newTestServer(
		&fakePricer{},
		&fakeOracleStore{configs: []storage.OracleConfig{testOracleConfig()}},
		&fakeSampleStore{},
	)

	resp, body := doRequest(t, srv, "/oracles")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	oracles := body["oracles"].([]any)
	if len(oracles) != 1 {
		t.Fatalf("expected one oracle, got %d", len(oracles))
	}
}

func TestHandleMetrics(t *testing.T) {
	srv := newTestServer(&fakePricer{}, &fakeOracleStore{}, &fakeSampleStore{samples: make([]storage.OracleSample, 3)})

	resp, body := doRequest(t, srv, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["samples"].(float64) != 3 {
		t.Fatalf("expected 3 samples, got %v", body["samples"])
	}
	trades := body["trades"].(map[string]any)
	if trades["BTCUSD"].(float64) != 7 {
		t.Fatalf("expected 7 trades for BTCUSD, got %v", trades["BTCUSD"])
	}
}

func TestParseWeightOverride(t *testing.T) {
	weights, err := parseWeightOverride("binance,coinbase", "2,1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(weights) != 2 || !weights["binance"].Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected weights %v", weights)
	}

	if _, err := parseWeightOverride("binance", "1,2"); err == nil {
		t.Fatal("length mismatch must fail")
	}
	if _, err := parseWeightOverride("binance", "-1"); err == nil {
		t.Fatal("negative weight must fail")
	}
	if weights, err := parseWeightOverride("", ""); err != nil || weights != nil {
		t.Fatal("empty override means no override")
	}
}
