package aggregate

import (
	"context"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-predictor/internal/storage"
)

type fakeTradeStore struct {
	trades []storage.Trade
}

func (f *fakeTradeStore) InsertTrades(ctx context.Context, trades []storage.Trade) error {
	f.trades = append(f.trades, trades...)
	return nil
}

func (f *fakeTradeStore) InsertTrade(ctx context.Context, trade storage.Trade) error {
	f.trades = append(f.trades, trade)
	return nil
}

func (f *fakeTradeStore) CountTrades(ctx context.Context, symbol string) (int64, error) {
	var n int64
	for _, trade := range f.trades {
		if trade.Symbol == symbol {
			n++
		}
	}
	return n, nil
}

func (f *fakeTradeStore) ListTradesInBucket(ctx context.Context, symbol string, bucketMs, widthMs int64) ([]storage.Trade, error) {
	var out []storage.Trade
	for _, trade := range f.trades {
		if trade.Symbol == symbol && trade.TimestampMs >= bucketMs && trade.TimestampMs < bucketMs+widthMs {
			out = append(out, trade)
		}
	}
	return out, nil
}

type fakeBinStore struct {
	source    map[string]storage.SourceBin
	aggregate map[int64]storage.AggregateBin
}

func newFakeBinStore() *fakeBinStore {
	return &fakeBinStore{
		source:    make(map[string]storage.SourceBin),
		aggregate: make(map[int64]storage.AggregateBin),
	}
}

func sourceKey(source string, bucketMs int64) string {
	return source + "@" + strconv.FormatInt(bucketMs, 10)
}

func (f *fakeBinStore) UpsertSourceBin(ctx context.Context, bin storage.SourceBin) error {
	f.source[sourceKey(bin.Source, bin.BucketMs)] = bin
	return nil
}

func (f *fakeBinStore) UpsertAggregateBin(ctx context.Context, bin storage.AggregateBin) error {
	f.aggregate[bin.BucketMs] = bin
	return nil
}

func (f *fakeBinStore) LatestAggregateBin(ctx context.Context, symbol string, atMs, minMs int64) (storage.AggregateBin, bool, error) {
	var best storage.AggregateBin
	found := false
	for _, bin := range f.aggregate {
		if bin.BucketMs > atMs || bin.BucketMs < minMs {
			continue
		}
		if !found || bin.BucketMs > best.BucketMs {
			best = bin
			found = true
		}
	}
	return best, found, nil
}

func (f *fakeBinStore) EarliestAggregateBinAfter(ctx context.Context, symbol string, afterMs, maxMs int64) (storage.AggregateBin, bool, error) {
	var best storage.AggregateBin
	found := false
	for _, bin := range f.aggregate {
		if bin.BucketMs <= afterMs || bin.BucketMs > maxMs {
			continue
		}
		if !found || bin.BucketMs < best.BucketMs {
			best = bin
			found = true
		}
	}
	return best, found, nil
}

func (f *fakeBinStore) LatestSourceBin(ctx context.Context, symbol, source string, atMs, minMs int64) (storage.SourceBin, bool, error) {
	var best storage.SourceBin
	found := false
	for _, bin := range f.source {
		if bin.Source != source || bin.BucketMs > atMs || bin.BucketMs < minMs {
			continue
		}
		if !found || bin.BucketMs > best.BucketMs {
			best = bin
			found = true
		}
	}
	return best, found, nil
}

func (f *fakeBinStore) EarliestSourceBinAfter(ctx context.Context, symbol, source string, afterMs, maxMs int64) (storage.SourceBin, bool, error) {
	var best storage.SourceBin
	found := false
	for _, bin := range f.source {
		if bin.Source != source || bin.BucketMs <= afterMs || bin.BucketMs > maxMs {
			continue
		}
		if !found || bin.BucketMs < best.BucketMs {
			best = bin
			found = true
		}
	}
	return best, found, nil
}

func (f *fakeBinStore) ListBinSources(ctx context.Context, symbol string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, bin := range f.source {
		if !seen[bin.Source] {
			seen[bin.Source] = true
			out = append(out, bin.Source)
		}
	}
	return out, nil
}

func TestRebuildMediansPerSourceThenAcross(t *testing.T) {
	trades := &fakeTradeStore{}
	bins := newFakeBinStore()
	agg := New(trades, bins, zerolog.Nop())
	ctx := context.Background()

	// Three venues, each printing 100, 101, 102 inside the same bucket.
	for _, source := range []string{"binance", "coinbase", "okx"} {
		for i, price := range decs("100", "101", "102") {
			_ = trades.InsertTrade(ctx, storage.Trade{
				Source:      source,
				Symbol:      "BTC/USD",
				TimestampMs: 1_000_000 + int64(i)*10,
				Price:       price,
			})
		}
	}

	if err := agg.Rebuild(ctx, "BTC/USD", 1_000_050); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	bin, ok := bins.aggregate[1_000_000]
	if !ok {
		t.Fatal("expected an aggregate bin at 1000000")
	}
	if !bin.Price.Equal(dec("101")) {
		t.Fatalf("expected aggregate 101, got %s", bin.Price)
	}

	src, ok := bins.source[sourceKey("binance", 1_000_000)]
	if !ok {
		t.Fatal("expected a binance source bin")
	}
	if !src.Price.Equal(dec("101")) {
		t.Fatalf("expected per-source median 101, got %s", src.Price)
	}
}

func TestRebuildEmptyBucketIsNoop(t *testing.T) {
	trades := &fakeTradeStore{}
	bins := newFakeBinStore()
	agg := New(trades, bins, zerolog.Nop())

	if err := agg.Rebuild(context.Background(), "BTC/USD", 42); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(bins.aggregate) != 0 {
		t.Fatal("no trades should produce no bins")
	}
}

func TestPriceAtPrefersPastBucket(t *testing.T) {
	bins := newFakeBinStore()
	agg := New(&fakeTradeStore{}, bins, zerolog.Nop())
	ctx := context.Background()

	bins.aggregate[9_800] = storage.AggregateBin{Symbol: "BTC/USD", BucketMs: 9_800, Price: dec("100")}
	bins.aggregate[10_200] = storage.AggregateBin{Symbol: "BTC/USD", BucketMs: 10_200, Price: dec("200")}

	price, ok, err := agg.PriceAt(ctx, "BTC/USD", 10_000)
	if err != nil || !ok {
		t.Fatalf("expected a price, ok=%v err=%v", ok, err)
	}
	if !price.Equal(dec("100")) {
		t.Fatalf("past bucket should win over future one, got %s", price)
	}
}

func TestPriceAtFallsForwardWithinSlack(t *testing.T) {
	bins := newFakeBinStore()
	agg := New(&fakeTradeStore{}, bins, zerolog.Nop())
	ctx := context.Background()

	bins.aggregate[10_200] = storage.AggregateBin{Symbol: "BTC/USD", BucketMs: 10_200, Price: dec("200")}

	price, ok, err := agg.PriceAt(ctx, "BTC/USD", 10_000)
	if err != nil || !ok {
		t.Fatalf("expected the forward bucket, ok=%v err=%v", ok, err)
	}
	if !price.Equal(dec("200")) {
		t.Fatalf("expected 200, got %s", price)
	}

	// A bucket past the slack window does not count.
	delete(bins.aggregate, 10_200)
	bins.aggregate[10_400] = storage.AggregateBin{Symbol: "BTC/USD", BucketMs: 10_400, Price: dec("300")}
	if _, ok, _ := agg.PriceAt(ctx, "BTC/USD", 10_000); ok {
		t.Fatal("bucket beyond the forward slack should not answer the query")
	}
}

func TestPriceAtIgnoresStaleBuckets(t *testing.T) {
	bins := newFakeBinStore()
	agg := New(&fakeTradeStore{}, bins, zerolog.Nop())

	bins.aggregate[5_000] = storage.AggregateBin{Symbol: "BTC/USD", BucketMs: 5_000, Price: dec("100")}

	if _, ok, _ := agg.PriceAt(context.Background(), "BTC/USD", 10_000); ok {
		t.Fatal("bucket older than the lookback should not answer the query")
	}
}

func TestWeightedAtRenormalizesOverPresentSources(t *testing.T) {
	bins := newFakeBinStore()
	agg := New(&fakeTradeStore{}, bins, zerolog.Nop())
	ctx := context.Background()

	bins.source[sourceKey("binance", 10_000)] = storage.SourceBin{Symbol: "BTC/USD", Source: "binance", BucketMs: 10_000, Price: dec("100")}
	bins.source[sourceKey("coinbase", 10_000)] = storage.SourceBin{Symbol: "BTC/USD", Source: "coinbase", BucketMs: 10_000, Price: dec("104")}

	third := decimal.NewFromInt(1).Div(decimal.NewFromInt(3))
	weights := map[string]decimal.Decimal{
		"binance":  third,
		"coinbase": third,
		"okx":      third, // no coverage
	}

	got, ok, err := agg.WeightedAt(ctx, "BTC/USD", 10_000, weights)
	if err != nil || !ok {
		t.Fatalf("expected a weighted price, ok=%v err=%v", ok, err)
	}
	if !got.Value.Equal(dec("102")) {
		t.Fatalf("expected renormalized mean 102, got %s", got.Value)
	}
	if len(got.PerSource) != 2 {
		t.Fatalf("expected two contributing sources, got %d", len(got.PerSource))
	}
}

func TestWeightedAtAllMissing(t *testing.T) {
	agg := New(&fakeTradeStore{}, newFakeBinStore(), zerolog.Nop())

	weights := map[string]decimal.Decimal{"binance": decimal.NewFromInt(1)}
	if _, ok, err := agg.WeightedAt(context.Background(), "BTC/USD", 10_000, weights); ok || err != nil {
		t.Fatalf("no coverage should yield no price, ok=%v err=%v", ok, err)
	}
}
