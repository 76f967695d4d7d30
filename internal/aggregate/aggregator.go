package aggregate

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-predictor/internal/storage"
)

const (
	// BucketWidthMs is the resolution of the binned series.
	BucketWidthMs int64 = 100

	// forwardSlackMs tolerates ingestion jitter: when no bucket exists at or
	// before the queried instant, a bucket up to this far ahead still counts.
	forwardSlackMs int64 = 300

	// lookbackMs bounds how stale a bucket may be and still answer a query.
	lookbackMs int64 = 2000

	// trimFraction of per-source prices is dropped from each end before the
	// cross-source median.
	trimFraction = 0.2
)

// WeightedPrice is the result of a weighted cross-source combination.
type WeightedPrice struct {
	Value      decimal.Decimal
	PerSource  map[string]decimal.Decimal
	UsedWeight decimal.Decimal
}

// Aggregator derives the 100ms binned series from raw prints and answers
// point-in-time price queries. All operations are stateless reads/writes
// against the store and safe for unbounded concurrency.
type Aggregator struct {
	trades storage.TradeStore
	bins   storage.BinStore
	logger zerolog.Logger
}

// New constructs an Aggregator.
func New(trades storage.TradeStore, bins storage.BinStore, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		trades: trades,
		bins:   bins,
		logger: logger.With().Str("component", "aggregator").Logger(),
	}
}

// BucketOf floors a millisecond timestamp to its 100ms bucket.
func BucketOf(tsMs int64) int64 {
	return tsMs - tsMs%BucketWidthMs
}

// Rebuild recomputes the per-source medians and the cross-source trimmed
// median for the bucket containing tsMs. Upserts make recomputation
// idempotent.
func (a *Aggregator) Rebuild(ctx context.Context, symbol string, tsMs int64) error {
	bucket := BucketOf(tsMs)

	trades, err := a.trades.ListTradesInBucket(ctx, symbol, bucket, BucketWidthMs)
	if err != nil {
		return fmt.Errorf("rebuild %s@%d: %w", symbol, bucket, err)
	}
	if len(trades) == 0 {
		return nil
	}

	bySource := make(map[string][]decimal.Decimal)
	for _, trade := range trades {
		bySource[trade.Source] = append(bySource[trade.Source], trade.Price)
	}

	sources := make([]string, 0, len(bySource))
	for source := range bySource {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	perSource := make([]decimal.Decimal, 0, len(sources))
	for _, source := range sources {
		price, ok := Median(bySource[source])
		if !ok {
			continue
		}
		perSource = append(perSource, price)

		if err := a.bins.UpsertSourceBin(ctx, storage.SourceBin{
			Symbol:   symbol,
			Source:   source,
			BucketMs: bucket,
			Price:    price,
		}); err != nil {
			return fmt.Errorf("rebuild %s@%d: %w", symbol, bucket, err)
		}
	}

	aggregate, ok := TrimmedMedian(perSource, trimFraction)
	if !ok {
		return nil
	}

	if err := a.bins.UpsertAggregateBin(ctx, storage.AggregateBin{
		Symbol:   symbol,
		BucketMs: bucket,
		Price:    aggregate,
	}); err != nil {
		return fmt.Errorf("rebuild %s@%d: %w", symbol, bucket, err)
	}

	a.logger.Debug().
		Str("symbol", symbol).
		Int64("bucket_ms", bucket).
		Int("sources", len(perSource)).
		Str("price", aggregate.String()).
		Msg("bucket rebuilt")
	return nil
}

// PriceAt returns the best known aggregate price as of tMs: the newest
// bucket at or before tMs, falling back to a bucket at most the forward
// slack ahead of it. The bool is false when no coverage exists.
func (a *Aggregator) PriceAt(ctx context.Context, symbol string, tMs int64) (decimal.Decimal, bool, error) {
	bin, ok, err := a.bins.LatestAggregateBin(ctx, symbol, tMs, tMs-lookbackMs)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	if !ok {
		bin, ok, err = a.bins.EarliestAggregateBinAfter(ctx, symbol, tMs, tMs+forwardSlackMs)
		if err != nil || !ok {
			return decimal.Decimal{}, false, err
		}
	}
	return bin.Price, true, nil
}

// WeightedAt combines per-source bins around tMs using the supplied weights,
// renormalizing over the subset of sources that actually have coverage.
// Sources without data drop out of both numerator and denominator; only when
// every source is missing does the bool come back false.
func (a *Aggregator) WeightedAt(ctx context.Context, symbol string, tMs int64, weights map[string]decimal.Decimal) (WeightedPrice, bool, error) {
	sources := make([]string, 0, len(weights))
	for source := range weights {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	result := WeightedPrice{PerSource: make(map[string]decimal.Decimal)}
	sum := decimal.Zero
	usedWeight := decimal.Zero

	for _, source := range sources {
		weight := weights[source]
		if weight.Sign() <= 0 {
			continue
		}

		price, ok, err := a.sourcePriceAt(ctx, symbol, source, tMs)
		if err != nil {
			return WeightedPrice{}, false, err
		}
		if !ok {
			continue
		}

		result.PerSource[source] = price
		sum = sum.Add(price.Mul(weight))
		usedWeight = usedWeight.Add(weight)
	}

	if usedWeight.IsZero() {
		return WeightedPrice{}, false, nil
	}

	result.Value = sum.Div(usedWeight)
	result.UsedWeight = usedWeight
	return result, true, nil
}

func (a *Aggregator) sourcePriceAt(ctx context.Context, symbol, source string, tMs int64) (decimal.Decimal, bool, error) {
	bin, ok, err := a.bins.LatestSourceBin(ctx, symbol, source, tMs, tMs-lookbackMs)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	if !ok {
		bin, ok, err = a.bins.EarliestSourceBinAfter(ctx, symbol, source, tMs, tMs+lookbackMs)
		if err != nil || !ok {
			return decimal.Decimal{}, false, err
		}
	}
	return bin.Price, true, nil
}

// Sources lists the exchanges with binned coverage for a symbol.
func (a *Aggregator) Sources(ctx context.Context, symbol string) ([]string, error) {
	return a.bins.ListBinSources(ctx, symbol)
}
