package predict

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-predictor/internal/aggregate"
	"oracle-predictor/internal/oracle"
	"oracle-predictor/internal/storage"
)

var (
	// ErrOracleNotConfigured means the oracle has no stored configuration.
	ErrOracleNotConfigured = errors.New("predict: oracle not configured")
	// ErrNoPrice means the aggregate series has no coverage at the
	// requested instant.
	ErrNoPrice = errors.New("predict: no price available")
)

// Pricer is the aggregator query surface the service reads from.
type Pricer interface {
	PriceAt(ctx context.Context, symbol string, tMs int64) (decimal.Decimal, bool, error)
	WeightedAt(ctx context.Context, symbol string, tMs int64, weights map[string]decimal.Decimal) (aggregate.WeightedPrice, bool, error)
	Sources(ctx context.Context, symbol string) ([]string, error)
}

// PriceNow is the current aggregated price of one symbol.
type PriceNow struct {
	Symbol  string
	Price   decimal.Decimal
	Sources []string
}

// Prediction is the oracle-shaped answer the service expects the oracle to
// publish for a given instant.
type Prediction struct {
	ChainID    int64
	OracleAddr string
	Symbols    []string
	LagMs      int64
	Answer     decimal.Decimal
	FixedPoint *big.Int
	Verified   bool
}

// TransmitReasons reports each trigger independently so callers can tell
// deviation-driven updates from heartbeat-driven ones.
type TransmitReasons struct {
	Deviation bool
	Heartbeat bool
}

// TransmitDecision is the "should the oracle publish now" verdict.
type TransmitDecision struct {
	Should       bool
	Reasons      TransmitReasons
	Predicted    decimal.Decimal
	LastOnchain  decimal.Decimal
	DeviationBps decimal.Decimal
	AgeSeconds   int64
}

// BacktestReport summarises realized prediction error over stored samples.
type BacktestReport struct {
	ChainID    int64
	OracleAddr string
	Count      int
	P50ErrBps  decimal.Decimal
	P90ErrBps  decimal.Decimal
	MaxErrBps  decimal.Decimal
}

// Service is the read-only prediction query surface. It mutates nothing and
// tolerates unbounded concurrent use.
type Service struct {
	pricer   Pricer
	registry *oracle.Registry
	oracles  storage.OracleStore
	samples  storage.SampleStore
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs the prediction service.
func New(pricer Pricer, registry *oracle.Registry, oracles storage.OracleStore, samples storage.SampleStore, logger zerolog.Logger) *Service {
	return &Service{
		pricer:   pricer,
		registry: registry,
		oracles:  oracles,
		samples:  samples,
		logger:   logger.With().Str("component", "prediction").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AggregatedPrice returns the current aggregate price for one symbol.
func (s *Service) AggregatedPrice(ctx context.Context, symbol string) (PriceNow, error) {
	nowMs := s.now().UnixMilli()

	price, ok, err := s.pricer.PriceAt(ctx, symbol, nowMs)
	if err != nil {
		return PriceNow{}, err
	}
	if !ok {
		return PriceNow{}, ErrNoPrice
	}

	sources, err := s.pricer.Sources(ctx, symbol)
	if err != nil {
		return PriceNow{}, err
	}
	sort.Strings(sources)

	return PriceNow{Symbol: symbol, Price: price, Sources: sources}, nil
}

// PredictedAt answers "what will/did the oracle report at tMs with lag
// lagMs". A negative lagMs means "use the calibrated lag".
func (s *Service) PredictedAt(ctx context.Context, chainID int64, addr string, tMs, lagMs int64) (Prediction, error) {
	return s.predictedAt(ctx, chainID, addr, tMs, lagMs, "")
}

func (s *Service) predictedAt(ctx context.Context, chainID int64, addr string, tMs, lagMs int64, symbolOverride string) (Prediction, error) {
	cfg, found, err := s.oracles.GetOracleConfig(ctx, chainID, addr)
	if err != nil {
		return Prediction{}, err
	}
	if !found {
		return Prediction{}, ErrOracleNotConfigured
	}

	if lagMs < 0 {
		lagMs = cfg.LagSeconds.Mul(decimal.NewFromInt(1000)).IntPart()
	}

	adapter, verified := s.registry.Resolve(chainID, addr)
	if !verified && symbolOverride != "" {
		adapter = oracle.SingleFeed(symbolOverride)
	}
	weights, err := s.weightsFor(ctx, chainID, addr)
	if err != nil {
		return Prediction{}, err
	}

	required := adapter.RequiredSymbols()
	prices := make(map[string]decimal.Decimal, len(required))
	for _, symbol := range required {
		price, ok, err := s.symbolPriceAt(ctx, symbol, tMs-lagMs, weights)
		if err != nil {
			return Prediction{}, err
		}
		if !ok {
			return Prediction{}, ErrNoPrice
		}
		prices[symbol] = price
	}

	computed, ok := adapter.Compute(prices, cfg.Decimals, cfg.ScaleFactor)
	if !ok {
		return Prediction{}, ErrNoPrice
	}

	return Prediction{
		ChainID:    chainID,
		OracleAddr: addr,
		Symbols:    required,
		LagMs:      lagMs,
		Answer:     computed.Answer,
		FixedPoint: computed.FixedPoint,
		Verified:   verified,
	}, nil
}

// ShouldTransmit decides whether the oracle is due to publish: the
// predicted answer deviates from the last on-chain answer by at least the
// deviation threshold (inclusive), or the last update is older than the
// heartbeat. With no known on-chain history the heartbeat reason fires.
// A non-empty symbolOverride substitutes the feed symbol for oracles that
// have no registered adapter.
func (s *Service) ShouldTransmit(ctx context.Context, chainID int64, addr, symbolOverride string) (TransmitDecision, Prediction, error) {
	cfg, found, err := s.oracles.GetOracleConfig(ctx, chainID, addr)
	if err != nil {
		return TransmitDecision{}, Prediction{}, err
	}
	if !found {
		return TransmitDecision{}, Prediction{}, ErrOracleNotConfigured
	}

	prediction, err := s.predictedAt(ctx, chainID, addr, s.now().UnixMilli(), -1, symbolOverride)
	if err != nil {
		return TransmitDecision{}, Prediction{}, err
	}

	last, err := s.samples.ListRecentSamples(ctx, chainID, addr, 1)
	if err != nil {
		return TransmitDecision{}, Prediction{}, err
	}

	decision := TransmitDecision{Predicted: prediction.Answer}
	if len(last) == 0 {
		decision.Reasons.Heartbeat = true
		decision.Should = true
		return decision, prediction, nil
	}

	lastSample := last[0]
	decision.LastOnchain = lastSample.Answer
	decision.AgeSeconds = (s.now().UnixMilli() - lastSample.EventTimeMs) / 1000

	// The raw deviation is compared unrounded; rounding first would let a
	// 9.5 bps move trip a 10 bps threshold.
	if !lastSample.Answer.IsZero() {
		decision.DeviationBps = prediction.Answer.Div(lastSample.Answer).
			Sub(decimal.NewFromInt(1)).
			Mul(decimal.NewFromInt(10000)).
			Abs()
		decision.Reasons.Deviation = decision.DeviationBps.GreaterThanOrEqual(decimal.NewFromInt(cfg.DeviationBps))
	}
	decision.Reasons.Heartbeat = decision.AgeSeconds >= cfg.HeartbeatSeconds
	decision.Should = decision.Reasons.Deviation || decision.Reasons.Heartbeat
	return decision, prediction, nil
}

// Backtest reports the realized error distribution of the stored samples
// for one oracle. Monitoring only, never part of live decisioning.
func (s *Service) Backtest(ctx context.Context, chainID int64, addr string, limit int) (BacktestReport, error) {
	if limit <= 0 {
		limit = 200
	}

	samples, err := s.samples.ListRecentSamples(ctx, chainID, addr, limit)
	if err != nil {
		return BacktestReport{}, err
	}

	report := BacktestReport{ChainID: chainID, OracleAddr: addr, Count: len(samples)}
	if len(samples) == 0 {
		return report, nil
	}

	errs := make([]decimal.Decimal, 0, len(samples))
	for _, sample := range samples {
		abs := sample.ErrorBps.Abs()
		errs = append(errs, abs)
		if abs.GreaterThan(report.MaxErrBps) {
			report.MaxErrBps = abs
		}
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].LessThan(errs[j]) })

	report.P50ErrBps = rank(errs, 50)
	report.P90ErrBps = rank(errs, 90)
	return report, nil
}

// WeightedPriceAt exposes the ad-hoc weighted query with caller-supplied
// weights, for the /priceAt endpoint.
func (s *Service) WeightedPriceAt(ctx context.Context, symbol string, tMs int64, weights map[string]decimal.Decimal) (aggregate.WeightedPrice, error) {
	if len(weights) == 0 {
		price, ok, err := s.pricer.PriceAt(ctx, symbol, tMs)
		if err != nil {
			return aggregate.WeightedPrice{}, err
		}
		if !ok {
			return aggregate.WeightedPrice{}, ErrNoPrice
		}
		return aggregate.WeightedPrice{Value: price}, nil
	}

	combined, ok, err := s.pricer.WeightedAt(ctx, symbol, tMs, weights)
	if err != nil {
		return aggregate.WeightedPrice{}, err
	}
	if !ok {
		return aggregate.WeightedPrice{}, ErrNoPrice
	}
	return combined, nil
}

func (s *Service) weightsFor(ctx context.Context, chainID int64, addr string) (map[string]decimal.Decimal, error) {
	stored, err := s.oracles.ListWeights(ctx, chainID, addr)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, nil
	}

	weights := make(map[string]decimal.Decimal, len(stored))
	for _, weight := range stored {
		weights[weight.Source] = weight.Weight
	}
	return weights, nil
}

func (s *Service) symbolPriceAt(ctx context.Context, symbol string, tMs int64, weights map[string]decimal.Decimal) (decimal.Decimal, bool, error) {
	if len(weights) == 0 {
		return s.pricer.PriceAt(ctx, symbol, tMs)
	}

	combined, ok, err := s.pricer.WeightedAt(ctx, symbol, tMs, weights)
	if err != nil || !ok {
		return decimal.Decimal{}, ok, err
	}
	return combined.Value, true, nil
}

// rank picks the q-th percentile of already-sorted values by nearest rank.
func rank(sorted []decimal.Decimal, q int) decimal.Decimal {
	n := len(sorted)
	if n == 0 {
		return decimal.Zero
	}
	idx := (q*n + 99) / 100
	if idx < 1 {
		idx = 1
	}
	if idx > n {
		idx = n
	}
	return sorted[idx-1]
}
