package calibrate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-predictor/internal/aggregate"
	"oracle-predictor/internal/chain"
	"oracle-predictor/internal/storage"
)

var (
	// ErrAlreadyRunning means a fit for the same oracle is in flight.
	ErrAlreadyRunning = errors.New("calibrate: fit already running for oracle")
	// ErrInfeasible means no lag candidate had enough usable samples. Prior
	// configuration is left untouched.
	ErrInfeasible = errors.New("calibrate: insufficient coverage for any lag candidate")
)

// History supplies an oracle's recent on-chain answers.
type History interface {
	RecentTransmissions(ctx context.Context, oracleAddr string, maxCount int) ([]chain.Transmission, error)
}

// HistoryFactory opens a History against one RPC endpoint.
type HistoryFactory func(rpcURL string) History

// Pricer is the aggregator query the fit replays history against.
type Pricer interface {
	WeightedAt(ctx context.Context, symbol string, tMs int64, weights map[string]decimal.Decimal) (aggregate.WeightedPrice, bool, error)
}

// Target identifies one oracle to fit.
type Target struct {
	ChainID    int64
	OracleAddr string
	Symbol     string
	Decimals   int32
	Sources    []string
	RPCURL     string
}

// Candidate is one point of the grid search: a lag plus a weight vector and
// the error distribution they produced.
type Candidate struct {
	LagMs       int64
	Weights     map[string]decimal.Decimal
	P50ErrBps   decimal.Decimal
	P90ErrBps   decimal.Decimal
	UsedSamples int
}

// Better reports whether c should win over other: smaller p90 first, since
// liquidation timing is driven by worst-case mispredictions, then smaller
// p50 on ties.
func (c Candidate) Better(other Candidate) bool {
	switch c.P90ErrBps.Cmp(other.P90ErrBps) {
	case -1:
		return true
	case 1:
		return false
	default:
		return c.P50ErrBps.LessThan(other.P50ErrBps)
	}
}

// Options bound the grid search.
type Options struct {
	MaxSamples       int
	LagMaxMs         int64
	LagStepMs        int64
	MinSamples       int
	MinCoveragePct   int
	InterOraclePause time.Duration
}

// Engine fits the observation lag and per-source weights of each oracle by
// replaying its historical answers against the aggregated CEX series. It is
// an idempotent batch job: fits for different oracles run sequentially, and
// a given oracle's fit is never re-entered while running.
type Engine struct {
	opts       Options
	pricer     Pricer
	oracles    storage.OracleStore
	samples    storage.SampleStore
	historyFor HistoryFactory
	logger     zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// New constructs an Engine.
func New(opts Options, pricer Pricer, oracles storage.OracleStore, samples storage.SampleStore, historyFor HistoryFactory, logger zerolog.Logger) *Engine {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 60
	}
	if opts.LagStepMs <= 0 {
		opts.LagStepMs = 100
	}
	if opts.LagMaxMs <= 0 {
		opts.LagMaxMs = 3000
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 10
	}
	if opts.MinCoveragePct <= 0 {
		opts.MinCoveragePct = 40
	}

	return &Engine{
		opts:       opts,
		pricer:     pricer,
		oracles:    oracles,
		samples:    samples,
		historyFor: historyFor,
		logger:     logger.With().Str("component", "calibration").Logger(),
		running:    make(map[string]bool),
	}
}

// Run fits every target sequentially with a small pause in between to bound
// RPC and store load. Per-oracle failures are logged and skipped.
func (e *Engine) Run(ctx context.Context, targets []Target) error {
	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.CalibrateOracle(ctx, target); err != nil {
			e.logger.Warn().Err(err).
				Int64("chain_id", target.ChainID).
				Str("oracle", target.OracleAddr).
				Msg("calibration skipped")
		}

		if i < len(targets)-1 && e.opts.InterOraclePause > 0 {
			timer := time.NewTimer(e.opts.InterOraclePause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil
}

// CalibrateOracle fits one oracle and persists the winning lag and a
// uniform weight vector. The advisory running flag is local state only: a
// missed or duplicated run self-corrects on the next one.
func (e *Engine) CalibrateOracle(ctx context.Context, target Target) error {
	key := fmt.Sprintf("%d:%s", target.ChainID, target.OracleAddr)

	e.mu.Lock()
	if e.running[key] {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running[key] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.running, key)
		e.mu.Unlock()
	}()

	history := e.historyFor(target.RPCURL)
	transmissions, err := history.RecentTransmissions(ctx, target.OracleAddr, e.opts.MaxSamples)
	if err != nil {
		return fmt.Errorf("fetch transmissions: %w", err)
	}
	if len(transmissions) == 0 {
		return ErrInfeasible
	}

	winner, ok, err := e.sweep(ctx, target, transmissions)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInfeasible
	}

	lagSeconds := decimal.NewFromFloat(math.Round(float64(winner.LagMs) / 1000.0))
	if err := e.oracles.SetOracleLag(ctx, target.ChainID, target.OracleAddr, lagSeconds); err != nil {
		return fmt.Errorf("persist lag: %w", err)
	}

	weights := make([]storage.CexWeight, 0, len(winner.Weights))
	for source, weight := range winner.Weights {
		weights = append(weights, storage.CexWeight{
			ChainID:    target.ChainID,
			OracleAddr: target.OracleAddr,
			Source:     source,
			Weight:     weight,
		})
	}
	sort.Slice(weights, func(i, j int) bool { return weights[i].Source < weights[j].Source })
	if err := e.oracles.ReplaceWeights(ctx, target.ChainID, target.OracleAddr, weights); err != nil {
		return fmt.Errorf("persist weights: %w", err)
	}

	if err := e.recordSamples(ctx, target, transmissions, winner); err != nil {
		e.logger.Warn().Err(err).Str("oracle", target.OracleAddr).Msg("sample persistence incomplete")
	}

	e.logger.Info().
		Int64("chain_id", target.ChainID).
		Str("oracle", target.OracleAddr).
		Int64("lag_ms", winner.LagMs).
		Str("p50_bps", winner.P50ErrBps.String()).
		Str("p90_bps", winner.P90ErrBps.String()).
		Int("samples", winner.UsedSamples).
		Msg("calibration complete")
	return nil
}

// sweep evaluates the lag grid over every candidate weight vector and
// returns the best candidate, if any survives the coverage floor.
func (e *Engine) sweep(ctx context.Context, target Target, transmissions []chain.Transmission) (Candidate, bool, error) {
	floor := e.opts.MinSamples
	if pct := len(transmissions) * e.opts.MinCoveragePct / 100; pct > floor {
		floor = pct
	}

	var best Candidate
	found := false

	for _, weights := range e.weightVectors(target.Sources) {
		for lag := int64(0); lag <= e.opts.LagMaxMs; lag += e.opts.LagStepMs {
			errs := make([]decimal.Decimal, 0, len(transmissions))
			for _, transmission := range transmissions {
				if err := ctx.Err(); err != nil {
					return Candidate{}, false, err
				}

				tMs := transmission.Timestamp.UnixMilli() - lag
				predicted, ok, err := e.pricer.WeightedAt(ctx, target.Symbol, tMs, weights)
				if err != nil {
					return Candidate{}, false, fmt.Errorf("replay %s lag=%d: %w", target.Symbol, lag, err)
				}
				if !ok || predicted.Value.IsZero() {
					continue
				}

				answer := decimal.NewFromBigInt(transmission.Answer, -target.Decimals)
				errs = append(errs, errorBps(answer, predicted.Value).Abs())
			}

			if len(errs) < floor {
				continue
			}

			candidate := Candidate{
				LagMs:       lag,
				Weights:     weights,
				P50ErrBps:   percentile(errs, 50),
				P90ErrBps:   percentile(errs, 90),
				UsedSamples: len(errs),
			}
			if !found || candidate.Better(best) {
				best = candidate
				found = true
			}
		}
	}
	return best, found, nil
}

// weightVectors returns the weight candidates to sweep. The base fit uses
// only the uniform vector; the harness iterates whatever is returned here,
// so refined weight fitting slots in by extending this list.
func (e *Engine) weightVectors(sources []string) []map[string]decimal.Decimal {
	if len(sources) == 0 {
		return nil
	}
	uniform := make(map[string]decimal.Decimal, len(sources))
	share := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(sources))))
	for _, source := range sources {
		uniform[source] = share
	}
	return []map[string]decimal.Decimal{uniform}
}

// recordSamples persists the winning candidate's per-transmission
// correlation as the measured-accuracy history.
func (e *Engine) recordSamples(ctx context.Context, target Target, transmissions []chain.Transmission, winner Candidate) error {
	var firstErr error
	for _, transmission := range transmissions {
		tMs := transmission.Timestamp.UnixMilli() - winner.LagMs
		predicted, ok, err := e.pricer.WeightedAt(ctx, target.Symbol, tMs, winner.Weights)
		if err != nil {
			return err
		}
		if !ok || predicted.Value.IsZero() {
			continue
		}

		answer := decimal.NewFromBigInt(transmission.Answer, -target.Decimals)
		sample := storage.OracleSample{
			ChainID:     target.ChainID,
			OracleAddr:  target.OracleAddr,
			BlockNumber: int64(transmission.BlockNumber),
			TxHash:      transmission.TxHash,
			Answer:      answer,
			CexPrice:    predicted.Value,
			EventTimeMs: transmission.Timestamp.UnixMilli(),
			ErrorBps:    errorBps(answer, predicted.Value),
		}
		if err := e.samples.InsertOracleSample(ctx, sample); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// errorBps is the signed relative divergence of answer from predicted in
// basis points, rounded to a whole bp.
func errorBps(answer, predicted decimal.Decimal) decimal.Decimal {
	if predicted.IsZero() {
		return decimal.Zero
	}
	return answer.Div(predicted).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(10000)).Round(0)
}

// percentile takes the q-th percentile of the values by nearest rank.
func percentile(values []decimal.Decimal, q int) decimal.Decimal {
	n := len(values)
	if n == 0 {
		return decimal.Zero
	}

	sorted := make([]decimal.Decimal, n)
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	idx := (q*n + 99) / 100
	if idx < 1 {
		idx = 1
	}
	if idx > n {
		idx = n
	}
	return sorted[idx-1]
}
