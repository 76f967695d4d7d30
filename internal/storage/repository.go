package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertTradeSQL = `INSERT INTO trades (source, symbol, ts_ms, price)
    VALUES ($1,$2,$3,$4);`

	countTradesSQL = `SELECT COUNT(*) FROM trades WHERE symbol = $1;`

	listTradesInBucketSQL = `SELECT source, symbol, ts_ms, price
    FROM trades
    WHERE symbol = $1
      AND ts_ms >= $2
      AND ts_ms < $3
    ORDER BY ts_ms, source;`

	upsertSourceBinSQL = `INSERT INTO source_bins (symbol, source, bucket_ms, price)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT (symbol, source, bucket_ms) DO UPDATE
    SET price = EXCLUDED.price;`

	upsertAggregateBinSQL = `INSERT INTO aggregate_bins (symbol, bucket_ms, price)
    VALUES ($1,$2,$3)
    ON CONFLICT (symbol, bucket_ms) DO UPDATE
    SET price = EXCLUDED.price;`

	latestAggregateBinSQL = `SELECT symbol, bucket_ms, price
    FROM aggregate_bins
    WHERE symbol = $1
      AND bucket_ms <= $2
      AND bucket_ms >= $3
    ORDER BY bucket_ms DESC
    LIMIT 1;`

	earliestAggregateBinAfterSQL = `SELECT symbol, bucket_ms, price
    FROM aggregate_bins
    WHERE symbol = $1
      AND bucket_ms > $2
      AND bucket_ms <= $3
    ORDER BY bucket_ms
    LIMIT 1;`

	latestSourceBinSQL = `SELECT symbol, source, bucket_ms, price
    FROM source_bins
    WHERE symbol = $1
      AND source = $2
      AND bucket_ms <= $3
      AND bucket_ms >= $4
    ORDER BY bucket_ms DESC
    LIMIT 1;`

	earliestSourceBinAfterSQL = `SELECT symbol, source, bucket_ms, price
    FROM source_bins
    WHERE symbol = $1
      AND source = $2
      AND bucket_ms > $3
      AND bucket_ms <= $4
    ORDER BY bucket_ms
    LIMIT 1;`

	listBinSourcesSQL = `SELECT DISTINCT source FROM source_bins WHERE symbol = $1;`

	upsertOracleConfigSQL = `INSERT INTO oracle_configs (
        chain_id,
        oracle_addr,
        heartbeat_seconds,
        deviation_bps,
        decimals,
        scale_factor,
        lag_seconds
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (chain_id, oracle_addr) DO UPDATE
    SET heartbeat_seconds = EXCLUDED.heartbeat_seconds,
        deviation_bps     = EXCLUDED.deviation_bps,
        decimals          = EXCLUDED.decimals,
        scale_factor      = EXCLUDED.scale_factor,
        updated_at        = now();`

	getOracleConfigSQL = `SELECT chain_id, oracle_addr, heartbeat_seconds, deviation_bps, decimals, scale_factor, lag_seconds, updated_at
    FROM oracle_configs
    WHERE chain_id = $1 AND oracle_addr = $2;`

	listOracleConfigsSQL = `SELECT chain_id, oracle_addr, heartbeat_seconds, deviation_bps, decimals, scale_factor, lag_seconds, updated_at
    FROM oracle_configs
    ORDER BY chain_id, oracle_addr;`

	setOracleLagSQL = `UPDATE oracle_configs
    SET lag_seconds = $3, updated_at = now()
    WHERE chain_id = $1 AND oracle_addr = $2;`

	deleteWeightsSQL = `DELETE FROM cex_weights WHERE chain_id = $1 AND oracle_addr = $2;`

	insertWeightSQL = `INSERT INTO cex_weights (chain_id, oracle_addr, source, weight)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT (chain_id, oracle_addr, source) DO UPDATE
    SET weight = EXCLUDED.weight;`

	listWeightsSQL = `SELECT chain_id, oracle_addr, source, weight
    FROM cex_weights
    WHERE chain_id = $1 AND oracle_addr = $2
    ORDER BY source;`

	insertOracleSampleSQL = `INSERT INTO oracle_samples (
        chain_id,
        oracle_addr,
        block_number,
        tx_hash,
        answer,
        cex_price,
        event_ts_ms,
        error_bps
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (chain_id, oracle_addr, tx_hash) DO NOTHING;`

	listRecentSamplesSQL = `SELECT chain_id, oracle_addr, block_number, tx_hash, answer, cex_price, event_ts_ms, error_bps, created_at
    FROM oracle_samples
    WHERE chain_id = $1 AND oracle_addr = $2
    ORDER BY event_ts_ms DESC
    LIMIT $3;`

	listSamplesBetweenSQL = `SELECT chain_id, oracle_addr, block_number, tx_hash, answer, cex_price, event_ts_ms, error_bps, created_at
    FROM oracle_samples
    WHERE chain_id = $1
      AND oracle_addr = $2
      AND event_ts_ms >= $3
      AND event_ts_ms < $4
    ORDER BY event_ts_ms;`

	countSamplesSQL = `SELECT COUNT(*) FROM oracle_samples;`
)

// TradeStore covers raw print persistence used by the ingestor and the
// aggregator's bucket rebuild.
type TradeStore interface {
	InsertTrades(ctx context.Context, trades []Trade) error
	InsertTrade(ctx context.Context, trade Trade) error
	CountTrades(ctx context.Context, symbol string) (int64, error)
	ListTradesInBucket(ctx context.Context, symbol string, bucketMs, widthMs int64) ([]Trade, error)
}

// BinStore covers the derived 100ms series.
type BinStore interface {
	UpsertSourceBin(ctx context.Context, bin SourceBin) error
	UpsertAggregateBin(ctx context.Context, bin AggregateBin) error
	LatestAggregateBin(ctx context.Context, symbol string, atMs, minMs int64) (AggregateBin, bool, error)
	EarliestAggregateBinAfter(ctx context.Context, symbol string, afterMs, maxMs int64) (AggregateBin, bool, error)
	LatestSourceBin(ctx context.Context, symbol, source string, atMs, minMs int64) (SourceBin, bool, error)
	EarliestSourceBinAfter(ctx context.Context, symbol, source string, afterMs, maxMs int64) (SourceBin, bool, error)
	ListBinSources(ctx context.Context, symbol string) ([]string, error)
}

// OracleStore covers per-oracle configuration and calibrated weights.
type OracleStore interface {
	UpsertOracleConfig(ctx context.Context, cfg OracleConfig) error
	GetOracleConfig(ctx context.Context, chainID int64, addr string) (OracleConfig, bool, error)
	ListOracleConfigs(ctx context.Context) ([]OracleConfig, error)
	SetOracleLag(ctx context.Context, chainID int64, addr string, lagSeconds decimal.Decimal) error
	ReplaceWeights(ctx context.Context, chainID int64, addr string, weights []CexWeight) error
	ListWeights(ctx context.Context, chainID int64, addr string) ([]CexWeight, error)
}

// SampleStore covers the measured-accuracy history.
type SampleStore interface {
	InsertOracleSample(ctx context.Context, sample OracleSample) error
	ListRecentSamples(ctx context.Context, chainID int64, addr string, limit int) ([]OracleSample, error)
	ListSamplesBetween(ctx context.Context, chainID int64, addr string, fromMs, toMs int64) ([]OracleSample, error)
	CountSamples(ctx context.Context) (int64, error)
}

// Store aggregates access to all persisted series.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertTrades appends a batch of raw prints in one round trip.
func (s *Store) InsertTrades(ctx context.Context, trades []Trade) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, trade := range trades {
		batch.Queue(insertTradeSQL, trade.Source, trade.Symbol, trade.TimestampMs, trade.Price.String())
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	for range trades {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("insert trade batch: %w", execErr)
		}
	}
	return nil
}

// InsertTrade appends a single raw print.
func (s *Store) InsertTrade(ctx context.Context, trade Trade) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertTradeSQL, trade.Source, trade.Symbol, trade.TimestampMs, trade.Price.String()); execErr != nil {
		return fmt.Errorf("insert trade: %w", execErr)
	}
	return nil
}

// CountTrades counts stored prints for one symbol.
func (s *Store) CountTrades(ctx context.Context, symbol string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countTradesSQL, symbol).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count trades: %w", scanErr)
	}
	return count, nil
}

// ListTradesInBucket returns raw prints inside [bucketMs, bucketMs+widthMs).
func (s *Store) ListTradesInBucket(ctx context.Context, symbol string, bucketMs, widthMs int64) ([]Trade, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTradesInBucketSQL, symbol, bucketMs, bucketMs+widthMs)
	if queryErr != nil {
		return nil, fmt.Errorf("list trades in bucket: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]Trade, 0)
	for rows.Next() {
		var trade Trade
		var priceStr string
		if err := rows.Scan(&trade.Source, &trade.Symbol, &trade.TimestampMs, &priceStr); err != nil {
			return nil, err
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse trade price: %w", convErr)
		}
		trade.Price = price
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// UpsertSourceBin persists one per-exchange bucket median.
func (s *Store) UpsertSourceBin(ctx context.Context, bin SourceBin) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertSourceBinSQL, bin.Symbol, bin.Source, bin.BucketMs, bin.Price.String()); execErr != nil {
		return fmt.Errorf("upsert source bin: %w", execErr)
	}
	return nil
}

// UpsertAggregateBin persists one cross-exchange bucket value.
func (s *Store) UpsertAggregateBin(ctx context.Context, bin AggregateBin) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertAggregateBinSQL, bin.Symbol, bin.BucketMs, bin.Price.String()); execErr != nil {
		return fmt.Errorf("upsert aggregate bin: %w", execErr)
	}
	return nil
}

// LatestAggregateBin returns the newest aggregate bucket in [minMs, atMs].
func (s *Store) LatestAggregateBin(ctx context.Context, symbol string, atMs, minMs int64) (AggregateBin, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AggregateBin{}, false, err
	}
	return scanAggregateBin(pool.QueryRow(ctx, latestAggregateBinSQL, symbol, atMs, minMs))
}

// EarliestAggregateBinAfter returns the oldest aggregate bucket in (afterMs, maxMs].
func (s *Store) EarliestAggregateBinAfter(ctx context.Context, symbol string, afterMs, maxMs int64) (AggregateBin, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AggregateBin{}, false, err
	}
	return scanAggregateBin(pool.QueryRow(ctx, earliestAggregateBinAfterSQL, symbol, afterMs, maxMs))
}

// LatestSourceBin returns the newest per-source bucket in [minMs, atMs].
func (s *Store) LatestSourceBin(ctx context.Context, symbol, source string, atMs, minMs int64) (SourceBin, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return SourceBin{}, false, err
	}
	return scanSourceBin(pool.QueryRow(ctx, latestSourceBinSQL, symbol, source, atMs, minMs))
}

// EarliestSourceBinAfter returns the oldest per-source bucket in (afterMs, maxMs].
func (s *Store) EarliestSourceBinAfter(ctx context.Context, symbol, source string, afterMs, maxMs int64) (SourceBin, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return SourceBin{}, false, err
	}
	return scanSourceBin(pool.QueryRow(ctx, earliestSourceBinAfterSQL, symbol, source, afterMs, maxMs))
}

// ListBinSources lists the exchanges that have binned data for a symbol.
func (s *Store) ListBinSources(ctx context.Context, symbol string) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listBinSourcesSQL, symbol)
	if queryErr != nil {
		return nil, fmt.Errorf("list bin sources: %w", queryErr)
	}
	defer rows.Close()

	sources := make([]string, 0)
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}
	return sources, rows.Err()
}

// UpsertOracleConfig seeds or refreshes an oracle's thresholds. The
// calibrated lag is deliberately left untouched on conflict.
func (s *Store) UpsertOracleConfig(ctx context.Context, cfg OracleConfig) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertOracleConfigSQL,
		cfg.ChainID,
		cfg.OracleAddr,
		cfg.HeartbeatSeconds,
		cfg.DeviationBps,
		cfg.Decimals,
		cfg.ScaleFactor.String(),
		cfg.LagSeconds.String(),
	); execErr != nil {
		return fmt.Errorf("upsert oracle config: %w", execErr)
	}
	return nil
}

// GetOracleConfig looks up one oracle's configuration.
func (s *Store) GetOracleConfig(ctx context.Context, chainID int64, addr string) (OracleConfig, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return OracleConfig{}, false, err
	}
	cfg, scanErr := scanOracleConfig(pool.QueryRow(ctx, getOracleConfigSQL, chainID, addr))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return OracleConfig{}, false, nil
		}
		return OracleConfig{}, false, scanErr
	}
	return cfg, true, nil
}

// ListOracleConfigs lists every tracked oracle.
func (s *Store) ListOracleConfigs(ctx context.Context) ([]OracleConfig, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listOracleConfigsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list oracle configs: %w", queryErr)
	}
	defer rows.Close()

	configs := make([]OracleConfig, 0)
	for rows.Next() {
		cfg, scanErr := scanOracleConfig(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// SetOracleLag persists a calibrated observation lag.
func (s *Store) SetOracleLag(ctx context.Context, chainID int64, addr string, lagSeconds decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, setOracleLagSQL, chainID, addr, lagSeconds.String())
	if execErr != nil {
		return fmt.Errorf("set oracle lag: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ReplaceWeights swaps the stored weight vector for one oracle.
func (s *Store) ReplaceWeights(ctx context.Context, chainID int64, addr string, weights []CexWeight) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, txErr := pool.Begin(ctx)
	if txErr != nil {
		return fmt.Errorf("begin weights tx: %w", txErr)
	}
	defer tx.Rollback(ctx)

	if _, execErr := tx.Exec(ctx, deleteWeightsSQL, chainID, addr); execErr != nil {
		return fmt.Errorf("clear weights: %w", execErr)
	}
	for _, weight := range weights {
		if _, execErr := tx.Exec(ctx, insertWeightSQL, chainID, addr, weight.Source, weight.Weight.String()); execErr != nil {
			return fmt.Errorf("insert weight: %w", execErr)
		}
	}
	return tx.Commit(ctx)
}

// ListWeights lists the stored weight vector for one oracle.
func (s *Store) ListWeights(ctx context.Context, chainID int64, addr string) ([]CexWeight, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listWeightsSQL, chainID, addr)
	if queryErr != nil {
		return nil, fmt.Errorf("list weights: %w", queryErr)
	}
	defer rows.Close()

	weights := make([]CexWeight, 0)
	for rows.Next() {
		var weight CexWeight
		var weightStr string
		if err := rows.Scan(&weight.ChainID, &weight.OracleAddr, &weight.Source, &weightStr); err != nil {
			return nil, err
		}
		value, convErr := decimal.NewFromString(weightStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse weight: %w", convErr)
		}
		weight.Weight = value
		weights = append(weights, weight)
	}
	return weights, rows.Err()
}

// InsertOracleSample records one transmission/CEX correlation. Duplicate
// transactions are ignored so re-running calibration stays idempotent.
func (s *Store) InsertOracleSample(ctx context.Context, sample OracleSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertOracleSampleSQL,
		sample.ChainID,
		sample.OracleAddr,
		sample.BlockNumber,
		sample.TxHash,
		sample.Answer.String(),
		sample.CexPrice.String(),
		sample.EventTimeMs,
		sample.ErrorBps.String(),
	); execErr != nil {
		return fmt.Errorf("insert oracle sample: %w", execErr)
	}
	return nil
}

// ListRecentSamples lists the most recent samples for one oracle.
func (s *Store) ListRecentSamples(ctx context.Context, chainID int64, addr string, limit int) ([]OracleSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, chainID, addr, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()
	return collectSamples(rows)
}

// ListSamplesBetween lists samples within an event-time window.
func (s *Store) ListSamplesBetween(ctx context.Context, chainID int64, addr string, fromMs, toMs int64) ([]OracleSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, chainID, addr, fromMs, toMs)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()
	return collectSamples(rows)
}

// CountSamples counts stored samples across all oracles.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

func scanAggregateBin(row pgx.Row) (AggregateBin, bool, error) {
	var bin AggregateBin
	var priceStr string
	if err := row.Scan(&bin.Symbol, &bin.BucketMs, &priceStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AggregateBin{}, false, nil
		}
		return AggregateBin{}, false, err
	}
	price, convErr := decimal.NewFromString(priceStr)
	if convErr != nil {
		return AggregateBin{}, false, fmt.Errorf("parse aggregate price: %w", convErr)
	}
	bin.Price = price
	return bin, true, nil
}

func scanSourceBin(row pgx.Row) (SourceBin, bool, error) {
	var bin SourceBin
	var priceStr string
	if err := row.Scan(&bin.Symbol, &bin.Source, &bin.BucketMs, &priceStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SourceBin{}, false, nil
		}
		return SourceBin{}, false, err
	}
	price, convErr := decimal.NewFromString(priceStr)
	if convErr != nil {
		return SourceBin{}, false, fmt.Errorf("parse source price: %w", convErr)
	}
	bin.Price = price
	return bin, true, nil
}

func scanOracleConfig(row pgx.Row) (OracleConfig, error) {
	var cfg OracleConfig
	var scaleStr, lagStr string
	if err := row.Scan(
		&cfg.ChainID,
		&cfg.OracleAddr,
		&cfg.HeartbeatSeconds,
		&cfg.DeviationBps,
		&cfg.Decimals,
		&scaleStr,
		&lagStr,
		&cfg.UpdatedAt,
	); err != nil {
		return OracleConfig{}, err
	}

	scale, err := decimal.NewFromString(scaleStr)
	if err != nil {
		return OracleConfig{}, fmt.Errorf("parse scale factor: %w", err)
	}
	lag, err := decimal.NewFromString(lagStr)
	if err != nil {
		return OracleConfig{}, fmt.Errorf("parse lag seconds: %w", err)
	}
	cfg.ScaleFactor = scale
	cfg.LagSeconds = lag
	return cfg, nil
}

func collectSamples(rows pgx.Rows) ([]OracleSample, error) {
	samples := make([]OracleSample, 0)
	for rows.Next() {
		var sample OracleSample
		var answerStr, cexStr, errStr string
		var createdAt time.Time
		if err := rows.Scan(
			&sample.ChainID,
			&sample.OracleAddr,
			&sample.BlockNumber,
			&sample.TxHash,
			&answerStr,
			&cexStr,
			&sample.EventTimeMs,
			&errStr,
			&createdAt,
		); err != nil {
			return nil, err
		}

		answer, convErr := decimal.NewFromString(answerStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse sample answer: %w", convErr)
		}
		cex, convErr := decimal.NewFromString(cexStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse sample cex price: %w", convErr)
		}
		errBps, convErr := decimal.NewFromString(errStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse sample error bps: %w", convErr)
		}

		sample.Answer = answer
		sample.CexPrice = cex
		sample.ErrorBps = errBps
		sample.CreatedAt = createdAt
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}
