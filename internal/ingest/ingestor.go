package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"oracle-predictor/internal/exchange"
	"oracle-predictor/internal/retry"
	"oracle-predictor/internal/storage"
)

// Rebuilder recomputes derived bins after new prints land.
type Rebuilder interface {
	Rebuild(ctx context.Context, symbol string, tsMs int64) error
}

// Options tune the ingestor.
type Options struct {
	FlushInterval   time.Duration
	BufferLimit     int
	BackfillMinutes int
}

// Ingestor buffers trade prints from every configured exchange and flushes
// them into storage on a fixed interval. It owns the only mutable shared
// state in the ingestion path: the pending buffer.
type Ingestor struct {
	opts      Options
	store     storage.TradeStore
	rebuilder Rebuilder
	clients   []exchange.Client
	policy    retry.Policy
	logger    zerolog.Logger

	mu       sync.Mutex
	buffer   []storage.Trade
	flushing atomic.Bool
}

// New constructs an Ingestor.
func New(opts Options, store storage.TradeStore, rebuilder Rebuilder, clients []exchange.Client, logger zerolog.Logger) *Ingestor {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.BufferLimit <= 0 {
		opts.BufferLimit = 50000
	}
	if opts.BackfillMinutes <= 0 {
		opts.BackfillMinutes = 10
	}

	return &Ingestor{
		opts:      opts,
		store:     store,
		rebuilder: rebuilder,
		clients:   clients,
		policy:    retry.Default,
		logger:    logger.With().Str("component", "ingestor").Logger(),
	}
}

// Enqueue adds one print to the pending buffer. When the buffer is full the
// oldest print is dropped; ingestion never blocks the stream reader.
func (in *Ingestor) Enqueue(trade storage.Trade) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if len(in.buffer) >= in.opts.BufferLimit {
		in.buffer = in.buffer[1:]
		in.logger.Warn().Str("symbol", trade.Symbol).Msg("buffer full, dropping oldest print")
	}
	in.buffer = append(in.buffer, trade)
}

// Flush drains the buffer into storage. Safe to call concurrently: an
// overlapping call finds the flush flag set and returns immediately rather
// than queueing behind the running one.
func (in *Ingestor) Flush(ctx context.Context) error {
	if !in.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer in.flushing.Store(false)

	in.mu.Lock()
	pending := in.buffer
	in.buffer = nil
	in.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	inserted := pending
	if err := in.store.InsertTrades(ctx, pending); err != nil {
		// One malformed row must not drop the whole batch: retry each print
		// individually and discard only the ones that still fail.
		in.logger.Warn().Err(err).Int("rows", len(pending)).Msg("batch insert failed, falling back to per-row")
		inserted = inserted[:0]
		for _, trade := range pending {
			if rowErr := in.store.InsertTrade(ctx, trade); rowErr != nil {
				in.logger.Error().Err(rowErr).
					Str("source", trade.Source).
					Str("symbol", trade.Symbol).
					Int64("ts_ms", trade.TimestampMs).
					Msg("dropping print after per-row insert failure")
				continue
			}
			inserted = append(inserted, trade)
		}
	}

	return in.rebuildBuckets(ctx, inserted)
}

func (in *Ingestor) rebuildBuckets(ctx context.Context, trades []storage.Trade) error {
	if in.rebuilder == nil {
		return nil
	}

	type bucketKey struct {
		symbol   string
		bucketMs int64
	}
	seen := make(map[bucketKey]struct{})
	for _, trade := range trades {
		key := bucketKey{symbol: trade.Symbol, bucketMs: trade.TimestampMs - trade.TimestampMs%100}
		if _, done := seen[key]; done {
			continue
		}
		seen[key] = struct{}{}

		if err := in.rebuilder.Rebuild(ctx, trade.Symbol, trade.TimestampMs); err != nil {
			in.logger.Error().Err(err).Str("symbol", trade.Symbol).Msg("bucket rebuild failed")
		}
	}
	return nil
}

// Run starts the stream readers and the periodic flush loop, blocking until
// ctx is cancelled. A cold-start backfill runs first so queries have
// coverage while live streaming catches up.
func (in *Ingestor) Run(ctx context.Context) error {
	if err := in.Backfill(ctx); err != nil {
		in.logger.Warn().Err(err).Msg("cold-start backfill incomplete")
	}

	prints := make(chan storage.Trade, 1024)
	var wg sync.WaitGroup
	for _, client := range in.clients {
		wg.Add(1)
		go func(client exchange.Client) {
			defer wg.Done()
			if err := client.Stream(ctx, prints); err != nil && ctx.Err() == nil {
				in.logger.Error().Err(err).Str("exchange", client.Name()).Msg("trade stream terminated")
			}
		}(client)
	}

	ticker := time.NewTicker(in.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = in.Flush(flushCtx)
			cancel()
			return ctx.Err()
		case trade := <-prints:
			in.Enqueue(trade)
		case <-ticker.C:
			if err := in.Flush(ctx); err != nil {
				in.logger.Error().Err(err).Msg("flush failed")
			}
		}
	}
}

// Backfill expands recent 1-minute candles into per-second synthetic ticks
// for every symbol that has no stored history yet. Symbols with any
// existing prints are skipped entirely so re-runs never duplicate data.
func (in *Ingestor) Backfill(ctx context.Context) error {
	var firstErr error
	for _, client := range in.clients {
		for _, symbol := range client.Symbols() {
			if err := in.backfillSymbol(ctx, client, symbol); err != nil {
				in.logger.Warn().Err(err).
					Str("exchange", client.Name()).
					Str("symbol", symbol).
					Msg("backfill skipped after retries")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

func (in *Ingestor) backfillSymbol(ctx context.Context, client exchange.Client, symbol string) error {
	count, err := in.store.CountTrades(ctx, symbol)
	if err != nil {
		return fmt.Errorf("count existing prints: %w", err)
	}
	if count > 0 {
		in.logger.Debug().Str("symbol", symbol).Int64("existing", count).Msg("history present, backfill not needed")
		return nil
	}

	var candles []exchange.Candle
	err = in.policy.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		candles, fetchErr = client.RecentKlines(ctx, symbol, in.opts.BackfillMinutes)
		return fetchErr
	})
	if err != nil {
		return fmt.Errorf("fetch klines: %w", err)
	}

	ticks := expandCandles(client.Name(), symbol, candles)
	if len(ticks) == 0 {
		return nil
	}

	if err := in.store.InsertTrades(ctx, ticks); err != nil {
		return fmt.Errorf("insert synthetic ticks: %w", err)
	}

	in.logger.Info().
		Str("exchange", client.Name()).
		Str("symbol", symbol).
		Int("ticks", len(ticks)).
		Msg("cold-start backfill complete")

	return in.rebuildBuckets(ctx, ticks)
}

// expandCandles turns each 1m candle into one synthetic tick per second at
// the candle close.
func expandCandles(source, symbol string, candles []exchange.Candle) []storage.Trade {
	ticks := make([]storage.Trade, 0, len(candles)*60)
	for _, candle := range candles {
		for ts := candle.OpenTimeMs; ts < candle.OpenTimeMs+60_000; ts += 1000 {
			ticks = append(ticks, storage.Trade{
				Source:      source,
				Symbol:      symbol,
				TimestampMs: ts,
				Price:       candle.Close,
			})
		}
	}
	return ticks
}
