package app

import (
	"context"
	"errors"

	"oracle-predictor/internal/aggregate"
	"oracle-predictor/internal/ingest"
)

// Backfill runs the cold-start candle expansion once for every configured
// symbol and exits. Symbols that already have history are skipped.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing will be written")
		for _, client := range a.newClients() {
			for _, symbol := range client.Symbols() {
				a.Logger.Info().Str("exchange", client.Name()).Str("symbol", symbol).Msg("would backfill")
			}
		}
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required to backfill")
	}
	defer closeStore()

	agg := aggregate.New(store, store, a.Logger)
	ingestor := ingest.New(ingest.Options{
		FlushInterval:   a.Config.Ingest.FlushInterval,
		BufferLimit:     a.Config.Ingest.BufferLimit,
		BackfillMinutes: a.Config.Ingest.BackfillMinutes,
	}, store, agg, a.newClients(), a.Logger)

	return ingestor.Backfill(ctx)
}
