package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"oracle-predictor/internal/storage"
)

// Show prints recent oracle samples.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	defer closeStore()

	var samples []storage.OracleSample
	if opts.OracleAddr != "" {
		samples, err = store.ListRecentSamples(ctx, opts.ChainID, opts.OracleAddr, opts.Limit)
		if err != nil {
			return err
		}
	} else {
		configs, err := store.ListOracleConfigs(ctx)
		if err != nil {
			return err
		}
		for _, cfg := range configs {
			batch, err := store.ListRecentSamples(ctx, cfg.ChainID, cfg.OracleAddr, opts.Limit)
			if err != nil {
				return err
			}
			samples = append(samples, batch...)
		}
	}

	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tChain\tOracle\tAnswer\tCEX\tError bps\tBlock")

	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%d\n",
			time.UnixMilli(sample.EventTimeMs).UTC().Format(time.RFC3339),
			sample.ChainID,
			sample.OracleAddr,
			sample.Answer.StringFixed(4),
			sample.CexPrice.StringFixed(4),
			sample.ErrorBps.StringFixed(0),
			sample.BlockNumber,
		)
	}

	writer.Flush()
	return nil
}
