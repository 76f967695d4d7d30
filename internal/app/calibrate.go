package app

import (
	"context"
	"errors"
	"strings"

	"oracle-predictor/internal/aggregate"
	"oracle-predictor/internal/calibrate"
)

// Calibrate runs the lag/weight fit once, for all configured oracles or a
// single address.
func (a *App) Calibrate(ctx context.Context, opts CalibrateOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required to calibrate")
	}
	defer closeStore()

	if err := a.seedOracles(ctx, store); err != nil {
		return err
	}

	targets := a.targets()
	if opts.OracleAddr != "" {
		filtered := make([]calibrate.Target, 0, 1)
		for _, target := range targets {
			if strings.EqualFold(target.OracleAddr, opts.OracleAddr) {
				filtered = append(filtered, target)
			}
		}
		if len(filtered) == 0 {
			return errors.New("oracle address not found in configuration")
		}
		targets = filtered
	}
	if len(targets) == 0 {
		return errors.New("no oracles configured")
	}

	agg := aggregate.New(store, store, a.Logger)
	engine := a.newEngine(agg, store)

	a.Logger.Info().Int("oracles", len(targets)).Msg("starting calibration run")
	return engine.Run(ctx, targets)
}
