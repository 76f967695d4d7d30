package cli

import (
	"github.com/spf13/cobra"

	"oracle-predictor/internal/app"
)

var backfillDryRun bool

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Seed empty symbols from recent exchange candles",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.BackfillOptions{
			DryRun: backfillDryRun,
		}
		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
}
