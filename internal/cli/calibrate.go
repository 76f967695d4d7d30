package cli

import (
	"github.com/spf13/cobra"

	"oracle-predictor/internal/app"
)

var calibrateOracle string

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Run one lag and weight calibration pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.CalibrateOptions{
			OracleAddr: calibrateOracle,
		}
		return getApp().Calibrate(cmd.Context(), opts)
	},
}

func init() {
	calibrateCmd.Flags().StringVar(&calibrateOracle, "oracle", "", "Calibrate only this oracle address (default: all configured)")
}
