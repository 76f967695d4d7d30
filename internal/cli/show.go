package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oracle-predictor/internal/app"
)

var (
	showChainID int64
	showOracle  string
	showLimit   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent oracle samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			ChainID:    showChainID,
			OracleAddr: showOracle,
			Limit:      showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().Int64Var(&showChainID, "chain-id", 1, "Chain the oracle lives on")
	showCmd.Flags().StringVar(&showOracle, "oracle", "", "Oracle address (default: all configured)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}
