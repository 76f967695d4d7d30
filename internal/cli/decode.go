package cli

import (
	"github.com/spf13/cobra"

	"oracle-predictor/internal/app"
)

var (
	decodeHex      string
	decodeFile     string
	decodeDecimals int32
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode transmit calldata and print the recovered answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.DecodeOptions{
			Hex:      decodeHex,
			File:     decodeFile,
			Decimals: decodeDecimals,
		}
		return getApp().Decode(opts)
	},
}

func init() {
	decodeCmd.Flags().StringVar(&decodeHex, "hex", "", "Calldata as a hex string (0x prefix optional)")
	decodeCmd.Flags().StringVar(&decodeFile, "file", "", "Path to a file holding hex calldata")
	decodeCmd.Flags().Int32Var(&decodeDecimals, "decimals", 0, "Also print the answer scaled by 10^-decimals")
}
