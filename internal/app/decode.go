package app

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"oracle-predictor/internal/report"
)

// DecodeOptions configure the offline transmit-calldata decoder.
type DecodeOptions struct {
	Hex      string
	File     string
	Decimals int32
}

// Decode parses transmit calldata supplied on the command line and prints the
// recovered report. No database or RPC connection is needed.
func (a *App) Decode(opts DecodeOptions) error {
	raw, err := decodeInput(opts)
	if err != nil {
		return err
	}

	answer, variant, ok := report.Decode(raw)
	if !ok {
		return errors.New("calldata does not match any known transmit layout")
	}

	fmt.Printf("variant: %s\n", variant)
	fmt.Printf("answer (raw): %s\n", answer.String())
	if opts.Decimals > 0 {
		scaled := decimal.NewFromBigInt(answer, -opts.Decimals)
		fmt.Printf("answer (scaled, %d decimals): %s\n", opts.Decimals, scaled.String())
	}

	if _, payload, ok := report.DetectVariant(raw); ok {
		if obs, ok := report.ParseObservations(payload); ok {
			fmt.Printf("observations: %d\n", len(obs))
			for i, o := range obs {
				fmt.Printf("  [%d] %s\n", i, o.String())
			}
		}
	}

	return nil
}

func decodeInput(opts DecodeOptions) ([]byte, error) {
	input := strings.TrimSpace(opts.Hex)
	if opts.File != "" {
		if input != "" {
			return nil, errors.New("pass either --hex or --file, not both")
		}
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, err
		}
		input = strings.TrimSpace(string(data))
	}
	if input == "" {
		return nil, errors.New("no calldata provided; use --hex or --file")
	}

	input = strings.TrimPrefix(input, "0x")
	raw, err := hex.DecodeString(input)
	if err != nil {
		return nil, fmt.Errorf("invalid hex calldata: %w", err)
	}
	return raw, nil
}
