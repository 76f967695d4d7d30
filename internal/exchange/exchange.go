package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"oracle-predictor/internal/storage"
)

// Candle is one 1-minute OHLC bar; only the close participates in
// cold-start backfill.
type Candle struct {
	OpenTimeMs  int64
	CloseTimeMs int64
	Close       decimal.Decimal
}

// TradeStreamer delivers live trade prints, normalized to canonical
// symbols, until the context is cancelled.
type TradeStreamer interface {
	Name() string
	Stream(ctx context.Context, out chan<- storage.Trade) error
}

// KlineFetcher retrieves recent 1-minute candles for one canonical symbol.
type KlineFetcher interface {
	RecentKlines(ctx context.Context, symbol string, limit int) ([]Candle, error)
}

// Client is a full CEX source: live stream plus candle backfill.
type Client interface {
	TradeStreamer
	KlineFetcher
	Symbols() []string
}
