package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one raw exchange print, keyed by canonical symbol.
type Trade struct {
	Source      string
	Symbol      string
	TimestampMs int64
	Price       decimal.Decimal
}

// SourceBin holds the per-exchange median for one 100ms bucket.
type SourceBin struct {
	Symbol   string
	Source   string
	BucketMs int64
	Price    decimal.Decimal
}

// AggregateBin holds the cross-exchange trimmed median for one 100ms bucket.
type AggregateBin struct {
	Symbol   string
	BucketMs int64
	Price    decimal.Decimal
}

// OracleConfig mirrors one tracked oracle's transmission thresholds plus the
// calibrated observation lag.
type OracleConfig struct {
	ChainID          int64
	OracleAddr       string
	HeartbeatSeconds int64
	DeviationBps     int64
	Decimals         int32
	ScaleFactor      decimal.Decimal
	LagSeconds       decimal.Decimal
	UpdatedAt        time.Time
}

// CexWeight is the calibrated trust weight of one exchange for one oracle.
// Weights are normalized at query time over the sources that have data, so
// they need not sum to one at rest.
type CexWeight struct {
	ChainID    int64
	OracleAddr string
	Source     string
	Weight     decimal.Decimal
}

// OracleSample correlates one on-chain transmission with the CEX aggregate
// that existed near it. ErrorBps is derived and recomputable.
type OracleSample struct {
	ChainID     int64
	OracleAddr  string
	BlockNumber int64
	TxHash      string
	Answer      decimal.Decimal
	CexPrice    decimal.Decimal
	EventTimeMs int64
	ErrorBps    decimal.Decimal
	CreatedAt   time.Time
}
