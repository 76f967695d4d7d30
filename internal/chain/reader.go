package chain

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"oracle-predictor/internal/report"
	"oracle-predictor/internal/retry"
)

const aggregatorABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"internalType":"int256","name":"current","type":"int256"},{"indexed":true,"internalType":"uint256","name":"roundId","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"updatedAt","type":"uint256"}],"name":"AnswerUpdated","type":"event"}]`

var (
	aggregatorABI    abi.ABI
	answerUpdatedSig common.Hash

	signBound = new(big.Int).Lsh(big.NewInt(1), 255)
	wordMod   = new(big.Int).Lsh(big.NewInt(1), 256)
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
	answerUpdatedSig = aggregatorABI.Events["AnswerUpdated"].ID
}

// Transmission is one historical on-chain oracle answer.
type Transmission struct {
	BlockNumber uint64
	TxHash      string
	Answer      *big.Int
	Timestamp   time.Time
}

// Options parameterise the history reader.
type Options struct {
	RPCURL         string
	LookbackBlocks uint64
	BlockChunk     uint64
	Timeout        time.Duration
}

// Reader scans an oracle contract's recent answer history over chain RPC.
// Log scans are paginated with a fixed block-range chunk and retried with
// short backoff on transient failure.
type Reader struct {
	opts      Options
	logger    zerolog.Logger
	policy    retry.Policy
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewReader constructs a history reader for one RPC endpoint.
func NewReader(opts Options, logger zerolog.Logger) *Reader {
	if opts.BlockChunk == 0 {
		opts.BlockChunk = 5000
	}
	if opts.LookbackBlocks == 0 {
		opts.LookbackBlocks = 50000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	return &Reader{
		opts:   opts,
		logger: logger.With().Str("component", "chain_reader").Logger(),
		policy: retry.Default,
	}
}

// RecentTransmissions returns up to maxCount of the oracle's most recent
// answers, oldest first. A chunk that keeps failing after retries is
// skipped so one bad range cannot sink the whole scan.
func (r *Reader) RecentTransmissions(ctx context.Context, oracleAddr string, maxCount int) ([]Transmission, error) {
	if r.opts.RPCURL == "" {
		return nil, errors.New("chain rpc url not configured")
	}
	if maxCount <= 0 {
		maxCount = 60
	}

	client, err := r.getClient(ctx)
	if err != nil {
		return nil, err
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	from := uint64(0)
	if head > r.opts.LookbackBlocks {
		from = head - r.opts.LookbackBlocks
	}

	addr := common.HexToAddress(oracleAddr)
	transmissions := make([]Transmission, 0, maxCount)

	// Walk chunks newest-first so the scan can stop as soon as enough
	// rounds are collected.
	for end := head; end >= from && len(transmissions) < maxCount; {
		start := from
		if end >= r.opts.BlockChunk && end-r.opts.BlockChunk+1 > from {
			start = end - r.opts.BlockChunk + 1
		}

		logs, chunkErr := r.filterChunk(ctx, client, addr, start, end)
		if chunkErr != nil {
			r.logger.Warn().Err(chunkErr).
				Uint64("from", start).
				Uint64("to", end).
				Msg("skipping block chunk after retries")
		} else {
			for i := len(logs) - 1; i >= 0 && len(transmissions) < maxCount; i-- {
				transmission, ok := r.decodeLog(ctx, client, logs[i])
				if !ok {
					continue
				}
				transmissions = append(transmissions, transmission)
			}
		}

		if start == from {
			break
		}
		end = start - 1
	}

	sort.Slice(transmissions, func(i, j int) bool {
		return transmissions[i].Timestamp.Before(transmissions[j].Timestamp)
	})
	return transmissions, nil
}

func (r *Reader) filterChunk(ctx context.Context, client *ethclient.Client, addr common.Address, from, to uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{{answerUpdatedSig}},
	}

	var logs []types.Log
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()

		var filterErr error
		logs, filterErr = client.FilterLogs(callCtx, query)
		return filterErr
	})
	return logs, err
}

// decodeLog extracts the published answer and its timestamp from one
// AnswerUpdated log. When the log carries no usable answer the transmit
// calldata itself is decoded instead.
func (r *Reader) decodeLog(ctx context.Context, client *ethclient.Client, entry types.Log) (Transmission, bool) {
	transmission := Transmission{
		BlockNumber: entry.BlockNumber,
		TxHash:      entry.TxHash.Hex(),
	}

	if len(entry.Data) >= 32 {
		updatedAt := new(big.Int).SetBytes(entry.Data[:32])
		if updatedAt.IsInt64() && updatedAt.Sign() > 0 {
			transmission.Timestamp = time.Unix(updatedAt.Int64(), 0).UTC()
		}
	}
	if transmission.Timestamp.IsZero() {
		header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(entry.BlockNumber))
		if err != nil {
			r.logger.Warn().Err(err).Uint64("block", entry.BlockNumber).Msg("cannot resolve transmission timestamp")
			return Transmission{}, false
		}
		transmission.Timestamp = time.Unix(int64(header.Time), 0).UTC()
	}

	if len(entry.Topics) >= 2 {
		answer := new(big.Int).SetBytes(entry.Topics[1].Bytes())
		if answer.Cmp(signBound) >= 0 {
			answer.Sub(answer, wordMod)
		}
		if answer.Sign() != 0 {
			transmission.Answer = answer
			return transmission, true
		}
	}

	// Event payload was insufficient: reconstruct the answer from the raw
	// transmit call.
	tx, _, err := client.TransactionByHash(ctx, entry.TxHash)
	if err != nil {
		r.logger.Warn().Err(err).Str("tx", transmission.TxHash).Msg("cannot fetch transmit transaction")
		return Transmission{}, false
	}
	answer, variant, ok := report.Decode(tx.Data())
	if !ok {
		r.logger.Warn().Str("tx", transmission.TxHash).Msg("transmit calldata did not decode")
		return Transmission{}, false
	}

	r.logger.Debug().Str("tx", transmission.TxHash).Str("variant", variant.String()).Msg("answer recovered from calldata")
	transmission.Answer = answer
	return transmission, true
}

func (r *Reader) getClient(ctx context.Context) (*ethclient.Client, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}
