package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-predictor/internal/storage"
)

const (
	defaultBinanceWS   = "wss://stream.binance.com:9443"
	defaultBinanceREST = "https://api.binance.com"

	reconnectDelay    = time.Second
	maxReconnectDelay = 30 * time.Second
	readTimeout       = 90 * time.Second
)

// BinanceOptions parameterise one Binance-API-shaped source.
type BinanceOptions struct {
	// Name labels the source in stored trades ("binance", "binance_us", ...).
	Name string
	// WSURL and RESTURL override the public endpoints, mainly for tests and
	// API-compatible mirrors.
	WSURL   string
	RESTURL string
	// Instruments maps exchange instrument ids to canonical symbols
	// (e.g. "BTCUSDT" -> "BTCUSDC").
	Instruments map[string]string
	Timeout     time.Duration
}

// Binance streams the combined trade feed and serves recent 1m klines.
type Binance struct {
	opts    BinanceOptions
	logger  zerolog.Logger
	client  *http.Client
	wsURL   string
	restURL string
}

// NewBinance constructs a Binance client.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	wsURL := strings.TrimRight(opts.WSURL, "/")
	if wsURL == "" {
		wsURL = defaultBinanceWS
	}
	restURL := strings.TrimRight(opts.RESTURL, "/")
	if restURL == "" {
		restURL = defaultBinanceREST
	}

	name := opts.Name
	if name == "" {
		name = "binance"
	}
	opts.Name = name

	return &Binance{
		opts:    opts,
		logger:  logger.With().Str("component", "exchange").Str("exchange", name).Logger(),
		client:  &http.Client{Timeout: timeout},
		wsURL:   wsURL,
		restURL: restURL,
	}
}

// Name returns the source label used in stored trades.
func (b *Binance) Name() string { return b.opts.Name }

// Symbols lists the canonical symbols this source covers.
func (b *Binance) Symbols() []string {
	symbols := make([]string, 0, len(b.opts.Instruments))
	for _, symbol := range b.opts.Instruments {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

type combinedStreamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		TradeTime int64  `json:"T"`
	} `json:"data"`
}

// Stream reads the combined trade stream, normalizes prints to canonical
// symbols, and pushes them into out. Disconnections reconnect with a
// capped, growing delay; the method returns only on context cancellation.
func (b *Binance) Stream(ctx context.Context, out chan<- storage.Trade) error {
	if len(b.opts.Instruments) == 0 {
		return errors.New("no instruments configured")
	}

	endpoint := b.wsURL + "/stream?streams=" + b.streamPath()
	delay := reconnectDelay

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := b.readLoop(ctx, endpoint, out)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		b.logger.Warn().Err(err).Dur("retry_in", delay).Msg("trade stream disconnected")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (b *Binance) readLoop(ctx context.Context, endpoint string, out chan<- storage.Trade) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	b.logger.Info().Str("endpoint", endpoint).Msg("trade stream connected")

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var msg combinedStreamMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			b.logger.Debug().Err(err).Msg("skipping unparseable stream message")
			continue
		}
		if msg.Data.EventType != "trade" {
			continue
		}

		symbol, ok := b.opts.Instruments[strings.ToUpper(msg.Data.Symbol)]
		if !ok {
			continue
		}

		price, err := decimal.NewFromString(msg.Data.Price)
		if err != nil {
			b.logger.Debug().Err(err).Str("raw", msg.Data.Price).Msg("skipping trade with bad price")
			continue
		}

		trade := storage.Trade{
			Source:      b.opts.Name,
			Symbol:      symbol,
			TimestampMs: msg.Data.TradeTime,
			Price:       price,
		}

		select {
		case out <- trade:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Binance) streamPath() string {
	instruments := make([]string, 0, len(b.opts.Instruments))
	for instrument := range b.opts.Instruments {
		instruments = append(instruments, strings.ToLower(instrument)+"@trade")
	}
	sort.Strings(instruments)
	return strings.Join(instruments, "/")
}

// RecentKlines fetches the latest 1-minute candles for one canonical
// symbol via REST.
func (b *Binance) RecentKlines(ctx context.Context, symbol string, limit int) ([]Candle, error) {
	instrument := b.instrumentFor(symbol)
	if instrument == "" {
		return nil, fmt.Errorf("symbol %s not mapped for %s", symbol, b.opts.Name)
	}
	if limit <= 0 {
		limit = 10
	}

	query := url.Values{}
	query.Set("symbol", instrument)
	query.Set("interval", "1m")
	query.Set("limit", fmt.Sprintf("%d", limit))

	endpoint := b.restURL + "/api/v3/klines?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines %s (%d): %s", instrument, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	return parseKlines(payload)
}

func (b *Binance) instrumentFor(symbol string) string {
	for instrument, canonical := range b.opts.Instruments {
		if canonical == symbol {
			return instrument
		}
	}
	return ""
}

// parseKlines decodes the kline array-of-arrays shape:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKlines(payload []byte) ([]Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			return nil, errors.New("parse klines: short row")
		}

		var openTime, closeTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("parse kline open time: %w", err)
		}
		if err := json.Unmarshal(row[6], &closeTime); err != nil {
			return nil, fmt.Errorf("parse kline close time: %w", err)
		}

		var closeStr string
		if err := json.Unmarshal(row[4], &closeStr); err != nil {
			return nil, fmt.Errorf("parse kline close: %w", err)
		}
		closePrice, err := decimal.NewFromString(closeStr)
		if err != nil {
			return nil, fmt.Errorf("parse kline close: %w", err)
		}

		candles = append(candles, Candle{
			OpenTimeMs:  openTime,
			CloseTimeMs: closeTime,
			Close:       closePrice,
		})
	}
	return candles, nil
}

var _ Client = (*Binance)(nil)
