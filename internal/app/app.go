package app

import (
	"context"
	"errors"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-predictor/internal/aggregate"
	"oracle-predictor/internal/api"
	"oracle-predictor/internal/calibrate"
	"oracle-predictor/internal/chain"
	"oracle-predictor/internal/config"
	"oracle-predictor/internal/exchange"
	"oracle-predictor/internal/ingest"
	"oracle-predictor/internal/oracle"
	"oracle-predictor/internal/predict"
	"oracle-predictor/internal/scheduler"
	"oracle-predictor/internal/service"
	"oracle-predictor/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newClients() []exchange.Client {
	clients := make([]exchange.Client, 0, len(a.Config.Exchanges))
	for _, ex := range a.Config.Exchanges {
		instruments := make(map[string]string, len(ex.Symbols))
		for _, mapping := range ex.Symbols {
			instruments[mapping.Instrument] = mapping.Symbol
		}
		clients = append(clients, exchange.NewBinance(exchange.BinanceOptions{
			Name:        ex.Name,
			WSURL:       ex.WSURL,
			RESTURL:     ex.RESTURL,
			Instruments: instruments,
			Timeout:     a.Config.Ingest.RequestTimeout,
		}, a.Logger))
	}
	return clients
}

func (a *App) sourceNames() []string {
	names := make([]string, 0, len(a.Config.Exchanges))
	for _, ex := range a.Config.Exchanges {
		names = append(names, ex.Name)
	}
	sort.Strings(names)
	return names
}

func (a *App) symbols() []string {
	seen := make(map[string]struct{})
	for _, ex := range a.Config.Exchanges {
		for _, mapping := range ex.Symbols {
			seen[mapping.Symbol] = struct{}{}
		}
	}
	symbols := make([]string, 0, len(seen))
	for symbol := range seen {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func (a *App) newRegistry() *oracle.Registry {
	registry := oracle.NewRegistry(a.Config.App.BaselineSymbol)
	for _, o := range a.Config.Oracles {
		if o.Symbol != "" {
			registry.Register(o.ChainID, o.Address, oracle.SingleFeed(o.Symbol))
		}
	}
	return registry
}

// scaleFor resolves an oracle's fixed-point scale factor: configured value,
// or 10^(36-decimals) so answers land on the common 1e36 base.
func (a *App) scaleFor(o config.OracleConfig) (decimal.Decimal, error) {
	if o.ScaleFactor != "" {
		return decimal.NewFromString(o.ScaleFactor)
	}
	return decimal.New(1, 36-o.Decimals), nil
}

// seedOracles upserts the configured thresholds; calibrated lags already in
// the store survive the upsert untouched.
func (a *App) seedOracles(ctx context.Context, store storage.OracleStore) error {
	for _, o := range a.Config.Oracles {
		scale, err := a.scaleFor(o)
		if err != nil {
			return err
		}
		cfg := storage.OracleConfig{
			ChainID:          o.ChainID,
			OracleAddr:       o.Address,
			HeartbeatSeconds: o.Heartbeat,
			DeviationBps:     o.DeviationBps,
			Decimals:         o.Decimals,
			ScaleFactor:      scale,
			LagSeconds:       decimal.NewFromFloat(o.LagSeconds),
		}
		if err := store.UpsertOracleConfig(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) targets() []calibrate.Target {
	sources := a.sourceNames()
	targets := make([]calibrate.Target, 0, len(a.Config.Oracles))
	for _, o := range a.Config.Oracles {
		symbol := o.Symbol
		if symbol == "" {
			symbol = a.Config.App.BaselineSymbol
		}
		targets = append(targets, calibrate.Target{
			ChainID:    o.ChainID,
			OracleAddr: o.Address,
			Symbol:     symbol,
			Decimals:   o.Decimals,
			Sources:    sources,
			RPCURL:     o.RPCURL,
		})
	}
	return targets
}

func (a *App) historyFactory() calibrate.HistoryFactory {
	return func(rpcURL string) calibrate.History {
		return chain.NewReader(chain.Options{
			RPCURL:         rpcURL,
			LookbackBlocks: a.Config.Calibration.LookbackBlocks,
			BlockChunk:     a.Config.Calibration.BlockChunk,
		}, a.Logger)
	}
}

func (a *App) newEngine(agg *aggregate.Aggregator, store *storage.Store) *calibrate.Engine {
	cal := a.Config.Calibration
	return calibrate.New(calibrate.Options{
		MaxSamples:       cal.MaxSamples,
		LagMaxMs:         cal.LagMaxMs,
		LagStepMs:        cal.LagStepMs,
		MinSamples:       cal.MinSamples,
		MinCoveragePct:   cal.MinCoveragePct,
		InterOraclePause: cal.InterOraclePause,
	}, agg, store, store, a.historyFactory(), a.Logger)
}

// Run executes the long-running pipeline: ingestion, query API, and
// periodic calibration when enabled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required to run the service")
	}
	defer closeStore()

	if err := a.seedOracles(ctx, store); err != nil {
		return err
	}

	agg := aggregate.New(store, store, a.Logger)
	ingestor := ingest.New(ingest.Options{
		FlushInterval:   a.Config.Ingest.FlushInterval,
		BufferLimit:     a.Config.Ingest.BufferLimit,
		BackfillMinutes: a.Config.Ingest.BackfillMinutes,
	}, store, agg, a.newClients(), a.Logger)

	svc := predict.New(agg, a.newRegistry(), store, store, a.Logger)
	server := api.NewServer(a.Config.HTTP, svc, store, store, store, a.symbols(), a.Logger)

	var sched *scheduler.Scheduler
	var engine *calibrate.Engine
	if a.Config.Calibration.Enabled {
		engine = a.newEngine(agg, store)
		sched = scheduler.New(scheduler.Options{
			Interval:     a.Config.Calibration.Interval,
			StartupDelay: 30 * time.Second,
		}, a.Logger)
	}

	runner := service.New(ingestor, server, engine, sched, a.targets(), a.Logger)

	a.Logger.Info().Msg("starting prediction service")
	err = runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("prediction service stopped")
	return nil
}

// CalibrateOptions configure a one-shot calibration run.
type CalibrateOptions struct {
	OracleAddr string
}

// BackfillOptions configure the one-shot candle backfill.
type BackfillOptions struct {
	DryRun bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	ChainID    int64
	OracleAddr string
	Limit      int
}

// ExportOptions hold parameters for exporting the measured-accuracy history.
type ExportOptions struct {
	ChainID    int64
	OracleAddr string
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}
