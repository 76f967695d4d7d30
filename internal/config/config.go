package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"oracle-predictor/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Exchanges   []ExchangeConfig  `mapstructure:"exchanges"`
	Oracles     []OracleConfig    `mapstructure:"oracles"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name           string `mapstructure:"name"`
	Environment    string `mapstructure:"environment"`
	BaselineSymbol string `mapstructure:"baseline_symbol"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// HTTPConfig governs the read-only query API.
type HTTPConfig struct {
	Listen          string        `mapstructure:"listen"`
	EnableCORS      bool          `mapstructure:"enable_cors"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// IngestConfig tunes trade buffering and cold-start backfill.
type IngestConfig struct {
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	BufferLimit     int           `mapstructure:"buffer_limit"`
	BackfillMinutes int           `mapstructure:"backfill_minutes"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// SymbolMapping binds a per-exchange instrument to the canonical symbol.
type SymbolMapping struct {
	Symbol     string `mapstructure:"symbol"`
	Instrument string `mapstructure:"instrument"`
}

// ExchangeConfig describes one CEX trade source.
type ExchangeConfig struct {
	Name    string          `mapstructure:"name"`
	WSURL   string          `mapstructure:"ws_url"`
	RESTURL string          `mapstructure:"rest_url"`
	Symbols []SymbolMapping `mapstructure:"symbols"`
}

// OracleConfig seeds one tracked on-chain oracle. Heartbeat/deviation mirror
// the oracle's own on-chain parameters; lag is overwritten by calibration.
type OracleConfig struct {
	ChainID      int64   `mapstructure:"chain_id"`
	Address      string  `mapstructure:"address"`
	RPCURL       string  `mapstructure:"rpc_url"`
	Symbol       string  `mapstructure:"symbol"`
	Heartbeat    int64   `mapstructure:"heartbeat_seconds"`
	DeviationBps int64   `mapstructure:"deviation_bps"`
	Decimals     int32   `mapstructure:"decimals"`
	ScaleFactor  string  `mapstructure:"scale_factor"`
	LagSeconds   float64 `mapstructure:"lag_seconds"`
}

// CalibrationConfig bounds the lag/weight fitting batch job.
type CalibrationConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	MaxSamples       int           `mapstructure:"max_samples"`
	LagMaxMs         int64         `mapstructure:"lag_max_ms"`
	LagStepMs        int64         `mapstructure:"lag_step_ms"`
	MinSamples       int           `mapstructure:"min_samples"`
	MinCoveragePct   int           `mapstructure:"min_coverage_pct"`
	LookbackBlocks   uint64        `mapstructure:"lookback_blocks"`
	BlockChunk       uint64        `mapstructure:"block_chunk"`
	InterOraclePause time.Duration `mapstructure:"inter_oracle_pause"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORACLEPREDICTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "oraclepredictor")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.baseline_symbol", "BTCUSDC")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("http.listen", ":8087")
	v.SetDefault("http.enable_cors", true)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "5s")

	v.SetDefault("ingest.flush_interval", "500ms")
	v.SetDefault("ingest.buffer_limit", 50000)
	v.SetDefault("ingest.backfill_minutes", 10)
	v.SetDefault("ingest.request_timeout", "10s")

	v.SetDefault("calibration.enabled", false)
	v.SetDefault("calibration.interval", "1h")
	v.SetDefault("calibration.max_samples", 60)
	v.SetDefault("calibration.lag_max_ms", int64(3000))
	v.SetDefault("calibration.lag_step_ms", int64(100))
	v.SetDefault("calibration.min_samples", 10)
	v.SetDefault("calibration.min_coverage_pct", 40)
	v.SetDefault("calibration.lookback_blocks", uint64(50000))
	v.SetDefault("calibration.block_chunk", uint64(5000))
	v.SetDefault("calibration.inter_oracle_pause", "2s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Ingest.FlushInterval <= 0 {
		return fmt.Errorf("ingest.flush_interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Calibration.LagStepMs <= 0 {
		return fmt.Errorf("calibration.lag_step_ms must be greater than zero")
	}
	if c.Calibration.LagMaxMs < 0 {
		return fmt.Errorf("calibration.lag_max_ms cannot be negative")
	}
	if c.Calibration.MinCoveragePct < 0 || c.Calibration.MinCoveragePct > 100 {
		return fmt.Errorf("calibration.min_coverage_pct must be within [0,100]")
	}
	if c.Calibration.BlockChunk == 0 {
		return fmt.Errorf("calibration.block_chunk must be greater than zero")
	}

	seen := make(map[string]struct{})
	for i, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchanges[%d].name is required", i)
		}
		if _, dup := seen[ex.Name]; dup {
			return fmt.Errorf("exchange %q configured twice", ex.Name)
		}
		seen[ex.Name] = struct{}{}
		for j, m := range ex.Symbols {
			if m.Symbol == "" || m.Instrument == "" {
				return fmt.Errorf("exchanges[%d].symbols[%d] requires both symbol and instrument", i, j)
			}
		}
	}

	for i, o := range c.Oracles {
		if o.Address == "" {
			return fmt.Errorf("oracles[%d].address is required", i)
		}
		if o.ChainID <= 0 {
			return fmt.Errorf("oracles[%d].chain_id must be positive", i)
		}
		if o.Heartbeat <= 0 {
			return fmt.Errorf("oracles[%d].heartbeat_seconds must be positive", i)
		}
		if o.Decimals < 0 {
			return fmt.Errorf("oracles[%d].decimals cannot be negative", i)
		}
		if o.ScaleFactor != "" {
			scale, err := decimal.NewFromString(o.ScaleFactor)
			if err != nil {
				return fmt.Errorf("oracles[%d].scale_factor is not a number: %w", i, err)
			}
			if scale.Sign() <= 0 {
				return fmt.Errorf("oracles[%d].scale_factor must be positive", i)
			}
		}
	}

	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
