package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"market_maker/internal/clock"
	"market_maker/internal/domain"
	"market_maker/internal/execution"
	"market_maker/internal/market"
	"market_maker/internal/ratelimit"
	"market_maker/internal/risk"
	"market_maker/internal/strategy"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Run modes.
const (
	ModeLive     = "live"
	ModePaper    = "paper"
	ModeBacktest = "backtest"
)

// BackoffConfig is the reconnect policy of the stream connector.
type BackoffConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter float64       `yaml:"jitter"`
}

// BinanceConfig configures both Binance connectors.
type BinanceConfig struct {
	APIKey           string        `yaml:"api_key"`
	APISecret        string        `yaml:"api_secret"`
	RestURL          string        `yaml:"rest_url"`
	WSURL            string        `yaml:"ws_url"`
	KlineInterval    string        `yaml:"kline_interval"`
	DepthLimit       int           `yaml:"depth_limit"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	DiffBuffer       int           `yaml:"diff_buffer"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

// BacktestConfig configures replay runs.
type BacktestConfig struct {
	Dataset        string        `yaml:"dataset"`
	Seed           int64         `yaml:"seed"`
	Runs           int           `yaml:"runs"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	// SyntheticBook derives a one-level book from every candle, for
	// datasets that carry no depth.
	SyntheticBook      bool            `yaml:"synthetic_book"`
	SyntheticSpreadBps float64         `yaml:"synthetic_spread_bps"`
	SyntheticDepth     decimal.Decimal `yaml:"synthetic_depth"`
	ReportPath         string          `yaml:"report_path"`
}

// Config holds every setting of a session. It is loaded once and never
// changes while the process runs.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Mode string `yaml:"mode"`

	Session struct {
		Timezone string `yaml:"timezone"`
		DayStart string `yaml:"day_start"`
	} `yaml:"session"`

	Binance    BinanceConfig    `yaml:"binance"`
	RateLimit  ratelimit.Config `yaml:"rate_limit"`
	Market     market.Config    `yaml:"market"`
	Strategies strategy.Config  `yaml:"strategies"`
	Risk       risk.Limits      `yaml:"risk"`

	Trading struct {
		InitialCapital decimal.Decimal `yaml:"initial_capital"`
		QuoteAsset     string          `yaml:"quote_asset"`
	} `yaml:"trading"`

	Execution execution.Config    `yaml:"execution"`
	Simulator execution.SimConfig `yaml:"simulator"`
	Backtest  BacktestConfig      `yaml:"backtest"`

	Sequencer struct {
		InboxSize   int `yaml:"inbox_size"`
		MaxGapCount int `yaml:"max_gap_count"`
	} `yaml:"sequencer"`

	Storage struct {
		Driver string `yaml:"driver"` // sqlite | postgres | none
		DSN    string `yaml:"dsn"`
		Queue  int    `yaml:"queue"`
	} `yaml:"storage"`

	Recorder struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"recorder"`

	Metrics struct {
		ReportInterval time.Duration `yaml:"report_interval"`
		CloudWatch     struct {
			Enabled   bool   `yaml:"enabled"`
			Namespace string `yaml:"namespace"`
			Region    string `yaml:"region"`
		} `yaml:"cloudwatch"`
	} `yaml:"metrics"`

	Status struct {
		Addr string `yaml:"addr"`
	} `yaml:"status"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// envOverrides are the settings that may come from the environment,
// typically secrets loaded from .env.
type envOverrides struct {
	Mode          string `env:"MM_MODE"`
	APIKey        string `env:"BINANCE_API_KEY"`
	APISecret     string `env:"BINANCE_API_SECRET"`
	StorageDriver string `env:"MM_STORAGE_DRIVER"`
	StorageDSN    string `env:"MM_STORAGE_DSN"`
	LogLevel      string `env:"MM_LOG_LEVEL"`
	StatusAddr    string `env:"MM_STATUS_ADDR"`
	Dataset       string `env:"MM_BACKTEST_DATASET"`
}

// DefaultConfig returns a paper-trading configuration with no strategies.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "market-maker"
	cfg.Mode = ModePaper
	cfg.Session.Timezone = "UTC"
	cfg.Session.DayStart = "00:00"
	cfg.Binance = BinanceConfig{
		RestURL:          "https://api.binance.com",
		WSURL:            "wss://stream.binance.com:9443",
		KlineInterval:    "1m",
		DepthLimit:       1000,
		CommandTimeout:   5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		DiffBuffer:       1000,
		Backoff:          BackoffConfig{Min: 250 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.2},
	}
	cfg.RateLimit = ratelimit.DefaultConfig()
	cfg.Market = market.DefaultConfig()
	cfg.Risk = risk.DefaultLimits()
	cfg.Trading.InitialCapital = decimal.NewFromInt(10000)
	cfg.Trading.QuoteAsset = "USDT"
	cfg.Execution = execution.DefaultConfig()
	cfg.Simulator = execution.DefaultSimConfig()
	cfg.Backtest = BacktestConfig{
		Seed:               1,
		Runs:               1,
		SampleInterval:     time.Minute,
		SyntheticSpreadBps: 2,
		SyntheticDepth:     decimal.NewFromInt(10),
	}
	cfg.Sequencer.InboxSize = 1024
	cfg.Sequencer.MaxGapCount = 5
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = "data/market_maker.db"
	cfg.Storage.Queue = 1024
	cfg.Recorder.Path = "data/recording.parquet"
	cfg.Metrics.ReportInterval = time.Minute
	cfg.Metrics.CloudWatch.Namespace = "MarketMaker"
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	return cfg
}

// LoadConfig reads the YAML file at path over the defaults, applies
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &domain.ConfigError{Field: "path", Err: fmt.Errorf("%s: %w", path, domain.ErrConfigNotFound)}
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &domain.ConfigError{Field: "yaml", Err: err}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, &domain.ConfigError{Field: "env", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Mode, o.Mode)
	set(&c.Binance.APIKey, o.APIKey)
	set(&c.Binance.APISecret, o.APISecret)
	set(&c.Storage.Driver, o.StorageDriver)
	set(&c.Storage.DSN, o.StorageDSN)
	set(&c.Logging.Level, o.LogLevel)
	set(&c.Status.Addr, o.StatusAddr)
	set(&c.Backtest.Dataset, o.Dataset)
	return nil
}

// Validate checks the configuration and returns a *domain.ConfigError
// naming the first bad field.
func (c *Config) Validate() error {
	bad := func(field, format string, args ...any) error {
		return &domain.ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
	}

	switch c.Mode {
	case ModeLive, ModePaper, ModeBacktest:
	default:
		return bad("mode", "unknown mode %q", c.Mode)
	}

	if len(strategy.Build(c.Strategies)) == 0 {
		return bad("strategies", "no strategy enabled")
	}

	if c.Mode != ModeBacktest {
		if !strings.HasPrefix(c.Binance.WSURL, "ws://") && !strings.HasPrefix(c.Binance.WSURL, "wss://") {
			return bad("binance.ws_url", "invalid websocket url %q", c.Binance.WSURL)
		}
		if !strings.HasPrefix(c.Binance.RestURL, "http://") && !strings.HasPrefix(c.Binance.RestURL, "https://") {
			return bad("binance.rest_url", "invalid rest url %q", c.Binance.RestURL)
		}
	}
	if c.Mode == ModeLive && (c.Binance.APIKey == "" || c.Binance.APISecret == "") {
		return bad("binance.api_key", "live mode needs BINANCE_API_KEY and BINANCE_API_SECRET")
	}
	if c.Mode == ModeBacktest && c.Backtest.Dataset == "" {
		return bad("backtest.dataset", "backtest mode needs a dataset")
	}

	if c.RateLimit.WeightCapacity <= 0 || c.RateLimit.WeightPerSecond <= 0 {
		return bad("rate_limit", "weight bucket must have positive capacity and refill")
	}
	if c.RateLimit.OrderCapacity <= 0 || c.RateLimit.OrderPerSecond <= 0 {
		return bad("rate_limit", "order bucket must have positive capacity and refill")
	}

	if !c.Trading.InitialCapital.IsPositive() {
		return bad("trading.initial_capital", "must be positive")
	}
	if c.Trading.QuoteAsset == "" {
		return bad("trading.quote_asset", "required")
	}
	if c.Risk.MaxDailyDrawdown.IsNegative() || c.Risk.MaxDailyDrawdown.GreaterThan(decimal.NewFromInt(1)) {
		return bad("risk.max_daily_drawdown", "must be a fraction in [0, 1]")
	}
	if c.Risk.MaxConsecutiveLosses < 0 {
		return bad("risk.max_consecutive_losses", "must not be negative")
	}

	if _, err := c.SessionCalendar(); err != nil {
		return bad("session", "%v", err)
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres", "none", "":
	default:
		return bad("storage.driver", "unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return bad("storage.dsn", "postgres needs a dsn")
	}

	if c.Backtest.Runs < 1 {
		return bad("backtest.runs", "must be at least 1")
	}
	return nil
}

// SessionCalendar resolves the trading-day calendar.
func (c *Config) SessionCalendar() (clock.Session, error) {
	return clock.NewSession(c.Session.Timezone, c.Session.DayStart)
}
