package infra

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"market_maker/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
mode: paper
session:
  timezone: UTC
  day_start: "08:00"
binance:
  kline_interval: 5m
  ping_interval: 15s
strategies:
  scalper:
    enabled: true
    symbols: [BTCUSDT]
risk:
  max_daily_drawdown: "0.02"
  symbol_limits:
    BTCUSDT: "0.5"
trading:
  initial_capital: "5000"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, ModePaper, cfg.Mode)
	assert.Equal(t, "5m", cfg.Binance.KlineInterval)
	assert.Equal(t, 15*time.Second, cfg.Binance.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.Binance.ReadTimeout, "unset fields keep defaults")
	assert.Equal(t, "0.02", cfg.Risk.MaxDailyDrawdown.String())
	assert.Equal(t, "0.5", cfg.Risk.SymbolLimits["BTCUSDT"].String())
	assert.Equal(t, "5000", cfg.Trading.InitialCapital.String())

	sess, err := cfg.SessionCalendar()
	require.NoError(t, err)
	assert.Equal(t, 8*time.Hour, sess.DayStart)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MM_MODE", "live")
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	t.Setenv("MM_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(writeConfig(t, testConfigYAML))
	require.NoError(t, err)
	assert.Equal(t, ModeLive, cfg.Mode)
	assert.Equal(t, "key", cfg.Binance.APIKey)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errors.Is(err, domain.ErrConfigNotFound))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Strategies.Scalper.Enabled = true
		cfg.Strategies.Scalper.Symbols = []string{"BTCUSDT"}
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "yolo" }, "mode"},
		{"no strategy", func(c *Config) { c.Strategies.Scalper.Enabled = false }, "strategies"},
		{"live without keys", func(c *Config) { c.Mode = ModeLive }, "binance.api_key"},
		{"backtest without dataset", func(c *Config) { c.Mode = ModeBacktest }, "backtest.dataset"},
		{"bad ws url", func(c *Config) { c.Binance.WSURL = "http://x" }, "binance.ws_url"},
		{"bad timezone", func(c *Config) { c.Session.Timezone = "Mars/Olympus" }, "session"},
		{"bad day start", func(c *Config) { c.Session.DayStart = "25:99" }, "session"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" }, "storage.dsn"},
		{"zero capital", func(c *Config) { c.Trading.InitialCapital = c.Trading.InitialCapital.Sub(c.Trading.InitialCapital) }, "trading.initial_capital"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			var ce *domain.ConfigError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}
