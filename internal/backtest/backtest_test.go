package backtest

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"market_maker/internal/clock"
	"market_maker/internal/domain"
	"market_maker/internal/event"
	"market_maker/internal/execution"
	"market_maker/internal/market"
	"market_maker/internal/risk"
	"market_maker/internal/strategy"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) Config {
	t.Helper()
	session, err := clock.NewSession("UTC", "00:00")
	require.NoError(t, err)
	return Config{
		Strategies: strategy.Config{
			MarketMaker: strategy.MarketMakerConfig{
				Enabled:         true,
				Symbols:         []string{"BTCUSDT"},
				RefreshInterval: time.Second,
			},
		},
		Market:         market.DefaultConfig(),
		Limits:         risk.DefaultLimits(),
		Execution:      execution.DefaultConfig(),
		Sim:            execution.DefaultSimConfig(),
		InitialCapital: decimal.NewFromInt(10000),
		QuoteAsset:     "USDT",
		Session:        session,
		MaxGapCount:    5,
		Seed:           42,
		SampleInterval: 10 * time.Second,
	}
}

// randomWalk builds n one-second book snapshots around a drifting mid.
func randomWalk(n int, seed int64) []event.Event {
	rng := rand.New(rand.NewSource(seed))
	mid := 100.0
	tick := decimal.RequireFromString("0.01")
	events := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		mid += (rng.Float64() - 0.5) * 0.4
		m := decimal.NewFromFloat(mid).Round(2)
		events = append(events, &event.BookSnapshot{
			Base: event.Base{Symbol: "BTCUSDT", Time: t0.Add(time.Duration(i) * time.Second)},
			Seq:  int64(i + 1),
			Bids: []domain.Level{{Price: m.Sub(tick), Qty: decimal.NewFromInt(5)}},
			Asks: []domain.Level{{Price: m.Add(tick), Qty: decimal.NewFromInt(5)}},
		})
	}
	return events
}

func TestRun_SameSeedIsReproducible(t *testing.T) {
	events := randomWalk(600, 7)
	eng := NewEngine(testConfig(t))

	a, err := eng.Run(context.Background(), events)
	require.NoError(t, err)
	b, err := eng.Run(context.Background(), events)
	require.NoError(t, err)

	require.NotEmpty(t, a.Trades, "the walk should cross the quotes")
	require.Equal(t, len(a.Trades), len(b.Trades))
	for i := range a.Trades {
		assert.Equal(t, a.Trades[i].TradeID, b.Trades[i].TradeID)
		assert.True(t, a.Trades[i].Price.Equal(b.Trades[i].Price))
		assert.True(t, a.Trades[i].Qty.Equal(b.Trades[i].Qty))
		assert.Equal(t, a.Trades[i].Side, b.Trades[i].Side)
	}
	assert.True(t, a.PnL.Equal(b.PnL), "pnl %s vs %s", a.PnL, b.PnL)
	assert.True(t, a.Realized.Equal(b.Realized))
	assert.Equal(t, a.Sharpe, b.Sharpe)
	assert.Equal(t, a.MaxDrawdown, b.MaxDrawdown)
	assert.Equal(t, len(a.Equity), len(b.Equity))
}

func TestRun_ResultShape(t *testing.T) {
	events := randomWalk(120, 3)
	res, err := NewEngine(testConfig(t)).Run(context.Background(), events)
	require.NoError(t, err)

	assert.Equal(t, int64(42), res.Seed)
	assert.Equal(t, 120, res.Events)
	assert.Equal(t, t0, res.Start)
	assert.Equal(t, t0.Add(119*time.Second), res.End)
	// start sample, one per 10s, and the closing sample
	assert.GreaterOrEqual(t, len(res.Equity), 12)
	assert.True(t, res.InitialEquity.Equal(decimal.NewFromInt(10000)))
	assert.True(t, res.PnL.Equal(res.FinalEquity.Sub(res.InitialEquity)))
	assert.Positive(t, res.Orders)
	if len(res.Trades) > 0 {
		assert.True(t, res.TotalFees().IsPositive())
	}
}

func TestRun_Errors(t *testing.T) {
	cfg := testConfig(t)
	_, err := NewEngine(cfg).Run(context.Background(), nil)
	assert.Error(t, err)

	cfg.Strategies = strategy.Config{}
	_, err = NewEngine(cfg).Run(context.Background(), randomWalk(10, 1))
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewEngine(testConfig(t)).Run(ctx, randomWalk(10, 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func candles(n int) []event.Event {
	events := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		open := t0.Add(time.Duration(i) * time.Minute)
		price := decimal.NewFromInt(int64(100 + i%5))
		events = append(events, &event.CandleUpdate{
			Base: event.Base{Symbol: "BTCUSDT", Time: open.Add(time.Minute)},
			Candle: domain.Candle{
				Symbol: "BTCUSDT", Interval: time.Minute,
				OpenTime: open, CloseTime: open.Add(time.Minute - time.Millisecond),
				Open: price, High: price.Add(decimal.NewFromInt(1)), Low: price.Sub(decimal.NewFromInt(1)),
				Close: price, Volume: decimal.NewFromInt(10), Closed: true,
			},
		})
	}
	return events
}

func TestRun_SyntheticBookFromCandles(t *testing.T) {
	cfg := testConfig(t)
	res, err := NewEngine(cfg).Run(context.Background(), candles(30))
	require.NoError(t, err)
	assert.Zero(t, res.Orders, "no depth, no ready book")

	cfg.SyntheticBook = true
	cfg.SyntheticSpreadBps = 4
	res, err = NewEngine(cfg).Run(context.Background(), candles(30))
	require.NoError(t, err)
	assert.Positive(t, res.Orders)
	assert.NotEmpty(t, res.Trades)
}

func TestMonteCarlo(t *testing.T) {
	events := randomWalk(300, 11)
	eng := NewEngine(testConfig(t))

	mc, err := eng.MonteCarlo(context.Background(), events, 4)
	require.NoError(t, err)
	require.Len(t, mc.Runs, 4)
	for i, r := range mc.Runs {
		assert.Equal(t, int64(42+i), r.Seed)
	}
	assert.Equal(t, 4, mc.Summary.Runs)
	assert.LessOrEqual(t, mc.Summary.Sharpe.Min, mc.Summary.Sharpe.Max)
	assert.GreaterOrEqual(t, mc.Summary.ProfitableRate, 0.0)
	assert.LessOrEqual(t, mc.Summary.ProfitableRate, 1.0)

	// a run inside the batch equals a single run with that seed
	single, err := eng.run(context.Background(), events, 43)
	require.NoError(t, err)
	assert.True(t, single.PnL.Equal(mc.Runs[1].PnL))
	assert.Equal(t, len(single.Trades), len(mc.Runs[1].Trades))

	_, err = eng.MonteCarlo(context.Background(), events, 0)
	assert.Error(t, err)
}

func TestWriteReport(t *testing.T) {
	events := randomWalk(60, 5)
	mc, err := NewEngine(testConfig(t)).MonteCarlo(context.Background(), events, 2)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "reports", "bt.json")
	require.NoError(t, WriteReport(path, mc.Runs))
	assert.FileExists(t, path)
}
