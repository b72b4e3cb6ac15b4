package backtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func curve(values ...int64) []EquityPoint {
	out := make([]EquityPoint, len(values))
	for i, v := range values {
		out[i] = EquityPoint{Time: t0.Add(time.Duration(i) * time.Minute), Equity: decimal.NewFromInt(v)}
	}
	return out
}

func TestMaxDrawdown(t *testing.T) {
	tests := []struct {
		name   string
		equity []EquityPoint
		want   float64
	}{
		{"rising", curve(100, 110, 120), 0},
		{"single dip", curve(100, 120, 90, 130), 0.25},
		{"deeper later", curve(100, 90, 150, 75), 0.5},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, MaxDrawdown(tt.equity), 1e-9)
		})
	}
}

func TestSharpe(t *testing.T) {
	assert.Zero(t, Sharpe(curve(100, 100, 100)), "flat curve")
	assert.Zero(t, Sharpe(curve(100)), "single sample")

	// returns +10%, -10%: mean 0
	assert.InDelta(t, 0, Sharpe(curve(100, 110, 99)), 1e-9)

	// returns +1%, +3%: mean 0.02, sample std 0.01414
	s := Sharpe([]EquityPoint{
		{Equity: decimal.NewFromInt(100)},
		{Equity: decimal.NewFromInt(101)},
		{Equity: decimal.RequireFromString("104.03")},
	})
	assert.InDelta(t, 0.02/0.0141421356, s, 1e-6)
}

func TestSummarize(t *testing.T) {
	runs := []*Result{
		{Seed: 1, Sharpe: 1, MaxDrawdown: 0.1, WinRate: 0.5, TotalReturn: 0.02, PnL: decimal.NewFromInt(200)},
		{Seed: 2, Sharpe: 3, MaxDrawdown: 0.3, WinRate: 0.7, TotalReturn: -0.01, PnL: decimal.NewFromInt(-100)},
	}
	s := Summarize(runs)
	assert.Equal(t, 2, s.Runs)
	assert.InDelta(t, 2, s.Sharpe.Mean, 1e-9)
	assert.InDelta(t, 1.41421356, s.Sharpe.Std, 1e-6)
	assert.Equal(t, 1.0, s.Sharpe.Min)
	assert.Equal(t, 3.0, s.Sharpe.Max)
	assert.InDelta(t, 0.2, s.MaxDrawdown.Mean, 1e-9)
	assert.InDelta(t, 0.005, s.Return.Mean, 1e-9)
	assert.Equal(t, 0.5, s.ProfitableRate)

	assert.Equal(t, Summary{}, Summarize(nil))
}
