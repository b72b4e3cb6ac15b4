package backtest

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"market_maker/internal/domain"
	"market_maker/internal/engine"

	"github.com/shopspring/decimal"
)

// Result is the outcome of one replay.
type Result struct {
	Seed   int64     `json:"seed"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Events int       `json:"events"`

	Trades []domain.Fill `json:"trades"`
	Equity []EquityPoint `json:"equity"`

	InitialEquity decimal.Decimal            `json:"initial_equity"`
	FinalEquity   decimal.Decimal            `json:"final_equity"`
	PnL           decimal.Decimal            `json:"pnl"`
	Realized      decimal.Decimal            `json:"realized"`
	Fees          map[string]decimal.Decimal `json:"fees"`

	TotalReturn  float64 `json:"total_return"`
	Sharpe       float64 `json:"sharpe"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`

	Orders         int `json:"orders"`
	RiskRejections int `json:"risk_rejections"`
}

func newResult(seed int64, initial decimal.Decimal, trades []domain.Fill, equity []EquityPoint, p *engine.Pipeline) *Result {
	final := equity[len(equity)-1].Equity
	r := &Result{
		Seed:          seed,
		Trades:        trades,
		Equity:        equity,
		InitialEquity: initial,
		FinalEquity:   final,
		PnL:           final.Sub(initial),
		Realized:      p.Ledger().Realized(),
		Fees:          p.Ledger().Fees(),
	}
	if initial.IsPositive() {
		r.TotalReturn = final.Sub(initial).Div(initial).InexactFloat64()
	}
	r.Sharpe = Sharpe(equity)
	r.MaxDrawdown = MaxDrawdown(equity)

	var wins, closing int
	gross, loss := decimal.Zero, decimal.Zero
	for _, st := range p.Ledger().Stats() {
		wins += st.Wins
		closing += st.ClosingTrades
		gross = gross.Add(st.GrossProfit)
		loss = loss.Add(st.GrossLoss)
	}
	if closing > 0 {
		r.WinRate = float64(wins) / float64(closing)
	}
	if loss.IsPositive() {
		r.ProfitFactor = gross.Div(loss).InexactFloat64()
	}
	return r
}

// TotalFees sums fees over all assets. Fees are charged in the quote asset
// on the simulated venue.
func (r *Result) TotalFees() decimal.Decimal {
	total := decimal.Zero
	for _, f := range r.Fees {
		total = total.Add(f)
	}
	return total
}

func returns(equity []EquityPoint) []float64 {
	out := make([]float64, 0, len(equity))
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if !prev.IsPositive() {
			continue
		}
		out = append(out, equity[i].Equity.Sub(prev).Div(prev).InexactFloat64())
	}
	return out
}

// Sharpe is mean over sample standard deviation of the per-sample returns,
// not annualized. It is 0 when returns do not vary.
func Sharpe(equity []EquityPoint) float64 {
	rs := returns(equity)
	mean, std := meanStd(rs)
	if std == 0 {
		return 0
	}
	return mean / std
}

// MaxDrawdown is the largest peak-to-trough fall as a fraction of the peak.
func MaxDrawdown(equity []EquityPoint) float64 {
	var peak, worst float64
	for i, p := range equity {
		v := p.Equity.InexactFloat64()
		if i == 0 || v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

// Stat summarizes one figure across Monte Carlo runs.
type Stat struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

func newStat(xs []float64) Stat {
	if len(xs) == 0 {
		return Stat{}
	}
	s := Stat{Min: xs[0], Max: xs[0]}
	for _, x := range xs {
		s.Min = math.Min(s.Min, x)
		s.Max = math.Max(s.Max, x)
	}
	s.Mean, s.Std = meanStd(xs)
	return s
}

// Summary aggregates a Monte Carlo batch.
type Summary struct {
	Runs        int  `json:"runs"`
	Sharpe      Stat `json:"sharpe"`
	MaxDrawdown Stat `json:"max_drawdown"`
	WinRate     Stat `json:"win_rate"`
	Return      Stat `json:"return"`
	// ProfitableRate is the share of runs that ended with a positive P&L.
	ProfitableRate float64 `json:"profitable_rate"`
}

// Summarize aggregates results.
func Summarize(results []*Result) Summary {
	n := len(results)
	s := Summary{Runs: n}
	if n == 0 {
		return s
	}
	sharpe := make([]float64, n)
	dd := make([]float64, n)
	win := make([]float64, n)
	ret := make([]float64, n)
	profitable := 0
	for i, r := range results {
		sharpe[i], dd[i], win[i], ret[i] = r.Sharpe, r.MaxDrawdown, r.WinRate, r.TotalReturn
		if r.PnL.IsPositive() {
			profitable++
		}
	}
	s.Sharpe = newStat(sharpe)
	s.MaxDrawdown = newStat(dd)
	s.WinRate = newStat(win)
	s.Return = newStat(ret)
	s.ProfitableRate = float64(profitable) / float64(n)
	return s
}

// Report is what gets written to the report file.
type Report struct {
	Summary Summary   `json:"summary"`
	Runs    []*Result `json:"runs"`
}

// WriteReport writes results as indented JSON, creating parent directories.
func WriteReport(path string, results []*Result) error {
	sorted := append([]*Result(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seed < sorted[j].Seed })

	b, err := json.MarshalIndent(Report{Summary: Summarize(sorted), Runs: sorted}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, b, 0644)
}
