package backtest

import (
	"context"
	"fmt"
	"log/slog"

	"market_maker/internal/event"
)

// MonteCarloResult holds every run of a batch and their summary.
type MonteCarloResult struct {
	Runs    []*Result `json:"runs"`
	Summary Summary   `json:"summary"`
}

// MonteCarlo replays events n times with seeds Seed, Seed+1, ...
// The data is identical in every run; only simulated latency and slippage
// draws differ. Runs are sequential so each stays single-threaded and the
// events, which runs share read-only, are never touched concurrently.
func (e *Engine) MonteCarlo(ctx context.Context, events []event.Event, n int) (*MonteCarloResult, error) {
	if n < 1 {
		return nil, fmt.Errorf("monte carlo: need at least one run, got %d", n)
	}
	out := &MonteCarloResult{Runs: make([]*Result, 0, n)}
	for i := 0; i < n; i++ {
		seed := e.cfg.Seed + int64(i)
		res, err := e.run(ctx, events, seed)
		if err != nil {
			return nil, fmt.Errorf("monte carlo run %d (seed %d): %w", i, seed, err)
		}
		out.Runs = append(out.Runs, res)
	}
	out.Summary = Summarize(out.Runs)

	e.logger.Info("📊 monte carlo finished",
		slog.Int("runs", n),
		slog.Float64("sharpe_mean", out.Summary.Sharpe.Mean),
		slog.Float64("sharpe_std", out.Summary.Sharpe.Std),
		slog.Float64("max_dd_mean", out.Summary.MaxDrawdown.Mean),
		slog.Float64("profitable_rate", out.Summary.ProfitableRate))
	return out, nil
}
