package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"market_maker/internal/clock"
	"market_maker/internal/domain"
	"market_maker/internal/engine"
	"market_maker/internal/event"
	"market_maker/internal/execution"
	"market_maker/internal/infra"
	"market_maker/internal/market"
	"market_maker/internal/risk"
	"market_maker/internal/strategy"

	"github.com/shopspring/decimal"
)

// Config parameterizes a replay. Strategies are rebuilt from Strategies
// for every run, so no indicator state leaks between runs.
type Config struct {
	Strategies     strategy.Config
	Market         market.Config
	Limits         risk.Limits
	Execution      execution.Config
	Sim            execution.SimConfig
	InitialCapital decimal.Decimal
	QuoteAsset     string
	Session        clock.Session
	MaxGapCount    int

	Seed           int64
	SampleInterval time.Duration

	// SyntheticBook derives a one-level book around every candle close for
	// datasets without depth.
	SyntheticBook      bool
	SyntheticSpreadBps float64
	SyntheticDepth     decimal.Decimal
}

// ConfigFrom maps the process configuration onto a replay.
func ConfigFrom(cfg *infra.Config) (Config, error) {
	session, err := cfg.SessionCalendar()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Strategies:         cfg.Strategies,
		Market:             cfg.Market,
		Limits:             cfg.Risk,
		Execution:          cfg.Execution,
		Sim:                cfg.Simulator,
		InitialCapital:     cfg.Trading.InitialCapital,
		QuoteAsset:         cfg.Trading.QuoteAsset,
		Session:            session,
		MaxGapCount:        cfg.Sequencer.MaxGapCount,
		Seed:               cfg.Backtest.Seed,
		SampleInterval:     cfg.Backtest.SampleInterval,
		SyntheticBook:      cfg.Backtest.SyntheticBook,
		SyntheticSpreadBps: cfg.Backtest.SyntheticSpreadBps,
		SyntheticDepth:     cfg.Backtest.SyntheticDepth,
	}, nil
}

// EquityPoint is one equity sample.
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Equity decimal.Decimal `json:"equity"`
}

// Engine replays datasets through the same Pipeline live trading uses,
// on a manual clock with the simulated venue.
type Engine struct {
	cfg      Config
	recorder domain.Recorder
	logger   *slog.Logger
}

// NewEngine creates a replay engine.
func NewEngine(cfg Config) *Engine {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Minute
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	return &Engine{cfg: cfg, logger: slog.Default().With("module", "backtest")}
}

// SetRecorder forwards every run's trades, orders and risk events to r.
func (e *Engine) SetRecorder(r domain.Recorder) { e.recorder = r }

// Run replays events once with the configured seed.
func (e *Engine) Run(ctx context.Context, events []event.Event) (*Result, error) {
	return e.run(ctx, events, e.cfg.Seed)
}

// run is single-threaded: the clock only moves to event times, and every
// random draw comes from seed.
func (e *Engine) run(ctx context.Context, events []event.Event, seed int64) (*Result, error) {
	strats := strategy.Build(e.cfg.Strategies)
	if len(strats) == 0 {
		return nil, fmt.Errorf("backtest: no strategy enabled")
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("backtest: empty dataset")
	}

	start := events[0].GetTime()
	clk := clock.NewManual(start)
	sim := execution.NewSimVenue(e.cfg.Sim, clk, seed)
	col := &collector{next: e.recorder}
	metrics := &infra.Metrics{}

	p := engine.NewPipeline(engine.PipelineConfig{
		Market:         e.cfg.Market,
		Strategies:     strats,
		Limits:         e.cfg.Limits,
		Execution:      e.cfg.Execution,
		InitialCapital: e.cfg.InitialCapital,
		QuoteAsset:     e.cfg.QuoteAsset,
		Session:        e.cfg.Session,
		MaxGapCount:    e.cfg.MaxGapCount,
	}, engine.PipelineDeps{
		Venue:    sim,
		IDs:      execution.NewSeededIDs(seed),
		Clock:    clk,
		Matcher:  sim.Match,
		Recorder: col,
		Metrics:  metrics,
	})

	var synth *synthesizer
	if e.cfg.SyntheticBook {
		synth = newSynthesizer(e.cfg.SyntheticSpreadBps, e.cfg.SyntheticDepth)
	}

	equity := []EquityPoint{{Time: start, Equity: p.Equity()}}
	nextSample := start.Add(e.cfg.SampleInterval)

	for i, ev := range events {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if t := ev.GetTime(); t.After(clk.Now()) {
			clk.AdvanceTo(t)
		}

		if synth != nil {
			if snap := synth.derive(ev); snap != nil {
				p.HandleEvent(ctx, snap)
			}
		}
		p.HandleEvent(ctx, ev)

		if now := clk.Now(); !now.Before(nextSample) {
			equity = append(equity, EquityPoint{Time: now, Equity: p.Equity()})
			nextSample = now.Add(e.cfg.SampleInterval)
		}
	}

	end := clk.Now()
	if last := equity[len(equity)-1]; last.Time.Before(end) {
		equity = append(equity, EquityPoint{Time: end, Equity: p.Equity()})
	}

	res := newResult(seed, e.cfg.InitialCapital, col.trades, equity, p)
	res.Orders = int(metrics.Snapshot().OrdersSubmitted)
	res.RiskRejections = int(metrics.Snapshot().RiskRejections)
	res.Events = len(events)
	res.Start, res.End = start, end

	e.logger.Info("backtest run finished",
		slog.Int64("seed", seed),
		slog.Int("events", res.Events),
		slog.Int("trades", len(res.Trades)),
		slog.String("pnl", res.PnL.StringFixed(2)),
		slog.Float64("sharpe", res.Sharpe),
		slog.Float64("max_drawdown", res.MaxDrawdown))
	return res, nil
}

// collector keeps the run's trades and forwards everything downstream.
type collector struct {
	trades []domain.Fill
	next   domain.Recorder
}

func (c *collector) RecordTrade(f domain.Fill) {
	c.trades = append(c.trades, f)
	if c.next != nil {
		c.next.RecordTrade(f)
	}
}

func (c *collector) RecordOrder(o domain.Order) {
	if c.next != nil {
		c.next.RecordOrder(o)
	}
}

func (c *collector) RecordPosition(p domain.Position) {
	if c.next != nil {
		c.next.RecordPosition(p)
	}
}

func (c *collector) RecordRiskEvent(ev domain.RiskEvent) {
	if c.next != nil && ev.Type != domain.RiskIntentApproved {
		c.next.RecordRiskEvent(ev)
	}
}

// synthesizer turns candles into one-level book snapshots.
type synthesizer struct {
	halfSpread decimal.Decimal
	depth      decimal.Decimal
	seq        map[string]int64
}

func newSynthesizer(spreadBps float64, depth decimal.Decimal) *synthesizer {
	if spreadBps <= 0 {
		spreadBps = 2
	}
	if !depth.IsPositive() {
		depth = decimal.NewFromInt(10)
	}
	return &synthesizer{
		halfSpread: decimal.NewFromFloat(spreadBps / 2 / 10000),
		depth:      depth,
		seq:        make(map[string]int64),
	}
}

func (s *synthesizer) derive(ev event.Event) *event.BookSnapshot {
	cu, ok := ev.(*event.CandleUpdate)
	if !ok || !cu.Candle.Close.IsPositive() {
		return nil
	}
	mid := cu.Candle.Close
	one := decimal.NewFromInt(1)
	s.seq[cu.Symbol]++
	return &event.BookSnapshot{
		Base: event.Base{Symbol: cu.Symbol, Time: cu.Time},
		Seq:  s.seq[cu.Symbol],
		Bids: []domain.Level{{Price: mid.Mul(one.Sub(s.halfSpread)), Qty: s.depth}},
		Asks: []domain.Level{{Price: mid.Mul(one.Add(s.halfSpread)), Qty: s.depth}},
	}
}
