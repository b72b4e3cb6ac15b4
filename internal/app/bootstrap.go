package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"market_maker/internal/backtest"
	"market_maker/internal/clock"
	"market_maker/internal/domain"
	"market_maker/internal/engine"
	"market_maker/internal/event"
	"market_maker/internal/execution"
	"market_maker/internal/infra"
	"market_maker/internal/infra/binance"
	"market_maker/internal/infra/storage"
	"market_maker/internal/ratelimit"
	"market_maker/internal/service"
	"market_maker/internal/strategy"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config *infra.Config
	// Writer is nil when storage is disabled.
	Writer *storage.Writer
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the configuration, installs the logger and opens the
// persistence sink.
func (b *Bootstrap) Initialize(configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	slog.Info("🚀 Bootstrapping market maker...", slog.String("mode", cfg.Mode))

	// 3. Initialize Storage (DB)
	switch cfg.Storage.Driver {
	case "", "none":
		slog.Info("storage disabled")
	default:
		st, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		b.Writer = storage.NewWriter(st, cfg.Storage.Queue)
		slog.Info("✅ Database initialized", slog.String("driver", cfg.Storage.Driver))
	}
	return nil
}

// Run executes the configured mode until ctx ends (live, paper) or the
// replay finishes (backtest).
func (b *Bootstrap) Run(ctx context.Context) error {
	if b.Config.Mode == infra.ModeBacktest {
		return b.runBacktest(ctx)
	}
	eng, err := b.buildEngine(ctx)
	if err != nil {
		b.closeWriter()
		return err
	}
	return eng.Run(ctx)
}

func (b *Bootstrap) recorder() domain.Recorder {
	if b.Writer == nil {
		return nil
	}
	return b.Writer
}

func (b *Bootstrap) closeWriter() {
	if b.Writer != nil {
		if err := b.Writer.Close(); err != nil {
			slog.Warn("close storage", slog.Any("error", err))
		}
	}
}

func (b *Bootstrap) pipelineConfig() (engine.PipelineConfig, error) {
	cfg := b.Config
	session, err := cfg.SessionCalendar()
	if err != nil {
		return engine.PipelineConfig{}, err
	}
	return engine.PipelineConfig{
		Market:         cfg.Market,
		Strategies:     strategy.Build(cfg.Strategies),
		Limits:         cfg.Risk,
		Execution:      cfg.Execution,
		InitialCapital: cfg.Trading.InitialCapital,
		QuoteAsset:     cfg.Trading.QuoteAsset,
		Session:        session,
		MaxGapCount:    cfg.Sequencer.MaxGapCount,
	}, nil
}

// buildEngine wires the live or paper engine. Both read the real Binance
// stream; live routes orders to Binance, paper to the simulated venue.
func (b *Bootstrap) buildEngine(ctx context.Context) (*engine.Engine, error) {
	cfg := b.Config
	pcfg, err := b.pipelineConfig()
	if err != nil {
		return nil, err
	}

	clk := clock.Real{}
	limiter := ratelimit.New(cfg.RateLimit, clk)
	client := binance.NewCommandClient(cfg.Binance, limiter)

	deps := engine.PipelineDeps{
		IDs:      execution.UUIDs{},
		Clock:    clk,
		Recorder: b.recorder(),
		Metrics:  infra.GlobalMetrics,
	}
	if cfg.Mode == infra.ModeLive {
		deps.Venue = client
	} else {
		sim := execution.NewSimVenue(cfg.Simulator, clk, cfg.Backtest.Seed)
		deps.Venue = sim
		deps.Matcher = sim.Match
	}
	p := engine.NewPipeline(pcfg, deps)

	events := make(chan event.Event, cfg.Sequencer.InboxSize)
	stream := binance.NewStreamWorker(cfg.Binance, p.Symbols(), client, events, infra.GlobalMetrics)

	opts := engine.Options{
		Pipeline:          p,
		Stream:            stream,
		Events:            events,
		InboxSize:         cfg.Sequencer.InboxSize,
		ReconcileInterval: cfg.Execution.ReconcileInterval,
		CancelTimeout:     cfg.Execution.CancelTimeout,
		DumpDir:           cfg.Logging.Dir,
	}

	// Observability
	report := service.NewReportService(p.Ledger(), p.Risk(), p.Market().Marks, clk, strategyNames(pcfg.Strategies), cfg.Metrics.ReportInterval)
	if cfg.Metrics.CloudWatch.Enabled {
		sink, err := infra.NewCloudWatchSink(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
		if err != nil {
			return nil, fmt.Errorf("cloudwatch: %w", err)
		}
		report.AddPublisher(sink)
		slog.Info("✅ CloudWatch publishing enabled", slog.String("namespace", cfg.Metrics.CloudWatch.Namespace))
	}
	opts.Services = append(opts.Services, report)

	if cfg.Status.Addr != "" {
		opts.Services = append(opts.Services, infra.NewStatusServer(cfg.Status.Addr, p.Risk(), p.Execution(), p.Ledger(), p.Metrics()))
	}

	// Sinks, flushed in order after trading stops
	if cfg.Recorder.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Recorder.Path), 0755); err != nil {
			return nil, err
		}
		rec, err := backtest.NewDatasetWriter(cfg.Recorder.Path)
		if err != nil {
			return nil, err
		}
		opts.Tap = rec
		opts.Closers = append(opts.Closers, rec)
		slog.Info("✅ Recording market data", slog.String("path", cfg.Recorder.Path))
	}
	if b.Writer != nil {
		opts.Closers = append(opts.Closers, b.Writer)
	}

	eng, err := engine.New(opts)
	if err != nil {
		closeAll(opts.Closers)
		return nil, err
	}
	return eng, nil
}

func (b *Bootstrap) runBacktest(ctx context.Context) error {
	defer b.closeWriter()
	cfg := b.Config

	bcfg, err := backtest.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	events, err := backtest.ReadDataset(cfg.Backtest.Dataset)
	if err != nil {
		return err
	}
	slog.Info("📂 Dataset loaded", slog.String("path", cfg.Backtest.Dataset), slog.Int("events", len(events)))

	eng := backtest.NewEngine(bcfg)
	if b.Writer != nil {
		eng.SetRecorder(b.Writer)
	}

	var results []*backtest.Result
	if cfg.Backtest.Runs > 1 {
		mc, err := eng.MonteCarlo(ctx, events, cfg.Backtest.Runs)
		if err != nil {
			return err
		}
		results = mc.Runs
		slog.Info("🎲 Monte Carlo finished",
			slog.Int("runs", mc.Summary.Runs),
			slog.Float64("sharpe_mean", mc.Summary.Sharpe.Mean),
			slog.Float64("max_drawdown_mean", mc.Summary.MaxDrawdown.Mean),
			slog.Float64("profitable_rate", mc.Summary.ProfitableRate))
	} else {
		res, err := eng.Run(ctx, events)
		if err != nil {
			return err
		}
		results = []*backtest.Result{res}
	}

	if cfg.Backtest.ReportPath != "" {
		if err := backtest.WriteReport(cfg.Backtest.ReportPath, results); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		slog.Info("✅ Report written", slog.String("path", cfg.Backtest.ReportPath))
	}
	return nil
}

func strategyNames(strats []strategy.Strategy) []string {
	names := make([]string, len(strats))
	for i, s := range strats {
		names[i] = s.Name()
	}
	return names
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			slog.Warn("close", slog.Any("error", err))
		}
	}
}
