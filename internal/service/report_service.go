package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"market_maker/internal/accounting"
	"market_maker/internal/clock"
	"market_maker/internal/domain"
	"market_maker/internal/risk"

	"github.com/shopspring/decimal"
)

// AccountName is the StrategyName of account-wide metrics.
const AccountName = "account"

// ReportService periodically turns ledger and risk state into
// PerformanceMetric values and hands them to the publishers.
type ReportService struct {
	mu         sync.Mutex
	ledger     *accounting.Ledger
	risk       *risk.Manager
	marks      func() map[string]decimal.Decimal
	clock      clock.Clock
	strategies []string
	interval   time.Duration
	publishers []domain.MetricPublisher
	last       []domain.PerformanceMetric
	logger     *slog.Logger
}

// NewReportService creates a ReportService. strategies lists the tags that
// are reported even before their first fill.
func NewReportService(ledger *accounting.Ledger, rm *risk.Manager, marks func() map[string]decimal.Decimal, clk clock.Clock, strategies []string, interval time.Duration) *ReportService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReportService{
		ledger:     ledger,
		risk:       rm,
		marks:      marks,
		clock:      clk,
		strategies: strategies,
		interval:   interval,
		logger:     slog.Default().With("module", "report"),
	}
}

// AddPublisher adds a metric sink. Call before Run.
func (s *ReportService) AddPublisher(p domain.MetricPublisher) {
	s.publishers = append(s.publishers, p)
}

// Run reports every interval and once more when ctx ends.
func (s *ReportService) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			// final report on a fresh context so publishers are not cut off
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Report(fctx)
			cancel()
			return nil
		case <-t.C:
			s.Report(ctx)
		}
	}
}

// Collect builds the current metric set, sorted by strategy and name.
func (s *ReportService) Collect() []domain.PerformanceMetric {
	now := s.clock.Now()
	stats := s.ledger.Stats()
	for _, name := range s.strategies {
		if _, ok := stats[name]; !ok {
			stats[name] = accounting.StrategyStats{}
		}
	}

	out := make([]domain.PerformanceMetric, 0, len(stats)*3+2)
	for name, st := range stats {
		out = append(out,
			domain.PerformanceMetric{StrategyName: name, MetricName: "realized_pnl", Value: st.Realized.InexactFloat64(), Time: now},
			domain.PerformanceMetric{StrategyName: name, MetricName: "trades", Value: float64(st.Fills), Time: now},
			domain.PerformanceMetric{StrategyName: name, MetricName: "win_rate", Value: st.WinRate(), Time: now},
		)
	}

	var marks map[string]decimal.Decimal
	if s.marks != nil {
		marks = s.marks()
	}
	halted := 0.0
	if s.risk.Halted() {
		halted = 1
	}
	out = append(out,
		domain.PerformanceMetric{StrategyName: AccountName, MetricName: "daily_pnl", Value: s.ledger.DailyPnL(now, marks).InexactFloat64(), Time: now},
		domain.PerformanceMetric{StrategyName: AccountName, MetricName: "halted", Value: halted, Time: now},
	)

	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyName != out[j].StrategyName {
			return out[i].StrategyName < out[j].StrategyName
		}
		return out[i].MetricName < out[j].MetricName
	})
	return out
}

// Report collects, logs and publishes one metric set. Publisher failures
// are logged and do not stop the others.
func (s *ReportService) Report(ctx context.Context) {
	metrics := s.Collect()

	s.mu.Lock()
	s.last = metrics
	s.mu.Unlock()

	for _, m := range metrics {
		s.logger.Info("performance",
			slog.String("strategy", m.StrategyName),
			slog.String("metric", m.MetricName),
			slog.Float64("value", m.Value))
	}
	for _, p := range s.publishers {
		if err := p.Publish(ctx, metrics); err != nil {
			s.logger.Warn("publish metrics failed", slog.Any("error", err))
		}
	}
}

// Last returns the most recently reported metric set.
func (s *ReportService) Last() []domain.PerformanceMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PerformanceMetric(nil), s.last...)
}
