package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"market_maker/internal/accounting"
	"market_maker/internal/clock"
	"market_maker/internal/domain"
	"market_maker/internal/risk"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type memPublisher struct {
	mu    sync.Mutex
	calls [][]domain.PerformanceMetric
	err   error
}

func (p *memPublisher) Publish(_ context.Context, m []domain.PerformanceMetric) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, m)
	return p.err
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func metric(ms []domain.PerformanceMetric, strategy, name string) (float64, bool) {
	for _, m := range ms {
		if m.StrategyName == strategy && m.MetricName == name {
			return m.Value, true
		}
	}
	return 0, false
}

func newReport(t *testing.T) (*ReportService, *accounting.Ledger, *risk.Manager) {
	t.Helper()
	clk := clock.NewManual(t0)
	ledger := accounting.NewLedger(decimal.NewFromInt(10000), "USDT", clock.Session{})
	rm := risk.New(risk.DefaultLimits(), decimal.NewFromInt(10000), clock.Session{}, clk)
	marks := func() map[string]decimal.Decimal {
		return map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(100)}
	}
	svc := NewReportService(ledger, rm, marks, clk, []string{"scalper", "market_maker"}, time.Minute)
	return svc, ledger, rm
}

func TestReportService_Collect(t *testing.T) {
	svc, ledger, _ := newReport(t)

	ledger.ApplyFill(domain.Fill{TradeID: "1", Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(100), Tag: "scalper", Time: t0})
	ledger.ApplyFill(domain.Fill{TradeID: "2", Symbol: "BTCUSDT", Side: domain.SideSell, Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(110), Tag: "scalper", Time: t0})

	ms := svc.Collect()

	v, ok := metric(ms, "scalper", "realized_pnl")
	require.True(t, ok)
	assert.Equal(t, 10.0, v)
	v, _ = metric(ms, "scalper", "trades")
	assert.Equal(t, 2.0, v)
	v, _ = metric(ms, "scalper", "win_rate")
	assert.Equal(t, 1.0, v)

	// configured strategies without fills still report
	v, ok = metric(ms, "market_maker", "trades")
	require.True(t, ok)
	assert.Zero(t, v)

	v, ok = metric(ms, AccountName, "daily_pnl")
	require.True(t, ok)
	assert.Equal(t, 10.0, v)
	v, _ = metric(ms, AccountName, "halted")
	assert.Zero(t, v)

	for i := 1; i < len(ms); i++ {
		prev, cur := ms[i-1], ms[i]
		assert.True(t, prev.StrategyName < cur.StrategyName ||
			(prev.StrategyName == cur.StrategyName && prev.MetricName < cur.MetricName))
	}
}

func TestReportService_ReportsHaltAndSurvivesPublisherError(t *testing.T) {
	svc, _, rm := newReport(t)
	failing := &memPublisher{err: errors.New("throttled")}
	ok := &memPublisher{}
	svc.AddPublisher(failing)
	svc.AddPublisher(ok)

	rm.Halt("", "manual")
	svc.Report(context.Background())

	assert.Equal(t, 1, failing.count())
	require.Equal(t, 1, ok.count())
	v, found := metric(ok.calls[0], AccountName, "halted")
	require.True(t, found)
	assert.Equal(t, 1.0, v)
	assert.Equal(t, ok.calls[0], svc.Last())
}

func TestReportService_RunReportsOnShutdown(t *testing.T) {
	svc, _, _ := newReport(t)
	pub := &memPublisher{}
	svc.AddPublisher(pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 1, pub.count())
}
