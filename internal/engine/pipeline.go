package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"market_maker/internal/accounting"
	"market_maker/internal/clock"
	"market_maker/internal/domain"
	"market_maker/internal/event"
	"market_maker/internal/execution"
	"market_maker/internal/infra"
	"market_maker/internal/market"
	"market_maker/internal/risk"
	"market_maker/internal/strategy"

	"github.com/shopspring/decimal"
)

// Matcher fills simulated orders against the current book. SimVenue.Match
// is the only implementation; live trading has none.
type Matcher func(now time.Time, snap market.Snapshot) []domain.VenueReport

// PipelineConfig holds the settings of the shared trading chain.
type PipelineConfig struct {
	Market         market.Config
	Strategies     []strategy.Strategy
	Limits         risk.Limits
	Execution      execution.Config
	InitialCapital decimal.Decimal
	QuoteAsset     string
	Session        clock.Session
	// MaxGapCount halts a symbol after this many gaps without a resync.
	MaxGapCount int
}

// PipelineDeps are the pluggable collaborators. Only Venue, IDs and Clock
// are required.
type PipelineDeps struct {
	Venue    domain.Venue
	IDs      execution.IDGenerator
	Clock    clock.Clock
	Matcher  Matcher
	Recorder domain.Recorder
	Metrics  *infra.Metrics
}

// strategySlot serializes evaluations of one strategy instance. A pairs
// strategy is reached from two symbol goroutines.
type strategySlot struct {
	mu    sync.Mutex
	strat strategy.Strategy
}

// Pipeline is the mode-independent chain: market state, strategies, risk,
// execution and accounting. Live, paper and backtest all drive it through
// HandleEvent.
type Pipeline struct {
	cfg      PipelineConfig
	market   *market.Store
	risk     *risk.Manager
	exec     *execution.Engine
	ledger   *accounting.Ledger
	account  accounting.Account
	clock    clock.Clock
	matcher  Matcher
	recorder domain.Recorder
	metrics  *infra.Metrics
	logger   *slog.Logger

	slots    []*strategySlot
	bySymbol map[string][]*strategySlot

	mu       sync.Mutex
	gaps     map[string]int
	fatal    map[string]error
	nextRoll time.Time

	stopped atomic.Bool
}

// NewPipeline wires the chain. Execution hooks feed fills into the ledger
// and risk before anything else sees them.
func NewPipeline(cfg PipelineConfig, deps PipelineDeps) *Pipeline {
	if cfg.MaxGapCount <= 0 {
		cfg.MaxGapCount = 5
	}
	if deps.Metrics == nil {
		deps.Metrics = infra.GlobalMetrics
	}

	p := &Pipeline{
		cfg:      cfg,
		market:   market.NewStore(cfg.Market),
		risk:     risk.New(cfg.Limits, cfg.InitialCapital, cfg.Session, deps.Clock),
		ledger:   accounting.NewLedger(cfg.InitialCapital, cfg.QuoteAsset, cfg.Session),
		clock:    deps.Clock,
		matcher:  deps.Matcher,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		logger:   slog.Default().With("module", "pipeline"),
		bySymbol: make(map[string][]*strategySlot),
		gaps:     make(map[string]int),
		fatal:    make(map[string]error),
	}
	p.exec = execution.NewEngine(cfg.Execution, deps.Venue, deps.IDs, deps.Clock, execution.Hooks{
		OnFill:          p.onFill,
		OnOrder:         p.onOrder,
		OnReject:        p.onReject,
		OnInconsistency: p.onInconsistency,
	})
	p.account = accounting.Account{Ledger: p.ledger, Marks: p.market.Marks, Orders: p.exec.OpenOrders}
	p.risk.Subscribe(p.onRiskEvent)
	p.nextRoll = cfg.Session.NextBoundary(deps.Clock.Now())

	for _, s := range cfg.Strategies {
		slot := &strategySlot{strat: s}
		p.slots = append(p.slots, slot)
		for _, sym := range s.Symbols() {
			p.bySymbol[sym] = append(p.bySymbol[sym], slot)
		}
	}
	return p
}

func (p *Pipeline) Market() *market.Store         { return p.market }
func (p *Pipeline) Risk() *risk.Manager           { return p.risk }
func (p *Pipeline) Execution() *execution.Engine  { return p.exec }
func (p *Pipeline) Ledger() *accounting.Ledger    { return p.ledger }
func (p *Pipeline) Account() strategy.AccountView { return p.account }
func (p *Pipeline) Metrics() *infra.Metrics       { return p.metrics }
func (p *Pipeline) Equity() decimal.Decimal       { return p.ledger.Equity(p.market.Marks()) }

// Symbols lists every symbol a strategy subscribes to.
func (p *Pipeline) Symbols() []string {
	strats := make([]strategy.Strategy, len(p.slots))
	for i, s := range p.slots {
		strats[i] = s.strat
	}
	return strategy.Symbols(strats)
}

// Stop ends strategy evaluation. Market data, fills and cancels keep
// flowing so shutdown can drain and reconcile.
func (p *Pipeline) Stop() {
	p.stopped.Store(true)
}

// SymbolHalted reports whether symbol's pipeline stopped on a fatal error.
func (p *Pipeline) SymbolHalted(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal[symbol] != nil
}

// HandleEvent applies ev to market state, matches simulated orders and
// evaluates the strategies subscribed to the event's symbol. Events for one
// symbol must arrive from a single goroutine.
func (p *Pipeline) HandleEvent(ctx context.Context, ev event.Event) {
	now := p.clock.Now()
	symbol := ev.GetSymbol()
	p.Roll(now)

	res := p.market.Apply(ev)
	p.metrics.RecordEvent(now.Sub(ev.GetTime()).Nanoseconds())

	switch {
	case res.Gap:
		p.onGap(ctx, symbol, ev)
	case res.Lost:
		p.risk.Emit(domain.RiskConnectionLost, symbol, domain.SeverityWarning, "market stream lost", nil)
	case res.BecameReady:
		p.mu.Lock()
		p.gaps[symbol] = 0
		p.mu.Unlock()
	}

	if !res.Ready {
		return
	}

	if p.matcher != nil {
		if snap, ok := p.market.Snapshot(symbol); ok {
			for _, rep := range p.matcher(now, snap) {
				p.exec.ApplyReport(rep)
			}
		}
	}

	if p.stopped.Load() || p.SymbolHalted(symbol) {
		return
	}
	for _, slot := range p.bySymbol[symbol] {
		p.evaluate(ctx, slot, symbol, now)
	}
}

// evaluate runs one strategy and executes its intents while holding the
// strategy's slot, so the next evaluation sees the orders it placed.
func (p *Pipeline) evaluate(ctx context.Context, slot *strategySlot, symbol string, now time.Time) {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	intents := slot.strat.OnTick(strategy.Tick{
		Symbol:  symbol,
		Now:     now,
		Market:  p.market,
		Account: p.account,
	})
	if len(intents) == 0 {
		return
	}

	// Replace cancels resting orders once per symbol and tag, before any of
	// the batch is placed. If that cancel fails the tag's quotes are dropped
	// so old and new never rest side by side.
	replaced := make(map[string]bool)
	for _, in := range intents {
		key := in.Symbol + "/" + in.Tag
		if _, done := replaced[key]; in.Replace && !done {
			replaced[key] = true
			if err := p.exec.CancelTag(ctx, in.Symbol, in.Tag); err != nil {
				p.logger.Warn("replace cancel failed", slog.String("symbol", in.Symbol), slog.String("tag", in.Tag), slog.Any("error", err))
				replaced[key] = false
			}
		}
	}

	marks := p.market.Marks()
	for _, in := range intents {
		if p.SymbolHalted(in.Symbol) {
			continue
		}
		if ok, seen := replaced[in.Symbol+"/"+in.Tag]; seen && !ok {
			continue
		}
		p.execute(ctx, in, marks)
	}
}

func (p *Pipeline) execute(ctx context.Context, in domain.TradeIntent, marks map[string]decimal.Decimal) {
	exp := risk.Exposure{
		Position:      p.ledger.Position(in.Symbol).Size,
		Mark:          marks[in.Symbol],
		Unrealized:    p.ledger.Unrealized(marks),
		GrossNotional: p.ledger.GrossNotional(marks),
	}
	for _, o := range p.exec.OpenOrders() {
		if o.Symbol != in.Symbol {
			continue
		}
		if o.Side == domain.SideBuy {
			exp.PendingBuy = exp.PendingBuy.Add(o.Remaining())
		} else {
			exp.PendingSell = exp.PendingSell.Add(o.Remaining())
		}
	}
	if d := p.risk.Evaluate(in, exp); !d.Approved {
		p.metrics.RecordRiskRejection()
		return
	}

	p.metrics.RecordOrderSubmitted()
	o, err := p.exec.Submit(ctx, in)
	if err != nil {
		p.logger.Debug("submit failed", slog.String("client_id", o.ClientID), slog.Any("error", err))
	}
}

// Roll starts a new session day when now passes the boundary. The new
// day's drawdown limit is anchored on the equity at the roll.
func (p *Pipeline) Roll(now time.Time) {
	p.mu.Lock()
	if now.Before(p.nextRoll) {
		p.mu.Unlock()
		return
	}
	p.nextRoll = p.cfg.Session.NextBoundary(now)
	p.mu.Unlock()

	if p.risk.Roll(now) {
		p.risk.SetStartEquity(p.Equity())
	}
}

func (p *Pipeline) onGap(ctx context.Context, symbol string, ev event.Event) {
	p.mu.Lock()
	p.gaps[symbol]++
	n := p.gaps[symbol]
	p.mu.Unlock()

	meta := map[string]string{"count": fmt.Sprint(n)}
	if g, ok := ev.(*event.GapDetected); ok {
		meta["expected"] = fmt.Sprint(g.Expected)
		meta["got"] = fmt.Sprint(g.Got)
	}
	p.risk.Emit(domain.RiskSequenceGap, symbol, domain.SeverityWarning, "book sequence gap", meta)

	if n >= p.cfg.MaxGapCount {
		p.HaltSymbol(ctx, symbol, fmt.Errorf("%d consecutive sequence gaps", n))
	}
}

// HaltSymbol stops evaluation on symbol and cancels its resting orders.
// Other symbols keep trading.
func (p *Pipeline) HaltSymbol(ctx context.Context, symbol string, cause error) {
	fatal := &domain.FatalError{Symbol: symbol, Err: cause}

	p.mu.Lock()
	if p.fatal[symbol] != nil {
		p.mu.Unlock()
		return
	}
	p.fatal[symbol] = fatal
	p.mu.Unlock()

	p.logger.Error("symbol pipeline halted", slog.String("symbol", symbol), slog.Any("error", cause))
	p.risk.Emit(domain.RiskPipelineFatal, symbol, domain.SeverityCritical, fatal.Error(), nil)

	for _, slot := range p.bySymbol[symbol] {
		if err := p.exec.CancelTag(ctx, symbol, slot.strat.Name()); err != nil {
			p.logger.Warn("cancel after halt failed", slog.String("symbol", symbol), slog.Any("error", err))
		}
	}
}

func (p *Pipeline) onFill(f domain.Fill) {
	// A fill past the session boundary lands in the new day.
	p.Roll(f.Time)
	res := p.ledger.ApplyFill(f)
	p.risk.RecordFill(res.RealizedDelta, res.Closing)
	if p.risk.Halted() {
		p.metrics.SetHalted(true)
	}
	if p.recorder != nil {
		p.recorder.RecordTrade(f)
		p.recorder.RecordPosition(res.Position)
	}
	p.logger.Debug("fill",
		slog.String("symbol", f.Symbol), slog.String("side", string(f.Side)),
		slog.String("qty", f.Qty.String()), slog.String("price", f.Price.String()),
		slog.String("realized", res.RealizedDelta.String()))
}

func (p *Pipeline) onOrder(o domain.Order) {
	if o.Status == domain.OrderStatusFilled {
		p.metrics.RecordOrderFilled()
	}
	if p.recorder != nil {
		p.recorder.RecordOrder(o)
	}
}

func (p *Pipeline) onReject(o domain.Order, err error) {
	p.metrics.RecordOrderRejected()
	p.risk.Emit(domain.RiskOrderRejected, o.Symbol, domain.SeverityWarning, err.Error(),
		map[string]string{"client_id": o.ClientID, "strategy": o.Tag})
}

func (p *Pipeline) onInconsistency(o domain.Order, err error) {
	p.metrics.RecordInconsistency()
	p.risk.Emit(domain.RiskOrderInconsistency, o.Symbol, domain.SeverityError, err.Error(),
		map[string]string{"client_id": o.ClientID, "status": string(o.Status)})
}

func (p *Pipeline) onRiskEvent(ev domain.RiskEvent) {
	switch ev.Severity {
	case domain.SeverityCritical:
		p.metrics.SetHalted(p.risk.Halted())
		p.logger.Error("🚨 risk event", slog.String("type", string(ev.Type)), slog.String("symbol", ev.Symbol), slog.String("message", ev.Message))
	case domain.SeverityWarning, domain.SeverityError:
		p.logger.Warn("risk event", slog.String("type", string(ev.Type)), slog.String("symbol", ev.Symbol), slog.String("message", ev.Message))
	}
	if p.recorder != nil {
		p.recorder.RecordRiskEvent(ev)
	}
}

// DumpState writes positions, open orders and risk state to filename for
// post-mortem after a panic.
func (p *Pipeline) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	data := struct {
		Risk      risk.State        `json:"risk"`
		Positions []domain.Position `json:"positions"`
		Orders    []domain.Order    `json:"open_orders"`
		Marks     map[string]string `json:"marks"`
		Halted    map[string]string `json:"halted_symbols"`
	}{
		Risk:      p.risk.Snapshot(),
		Positions: p.ledger.Positions(),
		Orders:    p.exec.OpenOrders(),
		Marks:     make(map[string]string),
		Halted:    make(map[string]string),
	}
	for sym, m := range p.market.Marks() {
		data.Marks[sym] = m.String()
	}
	p.mu.Lock()
	for sym, err := range p.fatal {
		data.Halted[sym] = err.Error()
	}
	p.mu.Unlock()

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
