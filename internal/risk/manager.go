package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"market_maker/internal/clock"
	"market_maker/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Limits are the static risk parameters.
type Limits struct {
	// MaxPosition is the default absolute size limit per symbol.
	MaxPosition decimal.Decimal `yaml:"max_position"`
	// SymbolLimits overrides MaxPosition per symbol.
	SymbolLimits map[string]decimal.Decimal `yaml:"symbol_limits"`
	// MaxAggregateNotional caps the sum of |size| * mark over all symbols.
	MaxAggregateNotional decimal.Decimal `yaml:"max_aggregate_notional"`
	// MaxDailyDrawdown is a fraction of starting equity, e.g. 0.05.
	MaxDailyDrawdown     decimal.Decimal `yaml:"max_daily_drawdown"`
	MaxConsecutiveLosses int             `yaml:"max_consecutive_losses"`
	// WorstCaseLossPct is the assumed loss on an intent's notional when it
	// is checked against the drawdown budget.
	WorstCaseLossPct decimal.Decimal `yaml:"worst_case_loss_pct"`
}

// DefaultLimits returns conservative limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPosition:          decimal.NewFromInt(1),
		MaxAggregateNotional: decimal.NewFromInt(50000),
		MaxDailyDrawdown:     decimal.RequireFromString("0.05"),
		MaxConsecutiveLosses: 5,
		WorstCaseLossPct:     decimal.RequireFromString("0.01"),
	}
}

// State is the mutable risk state. Only Manager writes it.
type State struct {
	DailyRealized     decimal.Decimal `json:"daily_realized"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	Halted            bool            `json:"halted"`
	HaltReason        string          `json:"halt_reason,omitempty"`
	Day               string          `json:"day"`
}

// Exposure is the account context an intent is checked against.
type Exposure struct {
	// Position is the signed filled size on the intent's symbol.
	Position decimal.Decimal
	// PendingBuy and PendingSell are the unfilled quantities of open orders
	// on the intent's symbol. They count as filled for the position checks.
	PendingBuy  decimal.Decimal
	PendingSell decimal.Decimal
	// Mark prices the intent when it carries no price.
	Mark decimal.Decimal
	// Unrealized is the account-wide unrealized P&L.
	Unrealized decimal.Decimal
	// GrossNotional is the current sum of |size| * mark.
	GrossNotional decimal.Decimal
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Approved bool
	Event    domain.RiskEvent
}

// EventSink receives every RiskEvent the manager produces.
type EventSink func(domain.RiskEvent)

// Manager is the single writer of State. It validates intents and tracks
// daily P&L and the loss streak. It never places orders.
type Manager struct {
	mu          sync.Mutex
	limits      Limits
	startEquity decimal.Decimal
	state       State
	session     clock.Session
	clock       clock.Clock
	sinks       []EventSink
	seq         uint64
	logger      *slog.Logger
}

// New creates a Manager. startEquity anchors the drawdown limit.
func New(limits Limits, startEquity decimal.Decimal, session clock.Session, clk clock.Clock) *Manager {
	m := &Manager{
		limits:      limits,
		startEquity: startEquity,
		session:     session,
		clock:       clk,
		logger:      slog.Default().With(slog.String("module", "risk")),
	}
	m.state.Day = session.Day(clk.Now())
	return m
}

// Subscribe adds a sink for RiskEvents. Call before trading starts.
func (m *Manager) Subscribe(sink EventSink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, sink)
	m.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Halted reports whether new exposure is blocked.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Halted
}

// Evaluate checks intent against the limits. Checks run in a fixed order and
// the first failing one decides. A drawdown or loss-streak breach also halts.
func (m *Manager) Evaluate(intent domain.TradeIntent, exp Exposure) Decision {
	m.mu.Lock()
	d := m.evaluateLocked(intent, exp)
	sinks := m.sinks
	m.mu.Unlock()

	for _, s := range sinks {
		s(d.Event)
	}
	return d
}

func (m *Manager) evaluateLocked(intent domain.TradeIntent, exp Exposure) Decision {
	now := m.clock.Now()
	price := intent.Price
	if !price.IsPositive() {
		price = exp.Mark
	}
	notional := intent.Qty.Mul(price)
	meta := map[string]string{
		"side":     string(intent.Side),
		"qty":      intent.Qty.String(),
		"price":    price.String(),
		"strategy": intent.Tag,
	}

	reject := func(typ domain.RiskEventType, sev domain.Severity, msg string) Decision {
		return Decision{Event: m.newEventLocked(typ, intent.Symbol, sev, msg, meta, now)}
	}

	if m.state.Halted {
		return reject(domain.RiskTradingHalted, domain.SeverityWarning, "trading halted: "+m.state.HaltReason)
	}

	if n := m.limits.MaxConsecutiveLosses; n > 0 && m.state.ConsecutiveLosses >= n {
		m.haltLocked(fmt.Sprintf("%d consecutive losses", m.state.ConsecutiveLosses))
		return reject(domain.RiskConsecutiveLossesHit, domain.SeverityCritical, m.state.HaltReason)
	}

	if m.limits.MaxDailyDrawdown.IsPositive() && m.startEquity.IsPositive() {
		floor := m.limits.MaxDailyDrawdown.Mul(m.startEquity).Neg()
		worst := notional.Mul(m.limits.WorstCaseLossPct)
		projected := m.state.DailyRealized.Add(exp.Unrealized).Sub(worst)
		if projected.LessThan(floor) {
			meta["projected_pnl"] = projected.String()
			meta["floor"] = floor.String()
			m.haltLocked("daily drawdown limit")
			return reject(domain.RiskDailyDrawdownExceeded, domain.SeverityCritical,
				fmt.Sprintf("projected daily P&L %s below %s", projected.StringFixed(2), floor.StringFixed(2)))
		}
	}

	// Orders in flight on the intent's side are assumed to fill.
	pos := exp.Position.Add(exp.PendingBuy)
	if intent.Side == domain.SideSell {
		pos = exp.Position.Sub(exp.PendingSell)
	}
	after := pos.Add(intent.SignedQty())
	if intent.Reduce && !reduces(pos, after) {
		meta["position"] = pos.String()
		meta["position_after"] = after.String()
		return reject(domain.RiskSymbolLimitExceeded, domain.SeverityWarning,
			fmt.Sprintf("reduce-only %s %s would not shrink position %s", intent.Side, intent.Qty.String(), pos.String()))
	}
	if !intent.Reduce {
		if limit := m.symbolLimit(intent.Symbol); limit.IsPositive() && after.Abs().GreaterThan(limit) {
			meta["position_after"] = after.String()
			meta["limit"] = limit.String()
			return reject(domain.RiskSymbolLimitExceeded, domain.SeverityWarning,
				fmt.Sprintf("position %s would exceed %s", after.String(), limit.String()))
		}
	}

	if limit := m.limits.MaxAggregateNotional; limit.IsPositive() && !reduces(pos, after) {
		gross := exp.GrossNotional.Add(notional)
		if gross.GreaterThan(limit) {
			meta["gross_notional"] = gross.String()
			return reject(domain.RiskPositionLimitExceeded, domain.SeverityWarning,
				fmt.Sprintf("aggregate notional %s would exceed %s", gross.StringFixed(2), limit.StringFixed(2)))
		}
	}

	return Decision{
		Approved: true,
		Event:    m.newEventLocked(domain.RiskIntentApproved, intent.Symbol, domain.SeverityInfo, "intent approved", meta, now),
	}
}

// reduces reports whether moving from pos to after shrinks exposure.
func reduces(pos, after decimal.Decimal) bool {
	return after.Abs().LessThan(pos.Abs()) && after.Sign()*pos.Sign() >= 0
}

func (m *Manager) symbolLimit(symbol string) decimal.Decimal {
	if l, ok := m.limits.SymbolLimits[symbol]; ok {
		return l
	}
	return m.limits.MaxPosition
}

// RecordFill folds a fill's realized P&L into the current day's aggregate.
// Only closing fills move the loss streak: a loss extends it, a win resets
// it. Callers roll the day first so the drawdown anchor moves with it.
func (m *Manager) RecordFill(realized decimal.Decimal, closing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.DailyRealized = m.state.DailyRealized.Add(realized)
	if !closing {
		return
	}
	if realized.IsNegative() {
		m.state.ConsecutiveLosses++
	} else if realized.IsPositive() {
		m.state.ConsecutiveLosses = 0
	}
}

// Roll resets the daily aggregates when now is past the session boundary.
// A halt survives the roll.
func (m *Manager) Roll(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollLocked(now)
}

func (m *Manager) rollLocked(now time.Time) bool {
	day := m.session.Day(now)
	if day == m.state.Day {
		return false
	}
	m.logger.Info("session day rolled",
		slog.String("from", m.state.Day), slog.String("to", day),
		slog.String("realized", m.state.DailyRealized.String()))
	m.state.Day = day
	m.state.DailyRealized = decimal.Zero
	return true
}

// StartEquity returns the equity the drawdown limit is anchored on.
func (m *Manager) StartEquity() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startEquity
}

// SetStartEquity re-anchors the drawdown limit, e.g. at a day roll.
func (m *Manager) SetStartEquity(equity decimal.Decimal) {
	m.mu.Lock()
	m.startEquity = equity
	m.mu.Unlock()
}

// Halt blocks all new exposure until Reset.
func (m *Manager) Halt(symbol, reason string) {
	m.mu.Lock()
	m.haltLocked(reason)
	ev := m.newEventLocked(domain.RiskTradingHalted, symbol, domain.SeverityCritical, reason, nil, m.clock.Now())
	sinks := m.sinks
	m.mu.Unlock()

	for _, s := range sinks {
		s(ev)
	}
}

func (m *Manager) haltLocked(reason string) {
	if m.state.Halted {
		return
	}
	m.state.Halted = true
	m.state.HaltReason = reason
	m.logger.Error("trading halted", slog.String("reason", reason))
}

// Reset is the explicit operator action that clears a halt and the loss streak.
func (m *Manager) Reset(reason string) {
	m.mu.Lock()
	was := m.state.HaltReason
	m.state.Halted = false
	m.state.HaltReason = ""
	m.state.ConsecutiveLosses = 0
	ev := m.newEventLocked(domain.RiskHaltReset, "", domain.SeverityWarning, reason,
		map[string]string{"previous_reason": was}, m.clock.Now())
	sinks := m.sinks
	m.mu.Unlock()

	m.logger.Warn("halt reset", slog.String("reason", reason))
	for _, s := range sinks {
		s(ev)
	}
}

// Emit publishes an operational event (gap, disconnect, rejection) through
// the same sinks as risk decisions.
func (m *Manager) Emit(typ domain.RiskEventType, symbol string, sev domain.Severity, msg string, meta map[string]string) {
	m.mu.Lock()
	ev := m.newEventLocked(typ, symbol, sev, msg, meta, m.clock.Now())
	sinks := m.sinks
	m.mu.Unlock()

	for _, s := range sinks {
		s(ev)
	}
}

// Event ids derive from the clock and a counter so replays reproduce them.
func (m *Manager) newEventLocked(typ domain.RiskEventType, symbol string, sev domain.Severity, msg string, meta map[string]string, now time.Time) domain.RiskEvent {
	m.seq++
	name := fmt.Sprintf("%d/%d", now.UnixNano(), m.seq)
	return domain.RiskEvent{
		ID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String(),
		Type:     typ,
		Symbol:   symbol,
		Severity: sev,
		Message:  msg,
		Metadata: meta,
		Time:     now,
	}
}
