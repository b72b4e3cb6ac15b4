package accounting

import (
	"sort"
	"sync"
	"time"

	"market_maker/internal/clock"
	"market_maker/internal/domain"

	"github.com/shopspring/decimal"
)

// FillResult tells risk what a fill did to P&L.
type FillResult struct {
	RealizedDelta decimal.Decimal
	// Closing is true when the fill reduced or flipped an existing position.
	Closing bool
	Position domain.Position
}

// StrategyStats are per-tag trade statistics.
type StrategyStats struct {
	Fills         int             `json:"fills"`
	ClosingTrades int             `json:"closing_trades"`
	Wins          int             `json:"wins"`
	Realized      decimal.Decimal `json:"realized"`
	GrossProfit   decimal.Decimal `json:"gross_profit"`
	GrossLoss     decimal.Decimal `json:"gross_loss"`
	Fees          decimal.Decimal `json:"fees"`
}

// WinRate is wins over closing trades.
func (s StrategyStats) WinRate() float64 {
	if s.ClosingTrades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.ClosingTrades)
}

// Ledger owns positions and realized P&L. Unrealized P&L is always computed
// from marks passed in and never stored.
type Ledger struct {
	mu         sync.RWMutex
	initial    decimal.Decimal
	quoteAsset string
	session    clock.Session

	positions map[string]*domain.Position
	realized  decimal.Decimal
	fees      map[string]decimal.Decimal
	stats     map[string]*StrategyStats
	daily     map[string]decimal.Decimal // session day -> realized
	fills     int
}

// NewLedger creates a ledger holding initial capital in quoteAsset.
func NewLedger(initial decimal.Decimal, quoteAsset string, session clock.Session) *Ledger {
	return &Ledger{
		initial:    initial,
		quoteAsset: quoteAsset,
		session:    session,
		positions:  make(map[string]*domain.Position),
		fees:       make(map[string]decimal.Decimal),
		stats:      make(map[string]*StrategyStats),
		daily:      make(map[string]decimal.Decimal),
	}
}

// ApplyFill updates the position for f.Symbol.
//
// Same-direction fills extend the position at a VWAP entry. Opposite fills
// realize (price - entry) * closedQty * sign on the closed part. If the
// fill is larger than the position, the remainder opens a new position at
// the fill price.
func (l *Ledger) ApplyFill(f domain.Fill) FillResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[f.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: f.Symbol}
		l.positions[f.Symbol] = pos
	}

	signed := f.Qty.Mul(f.Side.Sign())
	var res FillResult

	switch {
	case pos.Size.IsZero() || pos.Size.Sign() == signed.Sign():
		newSize := pos.Size.Add(signed)
		cost := pos.EntryPrice.Mul(pos.Size.Abs()).Add(f.Price.Mul(f.Qty))
		pos.EntryPrice = cost.Div(newSize.Abs())
		pos.Size = newSize
	default:
		closed := decimal.Min(f.Qty, pos.Size.Abs())
		dir := decimal.NewFromInt(int64(pos.Size.Sign()))
		res.RealizedDelta = f.Price.Sub(pos.EntryPrice).Mul(closed).Mul(dir)
		res.Closing = true

		newSize := pos.Size.Add(signed)
		switch {
		case newSize.IsZero():
			pos.EntryPrice = decimal.Zero
		case newSize.Sign() != pos.Size.Sign():
			pos.EntryPrice = f.Price
		}
		pos.Size = newSize
		pos.Realized = pos.Realized.Add(res.RealizedDelta)
	}
	pos.UpdatedAt = f.Time

	l.realized = l.realized.Add(res.RealizedDelta)
	if !f.Fee.IsZero() {
		asset := f.FeeAsset
		if asset == "" {
			asset = l.quoteAsset
		}
		l.fees[asset] = l.fees[asset].Add(f.Fee)
	}
	day := l.session.Day(f.Time)
	l.daily[day] = l.daily[day].Add(res.RealizedDelta)
	l.fills++

	st, ok := l.stats[f.Tag]
	if !ok {
		st = &StrategyStats{}
		l.stats[f.Tag] = st
	}
	st.Fills++
	st.Fees = st.Fees.Add(f.Fee)
	if res.Closing {
		st.ClosingTrades++
		st.Realized = st.Realized.Add(res.RealizedDelta)
		if res.RealizedDelta.IsPositive() {
			st.Wins++
			st.GrossProfit = st.GrossProfit.Add(res.RealizedDelta)
		} else {
			st.GrossLoss = st.GrossLoss.Add(res.RealizedDelta.Neg())
		}
	}

	res.Position = *pos
	return res
}

// Position returns a copy of the position for symbol.
func (l *Ledger) Position(symbol string) domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.positions[symbol]; ok {
		return *p
	}
	return domain.Position{Symbol: symbol}
}

// Positions returns copies of all positions, sorted by symbol.
func (l *Ledger) Positions() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Realized is the total realized P&L, before fees.
func (l *Ledger) Realized() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized
}

// Fees returns total fees per asset.
func (l *Ledger) Fees() map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(l.fees))
	for k, v := range l.fees {
		out[k] = v
	}
	return out
}

// Stats returns per-strategy statistics keyed by tag.
func (l *Ledger) Stats() map[string]StrategyStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]StrategyStats, len(l.stats))
	for k, v := range l.stats {
		out[k] = *v
	}
	return out
}

// FillCount is the number of fills applied.
func (l *Ledger) FillCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fills
}

// Unrealized sums (mark - entry) * size over positions that have a mark.
func (l *Ledger) Unrealized(marks map[string]decimal.Decimal) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unrealizedLocked(marks)
}

func (l *Ledger) unrealizedLocked(marks map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for sym, p := range l.positions {
		if mark, ok := marks[sym]; ok {
			total = total.Add(p.Unrealized(mark))
		}
	}
	return total
}

// GrossNotional sums |size| * mark.
func (l *Ledger) GrossNotional(marks map[string]decimal.Decimal) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for sym, p := range l.positions {
		if mark, ok := marks[sym]; ok {
			total = total.Add(p.Size.Abs().Mul(mark))
		}
	}
	return total
}

// Equity = initial + realized - quote fees + unrealized. Fees paid in other
// assets are reported by Fees but not converted.
func (l *Ledger) Equity(marks map[string]decimal.Decimal) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.initial.Add(l.realized).Sub(l.fees[l.quoteAsset]).Add(l.unrealizedLocked(marks))
}

// DailyPnL is the realized P&L of now's session day plus current unrealized.
func (l *Ledger) DailyPnL(now time.Time, marks map[string]decimal.Decimal) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.daily[l.session.Day(now)].Add(l.unrealizedLocked(marks))
}

// Account adapts a ledger, a mark source and the open order book to the
// strategy account view.
type Account struct {
	Ledger *Ledger
	Marks  func() map[string]decimal.Decimal
	Orders func() []domain.Order
}

func (a Account) Position(symbol string) domain.Position { return a.Ledger.Position(symbol) }

// HasOpenOrders reports whether an order placed under tag on symbol is
// still working, filled or not.
func (a Account) HasOpenOrders(symbol, tag string) bool {
	if a.Orders == nil {
		return false
	}
	for _, o := range a.Orders() {
		if o.Symbol == symbol && o.Tag == tag {
			return true
		}
	}
	return false
}

func (a Account) Equity() decimal.Decimal {
	var marks map[string]decimal.Decimal
	if a.Marks != nil {
		marks = a.Marks()
	}
	return a.Ledger.Equity(marks)
}
