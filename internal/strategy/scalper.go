package strategy

import (
	"market_maker/internal/domain"

	"github.com/shopspring/decimal"
)

// ScalperConfig holds the scalper's parameters.
type ScalperConfig struct {
	Enabled           bool            `yaml:"enabled"`
	Symbols           []string        `yaml:"symbols"`
	EMAShort          int             `yaml:"ema_short"`
	EMALong           int             `yaml:"ema_long"`
	OBIThreshold      float64         `yaml:"obi_threshold"`
	OBILevels         int             `yaml:"obi_levels"`
	RiskFraction      decimal.Decimal `yaml:"risk_fraction"`
	StopLossPct       decimal.Decimal `yaml:"stop_loss_pct"`
	TakeProfitMult    decimal.Decimal `yaml:"take_profit_mult"`
	MaxEquityFraction decimal.Decimal `yaml:"max_equity_fraction"`
	LotStep           decimal.Decimal `yaml:"lot_step"`
}

// DefaultScalperConfig returns the stock parameters.
func DefaultScalperConfig() ScalperConfig {
	return ScalperConfig{
		EMAShort:          5,
		EMALong:           20,
		OBIThreshold:      0.25,
		OBILevels:         5,
		RiskFraction:      decimal.RequireFromString("0.01"),
		StopLossPct:       decimal.RequireFromString("0.005"),
		TakeProfitMult:    decimal.NewFromInt(2),
		MaxEquityFraction: decimal.RequireFromString("0.1"),
		LotStep:           decimal.RequireFromString("0.001"),
	}
}

type scalperState struct {
	short  *EMA
	long   *EMA
	trades uint64
}

// Scalper trades order book imbalance confirmed by an EMA trend.
// It enters only when flat and exits on stop loss or take profit.
type Scalper struct {
	cfg   ScalperConfig
	state map[string]*scalperState
}

// NewScalper creates a scalper; zero fields take defaults.
func NewScalper(cfg ScalperConfig) *Scalper {
	def := DefaultScalperConfig()
	if cfg.EMAShort <= 0 {
		cfg.EMAShort = def.EMAShort
	}
	if cfg.EMALong <= 0 {
		cfg.EMALong = def.EMALong
	}
	if cfg.OBIThreshold <= 0 {
		cfg.OBIThreshold = def.OBIThreshold
	}
	if cfg.OBILevels <= 0 {
		cfg.OBILevels = def.OBILevels
	}
	if !cfg.RiskFraction.IsPositive() {
		cfg.RiskFraction = def.RiskFraction
	}
	if !cfg.StopLossPct.IsPositive() {
		cfg.StopLossPct = def.StopLossPct
	}
	if !cfg.TakeProfitMult.IsPositive() {
		cfg.TakeProfitMult = def.TakeProfitMult
	}
	if !cfg.MaxEquityFraction.IsPositive() {
		cfg.MaxEquityFraction = def.MaxEquityFraction
	}
	if !cfg.LotStep.IsPositive() {
		cfg.LotStep = def.LotStep
	}

	s := &Scalper{cfg: cfg, state: make(map[string]*scalperState)}
	for _, sym := range cfg.Symbols {
		s.symbolState(sym)
	}
	return s
}

func (s *Scalper) Name() string      { return "scalper" }
func (s *Scalper) Symbols() []string { return s.cfg.Symbols }

func (s *Scalper) symbolState(symbol string) *scalperState {
	st, ok := s.state[symbol]
	if !ok {
		st = &scalperState{short: NewEMA(s.cfg.EMAShort), long: NewEMA(s.cfg.EMALong)}
		s.state[symbol] = st
	}
	return st
}

// SeedEMAs warms the trend filter for symbol, e.g. from candle history.
func (s *Scalper) SeedEMAs(symbol string, short, long float64) {
	st := s.symbolState(symbol)
	st.short.Seed(short)
	st.long.Seed(long)
}

// OnTick implements Strategy.
func (s *Scalper) OnTick(t Tick) []domain.TradeIntent {
	snap, ok := t.Market.Snapshot(t.Symbol)
	if !ok || !snap.Ready {
		return nil
	}
	st := s.symbolState(t.Symbol)

	if snap.Trades != st.trades && snap.LastPrice.IsPositive() {
		st.trades = snap.Trades
		px := snap.LastPrice.InexactFloat64()
		st.short.Update(px)
		st.long.Update(px)
	}

	price, ok := snap.Mid()
	if !ok {
		return nil
	}

	// An entry or exit still in flight owns the symbol until it settles.
	if t.Account.HasOpenOrders(t.Symbol, s.Name()) {
		return nil
	}

	pos := t.Account.Position(t.Symbol)
	if !pos.IsFlat() {
		if exit, ok := s.exitIntent(t.Symbol, pos, price); ok {
			return []domain.TradeIntent{exit}
		}
		return nil
	}

	if !st.short.Ready() || !st.long.Ready() {
		return nil
	}

	obi := Imbalance(snap.Bids, snap.Asks, s.cfg.OBILevels)
	short, long := st.short.Value(), st.long.Value()

	var side domain.Side
	switch {
	case obi > s.cfg.OBIThreshold && short > long:
		side = domain.SideBuy
	case obi < -s.cfg.OBIThreshold && short < long:
		side = domain.SideSell
	default:
		return nil
	}

	qty := s.size(t.Account.Equity(), price)
	if !qty.IsPositive() {
		return nil
	}
	return []domain.TradeIntent{{
		Symbol: t.Symbol,
		Side:   side,
		Qty:    qty,
		Type:   domain.OrderTypeMarket,
		Price:  price,
		Tag:    s.Name(),
	}}
}

// size = riskFraction * equity / stopDistance, capped at maxEquityFraction
// of equity and floored to the lot step.
func (s *Scalper) size(equity, price decimal.Decimal) decimal.Decimal {
	if !equity.IsPositive() || !price.IsPositive() {
		return decimal.Zero
	}
	stopDistance := price.Mul(s.cfg.StopLossPct)
	qty := equity.Mul(s.cfg.RiskFraction).Div(stopDistance)
	maxQty := equity.Mul(s.cfg.MaxEquityFraction).Div(price)
	if qty.GreaterThan(maxQty) {
		qty = maxQty
	}
	return quantize(qty, s.cfg.LotStep)
}

// exitIntent flattens pos when price crossed the stop or the target. The
// stop is a separate later intent, not an attached order.
func (s *Scalper) exitIntent(symbol string, pos domain.Position, price decimal.Decimal) (domain.TradeIntent, bool) {
	if !pos.EntryPrice.IsPositive() {
		return domain.TradeIntent{}, false
	}
	one := decimal.NewFromInt(1)
	stop := s.cfg.StopLossPct
	target := stop.Mul(s.cfg.TakeProfitMult)

	var hit bool
	if pos.Size.IsPositive() {
		hit = price.LessThanOrEqual(pos.EntryPrice.Mul(one.Sub(stop))) ||
			price.GreaterThanOrEqual(pos.EntryPrice.Mul(one.Add(target)))
	} else {
		hit = price.GreaterThanOrEqual(pos.EntryPrice.Mul(one.Add(stop))) ||
			price.LessThanOrEqual(pos.EntryPrice.Mul(one.Sub(target)))
	}
	if !hit {
		return domain.TradeIntent{}, false
	}

	side := domain.SideSell
	if pos.Size.IsNegative() {
		side = domain.SideBuy
	}
	return domain.TradeIntent{
		Symbol: symbol,
		Side:   side,
		Qty:    pos.Size.Abs(),
		Type:   domain.OrderTypeMarket,
		Price:  price,
		Tag:    s.Name(),
		Reduce: true,
	}, true
}
