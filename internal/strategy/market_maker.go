package strategy

import (
	"math"
	"time"

	"market_maker/internal/domain"

	"github.com/shopspring/decimal"
)

// MarketMakerConfig holds the quoting parameters.
type MarketMakerConfig struct {
	Enabled          bool            `yaml:"enabled"`
	Symbols          []string        `yaml:"symbols"`
	SpreadPct        float64         `yaml:"spread_pct"`
	InventoryBias    float64         `yaml:"inventory_bias"`
	MaxInventory     decimal.Decimal `yaml:"max_inventory"`
	OrderSize        decimal.Decimal `yaml:"order_size"`
	RefreshInterval  time.Duration   `yaml:"refresh_interval"`
	VolatilityWindow int             `yaml:"volatility_window"`
	VolatilityMult   float64         `yaml:"volatility_mult"`
	MinSpreadBps     float64         `yaml:"min_spread_bps"`
	TickSize         decimal.Decimal `yaml:"tick_size"`
}

// DefaultMarketMakerConfig returns the stock parameters.
func DefaultMarketMakerConfig() MarketMakerConfig {
	return MarketMakerConfig{
		SpreadPct:        0.001,
		InventoryBias:    1,
		MaxInventory:     decimal.NewFromInt(1),
		OrderSize:        decimal.RequireFromString("0.01"),
		RefreshInterval:  5 * time.Second,
		VolatilityWindow: 20,
		VolatilityMult:   2,
		MinSpreadBps:     1,
		TickSize:         decimal.RequireFromString("0.01"),
	}
}

type mmState struct {
	lastRefresh time.Time
	lastMid     float64
	returns     *RollingWindow
}

// MarketMaker quotes a symmetric pair around an inventory-skewed fair price
// and replaces it every refresh interval.
type MarketMaker struct {
	cfg   MarketMakerConfig
	state map[string]*mmState
}

// NewMarketMaker creates a market maker; zero fields take defaults.
func NewMarketMaker(cfg MarketMakerConfig) *MarketMaker {
	def := DefaultMarketMakerConfig()
	if cfg.SpreadPct <= 0 {
		cfg.SpreadPct = def.SpreadPct
	}
	if cfg.InventoryBias <= 0 {
		cfg.InventoryBias = def.InventoryBias
	}
	if !cfg.MaxInventory.IsPositive() {
		cfg.MaxInventory = def.MaxInventory
	}
	if !cfg.OrderSize.IsPositive() {
		cfg.OrderSize = def.OrderSize
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.VolatilityWindow <= 1 {
		cfg.VolatilityWindow = def.VolatilityWindow
	}
	if cfg.MinSpreadBps <= 0 {
		cfg.MinSpreadBps = def.MinSpreadBps
	}
	if !cfg.TickSize.IsPositive() {
		cfg.TickSize = def.TickSize
	}
	return &MarketMaker{cfg: cfg, state: make(map[string]*mmState)}
}

func (m *MarketMaker) Name() string      { return "market_maker" }
func (m *MarketMaker) Symbols() []string { return m.cfg.Symbols }

func (m *MarketMaker) symbolState(symbol string) *mmState {
	st, ok := m.state[symbol]
	if !ok {
		st = &mmState{returns: NewRollingWindow(m.cfg.VolatilityWindow)}
		m.state[symbol] = st
	}
	return st
}

// Quote is one computed quote pair, before side filtering.
type Quote struct {
	Mid  decimal.Decimal
	Fair decimal.Decimal
	Bid  decimal.Decimal
	Ask  decimal.Decimal
}

// OnTick implements Strategy.
func (m *MarketMaker) OnTick(t Tick) []domain.TradeIntent {
	snap, ok := t.Market.Snapshot(t.Symbol)
	if !ok || !snap.Ready {
		return nil
	}
	mid, ok := snap.Mid()
	if !ok {
		return nil
	}
	st := m.symbolState(t.Symbol)

	midF := mid.InexactFloat64()
	if st.lastMid > 0 && midF != st.lastMid {
		st.returns.Push(midF/st.lastMid - 1)
	}
	st.lastMid = midF

	if !st.lastRefresh.IsZero() && t.Now.Sub(st.lastRefresh) < m.cfg.RefreshInterval {
		return nil
	}
	st.lastRefresh = t.Now

	position := t.Account.Position(t.Symbol).Size
	q := m.quote(mid, position, st.returns.StdDev())

	var intents []domain.TradeIntent
	if position.LessThan(m.cfg.MaxInventory) {
		intents = append(intents, domain.TradeIntent{
			Symbol: t.Symbol, Side: domain.SideBuy, Qty: m.cfg.OrderSize,
			Type: domain.OrderTypeLimit, Price: q.Bid, Tag: m.Name(), Replace: true,
		})
	}
	if position.GreaterThan(m.cfg.MaxInventory.Neg()) {
		intents = append(intents, domain.TradeIntent{
			Symbol: t.Symbol, Side: domain.SideSell, Qty: m.cfg.OrderSize,
			Type: domain.OrderTypeLimit, Price: q.Ask, Tag: m.Name(), Replace: true,
		})
	}
	return intents
}

// quote computes fair = mid - skew, where skew = bias * (position/maxInventory)
// half-spreads. A long inventory lowers fair, pushing the bid away and the
// ask closer. The spread widens with volatility and with inventory.
func (m *MarketMaker) quote(mid, position decimal.Decimal, vol float64) Quote {
	ratio := position.Div(m.cfg.MaxInventory).InexactFloat64()
	ratio = math.Max(-1, math.Min(1, ratio))

	spread := m.cfg.SpreadPct * (1 + m.cfg.VolatilityMult*vol) * (1 + math.Abs(ratio)*0.5)
	spread = math.Max(spread, m.cfg.MinSpreadBps/10000)

	half := mid.Mul(decimal.NewFromFloat(spread / 2))
	skew := half.Mul(decimal.NewFromFloat(m.cfg.InventoryBias * ratio))
	fair := mid.Sub(skew)

	return Quote{
		Mid:  mid,
		Fair: fair,
		Bid:  roundDown(fair.Sub(half), m.cfg.TickSize),
		Ask:  roundUp(fair.Add(half), m.cfg.TickSize),
	}
}
