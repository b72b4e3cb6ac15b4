package strategy

import (
	"math"

	"market_maker/internal/domain"

	"github.com/shopspring/decimal"
)

// PairsConfig holds the pairs-arbitrage parameters.
type PairsConfig struct {
	Enabled          bool            `yaml:"enabled"`
	SymbolA          string          `yaml:"symbol_a"`
	SymbolB          string          `yaml:"symbol_b"`
	Window           int             `yaml:"window"`
	EntryZ           float64         `yaml:"entry_z"`
	ExitZ            float64         `yaml:"exit_z"`
	KellyFraction    float64         `yaml:"kelly_fraction"`
	MaxPositionRatio float64         `yaml:"max_position_ratio"`
	LotStep          decimal.Decimal `yaml:"lot_step"`
}

// DefaultPairsConfig returns the stock parameters.
func DefaultPairsConfig() PairsConfig {
	return PairsConfig{
		Window:           100,
		EntryZ:           2.0,
		ExitZ:            1.0,
		KellyFraction:    0.1,
		MaxPositionRatio: 0.5,
		LotStep:          decimal.RequireFromString("0.001"),
	}
}

// Pairs trades mean reversion of ln(priceA/priceB). It shorts the rich leg
// and buys the cheap one when |z| > EntryZ and flattens both when |z| < ExitZ.
type Pairs struct {
	cfg    PairsConfig
	ratios *RollingWindow
	lastA  decimal.Decimal
	lastB  decimal.Decimal
	lastZ  float64
}

// NewPairs creates a pairs strategy; zero fields take defaults.
func NewPairs(cfg PairsConfig) *Pairs {
	def := DefaultPairsConfig()
	if cfg.Window < 2 {
		cfg.Window = def.Window
	}
	if cfg.EntryZ <= 0 {
		cfg.EntryZ = def.EntryZ
	}
	if cfg.ExitZ <= 0 || cfg.ExitZ >= cfg.EntryZ {
		cfg.ExitZ = cfg.EntryZ * 0.5
	}
	if cfg.KellyFraction <= 0 {
		cfg.KellyFraction = def.KellyFraction
	}
	if cfg.MaxPositionRatio <= 0 {
		cfg.MaxPositionRatio = def.MaxPositionRatio
	}
	if !cfg.LotStep.IsPositive() {
		cfg.LotStep = def.LotStep
	}
	return &Pairs{cfg: cfg, ratios: NewRollingWindow(cfg.Window)}
}

func (p *Pairs) Name() string      { return "pairs_" + p.cfg.SymbolA + "_" + p.cfg.SymbolB }
func (p *Pairs) Symbols() []string { return []string{p.cfg.SymbolA, p.cfg.SymbolB} }

// LastZ returns the most recent z-score.
func (p *Pairs) LastZ() float64 { return p.lastZ }

// OnTick implements Strategy.
func (p *Pairs) OnTick(t Tick) []domain.TradeIntent {
	a, okA := t.Market.Snapshot(p.cfg.SymbolA)
	b, okB := t.Market.Snapshot(p.cfg.SymbolB)
	if !okA || !okB || !a.Ready || !b.Ready {
		return nil
	}
	pa, okA := a.Mark()
	pb, okB := b.Mark()
	if !okA || !okB || !pa.IsPositive() || !pb.IsPositive() {
		return nil
	}

	x := math.Log(pa.Div(pb).InexactFloat64())
	if !pa.Equal(p.lastA) || !pb.Equal(p.lastB) {
		p.ratios.Push(x)
		p.lastA, p.lastB = pa, pb
	}
	if !p.ratios.Full() {
		return nil
	}
	z, ok := p.ratios.ZScore(x)
	if !ok {
		return nil
	}
	p.lastZ = z

	if t.Account.HasOpenOrders(p.cfg.SymbolA, p.Name()) || t.Account.HasOpenOrders(p.cfg.SymbolB, p.Name()) {
		return nil
	}

	posA := t.Account.Position(p.cfg.SymbolA).Size
	posB := t.Account.Position(p.cfg.SymbolB).Size
	open := !posA.IsZero() || !posB.IsZero()

	if open {
		if math.Abs(z) < p.cfg.ExitZ {
			return p.flatten(posA, posB, pa, pb)
		}
		return nil
	}
	if math.Abs(z) <= p.cfg.EntryZ {
		return nil
	}

	// Fractional Kelly scaled by signal strength, capped by the position ratio.
	f := math.Min(p.cfg.KellyFraction*math.Abs(z)/p.cfg.EntryZ, p.cfg.MaxPositionRatio)
	legNotional := t.Account.Equity().Mul(decimal.NewFromFloat(f / 2))
	qtyA := quantize(legNotional.Div(pa), p.cfg.LotStep)
	qtyB := quantize(legNotional.Div(pb), p.cfg.LotStep)
	if !qtyA.IsPositive() || !qtyB.IsPositive() {
		return nil
	}

	sideA, sideB := domain.SideBuy, domain.SideSell
	if z > 0 {
		// A is rich relative to B
		sideA, sideB = domain.SideSell, domain.SideBuy
	}
	return []domain.TradeIntent{
		{Symbol: p.cfg.SymbolA, Side: sideA, Qty: qtyA, Type: domain.OrderTypeMarket, Price: pa, Tag: p.Name()},
		{Symbol: p.cfg.SymbolB, Side: sideB, Qty: qtyB, Type: domain.OrderTypeMarket, Price: pb, Tag: p.Name()},
	}
}

func (p *Pairs) flatten(posA, posB, pa, pb decimal.Decimal) []domain.TradeIntent {
	var out []domain.TradeIntent
	for _, leg := range []struct {
		symbol string
		pos    decimal.Decimal
		price  decimal.Decimal
	}{{p.cfg.SymbolA, posA, pa}, {p.cfg.SymbolB, posB, pb}} {
		if leg.pos.IsZero() {
			continue
		}
		side := domain.SideSell
		if leg.pos.IsNegative() {
			side = domain.SideBuy
		}
		out = append(out, domain.TradeIntent{
			Symbol: leg.symbol, Side: side, Qty: leg.pos.Abs(),
			Type: domain.OrderTypeMarket, Price: leg.price, Tag: p.Name(), Reduce: true,
		})
	}
	return out
}
