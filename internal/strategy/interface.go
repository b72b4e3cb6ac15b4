package strategy

import (
	"time"

	"market_maker/internal/domain"
	"market_maker/internal/market"

	"github.com/shopspring/decimal"
)

// MarketView gives read-only, point-in-time access to market state.
type MarketView interface {
	Snapshot(symbol string) (market.Snapshot, bool)
}

// AccountView exposes what a strategy may know about the account.
type AccountView interface {
	Position(symbol string) domain.Position
	Equity() decimal.Decimal
	// HasOpenOrders reports whether an order the strategy placed under tag
	// on symbol has not reached a terminal state yet.
	HasOpenOrders(symbol, tag string) bool
}

// Tick is one evaluation request, raised after Market State applied an
// event for Symbol.
type Tick struct {
	Symbol  string
	Now     time.Time
	Market  MarketView
	Account AccountView
}

// Strategy is the interface that all trading strategies must implement.
// It is called synchronously by the symbol's pipeline and never
// concurrently for the same instance.
type Strategy interface {
	// Name is also the tag put on every intent.
	Name() string
	// Symbols lists every symbol whose ticks the strategy wants.
	Symbols() []string
	// OnTick returns the intents for this tick, usually none. Single-leg
	// strategies return at most one; multi-leg quoting returns one per leg.
	OnTick(t Tick) []domain.TradeIntent
}

// Imbalance is the order book imbalance over the best n levels:
// (bidVol - askVol) / (bidVol + askVol), in [-1, 1].
func Imbalance(bids, asks []domain.Level, n int) float64 {
	b := market.SumQty(bids, n)
	a := market.SumQty(asks, n)
	total := b.Add(a)
	if total.IsZero() {
		return 0
	}
	return b.Sub(a).Div(total).InexactFloat64()
}

// quantize floors qty to a multiple of step.
func quantize(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

func roundDown(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

func roundUp(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick)
}
