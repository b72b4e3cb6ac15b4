package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is LIMIT or MARKET.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transitions are legal.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// TradeIntent is a strategy's request to change exposure. It is never
// persisted; the risk layer either turns it into an Order or drops it.
type TradeIntent struct {
	Symbol string
	Side   Side
	Qty    decimal.Decimal
	Type   OrderType
	Price  decimal.Decimal // zero for market intents
	Tag    string          // strategy name, used for attribution and CancelTag

	// Replace cancels the tag's resting orders on Symbol before placing.
	Replace bool
	// Reduce marks an exit; it may only shrink the absolute position.
	Reduce bool
}

// SignedQty is Qty with the side's sign applied.
func (i TradeIntent) SignedQty() decimal.Decimal {
	return i.Qty.Mul(i.Side.Sign())
}

// Order is owned by the execution engine.
type Order struct {
	ClientID  string
	VenueID   string
	Symbol    string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Filled    decimal.Decimal
	AvgPrice  decimal.Decimal
	Status    OrderStatus
	Tag       string
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Unknown is set when the venue state could not be confirmed after an
	// ambiguous outcome. Such orders are picked up by reconciliation.
	Unknown bool
}

// IsOpen checks if the order is still active.
func (o *Order) IsOpen() bool {
	return !o.Status.IsTerminal()
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	r := o.Qty.Sub(o.Filled)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Fill is an immutable execution record. TradeID is unique per venue.
type Fill struct {
	TradeID  string
	ClientID string
	Symbol   string
	Side     Side
	Qty      decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	FeeAsset string
	Maker    bool
	Tag      string
	Time     time.Time
}

// Notional is Qty * Price.
func (f Fill) Notional() decimal.Decimal {
	return f.Qty.Mul(f.Price)
}

// Position is a signed holding per symbol. The mark price is never stored.
type Position struct {
	Symbol     string
	Size       decimal.Decimal // positive long, negative short
	EntryPrice decimal.Decimal // VWAP of the open size
	Realized   decimal.Decimal
	UpdatedAt  time.Time
}

// IsFlat reports whether there is no open size.
func (p Position) IsFlat() bool {
	return p.Size.IsZero()
}

// Unrealized returns (mark - entry) * size.
func (p Position) Unrealized(mark decimal.Decimal) decimal.Decimal {
	if p.Size.IsZero() || mark.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(p.EntryPrice).Mul(p.Size)
}
