package event

import (
	"time"

	"market_maker/internal/domain"

	"github.com/shopspring/decimal"
)

// Type identifies a market data event.
type Type int

const (
	TypeBookSnapshot Type = iota + 1
	TypeBookDiff
	TypeCandleUpdate
	TypeTrade
	TypeConnectionLost
	TypeGapDetected
)

func (t Type) String() string {
	switch t {
	case TypeBookSnapshot:
		return "BOOK_SNAPSHOT"
	case TypeBookDiff:
		return "BOOK_DIFF"
	case TypeCandleUpdate:
		return "CANDLE_UPDATE"
	case TypeTrade:
		return "TRADE"
	case TypeConnectionLost:
		return "CONNECTION_LOST"
	case TypeGapDetected:
		return "GAP_DETECTED"
	default:
		return "UNKNOWN"
	}
}

// Event is anything the stream connector or a dataset can deliver.
type Event interface {
	GetType() Type
	GetSymbol() string
	GetTime() time.Time
}

// Base carries the fields common to every event.
type Base struct {
	Symbol string
	Time   time.Time
}

func (b *Base) GetSymbol() string { return b.Symbol }
func (b *Base) GetTime() time.Time { return b.Time }

// BookSnapshot replaces the whole book. Seq is the venue's last update id.
type BookSnapshot struct {
	Base
	Bids []domain.Level
	Asks []domain.Level
	Seq  int64
}

func (*BookSnapshot) GetType() Type { return TypeBookSnapshot }

// BookDiff covers venue update ids First..Final inclusive.
// A zero quantity removes the level.
type BookDiff struct {
	Base
	First int64
	Final int64
	Bids  []domain.Level
	Asks  []domain.Level
}

func (*BookDiff) GetType() Type { return TypeBookDiff }

// CandleUpdate carries the current state of one candle.
type CandleUpdate struct {
	Base
	Candle domain.Candle
}

func (*CandleUpdate) GetType() Type { return TypeCandleUpdate }

// Trade is a public trade print.
type Trade struct {
	Base
	Price      decimal.Decimal
	Qty        decimal.Decimal
	BuyerMaker bool
}

func (*Trade) GetType() Type { return TypeTrade }

// ConnectionLost is emitted per symbol when the stream drops.
type ConnectionLost struct {
	Base
	Reason string
}

func (*ConnectionLost) GetType() Type { return TypeConnectionLost }

// GapDetected is emitted when a diff does not follow the last applied one.
// The book for Symbol is invalid until the next BookSnapshot.
type GapDetected struct {
	Base
	Expected int64
	Got      int64
}

func (*GapDetected) GetType() Type { return TypeGapDetected }
