package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level is one price level of an order book.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// Candle is an OHLCV bar for one symbol and interval.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Interval  time.Duration   `json:"interval"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Closed    bool            `json:"closed"`
}
