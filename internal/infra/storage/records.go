package storage

import (
	"encoding/json"
	"time"

	"market_maker/internal/domain"

	"github.com/shopspring/decimal"
)

// TradeRecord is one fill, keyed by the venue trade id.
type TradeRecord struct {
	TradeID  string `gorm:"primaryKey"`
	ClientID string `gorm:"index"`
	Symbol   string `gorm:"index"`
	Side     string
	Qty      decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	FeeAsset string
	Maker    bool
	Tag      string `gorm:"index"`
	Time     time.Time
}

// OrderRecord is the latest known state of an order, keyed by client id.
type OrderRecord struct {
	ClientID  string `gorm:"primaryKey"`
	VenueID   string
	Symbol    string `gorm:"index"`
	Side      string
	Type      string
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Filled    decimal.Decimal
	AvgPrice  decimal.Decimal
	Status    string
	Tag       string
	Reason    string
	Unknown   bool
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

// PositionRecord is the latest position of a symbol.
type PositionRecord struct {
	Symbol     string `gorm:"primaryKey"`
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	Realized   decimal.Decimal
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false"`
}

// RiskEventRecord is one risk event. Metadata is JSON text.
type RiskEventRecord struct {
	ID       string `gorm:"primaryKey"`
	Type     string `gorm:"index"`
	Symbol   string
	Severity string
	Message  string
	Metadata string
	Time     time.Time `gorm:"index"`
}

func tradeRecord(f domain.Fill) *TradeRecord {
	return &TradeRecord{
		TradeID:  f.TradeID,
		ClientID: f.ClientID,
		Symbol:   f.Symbol,
		Side:     string(f.Side),
		Qty:      f.Qty,
		Price:    f.Price,
		Fee:      f.Fee,
		FeeAsset: f.FeeAsset,
		Maker:    f.Maker,
		Tag:      f.Tag,
		Time:     f.Time.UTC(),
	}
}

func orderRecord(o domain.Order) *OrderRecord {
	return &OrderRecord{
		ClientID:  o.ClientID,
		VenueID:   o.VenueID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Type:      string(o.Type),
		Price:     o.Price,
		Qty:       o.Qty,
		Filled:    o.Filled,
		AvgPrice:  o.AvgPrice,
		Status:    string(o.Status),
		Tag:       o.Tag,
		Reason:    o.Reason,
		Unknown:   o.Unknown,
		CreatedAt: o.CreatedAt.UTC(),
		UpdatedAt: o.UpdatedAt.UTC(),
	}
}

func positionRecord(p domain.Position) *PositionRecord {
	return &PositionRecord{
		Symbol:     p.Symbol,
		Size:       p.Size,
		EntryPrice: p.EntryPrice,
		Realized:   p.Realized,
		UpdatedAt:  p.UpdatedAt.UTC(),
	}
}

func riskEventRecord(ev domain.RiskEvent) (*RiskEventRecord, error) {
	rec := &RiskEventRecord{
		ID:       ev.ID,
		Type:     string(ev.Type),
		Symbol:   ev.Symbol,
		Severity: string(ev.Severity),
		Message:  ev.Message,
		Time:     ev.Time.UTC(),
	}
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, err
		}
		rec.Metadata = string(b)
	}
	return rec, nil
}

// Fill converts the record back to a domain fill.
func (r TradeRecord) Fill() domain.Fill {
	return domain.Fill{
		TradeID:  r.TradeID,
		ClientID: r.ClientID,
		Symbol:   r.Symbol,
		Side:     domain.Side(r.Side),
		Qty:      r.Qty,
		Price:    r.Price,
		Fee:      r.Fee,
		FeeAsset: r.FeeAsset,
		Maker:    r.Maker,
		Tag:      r.Tag,
		Time:     r.Time,
	}
}
