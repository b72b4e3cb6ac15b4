package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeWorker defines the interface for exchange WebSocket connectors
type ExchangeWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// SubmitRequest is the order egress message. ClientID is the idempotency token.
type SubmitRequest struct {
	ClientID string
	Symbol   string
	Side     Side
	Type     OrderType
	Qty      decimal.Decimal
	Price    decimal.Decimal
}

// CancelRequest addresses an order by ClientID or VenueID.
type CancelRequest struct {
	ClientID string
	VenueID  string
	Symbol   string
	// NoWait makes the call fail fast instead of waiting for rate-limit tokens.
	NoWait bool
}

// QueryRequest addresses an order by ClientID or VenueID.
type QueryRequest struct {
	ClientID string
	VenueID  string
	Symbol   string
}

// VenueReport is the venue's view of an order after a command or query.
type VenueReport struct {
	ClientID  string
	VenueID   string
	Symbol    string
	Status    OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Fills     []Fill
	Reason    string
	Time      time.Time
}

// Venue is the command side of an exchange connector.
type Venue interface {
	Submit(ctx context.Context, req SubmitRequest) (VenueReport, error)
	Cancel(ctx context.Context, req CancelRequest) (VenueReport, error)
	Query(ctx context.Context, req QueryRequest) (VenueReport, error)
}

// Recorder receives every durable record. Implementations must be idempotent
// per natural key (trade id, client id, symbol, event id).
type Recorder interface {
	RecordTrade(f Fill)
	RecordOrder(o Order)
	RecordPosition(p Position)
	RecordRiskEvent(ev RiskEvent)
}

// MetricPublisher exports PerformanceMetric values.
type MetricPublisher interface {
	Publish(ctx context.Context, metrics []PerformanceMetric) error
}
