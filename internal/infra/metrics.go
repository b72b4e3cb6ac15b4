package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight process counters.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	eventsProcessed atomic.Uint64
	ordersSubmitted atomic.Uint64
	ordersFilled    atomic.Uint64
	ordersRejected  atomic.Uint64
	riskRejections  atomic.Uint64
	inconsistencies atomic.Uint64
	gapsDetected    atomic.Uint64
	reconnects      atomic.Uint64
	errorsTotal     atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	halted            atomic.Int32 // 1 = halted, 0 = trading
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordEvent records an event processing with latency.
func (m *Metrics) RecordEvent(latencyNs int64) {
	m.eventsProcessed.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

func (m *Metrics) RecordOrderSubmitted() { m.ordersSubmitted.Add(1) }
func (m *Metrics) RecordOrderFilled()    { m.ordersFilled.Add(1) }
func (m *Metrics) RecordOrderRejected()  { m.ordersRejected.Add(1) }
func (m *Metrics) RecordRiskRejection()  { m.riskRejections.Add(1) }
func (m *Metrics) RecordInconsistency()  { m.inconsistencies.Add(1) }
func (m *Metrics) RecordGap()            { m.gapsDetected.Add(1) }
func (m *Metrics) RecordReconnect()      { m.reconnects.Add(1) }

// SetActiveConnections sets the current active connection count.
func (m *Metrics) SetActiveConnections(count int32) {
	m.activeConnections.Store(count)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// SetHalted sets the trading halt gauge.
func (m *Metrics) SetHalted(halted bool) {
	if halted {
		m.halted.Store(1)
	} else {
		m.halted.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	EventsProcessed   uint64    `json:"events_processed"`
	OrdersSubmitted   uint64    `json:"orders_submitted"`
	OrdersFilled      uint64    `json:"orders_filled"`
	OrdersRejected    uint64    `json:"orders_rejected"`
	RiskRejections    uint64    `json:"risk_rejections"`
	Inconsistencies   uint64    `json:"inconsistencies"`
	GapsDetected      uint64    `json:"gaps_detected"`
	Reconnects        uint64    `json:"reconnects"`
	ErrorsTotal       uint64    `json:"errors_total"`
	AvgLatencyNs      int64     `json:"avg_latency_ns"`
	ActiveConnections int32     `json:"active_connections"`
	Halted            bool      `json:"halted"`
	Timestamp         time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		EventsProcessed:   m.eventsProcessed.Load(),
		OrdersSubmitted:   m.ordersSubmitted.Load(),
		OrdersFilled:      m.ordersFilled.Load(),
		OrdersRejected:    m.ordersRejected.Load(),
		RiskRejections:    m.riskRejections.Load(),
		Inconsistencies:   m.inconsistencies.Load(),
		GapsDetected:      m.gapsDetected.Load(),
		Reconnects:        m.reconnects.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		Halted:            m.halted.Load() == 1,
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.eventsProcessed.Store(0)
	m.ordersSubmitted.Store(0)
	m.ordersFilled.Store(0)
	m.ordersRejected.Store(0)
	m.riskRejections.Store(0)
	m.inconsistencies.Store(0)
	m.gapsDetected.Store(0)
	m.reconnects.Store(0)
	m.errorsTotal.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
	m.halted.Store(0)
}
