package domain

import "time"

// RiskEventType classifies a RiskEvent.
type RiskEventType string

const (
	RiskIntentApproved        RiskEventType = "INTENT_APPROVED"
	RiskTradingHalted         RiskEventType = "TRADING_HALTED"
	RiskPositionLimitExceeded RiskEventType = "POSITION_LIMIT_EXCEEDED"
	RiskSymbolLimitExceeded   RiskEventType = "SYMBOL_POSITION_LIMIT_EXCEEDED"
	RiskDailyDrawdownExceeded RiskEventType = "DAILY_DRAWDOWN_EXCEEDED"
	RiskConsecutiveLossesHit  RiskEventType = "CONSECUTIVE_LOSSES_EXCEEDED"
	RiskHaltReset             RiskEventType = "HALT_RESET"
	RiskOrderRejected         RiskEventType = "ORDER_REJECTED"
	RiskOrderInconsistency    RiskEventType = "ORDER_INCONSISTENCY"
	RiskPipelineFatal         RiskEventType = "PIPELINE_FATAL"
	RiskConnectionLost        RiskEventType = "CONNECTION_LOST"
	RiskSequenceGap           RiskEventType = "SEQUENCE_GAP"
)

// Severity of a RiskEvent.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// RiskEvent is emitted for every risk decision and for operational alerts.
type RiskEvent struct {
	ID       string            `json:"id"`
	Type     RiskEventType     `json:"type"`
	Symbol   string            `json:"symbol,omitempty"`
	Severity Severity          `json:"severity"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Time     time.Time         `json:"time"`
}

// PerformanceMetric is a single named value for a strategy.
type PerformanceMetric struct {
	StrategyName string    `json:"strategy_name"`
	MetricName   string    `json:"metric_name"`
	Value        float64   `json:"value"`
	Time         time.Time `json:"time"`
}
