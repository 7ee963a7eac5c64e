package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskEventType classifies the telemetry observations that can trip
// automatic controls.
type RiskEventType string

const (
	RiskEventRapidLoss   RiskEventType = "RAPID_LOSS"
	RiskEventErrorRate   RiskEventType = "ERROR_RATE"
	RiskEventSystemError RiskEventType = "SYSTEM_ERROR"
)

// RiskEvent is one observation reported by trading telemetry. Only the
// fields matching EventType carry meaning: lossPercent for RAPID_LOSS,
// errorRate for ERROR_RATE, errorType for SYSTEM_ERROR.
type RiskEvent struct {
	EventID     string          `json:"eventId"`
	TenantID    string          `json:"tenantId"`
	EventType   RiskEventType   `json:"eventType"`
	LossPercent decimal.Decimal `json:"lossPercent"`
	ErrorRate   decimal.Decimal `json:"errorRate"`
	ErrorType   string          `json:"errorType,omitempty"`
	StrategyID  string          `json:"strategyId,omitempty"`
	AssetID     string          `json:"assetId,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// NewRiskEvent builds an event with a fresh ID and the current time.
func NewRiskEvent(tenantID string, eventType RiskEventType) RiskEvent {
	return RiskEvent{
		EventID:    uuid.NewString(),
		TenantID:   tenantID,
		EventType:  eventType,
		OccurredAt: time.Now(),
	}
}
