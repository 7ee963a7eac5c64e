package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventRiskObservation        EventType = "RISK_OBSERVATION"
	EventKillSwitchActivated    EventType = "KILL_SWITCH_ACTIVATED"
	EventKillSwitchDeactivated  EventType = "KILL_SWITCH_DEACTIVATED"
	EventBreakerTripped         EventType = "BREAKER_TRIPPED"
	EventBreakerHalfOpen        EventType = "BREAKER_HALF_OPEN"
	EventBreakerReset           EventType = "BREAKER_RESET"
	EventDrawdownStatusChanged  EventType = "DRAWDOWN_STATUS_CHANGED"
	EventVolatilityLevelChanged EventType = "VOLATILITY_LEVEL_CHANGED"
	EventOrderRejected          EventType = "ORDER_REJECTED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	TenantID  string                 `json:"tenantId"`
	Timestamp time.Time              `json:"timestamp"`
	Risk      *RiskEvent             `json:"risk,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in their
// own goroutines so a slow handler cannot block the publisher.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishRiskObservation publishes an ingested risk telemetry event
func (eb *EventBus) PublishRiskObservation(risk RiskEvent) {
	eb.Publish(Event{
		Type:     EventRiskObservation,
		TenantID: risk.TenantID,
		Risk:     &risk,
	})
}

// PublishKillSwitchActivated publishes a kill switch activation event
func (eb *EventBus) PublishKillSwitchActivated(tenantID, reason, triggerType string, ordersCancelled int) {
	eb.Publish(Event{
		Type:     EventKillSwitchActivated,
		TenantID: tenantID,
		Data: map[string]interface{}{
			"reason":           reason,
			"trigger_type":     triggerType,
			"orders_cancelled": ordersCancelled,
		},
	})
}

// PublishKillSwitchDeactivated publishes a kill switch deactivation event
func (eb *EventBus) PublishKillSwitchDeactivated(tenantID, deactivatedBy string) {
	eb.Publish(Event{
		Type:     EventKillSwitchDeactivated,
		TenantID: tenantID,
		Data: map[string]interface{}{
			"deactivated_by": deactivatedBy,
		},
	})
}

// PublishBreakerTransition publishes a breaker state change event
func (eb *EventBus) PublishBreakerTransition(eventType EventType, tenantID, breakerID, name, from, to, reason string) {
	eb.Publish(Event{
		Type:     eventType,
		TenantID: tenantID,
		Data: map[string]interface{}{
			"breaker_id": breakerID,
			"name":       name,
			"from":       from,
			"to":         to,
			"reason":     reason,
		},
	})
}

// PublishDrawdownStatusChanged publishes a drawdown status transition
func (eb *EventBus) PublishDrawdownStatusChanged(tenantID, strategyID, from, to, drawdownPercent string) {
	eb.Publish(Event{
		Type:     EventDrawdownStatusChanged,
		TenantID: tenantID,
		Data: map[string]interface{}{
			"strategy_id":      strategyID,
			"from":             from,
			"to":               to,
			"drawdown_percent": drawdownPercent,
		},
	})
}

// PublishVolatilityLevelChanged publishes a volatility level transition
func (eb *EventBus) PublishVolatilityLevelChanged(tenantID, assetID, from, to string) {
	eb.Publish(Event{
		Type:     EventVolatilityLevelChanged,
		TenantID: tenantID,
		Data: map[string]interface{}{
			"asset_id": assetID,
			"from":     from,
			"to":       to,
		},
	})
}

// PublishOrderRejected publishes a pre-trade rejection event
func (eb *EventBus) PublishOrderRejected(tenantID, orderID, reason string) {
	eb.Publish(Event{
		Type:     EventOrderRejected,
		TenantID: tenantID,
		Data: map[string]interface{}{
			"order_id": orderID,
			"reason":   reason,
		},
	})
}
