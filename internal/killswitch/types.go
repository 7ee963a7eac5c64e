// Package killswitch implements the tenant-scoped emergency halt. An
// active switch blocks every new order for its tenant until an operator
// deactivates it with an auth token. Activation can be manual or driven
// by automatic triggers evaluated against risk telemetry.
package killswitch

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TriggerType records how an activation was initiated.
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerAutomatic TriggerType = "AUTOMATIC"
)

// Scope narrows what an activation halts. TENANT stops everything;
// STRATEGY and ASSET record the intended blast radius for the
// cancellation collaborator.
type Scope string

const (
	ScopeTenant   Scope = "TENANT"
	ScopeStrategy Scope = "STRATEGY"
	ScopeAsset    Scope = "ASSET"
)

// State is the persisted kill switch record for one tenant. Activation
// metadata (activatedAt, activatedBy, activationReason) is present only
// while active; deactivation clears it but keeps triggerType and scope
// as history of the most recent activation.
type State struct {
	TenantID               string      `json:"tenantId"`
	Active                 bool        `json:"active"`
	ActivatedAt            *time.Time  `json:"activatedAt,omitempty"`
	ActivatedBy            string      `json:"activatedBy,omitempty"`
	ActivationReason       string      `json:"activationReason,omitempty"`
	TriggerType            TriggerType `json:"triggerType,omitempty"`
	Scope                  Scope       `json:"scope"`
	ScopeID                string      `json:"scopeId,omitempty"`
	PendingOrdersCancelled int         `json:"pendingOrdersCancelled"`
}

// defaultState is what getState synthesizes for tenants that have never
// touched the switch.
func defaultState(tenantID string) *State {
	return &State{
		TenantID: tenantID,
		Active:   false,
		Scope:    ScopeTenant,
	}
}

// ConditionType enumerates the automatic trigger condition kinds.
type ConditionType string

const (
	ConditionRapidLoss   ConditionType = "RAPID_LOSS"
	ConditionErrorRate   ConditionType = "ERROR_RATE"
	ConditionSystemError ConditionType = "SYSTEM_ERROR"
)

// TriggerCondition describes when an automatic trigger fires. Only the
// fields matching Type are read: lossPercent and timeWindowMinutes for
// RAPID_LOSS, errorPercent for ERROR_RATE, errorTypes for SYSTEM_ERROR.
// The time window scopes event admission upstream; evaluation itself
// compares a single event against the threshold.
type TriggerCondition struct {
	Type              ConditionType   `json:"type"`
	LossPercent       decimal.Decimal `json:"lossPercent"`
	TimeWindowMinutes int             `json:"timeWindowMinutes,omitempty"`
	ErrorPercent      decimal.Decimal `json:"errorPercent"`
	ErrorTypes        []string        `json:"errorTypes,omitempty"`
}

// AutoKillTrigger is one configured automatic activation rule.
type AutoKillTrigger struct {
	TriggerID string           `json:"triggerId"`
	Name      string           `json:"name,omitempty"`
	Condition TriggerCondition `json:"condition"`
	Enabled   bool             `json:"enabled"`
}

// Config holds a tenant's automatic trigger rules and alert routing.
type Config struct {
	ConfigID             string            `json:"configId"`
	TenantID             string            `json:"tenantId"`
	Triggers             []AutoKillTrigger `json:"triggers,omitempty"`
	NotificationChannels []string          `json:"notificationChannels,omitempty"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// AlertType labels the alert record handed to the alert callback.
type AlertType string

const (
	AlertActivated     AlertType = "ACTIVATED"
	AlertAutoTriggered AlertType = "AUTO_TRIGGERED"
	AlertDeactivated   AlertType = "DEACTIVATED"
)

// Alert is the payload delivered to alert callbacks on state changes.
type Alert struct {
	AlertType   AlertType   `json:"alertType"`
	TenantID    string      `json:"tenantId"`
	Reason      string      `json:"reason,omitempty"`
	TriggerType TriggerType `json:"triggerType,omitempty"`
}

// CancelOrdersFunc cancels a tenant's pending orders within scope and
// returns how many were cancelled.
type CancelOrdersFunc func(ctx context.Context, tenantID string, scope Scope, scopeID string) (int, error)

// AlertFunc delivers an alert to an external channel.
type AlertFunc func(ctx context.Context, alert Alert) error

// ActivateRequest carries the parameters of one activation attempt.
// Zero values default to ScopeTenant and TriggerManual. CancelOrders
// and Alert override the controller's injected collaborators for this
// call; leave nil to use the defaults.
type ActivateRequest struct {
	TenantID     string
	Reason       string
	Scope        Scope
	ScopeID      string
	ActivatedBy  string
	TriggerType  TriggerType
	CancelOrders CancelOrdersFunc
	Alert        AlertFunc
}

// ActivationResult reports what one Activate call actually did. An
// idempotent no-op returns the existing state with OrdersCancelled=0
// and AlertSent=false.
type ActivationResult struct {
	State           *State `json:"state"`
	OrdersCancelled int    `json:"ordersCancelled"`
	AlertSent       bool   `json:"alertSent"`
}
