// Package circuit implements per-tenant trading circuit breakers with
// the CLOSED -> OPEN -> HALF_OPEN -> CLOSED lifecycle. Breakers trip on
// loss-rate, error-rate or system-error conditions and reclose after a
// cooldown plus a successful probe.
package circuit

import (
	"time"

	"github.com/shopspring/decimal"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "CLOSED"    // Normal operation
	StateOpen     State = "OPEN"      // Trading halted
	StateHalfOpen State = "HALF_OPEN" // Probing recovery, still blocks new entries
)

// ConditionType enumerates what a breaker watches.
type ConditionType string

const (
	ConditionLossRate    ConditionType = "LOSS_RATE"
	ConditionErrorRate   ConditionType = "ERROR_RATE"
	ConditionSystemError ConditionType = "SYSTEM_ERROR"
)

// Condition describes when a breaker trips automatically. Only the
// fields matching Type are read: lossPercent and timeWindowMinutes for
// LOSS_RATE, errorPercent for ERROR_RATE, errorTypes for SYSTEM_ERROR.
type Condition struct {
	Type              ConditionType   `json:"type"`
	LossPercent       decimal.Decimal `json:"lossPercent"`
	ErrorPercent      decimal.Decimal `json:"errorPercent"`
	TimeWindowMinutes int             `json:"timeWindowMinutes,omitempty"`
	ErrorTypes        []string        `json:"errorTypes,omitempty"`
}

// Scope narrows what a tripped breaker halts.
type Scope string

const (
	ScopePortfolio Scope = "PORTFOLIO"
	ScopeStrategy  Scope = "STRATEGY"
	ScopeAsset     Scope = "ASSET"
)

// Breaker is one configured circuit breaker.
type Breaker struct {
	BreakerID        string     `json:"breakerId"`
	TenantID         string     `json:"tenantId"`
	Name             string     `json:"name"`
	Condition        Condition  `json:"condition"`
	Scope            Scope      `json:"scope"`
	ScopeID          string     `json:"scopeId,omitempty"`
	State            State      `json:"state"`
	TripCount        int        `json:"tripCount"`
	LastTrippedAt    *time.Time `json:"lastTrippedAt,omitempty"`
	CooldownMinutes  int        `json:"cooldownMinutes"`
	AutoResetEnabled bool       `json:"autoResetEnabled"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// DefaultCooldownMinutes applies when a breaker is created without one.
const DefaultCooldownMinutes = 30

// CooldownElapsed reports whether the breaker's cooldown window has
// passed since it last tripped.
func (b *Breaker) CooldownElapsed(now time.Time) bool {
	if b.LastTrippedAt == nil {
		return false
	}
	cooldown := time.Duration(b.CooldownMinutes) * time.Minute
	return !now.Before(b.LastTrippedAt.Add(cooldown))
}

// CheckResult partitions a tenant's breakers by state. AllClosed is
// true only when both open and half-open lists are empty; a half-open
// breaker still blocks new entries pending a successful probe.
type CheckResult struct {
	AllClosed        bool      `json:"allClosed"`
	OpenBreakers     []Breaker `json:"openBreakers"`
	HalfOpenBreakers []Breaker `json:"halfOpenBreakers"`
}

// Blocking returns every breaker that currently blocks admission.
func (r *CheckResult) Blocking() []Breaker {
	blocking := make([]Breaker, 0, len(r.OpenBreakers)+len(r.HalfOpenBreakers))
	blocking = append(blocking, r.OpenBreakers...)
	blocking = append(blocking, r.HalfOpenBreakers...)
	return blocking
}

// Event records one breaker state transition for audit.
type Event struct {
	EventID     string    `json:"eventId"`
	TenantID    string    `json:"tenantId"`
	BreakerID   string    `json:"breakerId"`
	BreakerName string    `json:"breakerName"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}
