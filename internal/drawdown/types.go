// Package drawdown tracks per-tenant equity drawdown against warning
// and hard-stop thresholds.
package drawdown

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status escalates as drawdown deepens. PAUSED and CRITICAL block
// trading; WARNING does not.
type Status string

const (
	StatusNormal   Status = "NORMAL"
	StatusWarning  Status = "WARNING"
	StatusPaused   Status = "PAUSED"
	StatusCritical Status = "CRITICAL"
)

// Scope distinguishes portfolio-level from per-strategy tracking.
type Scope string

const (
	ScopePortfolio Scope = "PORTFOLIO"
	ScopeStrategy  Scope = "STRATEGY"
)

// State is the persisted drawdown record for one tenant scope.
type State struct {
	StateID          string          `json:"stateId"`
	TenantID         string          `json:"tenantId"`
	StrategyID       string          `json:"strategyId,omitempty"`
	Scope            Scope           `json:"scope"`
	PeakValue        decimal.Decimal `json:"peakValue"`
	CurrentValue     decimal.Decimal `json:"currentValue"`
	DrawdownPercent  decimal.Decimal `json:"drawdownPercent"`
	DrawdownAbsolute decimal.Decimal `json:"drawdownAbsolute"`
	WarningThreshold decimal.Decimal `json:"warningThreshold"`
	MaxThreshold     decimal.Decimal `json:"maxThreshold"`
	Status           Status          `json:"status"`
	LastResetAt      time.Time       `json:"lastResetAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Config supplies the thresholds applied when a tenant's state is first
// created. Absent config falls back to the package defaults.
type Config struct {
	ConfigID         string          `json:"configId"`
	TenantID         string          `json:"tenantId"`
	WarningThreshold decimal.Decimal `json:"warningThreshold"`
	MaxThreshold     decimal.Decimal `json:"maxThreshold"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// CheckResult is the read-side view consumed by pre-trade checks.
type CheckResult struct {
	Status                 Status          `json:"status"`
	CurrentDrawdownPercent decimal.Decimal `json:"currentDrawdownPercent"`
	DistanceToWarning      decimal.Decimal `json:"distanceToWarning"`
	DistanceToMax          decimal.Decimal `json:"distanceToMax"`
	TradingAllowed         bool            `json:"tradingAllowed"`
}

// TradingAllowed reports whether the status still admits new orders.
func (s Status) TradingAllowed() bool {
	return s != StatusPaused && s != StatusCritical
}
