// Package limits evaluates orders against configured position limits.
package limits

import (
	"time"

	"github.com/shopspring/decimal"
)

// LimitType selects how maxValue is interpreted at check time.
type LimitType string

const (
	// LimitAbsolute caps the projected position quantity directly.
	LimitAbsolute LimitType = "ABSOLUTE"
	// LimitPercentage caps the projected position notional at
	// maxValue percent of the portfolio value.
	LimitPercentage LimitType = "PERCENTAGE"
)

// Scope identifies what a limit applies to.
type Scope string

const (
	ScopeTenant Scope = "TENANT" // applies to every asset
	ScopeAsset  Scope = "ASSET"  // applies to one asset
)

// Limit is a configured position limit. CurrentValue and
// UtilizationPercent are bookkeeping updated by fills; order checks
// always evaluate against the live positions supplied by the caller.
type Limit struct {
	LimitID            string          `json:"limitId"`
	TenantID           string          `json:"tenantId"`
	Scope              Scope           `json:"scope"`
	AssetID            string          `json:"assetId,omitempty"`
	LimitType          LimitType       `json:"limitType"`
	MaxValue           decimal.Decimal `json:"maxValue"`
	CurrentValue       decimal.Decimal `json:"currentValue"`
	UtilizationPercent decimal.Decimal `json:"utilizationPercent"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// AppliesTo reports whether the limit covers the given asset.
func (l *Limit) AppliesTo(assetID string) bool {
	return l.AssetID == "" || l.AssetID == assetID
}

// CheckResult is the outcome of evaluating one limit against an order.
// Unbounded marks the synthetic always-pass result returned when the
// tenant has no applicable limits.
type CheckResult struct {
	Limit              Limit           `json:"limit"`
	WithinLimit        bool            `json:"withinLimit"`
	CurrentValue       decimal.Decimal `json:"currentValue"`
	EffectiveMax       decimal.Decimal `json:"effectiveMax"`
	WouldExceedBy      decimal.Decimal `json:"wouldExceedBy"`
	UtilizationPercent decimal.Decimal `json:"utilizationPercent"`
	Unbounded          bool            `json:"unbounded,omitempty"`
}
