// Package volatility throttles new-entry orders by market volatility
// level. Levels derive from a numeric index bucketed into per-tenant
// configurable bands.
package volatility

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level buckets the volatility index.
type Level string

const (
	LevelNormal   Level = "NORMAL"
	LevelElevated Level = "ELEVATED"
	LevelHigh     Level = "HIGH"
	LevelExtreme  Level = "EXTREME"
)

// State is the persisted volatility reading for one tenant asset.
type State struct {
	StateID         string          `json:"stateId"`
	TenantID        string          `json:"tenantId"`
	AssetID         string          `json:"assetId"`
	CurrentIndex    decimal.Decimal `json:"currentIndex"`
	IndexType       string          `json:"indexType"`
	Level           Level           `json:"level"`
	ThrottlePercent decimal.Decimal `json:"throttlePercent"`
	AllowNewEntries bool            `json:"allowNewEntries"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Band maps an index range onto a level and its throttle policy. A band
// applies to every index value at or above MinIndex, until the next
// band takes over.
type Band struct {
	MinIndex        decimal.Decimal `json:"minIndex"`
	Level           Level           `json:"level"`
	ThrottlePercent decimal.Decimal `json:"throttlePercent"`
	AllowNewEntries bool            `json:"allowNewEntries"`
}

// Config holds a tenant's banding. Bands must be sorted by MinIndex
// ascending; SetConfig enforces this.
type Config struct {
	ConfigID  string    `json:"configId"`
	TenantID  string    `json:"tenantId"`
	IndexType string    `json:"indexType,omitempty"`
	Bands     []Band    `json:"bands"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ThrottleResult is the read-side view consumed by pre-trade checks.
type ThrottleResult struct {
	Level           Level           `json:"level"`
	ThrottlePercent decimal.Decimal `json:"throttlePercent"`
	AllowNewEntries bool            `json:"allowNewEntries"`
}

// DefaultBands applies when a tenant has no volatility config: entries
// stay allowed with rising throttle until EXTREME blocks them outright.
func DefaultBands() []Band {
	return []Band{
		{MinIndex: decimal.Zero, Level: LevelNormal, ThrottlePercent: decimal.Zero, AllowNewEntries: true},
		{MinIndex: decimal.NewFromInt(25), Level: LevelElevated, ThrottlePercent: decimal.NewFromInt(25), AllowNewEntries: true},
		{MinIndex: decimal.NewFromInt(50), Level: LevelHigh, ThrottlePercent: decimal.NewFromInt(50), AllowNewEntries: true},
		{MinIndex: decimal.NewFromInt(75), Level: LevelExtreme, ThrottlePercent: decimal.NewFromInt(100), AllowNewEntries: false},
	}
}
