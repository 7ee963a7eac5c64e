// Package pretrade runs the seven admission checks every order must
// pass before it may be forwarded for execution.
package pretrade

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction. Volatility throttling and the capital
// check only bind position-increasing (BUY) orders.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderRequest is the admission view of an order. Quantity and Price
// are in asset units and quote currency respectively.
type OrderRequest struct {
	OrderID    string          `json:"orderId"`
	TenantID   string          `json:"tenantId"`
	StrategyID string          `json:"strategyId,omitempty"`
	AssetID    string          `json:"assetId"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
}

// SignedQuantity returns +Quantity for BUY and -Quantity for SELL.
func (o *OrderRequest) SignedQuantity() decimal.Decimal {
	if o.Side == SideSell {
		return o.Quantity.Neg()
	}
	return o.Quantity
}

// Notional is Quantity x Price.
func (o *OrderRequest) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.Price)
}

// CheckType identifies one of the seven admission guards.
type CheckType string

const (
	CheckKillSwitch       CheckType = "KILL_SWITCH"
	CheckCircuitBreaker   CheckType = "CIRCUIT_BREAKER"
	CheckPositionLimit    CheckType = "POSITION_LIMIT"
	CheckDrawdown         CheckType = "DRAWDOWN"
	CheckVolatility       CheckType = "VOLATILITY"
	CheckCapitalAvailable CheckType = "CAPITAL_AVAILABLE"
	CheckLeverage         CheckType = "LEVERAGE"
)

// checkOrder is the fixed presentation order of the checks slice,
// independent of completion order.
var checkOrder = []CheckType{
	CheckKillSwitch,
	CheckCircuitBreaker,
	CheckPositionLimit,
	CheckDrawdown,
	CheckVolatility,
	CheckCapitalAvailable,
	CheckLeverage,
}

// CheckDetail is the outcome of a single guard.
type CheckDetail struct {
	CheckType    CheckType        `json:"checkType"`
	Passed       bool             `json:"passed"`
	Message      string           `json:"message"`
	CurrentValue *decimal.Decimal `json:"currentValue,omitempty"`
	LimitValue   *decimal.Decimal `json:"limitValue,omitempty"`
}

// Result aggregates all checks for one order. A rejection is a normal,
// fully populated result, not an error.
type Result struct {
	OrderID          string        `json:"orderId"`
	Approved         bool          `json:"approved"`
	Checks           []CheckDetail `json:"checks"`
	RejectionReason  string        `json:"rejectionReason,omitempty"`
	ProcessingTimeMs int64         `json:"processingTimeMs"`
	Timestamp        time.Time     `json:"timestamp"`
}

// RiskConfig carries the optional caller-supplied inputs. Nil members
// skip the checks that need them: CAPITAL_AVAILABLE without
// AvailableCapital, LEVERAGE without MaxLeverage or PortfolioValue.
type RiskConfig struct {
	PortfolioValue   *decimal.Decimal           `json:"portfolioValue,omitempty"`
	AvailableCapital *decimal.Decimal           `json:"availableCapital,omitempty"`
	MaxLeverage      *decimal.Decimal           `json:"maxLeverage,omitempty"`
	CurrentPositions map[string]decimal.Decimal `json:"currentPositions,omitempty"`
}
