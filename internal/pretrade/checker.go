package pretrade

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"risk-gate/internal/circuit"
	"risk-gate/internal/drawdown"
	"risk-gate/internal/events"
	"risk-gate/internal/killswitch"
	"risk-gate/internal/limits"
	"risk-gate/internal/monitoring"
	"risk-gate/internal/riskerr"
	"risk-gate/internal/volatility"
)

// Guard read interfaces. Each component's concrete type satisfies its
// interface; tests substitute fakes.
type (
	// KillSwitchReader reads the tenant's halt state.
	KillSwitchReader interface {
		GetState(ctx context.Context, tenantID string) (*killswitch.State, error)
	}

	// BreakerChecker partitions the tenant's breakers by state.
	BreakerChecker interface {
		CheckBreakers(ctx context.Context, tenantID string) (*circuit.CheckResult, error)
	}

	// LimitChecker evaluates an order against configured limits.
	LimitChecker interface {
		CheckOrder(ctx context.Context, tenantID, assetID string, signedQty, price decimal.Decimal, positions map[string]decimal.Decimal, portfolioValue *decimal.Decimal) ([]limits.CheckResult, error)
	}

	// DrawdownChecker reads the drawdown admission view.
	DrawdownChecker interface {
		Check(ctx context.Context, tenantID, strategyID string) (*drawdown.CheckResult, error)
	}

	// VolatilityChecker reads the throttle view for an asset.
	VolatilityChecker interface {
		CheckThrottle(ctx context.Context, tenantID, assetID string) (*volatility.ThrottleResult, error)
	}
)

// Checker orchestrates the seven admission guards.
type Checker struct {
	killSwitch KillSwitchReader
	breakers   BreakerChecker
	limits     LimitChecker
	drawdown   DrawdownChecker
	volatility VolatilityChecker
	bus        *events.EventBus
	logger     zerolog.Logger
	now        func() time.Time
}

// NewChecker wires the orchestrator. bus may be nil.
func NewChecker(ks KillSwitchReader, breakers BreakerChecker, lim LimitChecker, dd DrawdownChecker, vol VolatilityChecker, bus *events.EventBus, logger zerolog.Logger) *Checker {
	return &Checker{
		killSwitch: ks,
		breakers:   breakers,
		limits:     lim,
		drawdown:   dd,
		volatility: vol,
		bus:        bus,
		logger:     logger.With().Str("component", "pretrade_checker").Logger(),
		now:        time.Now,
	}
}

// Validate runs every check concurrently and joins into a Result whose
// checks slice keeps the fixed order regardless of completion order.
// Business failures populate the result; only illegal input or a store
// failure returns an error.
func (c *Checker) Validate(ctx context.Context, order OrderRequest, config *RiskConfig) (*Result, error) {
	const op = "pretrade.Validate"
	if strings.TrimSpace(order.TenantID) == "" {
		return nil, riskerr.InvalidState(op, "", "order requires a tenantId")
	}
	if strings.TrimSpace(order.AssetID) == "" {
		return nil, riskerr.InvalidState(op, order.TenantID, "order requires an assetId")
	}
	if order.Side != SideBuy && order.Side != SideSell {
		return nil, riskerr.InvalidState(op, order.TenantID, fmt.Sprintf("unknown order side %q", order.Side))
	}
	if !order.Quantity.IsPositive() {
		return nil, riskerr.InvalidState(op, order.TenantID, "order quantity must be positive")
	}
	if order.Price.IsNegative() {
		return nil, riskerr.InvalidState(op, order.TenantID, "order price cannot be negative")
	}
	if order.OrderID == "" {
		order.OrderID = uuid.NewString()
	}
	if config == nil {
		config = &RiskConfig{}
	}

	started := c.now()

	runners := map[CheckType]func(context.Context) (CheckDetail, error){
		CheckKillSwitch:       func(ctx context.Context) (CheckDetail, error) { return c.checkKillSwitch(ctx, order) },
		CheckCircuitBreaker:   func(ctx context.Context) (CheckDetail, error) { return c.checkBreakers(ctx, order) },
		CheckPositionLimit:    func(ctx context.Context) (CheckDetail, error) { return c.checkPositionLimit(ctx, order, config) },
		CheckDrawdown:         func(ctx context.Context) (CheckDetail, error) { return c.checkDrawdown(ctx, order) },
		CheckVolatility:       func(ctx context.Context) (CheckDetail, error) { return c.checkVolatility(ctx, order) },
		CheckCapitalAvailable: func(ctx context.Context) (CheckDetail, error) { return c.checkCapital(order, config) },
		CheckLeverage:         func(ctx context.Context) (CheckDetail, error) { return c.checkLeverage(order, config) },
	}

	details := make([]CheckDetail, len(checkOrder))
	errs := make([]error, len(checkOrder))
	var wg sync.WaitGroup
	for i, checkType := range checkOrder {
		wg.Add(1)
		go func(i int, checkType CheckType) {
			defer wg.Done()
			details[i], errs[i] = runners[checkType](ctx)
		}(i, checkType)
	}
	wg.Wait()

	// Store errors are fatal to the validation, not swallowed.
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("%s check failed: %w", checkOrder[i], err)
		}
	}

	result := &Result{
		OrderID: order.OrderID,
		Checks:  details,
	}
	var failed []CheckDetail
	for _, detail := range details {
		monitoring.RecordCheck(string(detail.CheckType), detail.Passed)
		if !detail.Passed {
			failed = append(failed, detail)
		}
	}
	result.Approved = len(failed) == 0
	result.RejectionReason = rejectionReason(failed)
	result.Timestamp = c.now()
	result.ProcessingTimeMs = result.Timestamp.Sub(started).Milliseconds()

	monitoring.RecordValidation(result.Approved, result.Timestamp.Sub(started).Seconds())

	if !result.Approved {
		c.logger.Info().
			Str("tenant_id", order.TenantID).
			Str("order_id", order.OrderID).
			Str("asset_id", order.AssetID).
			Str("reason", result.RejectionReason).
			Msg("Order rejected")
		if c.bus != nil {
			c.bus.PublishOrderRejected(order.TenantID, order.OrderID, result.RejectionReason)
		}
	}
	return result, nil
}

// rejectionReason renders one failed check verbatim, several as an
// enumerated list.
func rejectionReason(failed []CheckDetail) string {
	switch len(failed) {
	case 0:
		return ""
	case 1:
		return failed[0].Message
	}
	parts := make([]string, len(failed))
	for i, detail := range failed {
		parts[i] = fmt.Sprintf("%s: %s", detail.CheckType, detail.Message)
	}
	return "Multiple checks failed: " + strings.Join(parts, "; ")
}

func (c *Checker) checkKillSwitch(ctx context.Context, order OrderRequest) (CheckDetail, error) {
	detail := CheckDetail{CheckType: CheckKillSwitch}
	state, err := c.killSwitch.GetState(ctx, order.TenantID)
	if err != nil {
		return detail, err
	}
	if state.Active {
		detail.Message = "Kill switch active: " + state.ActivationReason
		return detail, nil
	}
	detail.Passed = true
	detail.Message = "Kill switch inactive"
	return detail, nil
}

func (c *Checker) checkBreakers(ctx context.Context, order OrderRequest) (CheckDetail, error) {
	detail := CheckDetail{CheckType: CheckCircuitBreaker}
	result, err := c.breakers.CheckBreakers(ctx, order.TenantID)
	if err != nil {
		return detail, err
	}
	if result.AllClosed {
		detail.Passed = true
		detail.Message = "All circuit breakers closed"
		return detail, nil
	}

	blocking := result.Blocking()
	names := make([]string, len(blocking))
	for i, breaker := range blocking {
		names[i] = breaker.Name
	}
	detail.Message = "Circuit breakers tripped: " + strings.Join(names, ", ")
	// 1/0 presence flags, not counts.
	tripped := decimal.NewFromInt(1)
	detail.CurrentValue = &tripped
	zero := decimal.Zero
	detail.LimitValue = &zero
	return detail, nil
}

func (c *Checker) checkPositionLimit(ctx context.Context, order OrderRequest, config *RiskConfig) (CheckDetail, error) {
	detail := CheckDetail{CheckType: CheckPositionLimit}
	results, err := c.limits.CheckOrder(ctx, order.TenantID, order.AssetID,
		order.SignedQuantity(), order.Price, config.CurrentPositions, config.PortfolioValue)
	if err != nil {
		return detail, err
	}

	for _, r := range results {
		if r.WithinLimit {
			continue
		}
		// First violation reports the values.
		detail.Message = fmt.Sprintf("Position limit exceeded for %s: %s exceeds limit %s",
			order.AssetID, r.CurrentValue.String(), r.EffectiveMax.String())
		current, limit := r.CurrentValue, r.EffectiveMax
		detail.CurrentValue = &current
		detail.LimitValue = &limit
		return detail, nil
	}

	detail.Passed = true
	if len(results) == 1 && results[0].Unbounded {
		detail.Message = "No position limits configured"
	} else {
		detail.Message = "Position within limits"
	}
	return detail, nil
}

func (c *Checker) checkDrawdown(ctx context.Context, order OrderRequest) (CheckDetail, error) {
	detail := CheckDetail{CheckType: CheckDrawdown}
	result, err := c.drawdown.Check(ctx, order.TenantID, order.StrategyID)
	if err != nil {
		return detail, err
	}
	current := result.CurrentDrawdownPercent
	detail.CurrentValue = &current
	if !result.TradingAllowed {
		detail.Message = fmt.Sprintf("Drawdown status %s: trading suspended at %s%% drawdown",
			result.Status, result.CurrentDrawdownPercent.String())
		return detail, nil
	}
	detail.Passed = true
	detail.Message = fmt.Sprintf("Drawdown %s (%s%%)", result.Status, result.CurrentDrawdownPercent.String())
	return detail, nil
}

func (c *Checker) checkVolatility(ctx context.Context, order OrderRequest) (CheckDetail, error) {
	detail := CheckDetail{CheckType: CheckVolatility}
	result, err := c.volatility.CheckThrottle(ctx, order.TenantID, order.AssetID)
	if err != nil {
		return detail, err
	}
	if !result.AllowNewEntries && order.Side == SideBuy {
		detail.Message = fmt.Sprintf("Volatility %s: new entries blocked for %s", result.Level, order.AssetID)
		return detail, nil
	}
	detail.Passed = true
	if !result.AllowNewEntries {
		// Exits stay permitted under any throttle.
		detail.Message = fmt.Sprintf("Volatility %s: sell orders always permitted", result.Level)
	} else {
		detail.Message = fmt.Sprintf("Volatility %s", result.Level)
	}
	return detail, nil
}

func (c *Checker) checkCapital(order OrderRequest, config *RiskConfig) (CheckDetail, error) {
	detail := CheckDetail{CheckType: CheckCapitalAvailable}
	if config.AvailableCapital == nil {
		detail.Passed = true
		detail.Message = "Capital check skipped: available capital not provided"
		return detail, nil
	}
	if order.Side == SideBuy {
		required := order.Notional()
		if required.GreaterThan(*config.AvailableCapital) {
			detail.Message = fmt.Sprintf("Insufficient capital: order requires %s, available %s",
				required.String(), config.AvailableCapital.String())
			current, limit := required, *config.AvailableCapital
			detail.CurrentValue = &current
			detail.LimitValue = &limit
			return detail, nil
		}
	}
	detail.Passed = true
	detail.Message = "Sufficient capital available"
	return detail, nil
}

func (c *Checker) checkLeverage(order OrderRequest, config *RiskConfig) (CheckDetail, error) {
	detail := CheckDetail{CheckType: CheckLeverage}
	if config.MaxLeverage == nil || config.PortfolioValue == nil || !config.PortfolioValue.IsPositive() {
		detail.Passed = true
		detail.Message = "Leverage check skipped: max leverage or portfolio value not provided"
		return detail, nil
	}

	leverage := order.Notional().Div(*config.PortfolioValue)
	current, limit := leverage, *config.MaxLeverage
	detail.CurrentValue = &current
	detail.LimitValue = &limit
	if leverage.GreaterThan(*config.MaxLeverage) {
		detail.Message = fmt.Sprintf("Order leverage %s exceeds maximum %s",
			leverage.String(), config.MaxLeverage.String())
		return detail, nil
	}
	detail.Passed = true
	detail.Message = fmt.Sprintf("Leverage %s within maximum %s", leverage.String(), config.MaxLeverage.String())
	return detail, nil
}
