package limits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"risk-gate/internal/riskerr"
	"risk-gate/internal/store"
)

var oneHundred = decimal.NewFromInt(100)

// Evaluator owns the position-limits namespace for all tenants.
type Evaluator struct {
	store  store.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewEvaluator creates a position-limit evaluator.
func NewEvaluator(s store.Store, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		store:  s,
		logger: logger.With().Str("component", "position_limits").Logger(),
		now:    time.Now,
	}
}

func limitKey(tenantID, limitID string) store.Key {
	return store.Key{TenantID: tenantID, ID: limitID}
}

// SetLimit creates or updates a limit. A new limit gets a generated ID;
// an update preserves CreatedAt and the fill bookkeeping.
func (e *Evaluator) SetLimit(ctx context.Context, limit *Limit) (*Limit, error) {
	const op = "limits.SetLimit"
	if limit == nil || strings.TrimSpace(limit.TenantID) == "" {
		return nil, riskerr.InvalidState(op, "", "limit requires a tenantId")
	}
	switch limit.LimitType {
	case LimitAbsolute, LimitPercentage:
	default:
		return nil, riskerr.InvalidState(op, limit.TenantID, fmt.Sprintf("unknown limit type %q", limit.LimitType))
	}
	if !limit.MaxValue.IsPositive() {
		return nil, riskerr.InvalidState(op, limit.TenantID, "maxValue must be positive")
	}
	if limit.Scope == "" {
		if limit.AssetID != "" {
			limit.Scope = ScopeAsset
		} else {
			limit.Scope = ScopeTenant
		}
	}

	now := e.now()
	if limit.LimitID == "" {
		limit.LimitID = uuid.NewString()
		limit.CreatedAt = now
	} else if existing, err := e.get(ctx, limit.TenantID, limit.LimitID); err == nil {
		limit.CreatedAt = existing.CreatedAt
		limit.CurrentValue = existing.CurrentValue
		limit.UtilizationPercent = utilization(existing.CurrentValue, limit)
	} else if !riskerr.IsNotFound(err) {
		return nil, err
	} else {
		limit.CreatedAt = now
	}
	limit.UpdatedAt = now

	data, err := json.Marshal(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal limit: %w", err)
	}
	if err := e.store.Put(ctx, store.NamespacePositionLimits, limitKey(limit.TenantID, limit.LimitID), data); err != nil {
		return nil, fmt.Errorf("failed to persist limit: %w", err)
	}

	e.logger.Info().
		Str("tenant_id", limit.TenantID).
		Str("limit_id", limit.LimitID).
		Str("limit_type", string(limit.LimitType)).
		Str("asset_id", limit.AssetID).
		Str("max_value", limit.MaxValue.String()).
		Msg("Position limit set")
	return limit, nil
}

func (e *Evaluator) get(ctx context.Context, tenantID, limitID string) (*Limit, error) {
	item, err := e.store.Get(ctx, store.NamespacePositionLimits, limitKey(tenantID, limitID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, riskerr.NotFound("limits.Get", tenantID, fmt.Sprintf("limit %s not found", limitID))
		}
		return nil, fmt.Errorf("failed to load limit: %w", err)
	}
	var limit Limit
	if err := json.Unmarshal(item.Data, &limit); err != nil {
		return nil, fmt.Errorf("failed to unmarshal limit: %w", err)
	}
	return &limit, nil
}

// GetLimit returns one limit or NotFound.
func (e *Evaluator) GetLimit(ctx context.Context, tenantID, limitID string) (*Limit, error) {
	return e.get(ctx, tenantID, limitID)
}

// ListLimits returns all of a tenant's limits ordered by ID.
func (e *Evaluator) ListLimits(ctx context.Context, tenantID string) ([]Limit, error) {
	items, err := e.store.Query(ctx, store.NamespacePositionLimits, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list limits: %w", err)
	}
	result := make([]Limit, 0, len(items))
	for _, item := range items {
		var limit Limit
		if err := json.Unmarshal(item.Data, &limit); err != nil {
			return nil, fmt.Errorf("failed to unmarshal limit %s: %w", item.Key.ID, err)
		}
		result = append(result, limit)
	}
	return result, nil
}

// RemoveLimit deletes a limit or returns NotFound.
func (e *Evaluator) RemoveLimit(ctx context.Context, tenantID, limitID string) error {
	if err := e.store.Delete(ctx, store.NamespacePositionLimits, limitKey(tenantID, limitID)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return riskerr.NotFound("limits.RemoveLimit", tenantID, fmt.Sprintf("limit %s not found", limitID))
		}
		return fmt.Errorf("failed to delete limit: %w", err)
	}
	e.logger.Info().Str("tenant_id", tenantID).Str("limit_id", limitID).Msg("Position limit removed")
	return nil
}

// CheckOrder evaluates every limit applicable to the order's asset.
// signedQty is +quantity for BUY and -quantity for SELL. positions maps
// assetID to the current held quantity. portfolioValue enables
// percentage-of-portfolio caps; when nil a PERCENTAGE limit degrades to
// an absolute quantity cap. Always returns at least one result: with no
// applicable limits, a single unbounded pass.
func (e *Evaluator) CheckOrder(ctx context.Context, tenantID, assetID string, signedQty, price decimal.Decimal, positions map[string]decimal.Decimal, portfolioValue *decimal.Decimal) ([]CheckResult, error) {
	configured, err := e.ListLimits(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	current := positions[assetID]
	newQty := current.Add(signedQty)

	var results []CheckResult
	for _, limit := range configured {
		if !limit.AppliesTo(assetID) {
			continue
		}

		projected := newQty
		effectiveMax := limit.MaxValue
		if limit.LimitType == LimitPercentage && portfolioValue != nil {
			projected = newQty.Abs().Mul(price)
			effectiveMax = limit.MaxValue.Div(oneHundred).Mul(*portfolioValue)
		}

		result := CheckResult{
			Limit:        limit,
			CurrentValue: projected,
			EffectiveMax: effectiveMax,
			WithinLimit:  projected.LessThanOrEqual(effectiveMax),
		}
		if !result.WithinLimit {
			result.WouldExceedBy = projected.Sub(effectiveMax)
		}
		if effectiveMax.IsPositive() {
			result.UtilizationPercent = projected.Div(effectiveMax).Mul(oneHundred)
		}
		results = append(results, result)
	}

	if len(results) == 0 {
		// No applicable limits: unbounded pass.
		return []CheckResult{{WithinLimit: true, Unbounded: true, CurrentValue: newQty}}, nil
	}
	return results, nil
}

// RecordFill folds an executed fill into the bookkeeping of every limit
// covering the asset. ABSOLUTE limits track net quantity, PERCENTAGE
// limits track net notional; utilization against a percentage cap needs
// the live portfolio value and is computed at check time instead.
func (e *Evaluator) RecordFill(ctx context.Context, tenantID, assetID string, signedQty, price decimal.Decimal) error {
	configured, err := e.ListLimits(ctx, tenantID)
	if err != nil {
		return err
	}

	for i := range configured {
		limit := &configured[i]
		if !limit.AppliesTo(assetID) {
			continue
		}

		switch limit.LimitType {
		case LimitAbsolute:
			limit.CurrentValue = limit.CurrentValue.Add(signedQty)
		case LimitPercentage:
			limit.CurrentValue = limit.CurrentValue.Add(signedQty.Mul(price))
		}
		limit.UtilizationPercent = utilization(limit.CurrentValue, limit)
		limit.UpdatedAt = e.now()

		data, err := json.Marshal(limit)
		if err != nil {
			return fmt.Errorf("failed to marshal limit: %w", err)
		}
		if err := e.store.Put(ctx, store.NamespacePositionLimits, limitKey(tenantID, limit.LimitID), data); err != nil {
			return fmt.Errorf("failed to persist limit fill: %w", err)
		}
	}
	return nil
}

func utilization(currentValue decimal.Decimal, limit *Limit) decimal.Decimal {
	if limit.LimitType != LimitAbsolute || !limit.MaxValue.IsPositive() {
		return decimal.Zero
	}
	return currentValue.Abs().Div(limit.MaxValue).Mul(oneHundred)
}
