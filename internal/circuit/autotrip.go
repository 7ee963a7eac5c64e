package circuit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"risk-gate/internal/events"
)

// RecentReader supplies retained risk events for windowed conditions.
// *events.EventLog satisfies it.
type RecentReader interface {
	Recent(ctx context.Context, tenantID string, since time.Time) ([]events.RiskEvent, error)
}

// Evaluator trips breakers from observed risk events. LOSS_RATE
// conditions sum losses over the configured window, ERROR_RATE and
// SYSTEM_ERROR react to the event alone.
type Evaluator struct {
	registry *Registry
	recent   RecentReader
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEvaluator creates an auto-trip evaluator.
func NewEvaluator(registry *Registry, recent RecentReader, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		registry: registry,
		recent:   recent,
		logger:   logger.With().Str("component", "circuit_autotrip").Logger(),
		now:      time.Now,
	}
}

// HandleEvent evaluates every breaker of the event's tenant and trips
// those whose condition the event satisfies. Returns the IDs of the
// breakers tripped by this event. OPEN breakers are skipped; HALF_OPEN
// breakers re-trip.
func (e *Evaluator) HandleEvent(ctx context.Context, event events.RiskEvent) ([]string, error) {
	breakers, err := e.registry.List(ctx, event.TenantID)
	if err != nil {
		return nil, err
	}

	var tripped []string
	for _, breaker := range breakers {
		if breaker.State == StateOpen {
			continue
		}
		if !scopeAdmits(&breaker, event) {
			continue
		}

		met, reason, err := e.conditionMet(ctx, breaker.Condition, event)
		if err != nil {
			return tripped, err
		}
		if !met {
			continue
		}

		if _, err := e.registry.Trip(ctx, event.TenantID, breaker.BreakerID, reason); err != nil {
			return tripped, err
		}
		tripped = append(tripped, breaker.BreakerID)
	}
	return tripped, nil
}

// scopeAdmits reports whether the event falls inside the breaker's
// scope. Portfolio breakers see every event; strategy and asset scopes
// only events tagged with the matching ID.
func scopeAdmits(b *Breaker, event events.RiskEvent) bool {
	switch b.Scope {
	case ScopeStrategy:
		return b.ScopeID == "" || b.ScopeID == event.StrategyID
	case ScopeAsset:
		return b.ScopeID == "" || b.ScopeID == event.AssetID
	default:
		return true
	}
}

func (e *Evaluator) conditionMet(ctx context.Context, cond Condition, event events.RiskEvent) (bool, string, error) {
	switch cond.Type {
	case ConditionLossRate:
		if event.EventType != events.RiskEventRapidLoss {
			return false, "", nil
		}
		total := event.LossPercent
		if cond.TimeWindowMinutes > 0 {
			// The triggering event is already retained, so the window
			// sum replaces rather than adds to it.
			since := e.now().Add(-time.Duration(cond.TimeWindowMinutes) * time.Minute)
			retained, err := e.recent.Recent(ctx, event.TenantID, since)
			if err != nil {
				return false, "", fmt.Errorf("failed to read retained events: %w", err)
			}
			total = decimal.Zero
			seen := false
			for _, r := range retained {
				if r.EventType != events.RiskEventRapidLoss {
					continue
				}
				total = total.Add(r.LossPercent)
				if r.EventID == event.EventID {
					seen = true
				}
			}
			if !seen {
				total = total.Add(event.LossPercent)
			}
		}
		if total.GreaterThan(cond.LossPercent) {
			reason := fmt.Sprintf("Loss %s%% over %dm exceeded threshold %s%%",
				total.String(), cond.TimeWindowMinutes, cond.LossPercent.String())
			return true, reason, nil
		}
		return false, "", nil

	case ConditionErrorRate:
		if event.EventType != events.RiskEventErrorRate {
			return false, "", nil
		}
		if event.ErrorRate.GreaterThan(cond.ErrorPercent) {
			reason := fmt.Sprintf("Error rate %s%% exceeded threshold %s%%",
				event.ErrorRate.String(), cond.ErrorPercent.String())
			return true, reason, nil
		}
		return false, "", nil

	case ConditionSystemError:
		if event.EventType != events.RiskEventSystemError {
			return false, "", nil
		}
		for _, t := range cond.ErrorTypes {
			if t == event.ErrorType {
				reason := fmt.Sprintf("System error %s matched watch list", event.ErrorType)
				return true, reason, nil
			}
		}
		return false, "", nil

	default:
		return false, "", nil
	}
}

// HandleRiskObservation adapts the evaluator to the event bus.
func (e *Evaluator) HandleRiskObservation(busEvent events.Event) {
	if busEvent.Risk == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tripped, err := e.HandleEvent(ctx, *busEvent.Risk)
	if err != nil {
		e.logger.Error().Err(err).
			Str("tenant_id", busEvent.Risk.TenantID).
			Str("event_id", busEvent.Risk.EventID).
			Msg("Auto-trip evaluation failed")
		return
	}
	if len(tripped) > 0 {
		e.logger.Warn().
			Str("tenant_id", busEvent.Risk.TenantID).
			Strs("breaker_ids", tripped).
			Msg("Risk event tripped circuit breakers")
	}
}
