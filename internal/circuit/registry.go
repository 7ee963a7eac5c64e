package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"risk-gate/internal/events"
	"risk-gate/internal/monitoring"
	"risk-gate/internal/riskerr"
	"risk-gate/internal/store"
)

// mutateAttempts bounds the CAS retry loop for state transitions.
const mutateAttempts = 3

// Registry owns the breaker collection for all tenants. Transitions use
// version-checked writes so a trip racing a reset resolves to exactly
// one winner instead of a lost update.
type Registry struct {
	store  store.Store
	bus    *events.EventBus
	logger zerolog.Logger
	now    func() time.Time
}

// NewRegistry creates a registry. bus may be nil.
func NewRegistry(s store.Store, bus *events.EventBus, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  s,
		bus:    bus,
		logger: logger.With().Str("component", "circuit_registry").Logger(),
		now:    time.Now,
	}
}

func breakerKey(tenantID, breakerID string) store.Key {
	return store.Key{TenantID: tenantID, ID: breakerID}
}

// Create stores a new breaker in CLOSED state, assigning an ID and the
// default cooldown when missing.
func (r *Registry) Create(ctx context.Context, breaker *Breaker) (*Breaker, error) {
	const op = "circuit.Create"
	if breaker == nil || strings.TrimSpace(breaker.TenantID) == "" {
		return nil, riskerr.InvalidState(op, "", "breaker requires a tenantId")
	}
	if strings.TrimSpace(breaker.Name) == "" {
		return nil, riskerr.InvalidState(op, breaker.TenantID, "breaker requires a name")
	}
	switch breaker.Condition.Type {
	case ConditionLossRate, ConditionErrorRate, ConditionSystemError:
	default:
		return nil, riskerr.InvalidState(op, breaker.TenantID, fmt.Sprintf("unknown condition type %q", breaker.Condition.Type))
	}

	if breaker.BreakerID == "" {
		breaker.BreakerID = uuid.NewString()
	}
	if breaker.Scope == "" {
		breaker.Scope = ScopePortfolio
	}
	if breaker.CooldownMinutes <= 0 {
		breaker.CooldownMinutes = DefaultCooldownMinutes
	}
	breaker.State = StateClosed
	breaker.TripCount = 0
	breaker.LastTrippedAt = nil
	breaker.CreatedAt = r.now()
	breaker.UpdatedAt = breaker.CreatedAt

	data, err := json.Marshal(breaker)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal breaker: %w", err)
	}
	if err := r.store.PutIfAbsent(ctx, store.NamespaceCircuitBreakers, breakerKey(breaker.TenantID, breaker.BreakerID), data); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, riskerr.InvalidState(op, breaker.TenantID, fmt.Sprintf("breaker %s already exists", breaker.BreakerID))
		}
		return nil, fmt.Errorf("failed to persist breaker: %w", err)
	}

	r.logger.Info().
		Str("tenant_id", breaker.TenantID).
		Str("breaker_id", breaker.BreakerID).
		Str("name", breaker.Name).
		Str("condition", string(breaker.Condition.Type)).
		Msg("Circuit breaker created")
	return breaker, nil
}

// load returns the breaker plus the version for conditional rewrites.
func (r *Registry) load(ctx context.Context, op, tenantID, breakerID string) (*Breaker, uint64, error) {
	item, err := r.store.Get(ctx, store.NamespaceCircuitBreakers, breakerKey(tenantID, breakerID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, riskerr.NotFound(op, tenantID, fmt.Sprintf("breaker %s not found", breakerID))
		}
		return nil, 0, fmt.Errorf("failed to load breaker: %w", err)
	}

	var breaker Breaker
	if err := json.Unmarshal(item.Data, &breaker); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal breaker: %w", err)
	}
	return &breaker, item.Version, nil
}

// Get returns a breaker or NotFound.
func (r *Registry) Get(ctx context.Context, tenantID, breakerID string) (*Breaker, error) {
	breaker, _, err := r.load(ctx, "circuit.Get", tenantID, breakerID)
	return breaker, err
}

// List returns all of a tenant's breakers ordered by ID.
func (r *Registry) List(ctx context.Context, tenantID string) ([]Breaker, error) {
	items, err := r.store.Query(ctx, store.NamespaceCircuitBreakers, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list breakers: %w", err)
	}

	breakers := make([]Breaker, 0, len(items))
	for _, item := range items {
		var breaker Breaker
		if err := json.Unmarshal(item.Data, &breaker); err != nil {
			return nil, fmt.Errorf("failed to unmarshal breaker %s: %w", item.Key.ID, err)
		}
		breakers = append(breakers, breaker)
	}
	return breakers, nil
}

// Delete removes a breaker or returns NotFound.
func (r *Registry) Delete(ctx context.Context, tenantID, breakerID string) error {
	const op = "circuit.Delete"
	if err := r.store.Delete(ctx, store.NamespaceCircuitBreakers, breakerKey(tenantID, breakerID)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return riskerr.NotFound(op, tenantID, fmt.Sprintf("breaker %s not found", breakerID))
		}
		return fmt.Errorf("failed to delete breaker: %w", err)
	}
	r.logger.Info().Str("tenant_id", tenantID).Str("breaker_id", breakerID).Msg("Circuit breaker deleted")
	return nil
}

// CheckBreakers partitions the tenant's breakers by state for order
// admission. AllClosed is false whenever any breaker is OPEN or
// HALF_OPEN.
func (r *Registry) CheckBreakers(ctx context.Context, tenantID string) (*CheckResult, error) {
	breakers, err := r.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	result := &CheckResult{}
	for _, breaker := range breakers {
		switch breaker.State {
		case StateOpen:
			result.OpenBreakers = append(result.OpenBreakers, breaker)
		case StateHalfOpen:
			result.HalfOpenBreakers = append(result.HalfOpenBreakers, breaker)
		}
	}
	result.AllClosed = len(result.OpenBreakers) == 0 && len(result.HalfOpenBreakers) == 0
	return result, nil
}

// mutate applies a transition under a CAS loop. apply returns false to
// signal an idempotent no-op (no write, no event).
func (r *Registry) mutate(ctx context.Context, op, tenantID, breakerID, reason string, apply func(*Breaker) (State, bool)) (*Breaker, error) {
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		breaker, version, err := r.load(ctx, op, tenantID, breakerID)
		if err != nil {
			return nil, err
		}

		from := breaker.State
		to, changed := apply(breaker)
		if !changed {
			return breaker, nil
		}
		breaker.State = to
		breaker.UpdatedAt = r.now()

		data, err := json.Marshal(breaker)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal breaker: %w", err)
		}
		err = r.store.PutIfVersion(ctx, store.NamespaceCircuitBreakers, breakerKey(tenantID, breakerID), data, version)
		if err == nil {
			r.recordTransition(ctx, breaker, from, to, reason)
			return breaker, nil
		}
		if errors.Is(err, store.ErrConditionFailed) {
			continue // lost to a concurrent transition, re-read
		}
		return nil, fmt.Errorf("failed to persist breaker transition: %w", err)
	}
	return nil, fmt.Errorf("breaker %s transition kept losing the update race: %w", breakerID, store.ErrConditionFailed)
}

// Trip opens a breaker. Tripping an already-open breaker is a no-op
// that returns the current record unchanged.
func (r *Registry) Trip(ctx context.Context, tenantID, breakerID, reason string) (*Breaker, error) {
	return r.mutate(ctx, "circuit.Trip", tenantID, breakerID, reason, func(b *Breaker) (State, bool) {
		if b.State == StateOpen {
			return b.State, false
		}
		b.TripCount++
		trippedAt := r.now()
		b.LastTrippedAt = &trippedAt
		return StateOpen, true
	})
}

// Reset closes a breaker from OPEN or HALF_OPEN. Resetting a closed
// breaker is a no-op.
func (r *Registry) Reset(ctx context.Context, tenantID, breakerID, reason string) (*Breaker, error) {
	return r.mutate(ctx, "circuit.Reset", tenantID, breakerID, reason, func(b *Breaker) (State, bool) {
		if b.State == StateClosed {
			return b.State, false
		}
		return StateClosed, true
	})
}

// MarkHalfOpen moves an OPEN breaker to HALF_OPEN once its cooldown has
// elapsed. Returns the breaker and whether a transition happened. The
// cooldown scheduler is the only expected caller.
func (r *Registry) MarkHalfOpen(ctx context.Context, tenantID, breakerID string) (*Breaker, bool, error) {
	transitioned := false
	breaker, err := r.mutate(ctx, "circuit.MarkHalfOpen", tenantID, breakerID, "cooldown elapsed", func(b *Breaker) (State, bool) {
		// Re-evaluated on every CAS attempt so a retry against fresh
		// state resets the flag.
		transitioned = b.State == StateOpen && b.AutoResetEnabled && b.CooldownElapsed(r.now())
		if !transitioned {
			return b.State, false
		}
		return StateHalfOpen, true
	})
	return breaker, transitioned, err
}

// recordTransition appends the audit event, publishes on the bus and
// bumps metrics. Audit append failures are logged, not propagated: the
// transition itself has already committed.
func (r *Registry) recordTransition(ctx context.Context, breaker *Breaker, from, to State, reason string) {
	monitoring.RecordBreakerTransition(string(to))

	event := Event{
		EventID:     uuid.NewString(),
		TenantID:    breaker.TenantID,
		BreakerID:   breaker.BreakerID,
		BreakerName: breaker.Name,
		From:        from,
		To:          to,
		Reason:      reason,
		OccurredAt:  r.now(),
	}
	data, err := json.Marshal(event)
	if err == nil {
		key := store.Key{
			TenantID: breaker.TenantID,
			ID:       fmt.Sprintf("%019d#%s", event.OccurredAt.UnixNano(), event.EventID),
		}
		if putErr := r.store.Put(ctx, store.NamespaceBreakerEvents, key, data); putErr != nil {
			r.logger.Error().Err(putErr).Str("breaker_id", breaker.BreakerID).Msg("Failed to append breaker event")
		}
	}

	if r.bus != nil {
		busType := events.EventBreakerTripped
		switch to {
		case StateHalfOpen:
			busType = events.EventBreakerHalfOpen
		case StateClosed:
			busType = events.EventBreakerReset
		}
		r.bus.PublishBreakerTransition(busType, breaker.TenantID, breaker.BreakerID, breaker.Name, string(from), string(to), reason)
	}

	r.logger.Warn().
		Str("tenant_id", breaker.TenantID).
		Str("breaker_id", breaker.BreakerID).
		Str("name", breaker.Name).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Circuit breaker transition")
}

// Events returns the tenant's breaker transition history, oldest first.
func (r *Registry) Events(ctx context.Context, tenantID string) ([]Event, error) {
	items, err := r.store.Query(ctx, store.NamespaceBreakerEvents, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query breaker events: %w", err)
	}

	result := make([]Event, 0, len(items))
	for _, item := range items {
		var event Event
		if err := json.Unmarshal(item.Data, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal breaker event %s: %w", item.Key.ID, err)
		}
		result = append(result, event)
	}
	return result, nil
}
