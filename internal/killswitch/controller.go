package killswitch

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

// claimAttempts bounds the reload loop when a conditional write loses.
// Each retry re-reads the record, so an activation that lost to another
// activation exits through the idempotent no-op path instead.
const claimAttempts = 3

// Controller owns kill switch state transitions for all tenants.
// Activation is idempotent and safe under concurrency: the state record
// is claimed with a conditional write before any side effect runs, so
// racing calls cannot both cancel orders or both alert.
type Controller struct {
	store        store.Store
	bus          *events.EventBus
	logger       zerolog.Logger
	cancelOrders CancelOrdersFunc
	alert        AlertFunc
	now          func() time.Time
}

// NewController creates a controller. bus may be nil when no in-process
// subscribers exist (one-shot CLI tools).
func NewController(s store.Store, bus *events.EventBus, logger zerolog.Logger) *Controller {
	return &Controller{
		store:  s,
		bus:    bus,
		logger: logger.With().Str("component", "kill_switch").Logger(),
		now:    time.Now,
	}
}

// SetCollaborators installs the default cancellation and alert hooks
// used when an ActivateRequest does not carry its own. Automatic
// trigger activations always use these.
func (c *Controller) SetCollaborators(cancelOrders CancelOrdersFunc, alert AlertFunc) {
	c.cancelOrders = cancelOrders
	c.alert = alert
}

func stateKey(tenantID string) store.Key {
	return store.Key{TenantID: tenantID}
}

// loadState reads the stored record. A zero version means no record
// exists and state is the synthesized default.
func (c *Controller) loadState(ctx context.Context, tenantID string) (*State, uint64, error) {
	item, err := c.store.Get(ctx, store.NamespaceKillSwitchState, stateKey(tenantID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return defaultState(tenantID), 0, nil
		}
		return nil, 0, fmt.Errorf("failed to load kill switch state: %w", err)
	}

	var state State
	if err := json.Unmarshal(item.Data, &state); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal kill switch state: %w", err)
	}
	return &state, item.Version, nil
}

// GetState returns the tenant's kill switch state, synthesizing an
// inactive default when none is stored. Never returns NotFound.
func (c *Controller) GetState(ctx context.Context, tenantID string) (*State, error) {
	state, _, err := c.loadState(ctx, tenantID)
	return state, err
}

// IsActive is the fast-path read used by order admission.
func (c *Controller) IsActive(ctx context.Context, tenantID string) (bool, error) {
	state, err := c.GetState(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return state.Active, nil
}

// Activate turns the switch on. Already-active is a no-op that returns
// the existing state with OrdersCancelled=0 and AlertSent=false and
// performs no write and no callback. Otherwise the record is claimed
// with a conditional write, pending orders are cancelled, the count is
// folded into the record and the alert callback fires.
func (c *Controller) Activate(ctx context.Context, req ActivateRequest) (*ActivationResult, error) {
	const op = "killswitch.Activate"
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, riskerr.InvalidState(op, req.TenantID, "tenantId must not be blank")
	}
	if req.Scope == "" {
		req.Scope = ScopeTenant
	}
	if req.TriggerType == "" {
		req.TriggerType = TriggerManual
	}
	cancelFn := req.CancelOrders
	if cancelFn == nil {
		cancelFn = c.cancelOrders
	}
	alertFn := req.Alert
	if alertFn == nil {
		alertFn = c.alert
	}

	claimed, claimedVersion, noop, err := c.claimActivation(ctx, req)
	if err != nil {
		return nil, err
	}
	if noop != nil {
		return noop, nil
	}

	ordersCancelled := 0
	if cancelFn != nil {
		count, err := cancelFn(ctx, req.TenantID, req.Scope, req.ScopeID)
		if err != nil {
			// The switch stays active: halting admission matters more
			// than the cancellation sweep completing.
			c.logger.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Order cancellation failed after kill switch activation")
			return nil, fmt.Errorf("kill switch for tenant %s is active but order cancellation failed: %w", req.TenantID, err)
		}
		ordersCancelled = count
	}

	if ordersCancelled != 0 {
		claimed.PendingOrdersCancelled = ordersCancelled
		if err := c.updateClaimed(ctx, claimed, claimedVersion); err != nil {
			c.logger.Warn().Err(err).Str("tenant_id", req.TenantID).Msg("Kill switch state changed before cancellation count was recorded")
		}
	}

	alertSent := false
	if alertFn != nil {
		alertType := AlertActivated
		if req.TriggerType == TriggerAutomatic {
			alertType = AlertAutoTriggered
		}
		alert := Alert{AlertType: alertType, TenantID: req.TenantID, Reason: req.Reason, TriggerType: req.TriggerType}
		if err := alertFn(ctx, alert); err != nil {
			c.logger.Warn().Err(err).Str("tenant_id", req.TenantID).Msg("Kill switch alert delivery failed")
		}
		alertSent = true
	}

	monitoring.RecordKillSwitchActivation(string(req.TriggerType))
	if c.bus != nil {
		c.bus.PublishKillSwitchActivated(req.TenantID, req.Reason, string(req.TriggerType), ordersCancelled)
	}
	c.logger.Warn().
		Str("tenant_id", req.TenantID).
		Str("trigger_type", string(req.TriggerType)).
		Str("scope", string(req.Scope)).
		Str("reason", req.Reason).
		Int("orders_cancelled", ordersCancelled).
		Msg("Kill switch activated")

	return &ActivationResult{State: claimed, OrdersCancelled: ordersCancelled, AlertSent: alertSent}, nil
}

// claimActivation writes the active record conditionally. It returns a
// non-nil noop result when the switch is already active, including when
// a racing activation wins between our read and our write.
func (c *Controller) claimActivation(ctx context.Context, req ActivateRequest) (*State, uint64, *ActivationResult, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		current, version, err := c.loadState(ctx, req.TenantID)
		if err != nil {
			return nil, 0, nil, err
		}
		if current.Active {
			return nil, 0, &ActivationResult{State: current}, nil
		}

		activatedAt := c.now()
		next := &State{
			TenantID:         req.TenantID,
			Active:           true,
			ActivatedAt:      &activatedAt,
			ActivatedBy:      req.ActivatedBy,
			ActivationReason: req.Reason,
			TriggerType:      req.TriggerType,
			Scope:            req.Scope,
			ScopeID:          req.ScopeID,
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("failed to marshal kill switch state: %w", err)
		}

		if version == 0 {
			err = c.store.PutIfAbsent(ctx, store.NamespaceKillSwitchState, stateKey(req.TenantID), data)
		} else {
			err = c.store.PutIfVersion(ctx, store.NamespaceKillSwitchState, stateKey(req.TenantID), data, version)
		}
		if err == nil {
			return next, version + 1, nil, nil
		}
		if errors.Is(err, store.ErrConditionFailed) {
			continue // raced with another writer, re-read and re-judge
		}
		return nil, 0, nil, fmt.Errorf("failed to persist kill switch activation: %w", err)
	}
	return nil, 0, nil, fmt.Errorf("kill switch activation for tenant %s kept losing the claim race: %w", req.TenantID, store.ErrConditionFailed)
}

func (c *Controller) updateClaimed(ctx context.Context, state *State, version uint64) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal kill switch state: %w", err)
	}
	if err := c.store.PutIfVersion(ctx, store.NamespaceKillSwitchState, stateKey(state.TenantID), data, version); err != nil {
		return fmt.Errorf("failed to record cancellation count: %w", err)
	}
	return nil
}

// Deactivate turns the switch off. The token is checked before any
// store access; a blank token never reads or mutates state. Token
// authenticity is the authentication collaborator's concern upstream.
func (c *Controller) Deactivate(ctx context.Context, tenantID, authToken string, alert AlertFunc) (*State, error) {
	const op = "killswitch.Deactivate"
	if strings.TrimSpace(authToken) == "" {
		return nil, riskerr.AuthRequired(op, tenantID, "deactivation requires a non-blank authToken")
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		current, version, err := c.loadState(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if version == 0 {
			return nil, riskerr.InvalidState(op, tenantID, "no kill switch state exists for tenant")
		}
		if !current.Active {
			return nil, riskerr.InvalidState(op, tenantID, "kill switch is not active")
		}

		// triggerType, scope and the cancellation count survive as
		// history of the most recent activation.
		next := &State{
			TenantID:               tenantID,
			Active:                 false,
			TriggerType:            current.TriggerType,
			Scope:                  current.Scope,
			ScopeID:                current.ScopeID,
			PendingOrdersCancelled: current.PendingOrdersCancelled,
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal kill switch state: %w", err)
		}

		err = c.store.PutIfVersion(ctx, store.NamespaceKillSwitchState, stateKey(tenantID), data, version)
		if err == nil {
			if alert != nil {
				if alertErr := alert(ctx, Alert{AlertType: AlertDeactivated, TenantID: tenantID}); alertErr != nil {
					c.logger.Warn().Err(alertErr).Str("tenant_id", tenantID).Msg("Kill switch deactivation alert failed")
				}
			}
			if c.bus != nil {
				c.bus.PublishKillSwitchDeactivated(tenantID, "")
			}
			c.logger.Info().Str("tenant_id", tenantID).Msg("Kill switch deactivated")
			return next, nil
		}
		if errors.Is(err, store.ErrConditionFailed) {
			continue
		}
		return nil, fmt.Errorf("failed to persist kill switch deactivation: %w", err)
	}
	return nil, fmt.Errorf("kill switch deactivation for tenant %s kept losing the update race: %w", tenantID, store.ErrConditionFailed)
}

// GetConfig returns the tenant's trigger configuration, or an empty
// config when none has been stored.
func (c *Controller) GetConfig(ctx context.Context, tenantID string) (*Config, error) {
	item, err := c.store.Get(ctx, store.NamespaceKillSwitchConfig, stateKey(tenantID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Config{TenantID: tenantID}, nil
		}
		return nil, fmt.Errorf("failed to load kill switch config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(item.Data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal kill switch config: %w", err)
	}
	return &cfg, nil
}

// SetConfig stores the tenant's trigger configuration, assigning IDs to
// the config and any trigger that lacks one.
func (c *Controller) SetConfig(ctx context.Context, cfg *Config) (*Config, error) {
	const op = "killswitch.SetConfig"
	if cfg == nil || strings.TrimSpace(cfg.TenantID) == "" {
		return nil, riskerr.InvalidState(op, "", "config requires a tenantId")
	}
	if cfg.ConfigID == "" {
		cfg.ConfigID = uuid.NewString()
	}
	for i := range cfg.Triggers {
		if cfg.Triggers[i].TriggerID == "" {
			cfg.Triggers[i].TriggerID = uuid.NewString()
		}
	}
	cfg.UpdatedAt = c.now()

	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal kill switch config: %w", err)
	}
	if err := c.store.Put(ctx, store.NamespaceKillSwitchConfig, stateKey(cfg.TenantID), data); err != nil {
		return nil, fmt.Errorf("failed to persist kill switch config: %w", err)
	}

	c.logger.Info().Str("tenant_id", cfg.TenantID).Int("triggers", len(cfg.Triggers)).Msg("Kill switch config updated")
	return cfg, nil
}

// CheckAutoTriggers evaluates the tenant's enabled triggers against one
// risk event and activates on the first match. Returns true when the
// event caused (or coincided with) an activation. A switch that is
// already active short-circuits to false with no side effects.
func (c *Controller) CheckAutoTriggers(ctx context.Context, tenantID string, event events.RiskEvent) (bool, error) {
	const op = "killswitch.CheckAutoTriggers"
	if event.TenantID != "" && event.TenantID != tenantID {
		return false, riskerr.AccessDenied(op, tenantID, fmt.Sprintf("event belongs to tenant %s", event.TenantID))
	}

	active, err := c.IsActive(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}

	cfg, err := c.GetConfig(ctx, tenantID)
	if err != nil {
		return false, err
	}

	for _, trigger := range cfg.Triggers {
		if !trigger.Enabled || !EvaluateTriggerCondition(trigger.Condition, event) {
			continue
		}

		c.logger.Warn().
			Str("tenant_id", tenantID).
			Str("trigger_id", trigger.TriggerID).
			Str("condition", string(trigger.Condition.Type)).
			Msg("Automatic kill switch trigger matched")

		if _, err := c.Activate(ctx, ActivateRequest{
			TenantID:    tenantID,
			Reason:      triggerReason(trigger, event),
			TriggerType: TriggerAutomatic,
			ActivatedBy: "auto:" + trigger.TriggerID,
		}); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// HandleRiskObservation adapts CheckAutoTriggers to the event bus.
func (c *Controller) HandleRiskObservation(e events.Event) {
	if e.Risk == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.CheckAutoTriggers(ctx, e.Risk.TenantID, *e.Risk); err != nil {
		c.logger.Error().Err(err).Str("tenant_id", e.Risk.TenantID).Msg("Auto trigger evaluation failed")
	}
}
