package drawdown

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

	"risk-gate/internal/events"
	"risk-gate/internal/monitoring"
	"risk-gate/internal/riskerr"
	"risk-gate/internal/store"
)

// Default thresholds (percent) when a tenant has no drawdown config.
var (
	DefaultWarningThreshold = decimal.NewFromInt(10)
	DefaultMaxThreshold     = decimal.NewFromInt(20)
)

// criticalFactor scales maxThreshold to the CRITICAL boundary.
var criticalFactor = decimal.NewFromFloat(1.5)

var oneHundred = decimal.NewFromInt(100)

// Monitor owns drawdown state. Equity updates ratchet the peak and
// derive the status; pre-trade checks only read.
type Monitor struct {
	store  store.Store
	bus    *events.EventBus
	logger zerolog.Logger
	now    func() time.Time
}

// NewMonitor creates a drawdown monitor. bus may be nil.
func NewMonitor(s store.Store, bus *events.EventBus, logger zerolog.Logger) *Monitor {
	return &Monitor{
		store:  s,
		bus:    bus,
		logger: logger.With().Str("component", "drawdown_monitor").Logger(),
		now:    time.Now,
	}
}

// stateID keys the per-strategy record, with a fixed slot for the
// portfolio-level state.
func stateID(strategyID string) string {
	if strategyID == "" {
		return "portfolio"
	}
	return "strategy#" + strategyID
}

func stateKey(tenantID, strategyID string) store.Key {
	return store.Key{TenantID: tenantID, ID: stateID(strategyID)}
}

func (m *Monitor) loadState(ctx context.Context, tenantID, strategyID string) (*State, error) {
	item, err := m.store.Get(ctx, store.NamespaceDrawdownState, stateKey(tenantID, strategyID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, riskerr.NotFound("drawdown.loadState", tenantID, "no drawdown state")
		}
		return nil, fmt.Errorf("failed to load drawdown state: %w", err)
	}
	var state State
	if err := json.Unmarshal(item.Data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal drawdown state: %w", err)
	}
	return &state, nil
}

// Check returns the drawdown view for pre-trade admission. A tenant
// without state gets NORMAL / zero drawdown / trading allowed, with
// distances measured against the configured (or default) thresholds.
func (m *Monitor) Check(ctx context.Context, tenantID, strategyID string) (*CheckResult, error) {
	state, err := m.loadState(ctx, tenantID, strategyID)
	if err != nil {
		if riskerr.IsNotFound(err) {
			warning, max, cfgErr := m.thresholds(ctx, tenantID)
			if cfgErr != nil {
				return nil, cfgErr
			}
			return &CheckResult{
				Status:                 StatusNormal,
				CurrentDrawdownPercent: decimal.Zero,
				DistanceToWarning:      warning,
				DistanceToMax:          max,
				TradingAllowed:         true,
			}, nil
		}
		return nil, err
	}

	return &CheckResult{
		Status:                 state.Status,
		CurrentDrawdownPercent: state.DrawdownPercent,
		DistanceToWarning:      clampZero(state.WarningThreshold.Sub(state.DrawdownPercent)),
		DistanceToMax:          clampZero(state.MaxThreshold.Sub(state.DrawdownPercent)),
		TradingAllowed:         state.Status.TradingAllowed(),
	}, nil
}

// UpdateEquity folds a new equity observation into the state, creating
// it on first sight. The peak only ratchets upward; drawdown and status
// are recomputed on every call.
func (m *Monitor) UpdateEquity(ctx context.Context, tenantID, strategyID string, equity decimal.Decimal) (*State, error) {
	const op = "drawdown.UpdateEquity"
	if strings.TrimSpace(tenantID) == "" {
		return nil, riskerr.InvalidState(op, "", "tenantId is required")
	}
	if equity.IsNegative() {
		return nil, riskerr.InvalidState(op, tenantID, "equity cannot be negative")
	}

	state, err := m.loadState(ctx, tenantID, strategyID)
	if err != nil && !riskerr.IsNotFound(err) {
		return nil, err
	}

	now := m.now()
	previousStatus := StatusNormal
	if state == nil {
		warning, max, cfgErr := m.thresholds(ctx, tenantID)
		if cfgErr != nil {
			return nil, cfgErr
		}
		scope := ScopePortfolio
		if strategyID != "" {
			scope = ScopeStrategy
		}
		state = &State{
			StateID:          stateID(strategyID),
			TenantID:         tenantID,
			StrategyID:       strategyID,
			Scope:            scope,
			PeakValue:        equity,
			WarningThreshold: warning,
			MaxThreshold:     max,
			LastResetAt:      now,
		}
	} else {
		previousStatus = state.Status
		if equity.GreaterThan(state.PeakValue) {
			state.PeakValue = equity
		}
	}

	state.CurrentValue = equity
	state.DrawdownAbsolute = clampZero(state.PeakValue.Sub(equity))
	if state.PeakValue.IsPositive() {
		state.DrawdownPercent = state.DrawdownAbsolute.Div(state.PeakValue).Mul(oneHundred)
	} else {
		state.DrawdownPercent = decimal.Zero
	}
	state.Status = deriveStatus(state.DrawdownPercent, state.WarningThreshold, state.MaxThreshold)
	state.UpdatedAt = now

	if err := m.persist(ctx, state); err != nil {
		return nil, err
	}

	ddFloat, _ := state.DrawdownPercent.Float64()
	monitoring.UpdateDrawdown(tenantID, ddFloat)

	if state.Status != previousStatus {
		m.logger.Warn().
			Str("tenant_id", tenantID).
			Str("strategy_id", strategyID).
			Str("from", string(previousStatus)).
			Str("to", string(state.Status)).
			Str("drawdown_percent", state.DrawdownPercent.String()).
			Msg("Drawdown status changed")
		if m.bus != nil {
			m.bus.PublishDrawdownStatusChanged(tenantID, strategyID,
				string(previousStatus), string(state.Status), state.DrawdownPercent.String())
		}
	}
	return state, nil
}

// ResetPeak rebases the peak to the current value, clearing drawdown.
func (m *Monitor) ResetPeak(ctx context.Context, tenantID, strategyID string) (*State, error) {
	state, err := m.loadState(ctx, tenantID, strategyID)
	if err != nil {
		return nil, err
	}

	previousStatus := state.Status
	now := m.now()
	state.PeakValue = state.CurrentValue
	state.DrawdownPercent = decimal.Zero
	state.DrawdownAbsolute = decimal.Zero
	state.Status = StatusNormal
	state.LastResetAt = now
	state.UpdatedAt = now

	if err := m.persist(ctx, state); err != nil {
		return nil, err
	}

	monitoring.UpdateDrawdown(tenantID, 0)
	m.logger.Info().
		Str("tenant_id", tenantID).
		Str("strategy_id", strategyID).
		Str("peak", state.PeakValue.String()).
		Msg("Drawdown peak reset")
	if state.Status != previousStatus && m.bus != nil {
		m.bus.PublishDrawdownStatusChanged(tenantID, strategyID,
			string(previousStatus), string(state.Status), "0")
	}
	return state, nil
}

func (m *Monitor) persist(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal drawdown state: %w", err)
	}
	if err := m.store.Put(ctx, store.NamespaceDrawdownState, stateKey(state.TenantID, state.StrategyID), data); err != nil {
		return fmt.Errorf("failed to persist drawdown state: %w", err)
	}
	return nil
}

// thresholds resolves the tenant's configured thresholds, falling back
// to the package defaults.
func (m *Monitor) thresholds(ctx context.Context, tenantID string) (warning, max decimal.Decimal, err error) {
	cfg, err := m.GetConfig(ctx, tenantID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if cfg == nil {
		return DefaultWarningThreshold, DefaultMaxThreshold, nil
	}
	warning, max = cfg.WarningThreshold, cfg.MaxThreshold
	if !warning.IsPositive() {
		warning = DefaultWarningThreshold
	}
	if !max.IsPositive() {
		max = DefaultMaxThreshold
	}
	return warning, max, nil
}

// GetConfig returns the tenant's drawdown config, or nil when none is set.
func (m *Monitor) GetConfig(ctx context.Context, tenantID string) (*Config, error) {
	item, err := m.store.Get(ctx, store.NamespaceDrawdownConfig, store.Key{TenantID: tenantID, ID: "config"})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load drawdown config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(item.Data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal drawdown config: %w", err)
	}
	return &cfg, nil
}

// SetConfig stores the tenant's thresholds for newly created state.
func (m *Monitor) SetConfig(ctx context.Context, cfg *Config) error {
	const op = "drawdown.SetConfig"
	if cfg == nil || strings.TrimSpace(cfg.TenantID) == "" {
		return riskerr.InvalidState(op, "", "config requires a tenantId")
	}
	if cfg.WarningThreshold.GreaterThanOrEqual(cfg.MaxThreshold) {
		return riskerr.InvalidState(op, cfg.TenantID, "warningThreshold must be below maxThreshold")
	}
	if cfg.ConfigID == "" {
		cfg.ConfigID = uuid.NewString()
	}
	cfg.UpdatedAt = m.now()

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal drawdown config: %w", err)
	}
	if err := m.store.Put(ctx, store.NamespaceDrawdownConfig, store.Key{TenantID: cfg.TenantID, ID: "config"}, data); err != nil {
		return fmt.Errorf("failed to persist drawdown config: %w", err)
	}
	return nil
}

// deriveStatus maps a drawdown percentage onto the escalation ladder.
// CRITICAL starts at 1.5x the hard stop.
func deriveStatus(drawdownPercent, warning, max decimal.Decimal) Status {
	switch {
	case drawdownPercent.GreaterThanOrEqual(max.Mul(criticalFactor)):
		return StatusCritical
	case drawdownPercent.GreaterThanOrEqual(max):
		return StatusPaused
	case drawdownPercent.GreaterThanOrEqual(warning):
		return StatusWarning
	default:
		return StatusNormal
	}
}

func clampZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
