package volatility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"risk-gate/internal/events"
	"risk-gate/internal/riskerr"
	"risk-gate/internal/store"
)

// Throttle owns volatility state. Index updates derive levels from the
// tenant's bands; pre-trade checks only read.
type Throttle struct {
	store  store.Store
	bus    *events.EventBus
	logger zerolog.Logger
	now    func() time.Time
}

// NewThrottle creates a volatility throttle. bus may be nil.
func NewThrottle(s store.Store, bus *events.EventBus, logger zerolog.Logger) *Throttle {
	return &Throttle{
		store:  s,
		bus:    bus,
		logger: logger.With().Str("component", "volatility_throttle").Logger(),
		now:    time.Now,
	}
}

func stateKey(tenantID, assetID string) store.Key {
	return store.Key{TenantID: tenantID, ID: assetID}
}

// CheckThrottle returns the throttle view for an asset. Without a
// stored reading the asset is treated as calm: NORMAL, no throttle,
// entries allowed.
func (t *Throttle) CheckThrottle(ctx context.Context, tenantID, assetID string) (*ThrottleResult, error) {
	item, err := t.store.Get(ctx, store.NamespaceVolatilityState, stateKey(tenantID, assetID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &ThrottleResult{
				Level:           LevelNormal,
				ThrottlePercent: decimal.Zero,
				AllowNewEntries: true,
			}, nil
		}
		return nil, fmt.Errorf("failed to load volatility state: %w", err)
	}

	var state State
	if err := json.Unmarshal(item.Data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal volatility state: %w", err)
	}
	return &ThrottleResult{
		Level:           state.Level,
		ThrottlePercent: state.ThrottlePercent,
		AllowNewEntries: state.AllowNewEntries,
	}, nil
}

// UpdateIndex records a fresh index reading, rebucketing the asset into
// the matching band and persisting the derived state.
func (t *Throttle) UpdateIndex(ctx context.Context, tenantID, assetID, indexType string, value decimal.Decimal) (*State, error) {
	const op = "volatility.UpdateIndex"
	if strings.TrimSpace(tenantID) == "" {
		return nil, riskerr.InvalidState(op, "", "tenantId is required")
	}
	if strings.TrimSpace(assetID) == "" {
		return nil, riskerr.InvalidState(op, tenantID, "assetId is required")
	}
	if value.IsNegative() {
		return nil, riskerr.InvalidState(op, tenantID, "volatility index cannot be negative")
	}

	bands, err := t.bands(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	band := bandFor(bands, value)

	previousLevel := LevelNormal
	stateID := uuid.NewString()
	key := stateKey(tenantID, assetID)
	if item, err := t.store.Get(ctx, store.NamespaceVolatilityState, key); err == nil {
		var prior State
		if err := json.Unmarshal(item.Data, &prior); err == nil {
			previousLevel = prior.Level
			if prior.StateID != "" {
				stateID = prior.StateID
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load volatility state: %w", err)
	}

	state := &State{
		StateID:         stateID,
		TenantID:        tenantID,
		AssetID:         assetID,
		CurrentIndex:    value,
		IndexType:       indexType,
		Level:           band.Level,
		ThrottlePercent: band.ThrottlePercent,
		AllowNewEntries: band.AllowNewEntries,
		UpdatedAt:       t.now(),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal volatility state: %w", err)
	}
	if err := t.store.Put(ctx, store.NamespaceVolatilityState, key, data); err != nil {
		return nil, fmt.Errorf("failed to persist volatility state: %w", err)
	}

	if state.Level != previousLevel {
		t.logger.Warn().
			Str("tenant_id", tenantID).
			Str("asset_id", assetID).
			Str("from", string(previousLevel)).
			Str("to", string(state.Level)).
			Str("index", value.String()).
			Msg("Volatility level changed")
		if t.bus != nil {
			t.bus.PublishVolatilityLevelChanged(tenantID, assetID, string(previousLevel), string(state.Level))
		}
	}
	return state, nil
}

// bands resolves the tenant's configured bands, defaulting when unset.
func (t *Throttle) bands(ctx context.Context, tenantID string) ([]Band, error) {
	cfg, err := t.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cfg == nil || len(cfg.Bands) == 0 {
		return DefaultBands(), nil
	}
	return cfg.Bands, nil
}

// bandFor picks the highest band whose MinIndex is at or below value.
func bandFor(bands []Band, value decimal.Decimal) Band {
	selected := bands[0]
	for _, band := range bands {
		if value.GreaterThanOrEqual(band.MinIndex) {
			selected = band
		}
	}
	return selected
}

// GetConfig returns the tenant's banding config, or nil when unset.
func (t *Throttle) GetConfig(ctx context.Context, tenantID string) (*Config, error) {
	item, err := t.store.Get(ctx, store.NamespaceVolatilityConfig, store.Key{TenantID: tenantID, ID: "config"})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load volatility config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(item.Data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal volatility config: %w", err)
	}
	return &cfg, nil
}

// SetConfig stores the tenant's bands, sorted by MinIndex.
func (t *Throttle) SetConfig(ctx context.Context, cfg *Config) error {
	const op = "volatility.SetConfig"
	if cfg == nil || strings.TrimSpace(cfg.TenantID) == "" {
		return riskerr.InvalidState(op, "", "config requires a tenantId")
	}
	if len(cfg.Bands) == 0 {
		return riskerr.InvalidState(op, cfg.TenantID, "config requires at least one band")
	}
	for _, band := range cfg.Bands {
		switch band.Level {
		case LevelNormal, LevelElevated, LevelHigh, LevelExtreme:
		default:
			return riskerr.InvalidState(op, cfg.TenantID, fmt.Sprintf("unknown level %q", band.Level))
		}
		if band.ThrottlePercent.IsNegative() || band.ThrottlePercent.GreaterThan(decimal.NewFromInt(100)) {
			return riskerr.InvalidState(op, cfg.TenantID, "throttlePercent must be within [0,100]")
		}
	}
	sort.Slice(cfg.Bands, func(i, j int) bool {
		return cfg.Bands[i].MinIndex.LessThan(cfg.Bands[j].MinIndex)
	})
	if cfg.ConfigID == "" {
		cfg.ConfigID = uuid.NewString()
	}
	cfg.UpdatedAt = t.now()

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal volatility config: %w", err)
	}
	if err := t.store.Put(ctx, store.NamespaceVolatilityConfig, store.Key{TenantID: cfg.TenantID, ID: "config"}, data); err != nil {
		return fmt.Errorf("failed to persist volatility config: %w", err)
	}
	return nil
}
