package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"risk-gate/internal/store"
)

// DefaultRetention bounds how long raw risk events stay queryable.
// Trigger windows are minutes; a week leaves slack for incident review.
const DefaultRetention = 7 * 24 * time.Hour

// EventLog persists ingested risk events with a TTL so that
// time-windowed trigger conditions can be evaluated over recent history.
type EventLog struct {
	store  store.Store
	ttl    time.Duration
	logger zerolog.Logger
}

// NewEventLog creates a log writing into the risk-events namespace.
// A ttl of zero falls back to DefaultRetention.
func NewEventLog(s store.Store, ttl time.Duration, logger zerolog.Logger) *EventLog {
	if ttl <= 0 {
		ttl = DefaultRetention
	}
	return &EventLog{
		store:  s,
		ttl:    ttl,
		logger: logger.With().Str("component", "event_log").Logger(),
	}
}

// eventKey builds a sort key that orders items by occurrence time.
// Format: {unixNano}#{eventId}, zero-padded so lexicographic order
// matches chronological order.
func eventKey(ev RiskEvent) store.Key {
	return store.Key{
		TenantID: ev.TenantID,
		ID:       fmt.Sprintf("%019d#%s", ev.OccurredAt.UnixNano(), ev.EventID),
	}
}

// Record persists one event, filling in missing ID and timestamp.
func (l *EventLog) Record(ctx context.Context, ev RiskEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal risk event: %w", err)
	}

	if err := l.store.PutTTL(ctx, store.NamespaceRiskEvents, eventKey(ev), data, l.ttl); err != nil {
		return fmt.Errorf("failed to persist risk event: %w", err)
	}

	l.logger.Debug().
		Str("tenant_id", ev.TenantID).
		Str("event_type", string(ev.EventType)).
		Str("event_id", ev.EventID).
		Msg("Recorded risk event")
	return nil
}

// Recent returns a tenant's events with occurredAt at or after since,
// ordered oldest first.
func (l *EventLog) Recent(ctx context.Context, tenantID string, since time.Time) ([]RiskEvent, error) {
	items, err := l.store.Query(ctx, store.NamespaceRiskEvents, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk events: %w", err)
	}

	var result []RiskEvent
	for _, item := range items {
		var ev RiskEvent
		if err := json.Unmarshal(item.Data, &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal risk event %s: %w", item.Key.ID, err)
		}
		if ev.OccurredAt.Before(since) {
			continue
		}
		result = append(result, ev)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OccurredAt.Before(result[j].OccurredAt) })
	return result, nil
}
