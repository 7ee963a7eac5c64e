// Package store provides versioned, tenant-partitioned persistence for
// risk control state. All backends expose the same conditional-write
// primitives so that kill switch activation and breaker transitions can
// rely on compare-and-set semantics regardless of deployment.
package store

import (
	"context"
	"errors"
	"time"
)

// Namespaces partition risk state by entity kind. One namespace maps to
// one table (postgres) or one key prefix (redis).
const (
	NamespaceKillSwitchState  = "kill-switch-state"
	NamespaceKillSwitchConfig = "kill-switch-config"
	NamespaceCircuitBreakers  = "circuit-breakers"
	NamespaceBreakerEvents    = "circuit-breaker-events"
	NamespacePositionLimits   = "position-limits"
	NamespaceDrawdownState    = "drawdown-state"
	NamespaceDrawdownConfig   = "drawdown-config"
	NamespaceVolatilityState  = "volatility-state"
	NamespaceVolatilityConfig = "volatility-config"
	NamespaceRiskEvents       = "risk-events"
)

var (
	// ErrNotFound is returned when the requested item does not exist.
	ErrNotFound = errors.New("store: item not found")

	// ErrConditionFailed is returned when a conditional write loses:
	// PutIfAbsent found an existing item, or PutIfVersion saw a version
	// other than the one the caller read.
	ErrConditionFailed = errors.New("store: conditional write failed")
)

// Key identifies one item within a namespace. ID is empty for singleton
// per-tenant entities such as the kill switch state.
type Key struct {
	TenantID string
	ID       string
}

// Item is a stored record plus the version its next conditional write
// must name. Version starts at 1 and increments on every write.
type Item struct {
	Key     Key
	Version uint64
	Data    []byte
}

// Store is the persistence contract shared by all backends.
//
// Writes are last-write-wins except for the conditional variants, which
// are atomic with respect to concurrent writers on the same key. Reads
// of expired items behave as if the item were absent.
type Store interface {
	// Get returns the item or ErrNotFound.
	Get(ctx context.Context, namespace string, key Key) (*Item, error)

	// Put writes unconditionally, creating the item if needed.
	Put(ctx context.Context, namespace string, key Key, data []byte) error

	// PutTTL writes unconditionally and expires the item after ttl.
	// A ttl of zero stores the item without expiry.
	PutTTL(ctx context.Context, namespace string, key Key, data []byte, ttl time.Duration) error

	// PutIfAbsent creates the item, or returns ErrConditionFailed if it
	// already exists.
	PutIfAbsent(ctx context.Context, namespace string, key Key, data []byte) error

	// PutIfVersion replaces the item only if its stored version equals
	// version; otherwise returns ErrConditionFailed. A missing item also
	// fails the condition.
	PutIfVersion(ctx context.Context, namespace string, key Key, data []byte, version uint64) error

	// Query returns all live items for one tenant, ordered by key ID.
	Query(ctx context.Context, namespace, tenantID string) ([]Item, error)

	// Tenants returns the tenant IDs that have items in the namespace.
	// Used by background schedulers that sweep every tenant.
	Tenants(ctx context.Context, namespace string) ([]string, error)

	// Delete removes the item or returns ErrNotFound.
	Delete(ctx context.Context, namespace string, key Key) error
}
