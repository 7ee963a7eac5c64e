package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used in tests and in single-node
// deployments that do not need durability. It honors the same version
// and expiry semantics as the redis and postgres backends.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]map[string]*memoryEntry // namespace -> composite key -> entry
	now   func() time.Time
}

type memoryEntry struct {
	key       Key
	version   uint64
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]map[string]*memoryEntry),
		now:   time.Now,
	}
}

// compositeKey joins tenant and ID with a separator that cannot appear
// in either (IDs are UUIDs, asset symbols or strategy names).
func compositeKey(key Key) string {
	return key.TenantID + "\x00" + key.ID
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (m *MemoryStore) liveEntry(namespace string, key Key) *memoryEntry {
	ns, ok := m.items[namespace]
	if !ok {
		return nil
	}
	entry, ok := ns[compositeKey(key)]
	if !ok || entry.expired(m.now()) {
		return nil
	}
	return entry
}

// Get returns the item or ErrNotFound.
func (m *MemoryStore) Get(_ context.Context, namespace string, key Key) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry := m.liveEntry(namespace, key)
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry.toItem(), nil
}

func (e *memoryEntry) toItem() *Item {
	data := make([]byte, len(e.data))
	copy(data, e.data)
	return &Item{Key: e.key, Version: e.version, Data: data}
}

func (m *MemoryStore) namespace(namespace string) map[string]*memoryEntry {
	ns, ok := m.items[namespace]
	if !ok {
		ns = make(map[string]*memoryEntry)
		m.items[namespace] = ns
	}
	return ns
}

// Put writes unconditionally, creating the item if needed.
func (m *MemoryStore) Put(ctx context.Context, namespace string, key Key, data []byte) error {
	return m.PutTTL(ctx, namespace, key, data, 0)
}

// PutTTL writes unconditionally and expires the item after ttl.
func (m *MemoryStore) PutTTL(_ context.Context, namespace string, key Key, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns := m.namespace(namespace)
	version := uint64(1)
	if existing := m.liveEntry(namespace, key); existing != nil {
		version = existing.version + 1
	}

	entry := &memoryEntry{key: key, version: version, data: cloneBytes(data)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	ns[compositeKey(key)] = entry
	return nil
}

// PutIfAbsent creates the item or returns ErrConditionFailed.
func (m *MemoryStore) PutIfAbsent(_ context.Context, namespace string, key Key, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.liveEntry(namespace, key) != nil {
		return ErrConditionFailed
	}
	m.namespace(namespace)[compositeKey(key)] = &memoryEntry{key: key, version: 1, data: cloneBytes(data)}
	return nil
}

// PutIfVersion replaces the item only if its version matches.
func (m *MemoryStore) PutIfVersion(_ context.Context, namespace string, key Key, data []byte, version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.liveEntry(namespace, key)
	if entry == nil || entry.version != version {
		return ErrConditionFailed
	}
	entry.version = version + 1
	entry.data = cloneBytes(data)
	return nil
}

// Query returns all live items for one tenant, ordered by key ID.
func (m *MemoryStore) Query(_ context.Context, namespace, tenantID string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []Item
	now := m.now()
	for _, entry := range m.items[namespace] {
		if entry.key.TenantID != tenantID || entry.expired(now) {
			continue
		}
		items = append(items, *entry.toItem())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key.ID < items[j].Key.ID })
	return items, nil
}

// Tenants returns the tenant IDs that have live items in the namespace.
func (m *MemoryStore) Tenants(_ context.Context, namespace string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	now := m.now()
	for _, entry := range m.items[namespace] {
		if !entry.expired(now) {
			seen[entry.key.TenantID] = true
		}
	}
	tenants := make([]string, 0, len(seen))
	for tenant := range seen {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Delete removes the item or returns ErrNotFound.
func (m *MemoryStore) Delete(_ context.Context, namespace string, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.liveEntry(namespace, key) == nil {
		return ErrNotFound
	}
	delete(m.items[namespace], compositeKey(key))
	return nil
}

func cloneBytes(data []byte) []byte {
	cloned := make([]byte, len(data))
	copy(cloned, data)
	return cloned
}

var _ Store = (*MemoryStore)(nil)
