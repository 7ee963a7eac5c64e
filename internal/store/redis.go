package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis key layout:
//
//	risk:item:{namespace}:{tenantId}:{id}   JSON envelope {v, d}
//	risk:idx:{namespace}:{tenantId}         set of item IDs for Query
//	risk:tenants:{namespace}                set of tenant IDs for Tenants
const (
	redisItemPrefix    = "risk:item"
	redisIndexPrefix   = "risk:idx"
	redisTenantsPrefix = "risk:tenants"
)

// casAttempts bounds the optimistic retry loop for unconditional Put,
// which must still produce monotonically increasing versions.
const casAttempts = 5

// redisEnvelope wraps stored data with the version counter that backs
// the conditional write primitives.
type redisEnvelope struct {
	Version uint64          `json:"v"`
	Data    json.RawMessage `json:"d"`
}

// RedisStore implements Store on a shared redis deployment. Conditional
// writes use WATCH/MULTI transactions so racing writers on the same key
// cannot both succeed.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore wraps an existing client. The caller owns the client
// lifecycle and is expected to have pinged it at startup.
func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.With().Str("component", "redis_store").Logger(),
	}
}

func redisItemKey(namespace string, key Key) string {
	return fmt.Sprintf("%s:%s:%s:%s", redisItemPrefix, namespace, key.TenantID, key.ID)
}

func redisIndexKey(namespace, tenantID string) string {
	return fmt.Sprintf("%s:%s:%s", redisIndexPrefix, namespace, tenantID)
}

func redisTenantsKey(namespace string) string {
	return fmt.Sprintf("%s:%s", redisTenantsPrefix, namespace)
}

func marshalEnvelope(version uint64, data []byte) ([]byte, error) {
	payload, err := json.Marshal(redisEnvelope{Version: version, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal store envelope: %w", err)
	}
	return payload, nil
}

func unmarshalEnvelope(raw []byte) (*redisEnvelope, error) {
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal store envelope: %w", err)
	}
	return &env, nil
}

// Get returns the item or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, namespace string, key Key) (*Item, error) {
	raw, err := s.client.Get(ctx, redisItemKey(namespace, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	env, err := unmarshalEnvelope(raw)
	if err != nil {
		return nil, err
	}
	return &Item{Key: key, Version: env.Version, Data: env.Data}, nil
}

// Put writes unconditionally, creating the item if needed.
func (s *RedisStore) Put(ctx context.Context, namespace string, key Key, data []byte) error {
	return s.PutTTL(ctx, namespace, key, data, 0)
}

// PutTTL writes unconditionally and expires the item after ttl. The
// version counter is read and bumped inside a WATCH transaction so
// concurrent writers cannot collapse versions.
func (s *RedisStore) PutTTL(ctx context.Context, namespace string, key Key, data []byte, ttl time.Duration) error {
	itemKey := redisItemKey(namespace, key)

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			version := uint64(0)
			raw, err := tx.Get(ctx, itemKey).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("redis get failed: %w", err)
			}
			if err == nil {
				env, err := unmarshalEnvelope(raw)
				if err != nil {
					return err
				}
				version = env.Version
			}

			payload, err := marshalEnvelope(version+1, data)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.pipelineWrite(ctx, pipe, namespace, key, itemKey, payload, ttl)
				return nil
			})
			return err
		}, itemKey)

		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // lost the race, re-read the version
		}
		return err
	}
	return fmt.Errorf("redis put on %s gave up after %d attempts", itemKey, casAttempts)
}

// pipelineWrite queues the item write plus the index bookkeeping that
// Query and Tenants depend on.
func (s *RedisStore) pipelineWrite(ctx context.Context, pipe redis.Pipeliner, namespace string, key Key, itemKey string, payload []byte, ttl time.Duration) {
	indexKey := redisIndexKey(namespace, key.TenantID)
	tenantsKey := redisTenantsKey(namespace)

	if ttl > 0 {
		pipe.Set(ctx, itemKey, payload, ttl)
	} else {
		pipe.Set(ctx, itemKey, payload, redis.KeepTTL)
	}
	pipe.SAdd(ctx, indexKey, key.ID)
	pipe.SAdd(ctx, tenantsKey, key.TenantID)
	if ttl > 0 {
		// Expired members are pruned lazily on Query; refreshing the
		// index TTL keeps fully idle namespaces from accreting forever.
		pipe.Expire(ctx, indexKey, ttl)
		pipe.Expire(ctx, tenantsKey, ttl)
	}
}

// PutIfAbsent creates the item or returns ErrConditionFailed.
func (s *RedisStore) PutIfAbsent(ctx context.Context, namespace string, key Key, data []byte) error {
	payload, err := marshalEnvelope(1, data)
	if err != nil {
		return err
	}

	itemKey := redisItemKey(namespace, key)
	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, itemKey, payload, 0)
		// Harmless when the SetNX loses: an existing item already has
		// its index entries.
		pipe.SAdd(ctx, redisIndexKey(namespace, key.TenantID), key.ID)
		pipe.SAdd(ctx, redisTenantsKey(namespace), key.TenantID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis conditional create failed: %w", err)
	}
	if !created.Val() {
		return ErrConditionFailed
	}
	return nil
}

// PutIfVersion replaces the item only if its stored version matches.
func (s *RedisStore) PutIfVersion(ctx context.Context, namespace string, key Key, data []byte, version uint64) error {
	itemKey := redisItemKey(namespace, key)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, itemKey).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrConditionFailed
			}
			return fmt.Errorf("redis get failed: %w", err)
		}

		env, err := unmarshalEnvelope(raw)
		if err != nil {
			return err
		}
		if env.Version != version {
			return ErrConditionFailed
		}

		payload, err := marshalEnvelope(version+1, data)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, itemKey, payload, redis.KeepTTL)
			return nil
		})
		return err
	}, itemKey)

	// A concurrent write between our read and our MULTI means the version
	// the caller saw is stale either way.
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConditionFailed
	}
	return err
}

// Query returns all live items for one tenant, ordered by key ID.
func (s *RedisStore) Query(ctx context.Context, namespace, tenantID string) ([]Item, error) {
	ids, err := s.client.SMembers(ctx, redisIndexKey(namespace, tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index read failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	itemKeys := make([]string, len(ids))
	for i, id := range ids {
		itemKeys[i] = redisItemKey(namespace, Key{TenantID: tenantID, ID: id})
	}

	values, err := s.client.MGet(ctx, itemKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis bulk read failed: %w", err)
	}

	items := make([]Item, 0, len(ids))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Expired item still referenced by the index set.
			s.logger.Debug().Str("namespace", namespace).Str("tenant_id", tenantID).Str("id", ids[i]).Msg("Pruning expired index member")
			s.client.SRem(ctx, redisIndexKey(namespace, tenantID), ids[i])
			continue
		}
		env, err := unmarshalEnvelope([]byte(raw))
		if err != nil {
			return nil, err
		}
		items = append(items, Item{
			Key:     Key{TenantID: tenantID, ID: ids[i]},
			Version: env.Version,
			Data:    env.Data,
		})
	}
	return items, nil
}

// Tenants returns the tenant IDs recorded in the namespace.
func (s *RedisStore) Tenants(ctx context.Context, namespace string) ([]string, error) {
	tenants, err := s.client.SMembers(ctx, redisTenantsKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis tenants read failed: %w", err)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Delete removes the item or returns ErrNotFound.
func (s *RedisStore) Delete(ctx context.Context, namespace string, key Key) error {
	var deleted *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, redisItemKey(namespace, key))
		pipe.SRem(ctx, redisIndexKey(namespace, key.TenantID), key.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	if deleted.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
