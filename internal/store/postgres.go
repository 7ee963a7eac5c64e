package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresConfig holds connection settings for the postgres backend.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// PostgresStore implements Store on a single risk_state table. All
// conditional writes compile down to one statement so the version check
// and the write are atomic without explicit transactions.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore creates a connection pool and verifies connectivity.
func NewPostgresStore(cfg PostgresConfig, logger zerolog.Logger) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "postgres_store").Logger(),
	}
	store.logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return store, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.logger.Info().Msg("Database connection closed")
	}
}

// Migrate creates the risk_state table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	s.logger.Info().Msg("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS risk_state (
			namespace  TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			item_id    TEXT NOT NULL DEFAULT '',
			version    BIGINT NOT NULL,
			data       JSONB NOT NULL,
			expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, tenant_id, item_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_risk_state_expiry
			ON risk_state (expires_at) WHERE expires_at IS NOT NULL`,
	}

	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Get returns the item or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, namespace string, key Key) (*Item, error) {
	var item Item
	item.Key = key

	err := s.pool.QueryRow(ctx, `
		SELECT version, data FROM risk_state
		WHERE namespace = $1 AND tenant_id = $2 AND item_id = $3
		  AND (expires_at IS NULL OR expires_at > now())`,
		namespace, key.TenantID, key.ID,
	).Scan(&item.Version, &item.Data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read risk state: %w", err)
	}
	return &item, nil
}

// Put writes unconditionally, creating the item if needed.
func (s *PostgresStore) Put(ctx context.Context, namespace string, key Key, data []byte) error {
	return s.PutTTL(ctx, namespace, key, data, 0)
}

// PutTTL writes unconditionally and expires the item after ttl.
func (s *PostgresStore) PutTTL(ctx context.Context, namespace string, key Key, data []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		expiry := time.Now().Add(ttl)
		expiresAt = &expiry
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO risk_state (namespace, tenant_id, item_id, version, data, expires_at)
		VALUES ($1, $2, $3, 1, $4, $5)
		ON CONFLICT (namespace, tenant_id, item_id) DO UPDATE SET
			version = risk_state.version + 1,
			data = EXCLUDED.data,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`,
		namespace, key.TenantID, key.ID, data, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write risk state: %w", err)
	}
	return nil
}

// PutIfAbsent creates the item or returns ErrConditionFailed. An
// expired row counts as absent and is reclaimed in place.
func (s *PostgresStore) PutIfAbsent(ctx context.Context, namespace string, key Key, data []byte) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO risk_state (namespace, tenant_id, item_id, version, data, expires_at)
		VALUES ($1, $2, $3, 1, $4, NULL)
		ON CONFLICT (namespace, tenant_id, item_id) DO UPDATE SET
			version = risk_state.version + 1,
			data = EXCLUDED.data,
			expires_at = NULL,
			updated_at = now()
		WHERE risk_state.expires_at IS NOT NULL AND risk_state.expires_at <= now()`,
		namespace, key.TenantID, key.ID, data,
	)
	if err != nil {
		return fmt.Errorf("failed conditional create of risk state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

// PutIfVersion replaces the item only if its stored version matches.
func (s *PostgresStore) PutIfVersion(ctx context.Context, namespace string, key Key, data []byte, version uint64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE risk_state SET
			version = version + 1,
			data = $4,
			updated_at = now()
		WHERE namespace = $1 AND tenant_id = $2 AND item_id = $3
		  AND version = $5
		  AND (expires_at IS NULL OR expires_at > now())`,
		namespace, key.TenantID, key.ID, data, version,
	)
	if err != nil {
		return fmt.Errorf("failed conditional update of risk state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

// Query returns all live items for one tenant, ordered by key ID.
func (s *PostgresStore) Query(ctx context.Context, namespace, tenantID string) ([]Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT item_id, version, data FROM risk_state
		WHERE namespace = $1 AND tenant_id = $2
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY item_id`,
		namespace, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk state: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item := Item{Key: Key{TenantID: tenantID}}
		if err := rows.Scan(&item.Key.ID, &item.Version, &item.Data); err != nil {
			return nil, fmt.Errorf("failed to scan risk state row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate risk state rows: %w", err)
	}
	return items, nil
}

// Tenants returns the tenant IDs that have live items in the namespace.
func (s *PostgresStore) Tenants(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT tenant_id FROM risk_state
		WHERE namespace = $1
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY tenant_id`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenant rows: %w", err)
	}
	return tenants, nil
}

// Delete removes the item or returns ErrNotFound.
func (s *PostgresStore) Delete(ctx context.Context, namespace string, key Key) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM risk_state
		WHERE namespace = $1 AND tenant_id = $2 AND item_id = $3
		  AND (expires_at IS NULL OR expires_at > now())`,
		namespace, key.TenantID, key.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete risk state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
