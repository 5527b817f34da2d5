// Package postgres provides a PostgreSQL implementation of the metering
// store interfaces using pgx. Usage records and their counter increments run
// in a single transaction; when that transaction fails, the bare record
// insert is retried on its own so the audit trail is never lost to a counter
// problem.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skycaster/metering/pkg/metering"
)

// Store implements metering.Store and metering.CatalogStore using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ResolveAPIKey implements metering.Store. The key row is joined with its
// owning user and the active subscription so the identity is resolved in one
// round trip.
func (s *Store) ResolveAPIKey(ctx context.Context, key string) (*metering.Identity, error) {
	var (
		id         metering.Identity
		keyActive  bool
		userActive bool
		plan       *string
	)

	err := s.pool.QueryRow(ctx,
		`SELECT k.id, k.user_id, k.is_active, u.is_active, s.plan
			FROM api_keys k
			JOIN users u ON u.id = k.user_id
			LEFT JOIN subscriptions s ON s.user_id = k.user_id AND s.status = 'active'
			WHERE k.key = $1`,
		key).Scan(&id.APIKeyID, &id.UserID, &keyActive, &userActive, &plan)

	if err == pgx.ErrNoRows {
		return nil, metering.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve api key: %w", err)
	}

	id.Active = keyActive && userActive
	id.Tier = metering.TierFree
	if plan != nil {
		id.Tier = metering.ParseTier(*plan)
	}
	return &id, nil
}

// GetSubscription implements metering.Store. An expired billing period is
// rolled forward and the month-to-date usage counter zeroed before the row
// is returned; the rollover UPDATE is guarded on current_period_end so
// concurrent readers apply it at most once.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*metering.Subscription, error) {
	sub, err := s.getSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if sub.CurrentPeriodEnd.IsZero() || sub.CurrentPeriodEnd.After(now) {
		return sub, nil
	}

	start, end := metering.BillingCycle(sub.CurrentPeriodStart, now)
	_, err = s.pool.Exec(ctx,
		`UPDATE subscriptions
			SET current_period_start = $1,
				current_period_end = $2,
				current_month_usage = 0,
				updated_at = $3
			WHERE user_id = $4 AND status = 'active' AND current_period_end = $5`,
		start, end, now, userID, sub.CurrentPeriodEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to roll billing period: %w", err)
	}

	return s.getSubscription(ctx, userID)
}

func (s *Store) getSubscription(ctx context.Context, userID string) (*metering.Subscription, error) {
	var sub metering.Subscription
	var plan, status string

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, plan, status,
				COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''),
				current_period_start, current_period_end, current_month_usage, updated_at
			FROM subscriptions
			WHERE user_id = $1 AND status = 'active'`,
		userID).Scan(
		&sub.ID, &sub.UserID, &plan, &status, &sub.StripeCustomerID, &sub.StripeSubID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CurrentMonthUsage, &sub.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, metering.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.Plan = metering.ParseTier(plan)
	sub.Status = metering.SubscriptionStatus(status)
	return &sub, nil
}

// SetSubscription implements metering.Store. The upsert keys on user_id so at
// most one active subscription exists per user.
func (s *Store) SetSubscription(ctx context.Context, sub *metering.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions
				(id, user_id, plan, status, stripe_customer_id, stripe_subscription_id,
				 current_period_start, current_period_end, current_month_usage, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (user_id) DO UPDATE SET
				plan = EXCLUDED.plan,
				status = EXCLUDED.status,
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				stripe_subscription_id = EXCLUDED.stripe_subscription_id,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				updated_at = EXCLUDED.updated_at`,
		id, sub.UserID, string(sub.Plan), string(sub.Status), sub.StripeCustomerID, sub.StripeSubID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CurrentMonthUsage, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// RecordUsage implements metering.Store. The insert and both counter
// increments commit in one transaction; the increments are store-level
// (counter = counter + 1) so concurrent writers never lose updates. When the
// transaction fails, the record is inserted on its own: counters are
// reconcilable from records, the record itself is not.
func (s *Store) RecordUsage(ctx context.Context, rec *metering.UsageRecord) (string, error) {
	if rec == nil || rec.UserID == "" {
		return "", fmt.Errorf("invalid usage record")
	}

	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}

	err := s.recordUsageTx(ctx, id, rec)
	if err == nil {
		return id, nil
	}

	// The record must never be lost: retry the bare insert.
	if insErr := s.insertRecord(ctx, s.pool, id, rec); insErr != nil {
		return "", fmt.Errorf("failed to record usage: %w", insErr)
	}
	return id, nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (s *Store) recordUsageTx(ctx context.Context, id string, rec *metering.UsageRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := s.insertRecord(ctx, tx, id, rec); err != nil {
		return err
	}

	if rec.APIKeyID != "" {
		_, err = tx.Exec(ctx,
			`UPDATE api_keys
				SET total_requests = total_requests + 1, last_used = $1
				WHERE id = $2`,
			rec.CreatedAt, rec.APIKeyID,
		)
		if err != nil {
			return fmt.Errorf("failed to increment key counter: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE subscriptions
			SET current_month_usage = current_month_usage + 1
			WHERE user_id = $1 AND status = 'active'`,
		rec.UserID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment subscription counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Store) insertRecord(ctx context.Context, q execer, id string, rec *metering.UsageRecord) error {
	variables, err := json.Marshal(rec.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}

	_, err = q.Exec(ctx,
		`INSERT INTO usage_records
				(id, user_id, api_key_id, endpoint, variables, locations, status, success,
				 cost, currency, tax_amount, duration_ms, client_ip, user_agent, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		id, rec.UserID, nullable(rec.APIKeyID), rec.Endpoint, variables, rec.Locations,
		rec.Status, rec.Success, rec.Cost, rec.Currency, rec.TaxAmount,
		rec.Duration.Milliseconds(), nullable(rec.ClientIP), nullable(rec.UserAgent), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// UsageStats implements metering.Store.
func (s *Store) UsageStats(ctx context.Context, userID string, since time.Time) (*metering.UsageStats, error) {
	stats := &metering.UsageStats{ByEndpoint: make(map[string]int64)}
	var avgMs *float64

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
				COUNT(*) FILTER (WHERE success),
				COUNT(*) FILTER (WHERE NOT success),
				COALESCE(SUM(cost), 0),
				AVG(duration_ms)
			FROM usage_records
			WHERE user_id = $1 AND created_at >= $2`,
		userID, since).Scan(
		&stats.TotalRequests, &stats.SuccessfulRequests, &stats.FailedRequests,
		&stats.TotalCost, &avgMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	if avgMs != nil {
		stats.AvgDuration = time.Duration(*avgMs * float64(time.Millisecond))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT endpoint, COUNT(*)
			FROM usage_records
			WHERE user_id = $1 AND created_at >= $2
			GROUP BY endpoint`,
		userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate endpoints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var endpoint string
		var count int64
		if err := rows.Scan(&endpoint, &count); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint row: %w", err)
		}
		stats.ByEndpoint[endpoint] = count
	}
	return stats, rows.Err()
}

// GetPricingEntry implements metering.CatalogStore.
func (s *Store) GetPricingEntry(ctx context.Context, variable string) (*metering.PricingEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT variable_name, endpoint_family, base_price, currency,
				tax_rate, tax_enabled, COALESCE(hsn_code, ''), tier_overrides, is_active, updated_at
			FROM pricing_config
			WHERE variable_name = $1`,
		variable)
	return scanPricing(row)
}

// ListPricingEntries implements metering.CatalogStore.
func (s *Store) ListPricingEntries(ctx context.Context) ([]*metering.PricingEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT variable_name, endpoint_family, base_price, currency,
				tax_rate, tax_enabled, COALESCE(hsn_code, ''), tier_overrides, is_active, updated_at
			FROM pricing_config
			ORDER BY variable_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pricing entries: %w", err)
	}
	defer rows.Close()

	var entries []*metering.PricingEntry
	for rows.Next() {
		entry, err := scanPricing(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// UpsertPricingEntry implements metering.CatalogStore.
func (s *Store) UpsertPricingEntry(ctx context.Context, entry *metering.PricingEntry) error {
	if entry == nil || entry.VariableName == "" {
		return fmt.Errorf("invalid pricing entry")
	}
	overrides, err := json.Marshal(entry.TierOverrides)
	if err != nil {
		return fmt.Errorf("failed to marshal tier overrides: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO pricing_config
				(variable_name, endpoint_family, base_price, currency,
				 tax_rate, tax_enabled, hsn_code, tier_overrides, is_active, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (variable_name) DO UPDATE SET
				endpoint_family = EXCLUDED.endpoint_family,
				base_price = EXCLUDED.base_price,
				currency = EXCLUDED.currency,
				tax_rate = EXCLUDED.tax_rate,
				tax_enabled = EXCLUDED.tax_enabled,
				hsn_code = EXCLUDED.hsn_code,
				tier_overrides = EXCLUDED.tier_overrides,
				is_active = EXCLUDED.is_active,
				updated_at = EXCLUDED.updated_at`,
		entry.VariableName, entry.EndpointFamily, entry.BasePrice, entry.Currency,
		entry.TaxRate, entry.TaxEnabled, entry.HSNCode, overrides, entry.Active, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pricing entry: %w", err)
	}
	return nil
}

// GetCurrencyEntry implements metering.CatalogStore.
func (s *Store) GetCurrencyEntry(ctx context.Context, code string) (*metering.CurrencyEntry, error) {
	var entry metering.CurrencyEntry
	err := s.pool.QueryRow(ctx,
		`SELECT code, COALESCE(symbol, ''), COALESCE(name, ''), rate, is_active, updated_at
			FROM currency_config
			WHERE code = $1`,
		code).Scan(&entry.Code, &entry.Symbol, &entry.Name, &entry.Rate, &entry.Active, &entry.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, metering.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get currency entry: %w", err)
	}
	return &entry, nil
}

// ListCurrencyEntries implements metering.CatalogStore.
func (s *Store) ListCurrencyEntries(ctx context.Context) ([]*metering.CurrencyEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code, COALESCE(symbol, ''), COALESCE(name, ''), rate, is_active, updated_at
			FROM currency_config
			ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list currency entries: %w", err)
	}
	defer rows.Close()

	var entries []*metering.CurrencyEntry
	for rows.Next() {
		var entry metering.CurrencyEntry
		if err := rows.Scan(&entry.Code, &entry.Symbol, &entry.Name, &entry.Rate, &entry.Active, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan currency row: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// UpsertCurrencyEntry implements metering.CatalogStore.
func (s *Store) UpsertCurrencyEntry(ctx context.Context, entry *metering.CurrencyEntry) error {
	if entry == nil || entry.Code == "" {
		return fmt.Errorf("invalid currency entry")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO currency_config (code, symbol, name, rate, is_active, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (code) DO UPDATE SET
				symbol = EXCLUDED.symbol,
				name = EXCLUDED.name,
				rate = EXCLUDED.rate,
				is_active = EXCLUDED.is_active,
				updated_at = EXCLUDED.updated_at`,
		entry.Code, entry.Symbol, entry.Name, entry.Rate, entry.Active, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert currency entry: %w", err)
	}
	return nil
}

// GetVariableMapping implements metering.CatalogStore.
func (s *Store) GetVariableMapping(ctx context.Context, variable string) (*metering.VariableMapping, error) {
	var m metering.VariableMapping
	err := s.pool.QueryRow(ctx,
		`SELECT variable_name, endpoint_family, COALESCE(endpoint_url, ''),
				COALESCE(unit, ''), COALESCE(data_type, ''), is_active, updated_at
			FROM variable_mapping
			WHERE variable_name = $1`,
		variable).Scan(&m.VariableName, &m.EndpointFamily, &m.EndpointURL, &m.Unit, &m.DataType, &m.Active, &m.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, metering.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get variable mapping: %w", err)
	}
	return &m, nil
}

// ListVariableMappings implements metering.CatalogStore.
func (s *Store) ListVariableMappings(ctx context.Context) ([]*metering.VariableMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT variable_name, endpoint_family, COALESCE(endpoint_url, ''),
				COALESCE(unit, ''), COALESCE(data_type, ''), is_active, updated_at
			FROM variable_mapping
			ORDER BY variable_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list variable mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*metering.VariableMapping
	for rows.Next() {
		var m metering.VariableMapping
		if err := rows.Scan(&m.VariableName, &m.EndpointFamily, &m.EndpointURL, &m.Unit, &m.DataType, &m.Active, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping row: %w", err)
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

// UpsertVariableMapping implements metering.CatalogStore.
func (s *Store) UpsertVariableMapping(ctx context.Context, mapping *metering.VariableMapping) error {
	if mapping == nil || mapping.VariableName == "" {
		return fmt.Errorf("invalid variable mapping")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO variable_mapping
				(variable_name, endpoint_family, endpoint_url, unit, data_type, is_active, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (variable_name) DO UPDATE SET
				endpoint_family = EXCLUDED.endpoint_family,
				endpoint_url = EXCLUDED.endpoint_url,
				unit = EXCLUDED.unit,
				data_type = EXCLUDED.data_type,
				is_active = EXCLUDED.is_active,
				updated_at = EXCLUDED.updated_at`,
		mapping.VariableName, mapping.EndpointFamily, mapping.EndpointURL,
		mapping.Unit, mapping.DataType, mapping.Active, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert variable mapping: %w", err)
	}
	return nil
}

type pricingRow interface {
	Scan(dest ...any) error
}

func scanPricing(row pricingRow) (*metering.PricingEntry, error) {
	var entry metering.PricingEntry
	var overrides []byte

	err := row.Scan(
		&entry.VariableName, &entry.EndpointFamily, &entry.BasePrice, &entry.Currency,
		&entry.TaxRate, &entry.TaxEnabled, &entry.HSNCode, &overrides, &entry.Active, &entry.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, metering.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pricing row: %w", err)
	}

	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &entry.TierOverrides); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tier overrides: %w", err)
		}
	}
	return &entry, nil
}

// EnsureSchema creates the tables this store needs when they do not exist.
// Production deployments normally manage the schema with migrations; this is
// for development and tests.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			key TEXT NOT NULL UNIQUE,
			name TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			total_requests BIGINT NOT NULL DEFAULT 0,
			last_used TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE REFERENCES users(id),
			plan TEXT NOT NULL,
			status TEXT NOT NULL,
			stripe_customer_id TEXT,
			stripe_subscription_id TEXT,
			current_period_start TIMESTAMPTZ NOT NULL,
			current_period_end TIMESTAMPTZ NOT NULL,
			current_month_usage BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			api_key_id TEXT,
			endpoint TEXT NOT NULL,
			variables JSONB,
			locations INTEGER NOT NULL DEFAULT 0,
			status INTEGER NOT NULL,
			success BOOLEAN NOT NULL,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			currency TEXT,
			tax_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			client_ip TEXT,
			user_agent TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_user_created
			ON usage_records (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS pricing_config (
			variable_name TEXT PRIMARY KEY,
			endpoint_family TEXT NOT NULL,
			base_price DOUBLE PRECISION NOT NULL,
			currency TEXT NOT NULL,
			tax_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			tax_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			hsn_code TEXT,
			tier_overrides JSONB,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS currency_config (
			code TEXT PRIMARY KEY,
			symbol TEXT,
			name TEXT,
			rate DOUBLE PRECISION NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS variable_mapping (
			variable_name TEXT PRIMARY KEY,
			endpoint_family TEXT NOT NULL,
			endpoint_url TEXT,
			unit TEXT,
			data_type TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
