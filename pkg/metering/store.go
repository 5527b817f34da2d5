package metering

import (
	"context"
	"time"
)

// Store defines the relational persistence boundary for identities,
// subscriptions and usage records. All methods use concrete types from this
// package to avoid import cycles.
type Store interface {
	// ResolveAPIKey resolves a raw API key value to an Identity. Returns
	// ErrNotFound when no such key exists. The returned identity carries
	// Active=false when either the key or its owning user is inactive.
	ResolveAPIKey(ctx context.Context, key string) (*Identity, error)

	// GetSubscription returns the active subscription for a user, rolling
	// the billing period forward (and zeroing the month-to-date usage
	// counter) when the stored period has expired. Returns ErrNotFound
	// when the user has no subscription.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// SetSubscription creates or replaces the active subscription for
	// sub.UserID. At most one active subscription per user.
	SetSubscription(ctx context.Context, sub *Subscription) error

	// RecordUsage inserts one immutable usage record and, in the same
	// logical transaction, increments the API key's cumulative request
	// counter and the subscription's month-to-date usage counter using
	// store-level atomic increments. When the counters cannot be updated
	// together with the insert, the insert takes priority: counters are
	// reconcilable from records, the raw record must never be lost.
	// Returns the record ID.
	RecordUsage(ctx context.Context, rec *UsageRecord) (string, error)

	// UsageStats aggregates recorded usage for a user since the given time.
	UsageStats(ctx context.Context, userID string, since time.Time) (*UsageStats, error)
}

// CatalogStore is the persistence boundary for administrator-managed
// reference data. The pipeline only ever reads this data (through a Catalog);
// admin handlers mutate it and invalidate the read-through cache.
type CatalogStore interface {
	GetPricingEntry(ctx context.Context, variable string) (*PricingEntry, error)
	ListPricingEntries(ctx context.Context) ([]*PricingEntry, error)
	UpsertPricingEntry(ctx context.Context, entry *PricingEntry) error

	GetCurrencyEntry(ctx context.Context, code string) (*CurrencyEntry, error)
	ListCurrencyEntries(ctx context.Context) ([]*CurrencyEntry, error)
	UpsertCurrencyEntry(ctx context.Context, entry *CurrencyEntry) error

	GetVariableMapping(ctx context.Context, variable string) (*VariableMapping, error)
	ListVariableMappings(ctx context.Context) ([]*VariableMapping, error)
	UpsertVariableMapping(ctx context.Context, mapping *VariableMapping) error
}

// CounterStore is the external shared counter used by the rate limiter.
// IncrWithExpiry must be atomic: two concurrent calls for the same key must
// never observe the same count.
type CounterStore interface {
	// IncrWithExpiry increments the counter at key and returns the new
	// count. The expiry is applied when the increment creates the key, so
	// the window expires relative to its first request.
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}
