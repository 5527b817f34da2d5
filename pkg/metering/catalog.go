package metering

import (
	"context"
	"sync"
	"time"
)

// Catalog provides read access to reference data (pricing, currency, variable
// mappings) as of request time.
type Catalog interface {
	PricingEntry(ctx context.Context, variable string) (*PricingEntry, error)
	CurrencyEntry(ctx context.Context, code string) (*CurrencyEntry, error)
	VariableMapping(ctx context.Context, variable string) (*VariableMapping, error)
}

// CachedCatalog is a read-through cache in front of a CatalogStore. Reference
// data is read by every request and mutated only by admin operations, so
// entries are cached with a short TTL and invalidated explicitly on writes.
type CachedCatalog struct {
	store   CatalogStore
	ttl     time.Duration
	metrics Metrics

	mu         sync.RWMutex
	pricing    map[string]catalogEntry[*PricingEntry]
	currencies map[string]catalogEntry[*CurrencyEntry]
	variables  map[string]catalogEntry[*VariableMapping]
}

type catalogEntry[T any] struct {
	value   T
	expires time.Time
}

// NewCachedCatalog creates a read-through catalog cache. A zero ttl defaults
// to 30 seconds.
func NewCachedCatalog(store CatalogStore, ttl time.Duration, metrics Metrics) *CachedCatalog {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &CachedCatalog{
		store:      store,
		ttl:        ttl,
		metrics:    metrics,
		pricing:    make(map[string]catalogEntry[*PricingEntry]),
		currencies: make(map[string]catalogEntry[*CurrencyEntry]),
		variables:  make(map[string]catalogEntry[*VariableMapping]),
	}
}

// PricingEntry implements Catalog.
func (c *CachedCatalog) PricingEntry(ctx context.Context, variable string) (*PricingEntry, error) {
	c.mu.RLock()
	cached, ok := c.pricing[variable]
	c.mu.RUnlock()
	if ok && time.Now().Before(cached.expires) {
		c.metrics.RecordCatalogCache("pricing", true)
		return cached.value, nil
	}
	c.metrics.RecordCatalogCache("pricing", false)

	entry, err := c.store.GetPricingEntry(ctx, variable)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pricing[variable] = catalogEntry[*PricingEntry]{value: entry, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return entry, nil
}

// CurrencyEntry implements Catalog.
func (c *CachedCatalog) CurrencyEntry(ctx context.Context, code string) (*CurrencyEntry, error) {
	c.mu.RLock()
	cached, ok := c.currencies[code]
	c.mu.RUnlock()
	if ok && time.Now().Before(cached.expires) {
		c.metrics.RecordCatalogCache("currency", true)
		return cached.value, nil
	}
	c.metrics.RecordCatalogCache("currency", false)

	entry, err := c.store.GetCurrencyEntry(ctx, code)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.currencies[code] = catalogEntry[*CurrencyEntry]{value: entry, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return entry, nil
}

// VariableMapping implements Catalog.
func (c *CachedCatalog) VariableMapping(ctx context.Context, variable string) (*VariableMapping, error) {
	c.mu.RLock()
	cached, ok := c.variables[variable]
	c.mu.RUnlock()
	if ok && time.Now().Before(cached.expires) {
		c.metrics.RecordCatalogCache("variable", true)
		return cached.value, nil
	}
	c.metrics.RecordCatalogCache("variable", false)

	mapping, err := c.store.GetVariableMapping(ctx, variable)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.variables[variable] = catalogEntry[*VariableMapping]{value: mapping, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return mapping, nil
}

// Invalidate drops all cached entries. Admin handlers call this after any
// reference-data write.
func (c *CachedCatalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing = make(map[string]catalogEntry[*PricingEntry])
	c.currencies = make(map[string]catalogEntry[*CurrencyEntry])
	c.variables = make(map[string]catalogEntry[*VariableMapping])
}
