// Package memory provides an in-memory implementation of the metering store
// interfaces. It is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skycaster/metering/pkg/metering"
)

type apiKey struct {
	id            string
	userID        string
	active        bool
	totalRequests int64
	lastUsed      time.Time
}

type user struct {
	id     string
	active bool
}

type counter struct {
	count   int64
	expires time.Time
}

// Store implements metering.Store, metering.CatalogStore and
// metering.CounterStore using in-memory maps.
type Store struct {
	mu            sync.RWMutex
	users         map[string]*user
	apiKeys       map[string]*apiKey // keyed by raw key value
	subscriptions map[string]*metering.Subscription
	records       map[string]*metering.UsageRecord
	pricing       map[string]*metering.PricingEntry
	currencies    map[string]*metering.CurrencyEntry
	variables     map[string]*metering.VariableMapping
	counters      map[string]*counter

	// now overrides the clock, for tests.
	now func() time.Time
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		users:         make(map[string]*user),
		apiKeys:       make(map[string]*apiKey),
		subscriptions: make(map[string]*metering.Subscription),
		records:       make(map[string]*metering.UsageRecord),
		pricing:       make(map[string]*metering.PricingEntry),
		currencies:    make(map[string]*metering.CurrencyEntry),
		variables:     make(map[string]*metering.VariableMapping),
		counters:      make(map[string]*counter),
		now:           time.Now,
	}
}

// SetClock overrides the store's clock. For tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateUser registers a user account.
func (s *Store) CreateUser(userID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = &user{id: userID, active: active}
}

// CreateAPIKey registers an API key for a user and returns the key ID.
func (s *Store) CreateAPIKey(key, userID string, active bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.apiKeys[key] = &apiKey{id: id, userID: userID, active: active}
	return id
}

// DeactivateAPIKey flips a key inactive.
func (s *Store) DeactivateAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[key]; ok {
		k.active = false
	}
}

// ResolveAPIKey implements metering.Store. A key authorizes a request only
// when both the key and its owning user are active.
func (s *Store) ResolveAPIKey(ctx context.Context, key string) (*metering.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[key]
	if !ok {
		return nil, metering.ErrNotFound
	}
	owner, ok := s.users[k.userID]
	if !ok {
		return nil, metering.ErrNotFound
	}

	tier := metering.TierFree
	if sub, ok := s.subscriptions[k.userID]; ok && sub.Status == metering.SubscriptionActive {
		tier = sub.Plan
	}

	return &metering.Identity{
		APIKeyID: k.id,
		UserID:   k.userID,
		Tier:     tier,
		Active:   k.active && owner.active,
	}, nil
}

// GetSubscription implements metering.Store, rolling the billing period
// forward and zeroing month-to-date usage when the stored period expired.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*metering.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, metering.ErrNotFound
	}

	now := s.now().UTC()
	if !sub.CurrentPeriodEnd.IsZero() && !sub.CurrentPeriodEnd.After(now) {
		start, end := metering.BillingCycle(sub.CurrentPeriodStart, now)
		sub.CurrentPeriodStart = start
		sub.CurrentPeriodEnd = end
		sub.CurrentMonthUsage = 0
		sub.UpdatedAt = now
	}

	subCopy := *sub
	return &subCopy, nil
}

// SetSubscription implements metering.Store.
func (s *Store) SetSubscription(ctx context.Context, sub *metering.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subCopy := *sub
	if subCopy.ID == "" {
		subCopy.ID = uuid.NewString()
	}
	subCopy.UpdatedAt = s.now().UTC()
	s.subscriptions[sub.UserID] = &subCopy
	return nil
}

// RecordUsage implements metering.Store. The mutex makes the insert and both
// counter increments a single atomic step.
func (s *Store) RecordUsage(ctx context.Context, rec *metering.UsageRecord) (string, error) {
	if rec == nil || rec.UserID == "" {
		return "", fmt.Errorf("invalid usage record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	recCopy.Variables = append([]string(nil), rec.Variables...)
	if recCopy.ID == "" {
		recCopy.ID = uuid.NewString()
	}
	s.records[recCopy.ID] = &recCopy

	now := s.now().UTC()
	for _, k := range s.apiKeys {
		if k.id == rec.APIKeyID {
			k.totalRequests++
			k.lastUsed = now
			break
		}
	}
	if sub, ok := s.subscriptions[rec.UserID]; ok {
		sub.CurrentMonthUsage++
	}

	return recCopy.ID, nil
}

// UsageStats implements metering.Store.
func (s *Store) UsageStats(ctx context.Context, userID string, since time.Time) (*metering.UsageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &metering.UsageStats{ByEndpoint: make(map[string]int64)}
	var totalDuration time.Duration
	for _, rec := range s.records {
		if rec.UserID != userID || rec.CreatedAt.Before(since) {
			continue
		}
		stats.TotalRequests++
		if rec.Success {
			stats.SuccessfulRequests++
		} else {
			stats.FailedRequests++
		}
		stats.TotalCost += rec.Cost
		totalDuration += rec.Duration
		stats.ByEndpoint[rec.Endpoint]++
	}
	if stats.TotalRequests > 0 {
		stats.AvgDuration = totalDuration / time.Duration(stats.TotalRequests)
	}
	return stats, nil
}

// Records returns all stored usage records for a user, newest last. For
// tests and reconciliation checks.
func (s *Store) Records(userID string) []*metering.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*metering.UsageRecord
	for _, rec := range s.records {
		if userID == "" || rec.UserID == userID {
			recCopy := *rec
			out = append(out, &recCopy)
		}
	}
	return out
}

// KeyTotalRequests returns the cumulative request counter for a raw key.
func (s *Store) KeyTotalRequests(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.apiKeys[key]; ok {
		return k.totalRequests
	}
	return 0
}

// IncrWithExpiry implements metering.CounterStore.
func (s *Store) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || (!c.expires.IsZero() && !c.expires.After(now)) {
		c = &counter{}
		if expiry > 0 {
			c.expires = now.Add(expiry)
		}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// GetPricingEntry implements metering.CatalogStore.
func (s *Store) GetPricingEntry(ctx context.Context, variable string) (*metering.PricingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.pricing[variable]
	if !ok {
		return nil, metering.ErrNotFound
	}
	entryCopy := *entry
	entryCopy.TierOverrides = copyOverrides(entry.TierOverrides)
	return &entryCopy, nil
}

// ListPricingEntries implements metering.CatalogStore.
func (s *Store) ListPricingEntries(ctx context.Context) ([]*metering.PricingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*metering.PricingEntry, 0, len(s.pricing))
	for _, entry := range s.pricing {
		entryCopy := *entry
		entryCopy.TierOverrides = copyOverrides(entry.TierOverrides)
		out = append(out, &entryCopy)
	}
	return out, nil
}

// UpsertPricingEntry implements metering.CatalogStore. Variable names are
// unique across entries.
func (s *Store) UpsertPricingEntry(ctx context.Context, entry *metering.PricingEntry) error {
	if entry == nil || strings.TrimSpace(entry.VariableName) == "" {
		return fmt.Errorf("invalid pricing entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryCopy := *entry
	entryCopy.TierOverrides = copyOverrides(entry.TierOverrides)
	entryCopy.UpdatedAt = s.now().UTC()
	s.pricing[entry.VariableName] = &entryCopy
	return nil
}

// GetCurrencyEntry implements metering.CatalogStore.
func (s *Store) GetCurrencyEntry(ctx context.Context, code string) (*metering.CurrencyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.currencies[code]
	if !ok {
		return nil, metering.ErrNotFound
	}
	entryCopy := *entry
	return &entryCopy, nil
}

// ListCurrencyEntries implements metering.CatalogStore.
func (s *Store) ListCurrencyEntries(ctx context.Context) ([]*metering.CurrencyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*metering.CurrencyEntry, 0, len(s.currencies))
	for _, entry := range s.currencies {
		entryCopy := *entry
		out = append(out, &entryCopy)
	}
	return out, nil
}

// UpsertCurrencyEntry implements metering.CatalogStore.
func (s *Store) UpsertCurrencyEntry(ctx context.Context, entry *metering.CurrencyEntry) error {
	if entry == nil || strings.TrimSpace(entry.Code) == "" {
		return fmt.Errorf("invalid currency entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryCopy := *entry
	entryCopy.UpdatedAt = s.now().UTC()
	s.currencies[entry.Code] = &entryCopy
	return nil
}

// GetVariableMapping implements metering.CatalogStore.
func (s *Store) GetVariableMapping(ctx context.Context, variable string) (*metering.VariableMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mapping, ok := s.variables[variable]
	if !ok {
		return nil, metering.ErrNotFound
	}
	mappingCopy := *mapping
	return &mappingCopy, nil
}

// ListVariableMappings implements metering.CatalogStore.
func (s *Store) ListVariableMappings(ctx context.Context) ([]*metering.VariableMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*metering.VariableMapping, 0, len(s.variables))
	for _, mapping := range s.variables {
		mappingCopy := *mapping
		out = append(out, &mappingCopy)
	}
	return out, nil
}

// UpsertVariableMapping implements metering.CatalogStore.
func (s *Store) UpsertVariableMapping(ctx context.Context, mapping *metering.VariableMapping) error {
	if mapping == nil || strings.TrimSpace(mapping.VariableName) == "" {
		return fmt.Errorf("invalid variable mapping")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mappingCopy := *mapping
	mappingCopy.UpdatedAt = s.now().UTC()
	s.variables[mapping.VariableName] = &mappingCopy
	return nil
}

func copyOverrides(in map[metering.PlanTier]float64) map[metering.PlanTier]float64 {
	if in == nil {
		return nil
	}
	out := make(map[metering.PlanTier]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
