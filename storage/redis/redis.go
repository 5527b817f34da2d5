// Package redis provides a Redis implementation of the metering.CounterStore
// interface. Increment and expiry are a single Lua script, so concurrent
// callers for the same window key always observe distinct counts.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skycaster/metering/pkg/metering"
)

// CounterStore implements metering.CounterStore using Redis.
type CounterStore struct {
	client redis.UniversalClient
	config Config
	incr   *redis.Script
}

// Config holds Redis counter store configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "metering:").
	KeyPrefix string

	// OpTimeout bounds each counter operation (default: 2s). On timeout
	// the operation is treated as failed, never as pending; the rate
	// limiter then applies its fail-open or fail-closed policy.
	OpTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "metering:",
		OpTimeout: 2 * time.Second,
	}
}

// New creates a new Redis counter store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*CounterStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "metering:"
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 2 * time.Second
	}

	// INCR plus first-writer EXPIRE in one round trip. The expiry is set
	// only when the increment created the key, so the fixed window
	// expires relative to its first request.
	incr := redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		if count == 1 and tonumber(ARGV[1]) > 0 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return count
	`)

	return &CounterStore{client: client, config: config, incr: incr}, nil
}

// IncrWithExpiry implements metering.CounterStore.
func (s *CounterStore) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	count, err := s.incr.Run(opCtx, s.client, []string{s.config.KeyPrefix + key}, expiry.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", metering.ErrCounterUnavailable, err)
	}
	return count, nil
}

// Count returns the current count for a window key without incrementing.
// Used by admin inspection endpoints.
func (s *CounterStore) Count(ctx context.Context, key string) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	count, err := s.client.Get(opCtx, s.config.KeyPrefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", metering.ErrCounterUnavailable, err)
	}
	return count, nil
}

// Reset deletes all counters for an identity's counter key. Admin only.
func (s *CounterStore) Reset(ctx context.Context, counterKey string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()

	var cursor uint64
	pattern := s.config.KeyPrefix + "*" + counterKey + "*"
	for {
		keys, next, err := s.client.Scan(opCtx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", metering.ErrCounterUnavailable, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(opCtx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: %v", metering.ErrCounterUnavailable, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
