package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/skycaster/metering/pkg/metering"
)

// setupTestRedis creates a Redis client for testing.
// Requires Redis running on localhost:6379.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	require.Error(t, err)

	client := setupTestRedis(t)
	defer client.Close()

	store, err := New(client, Config{})
	require.NoError(t, err)
	require.Equal(t, "metering:", store.config.KeyPrefix)
}

func TestIncrWithExpiry(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	store, err := New(client, DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		count, err := store.IncrWithExpiry(ctx, "minute:key:abc:100", time.Minute)
		require.NoError(t, err)
		require.Equal(t, want, count)
	}

	// Independent keys count independently.
	count, err := store.IncrWithExpiry(ctx, "minute:key:other:100", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	// Expiry set on first increment only.
	ttl, err := client.TTL(ctx, "metering:minute:key:abc:100").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, time.Minute)
}

func TestIncrWithExpiry_Concurrent(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	store, err := New(client, DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	const goroutines = 20
	counts := make(chan int64, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			count, err := store.IncrWithExpiry(ctx, "minute:key:conc:100", time.Minute)
			if err != nil {
				t.Errorf("IncrWithExpiry failed: %v", err)
				return
			}
			counts <- count
		}()
	}
	wg.Wait()
	close(counts)

	// Every concurrent caller must observe a distinct count.
	seen := make(map[int64]bool)
	for count := range counts {
		require.False(t, seen[count], fmt.Sprintf("duplicate count %d", count))
		seen[count] = true
	}
	require.Len(t, seen, goroutines)
}

func TestCountAndReset(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	store, err := New(client, DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.IncrWithExpiry(ctx, "minute:key:reset:100", time.Minute)
	require.NoError(t, err)
	_, err = store.IncrWithExpiry(ctx, "month:key:reset:2026-08", time.Hour)
	require.NoError(t, err)

	count, err := store.Count(ctx, "minute:key:reset:100")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	require.NoError(t, store.Reset(ctx, "key:reset"))

	count, err = store.Count(ctx, "minute:key:reset:100")
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestIncrWithExpiry_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 100 * time.Millisecond})
	defer client.Close()

	store, err := New(client, Config{OpTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	_, err = store.IncrWithExpiry(context.Background(), "minute:key:down:100", time.Minute)
	require.ErrorIs(t, err, metering.ErrCounterUnavailable)
}
