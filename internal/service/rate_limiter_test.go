package service

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/openclaw/agent-coordinator/internal/redis"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	opts, err := redis.ParseURL("redis://localhost:6379/15")
	require.NoError(t, err)

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("redis not available")
	}
	t.Cleanup(func() { client.Close() })
	client.FlushDB(context.Background())
	return client
}

func TestRateLimiter(t *testing.T) {
	client := newTestRedis(t)
	limiter := NewRateLimiter(client)
	ctx := context.Background()

	t.Run("pairing budget per address", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			allowed, _ := limiter.CheckLimit(ctx, "pairing:203.0.113.7", 3, 10*time.Second)
			assert.True(t, allowed, "attempt %d", i+1)
		}

		allowed, resetAt := limiter.CheckLimit(ctx, "pairing:203.0.113.7", 3, 10*time.Second)
		assert.False(t, allowed)
		assert.True(t, resetAt.After(time.Now()))
		assert.False(t, resetAt.After(time.Now().Add(10*time.Second)))

		n, err := client.Exists(ctx, redisclient.RateLimitKey("pairing:203.0.113.7")).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("scopes do not share a budget", func(t *testing.T) {
		allowed, _ := limiter.CheckLimit(ctx, "pairing:198.51.100.1", 1, 10*time.Second)
		assert.True(t, allowed)
		allowed, _ = limiter.CheckLimit(ctx, "pairing:198.51.100.1", 1, 10*time.Second)
		assert.False(t, allowed)

		allowed, _ = limiter.CheckLimit(ctx, "agent:198.51.100.1", 1, 10*time.Second)
		assert.True(t, allowed)
	})

	t.Run("window slides", func(t *testing.T) {
		allowed, _ := limiter.CheckLimit(ctx, "agent:192.0.2.9", 1, 100*time.Millisecond)
		require.True(t, allowed)
		allowed, _ = limiter.CheckLimit(ctx, "agent:192.0.2.9", 1, 100*time.Millisecond)
		require.False(t, allowed)

		time.Sleep(150 * time.Millisecond)
		allowed, _ = limiter.CheckLimit(ctx, "agent:192.0.2.9", 1, 100*time.Millisecond)
		assert.True(t, allowed)
	})
}

func TestRateLimiter_RedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:9999"})
	defer client.Close()

	allowed, resetAt := NewRateLimiter(client).CheckLimit(context.Background(), "agent:192.0.2.1", 1, time.Minute)
	assert.True(t, allowed)
	assert.True(t, resetAt.After(time.Now()))
}
