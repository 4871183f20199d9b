package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/openclaw/agent-coordinator/internal/redis"
)

// slidingWindowScript keeps one sorted-set member per admitted request,
// scored in milliseconds. It returns {admitted, millisecondsUntilFree}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)

if redis.call('ZCARD', KEYS[1]) >= limit then
    local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
    return {0, tonumber(oldest[2]) + window - now}
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, window}
`)

// RateLimiter shares request budgets between coordinator instances. Keys
// are scoped by the caller ("agent:<ip>", "pairing:<ip>") and stored under
// redisclient.RateLimitKey.
type RateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

// CheckLimit admits one request under key if the window has room and
// reports when the budget next frees up. Redis failures admit the request.
func (rl *RateLimiter) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, resetAt time.Time) {
	now := rl.now()
	if limit <= 0 {
		return true, now
	}

	res, err := slidingWindowScript.Run(ctx, rl.client,
		[]string{redisclient.RateLimitKey(key)},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil || len(res) != 2 {
		log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, admitting request")
		return true, now.Add(window)
	}

	return res[0] == 1, now.Add(time.Duration(res[1]) * time.Millisecond)
}
