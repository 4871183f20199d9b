package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the flag only when it still carries the caller's
// owner token, so a flag that expired and was re-taken is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// BusyFlags is a cross-instance mutual exclusion flag per key backed by
// SET NX PX.
type BusyFlags struct {
	client *redis.Client
}

func NewBusyFlags(client *redis.Client) *BusyFlags {
	return &BusyFlags{client: client}
}

func (b *BusyFlags) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, owner, ttl).Result()
}

func (b *BusyFlags) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, b.client, []string{key}, owner).Err()
}
