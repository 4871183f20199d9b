package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

func EventChannel(tenantID string) string {
	return fmt.Sprintf("coordinator:events:%s", tenantID)
}

func BusyKey(tenantID, kind string) string {
	return fmt.Sprintf("coordinator:busy:%s:%s", tenantID, kind)
}

// RateLimitKey holds the sliding window for one limiter scope and client,
// for example "pairing:203.0.113.7".
func RateLimitKey(scopedKey string) string {
	return fmt.Sprintf("coordinator:ratelimit:%s", scopedKey)
}
