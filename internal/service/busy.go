package service

import (
	"context"
	"sync"
	"time"
)

// BusyFlags is a per-key mutual exclusion flag with an owner token and a
// TTL. *redis.BusyFlags provides the cross-instance variant.
type BusyFlags interface {
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

type localFlag struct {
	owner     string
	expiresAt time.Time
}

// LocalBusyFlags keeps flags in process memory for single-instance deployments.
type LocalBusyFlags struct {
	mu    sync.Mutex
	flags map[string]localFlag
	now   func() time.Time
}

func NewLocalBusyFlags() *LocalBusyFlags {
	return &LocalBusyFlags{
		flags: make(map[string]localFlag),
		now:   time.Now,
	}
}

func (b *LocalBusyFlags) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if f, ok := b.flags[key]; ok && now.Before(f.expiresAt) {
		return false, nil
	}
	b.flags[key] = localFlag{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (b *LocalBusyFlags) Release(_ context.Context, key, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.flags[key]; ok && f.owner == owner {
		delete(b.flags, key)
	}
	return nil
}
