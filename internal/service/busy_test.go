package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// held reports whether key is currently taken.
func (b *LocalBusyFlags) held(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.flags[key]
	return ok && b.now().Before(f.expiresAt)
}

func TestLocalBusyFlags(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	flags := NewLocalBusyFlags()
	flags.now = func() time.Time { return now }

	ok, err := flags.TryAcquire(ctx, "busy:t1:phone", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, flags.held("busy:t1:phone"))

	ok, err = flags.TryAcquire(ctx, "busy:t1:phone", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = flags.TryAcquire(ctx, "busy:t2:phone", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	require.NoError(t, flags.Release(ctx, "busy:t1:phone", "owner-b"))
	assert.True(t, flags.held("busy:t1:phone"), "only the owner may release")

	require.NoError(t, flags.Release(ctx, "busy:t1:phone", "owner-a"))
	assert.False(t, flags.held("busy:t1:phone"))

	ok, err = flags.TryAcquire(ctx, "busy:t1:phone", "owner-c", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	assert.False(t, flags.held("busy:t1:phone"), "flags lapse after their ttl")
	ok, err = flags.TryAcquire(ctx, "busy:t1:phone", "owner-d", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
