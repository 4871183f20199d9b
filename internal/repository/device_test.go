package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/agent-coordinator/internal/model"
)

func upsertDevice(t *testing.T, repo DeviceRepository, id, tenantID, tokenHash string, now time.Time) *model.Device {
	t.Helper()
	device, err := repo.Upsert(context.Background(), model.UpsertDeviceParams{
		ID:             id,
		TenantID:       tenantID,
		DeviceName:     strPtr("Chrome on Mac"),
		TokenHash:      tokenHash,
		TokenExpiresAt: now.Add(30 * 24 * time.Hour),
		Now:            now,
	})
	require.NoError(t, err)
	return device
}

func TestDeviceRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("upsert creates then rebinds", func(t *testing.T) {
		repo := NewDeviceRepository(newTestDB(t))

		first := upsertDevice(t, repo, "dev-1", "tenant-1", "hash-1", baseTime)
		assert.True(t, first.IsActive)
		assert.Equal(t, "hash-1", first.TokenHash)

		ok, err := repo.Revoke(ctx, "tenant-1", "dev-1", "lost laptop", baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		second := upsertDevice(t, repo, "dev-1", "tenant-2", "hash-2", baseTime.Add(2*time.Minute))
		assert.True(t, second.IsActive)
		assert.Equal(t, "tenant-2", second.TenantID)
		assert.Equal(t, "hash-2", second.TokenHash)
		assert.Nil(t, second.RevokedAt)
		assert.Nil(t, second.RevokedReason)
		assert.True(t, second.CreatedAt.Equal(baseTime))
	})

	t.Run("revoke is scoped to tenant and only once", func(t *testing.T) {
		repo := NewDeviceRepository(newTestDB(t))
		upsertDevice(t, repo, "dev-1", "tenant-1", "hash-1", baseTime)

		ok, err := repo.Revoke(ctx, "tenant-2", "dev-1", "x", baseTime)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.Revoke(ctx, "tenant-1", "dev-1", "x", baseTime)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Revoke(ctx, "tenant-1", "dev-1", "x", baseTime)
		require.NoError(t, err)
		assert.False(t, ok)

		device, err := repo.FindByID(ctx, "dev-1")
		require.NoError(t, err)
		assert.False(t, device.IsActive)
		require.NotNil(t, device.RevokedReason)
		assert.Equal(t, "x", *device.RevokedReason)
	})

	t.Run("list and delete", func(t *testing.T) {
		repo := NewDeviceRepository(newTestDB(t))
		upsertDevice(t, repo, "dev-1", "tenant-1", "h1", baseTime)
		upsertDevice(t, repo, "dev-2", "tenant-1", "h2", baseTime.Add(time.Second))
		upsertDevice(t, repo, "dev-3", "tenant-2", "h3", baseTime)

		devices, err := repo.ListByTenantID(ctx, "tenant-1")
		require.NoError(t, err)
		require.Len(t, devices, 2)
		assert.Equal(t, "dev-2", devices[0].ID)

		ok, err := repo.Delete(ctx, "tenant-1", "dev-1")
		require.NoError(t, err)
		assert.True(t, ok)

		found, err := repo.FindByTenantAndID(ctx, "tenant-1", "dev-1")
		require.NoError(t, err)
		assert.Nil(t, found)

		empty, err := repo.ListByTenantID(ctx, "tenant-9")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("touch last seen", func(t *testing.T) {
		repo := NewDeviceRepository(newTestDB(t))
		upsertDevice(t, repo, "dev-1", "tenant-1", "h1", baseTime)

		require.NoError(t, repo.TouchLastSeen(ctx, "dev-1", baseTime.Add(time.Hour)))

		device, err := repo.FindByID(ctx, "dev-1")
		require.NoError(t, err)
		require.NotNil(t, device.LastSeenAt)
		assert.True(t, device.LastSeenAt.Equal(baseTime.Add(time.Hour)))
	})
}
