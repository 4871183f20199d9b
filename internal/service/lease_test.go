package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/agent-coordinator/internal/errors"
	"github.com/openclaw/agent-coordinator/internal/model"
)

func countActive(t *testing.T, env *testEnv, tenantID string) int {
	t.Helper()
	var n int
	require.NoError(t, env.db.GetContext(context.Background(), &n,
		`SELECT COUNT(*) FROM session_leases WHERE tenant_id = ? AND status = 'active'`, tenantID))
	return n
}

func TestLeaseService_Acquire(t *testing.T) {
	ctx := context.Background()

	t.Run("grants lease with heartbeat interval", func(t *testing.T) {
		env := newTestEnv(t)
		device, _ := env.pairDevice(t, "tenant-1", "dev-a")

		res, err := env.leases.Acquire(ctx, device, false)
		require.NoError(t, err)
		assert.NotEmpty(t, res.Token)
		assert.Equal(t, "dev-a", res.Lease.DeviceID)
		assert.True(t, res.Lease.ExpiresAt.Equal(env.clock.Now().Add(time.Minute)))
		assert.Equal(t, 20*time.Second, res.HeartbeatInterval)
	})

	t.Run("conflict leaves existing lease untouched", func(t *testing.T) {
		env := newTestEnv(t)
		devA, _ := env.pairDevice(t, "tenant-1", "dev-a")
		devB, _ := env.pairDevice(t, "tenant-1", "dev-b")

		first, err := env.leases.Acquire(ctx, devA, false)
		require.NoError(t, err)

		env.clock.Advance(10 * time.Second)
		_, err = env.leases.Acquire(ctx, devB, false)
		requireCode(t, err, apperrors.ErrCodeLeaseConflict)
		appErr, _ := apperrors.AsAppError(err)
		assert.Equal(t, map[string]string{"activeDeviceId": "dev-a"}, appErr.Details)

		active, err := env.leases.GetActive(ctx, "tenant-1")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, first.Lease.ID, active.ID)
		assert.True(t, active.ExpiresAt.Equal(first.Lease.ExpiresAt))

		_, err = env.leases.Heartbeat(ctx, HeartbeatParams{LeaseID: first.Lease.ID, Token: first.Token})
		assert.NoError(t, err)
	})

	t.Run("forced takeover releases previous holder", func(t *testing.T) {
		env := newTestEnv(t)
		devA, _ := env.pairDevice(t, "tenant-1", "dev-a")
		devB, _ := env.pairDevice(t, "tenant-1", "dev-b")

		first, err := env.leases.Acquire(ctx, devA, false)
		require.NoError(t, err)

		second, err := env.leases.Acquire(ctx, devB, true)
		require.NoError(t, err)

		old, err := env.leaseRepo.FindByID(ctx, first.Lease.ID)
		require.NoError(t, err)
		assert.Equal(t, model.LeaseStatusReleased, old.Status)
		assert.Equal(t, model.ReleaseReasonForced, *old.ReleaseReason)

		active, err := env.leases.GetActive(ctx, "tenant-1")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, second.Lease.ID, active.ID)
		assert.Equal(t, "dev-b", active.DeviceID)

		_, err = env.leases.Heartbeat(ctx, HeartbeatParams{LeaseID: first.Lease.ID, Token: first.Token})
		requireCode(t, err, apperrors.ErrCodeLeaseExpired)
		appErr, _ := apperrors.AsAppError(err)
		assert.Equal(t, map[string]string{"reason": "forced"}, appErr.Details)
	})

	t.Run("same device re-acquire replaces its lease", func(t *testing.T) {
		env := newTestEnv(t)
		devA, _ := env.pairDevice(t, "tenant-1", "dev-a")

		first, err := env.leases.Acquire(ctx, devA, false)
		require.NoError(t, err)
		second, err := env.leases.Acquire(ctx, devA, false)
		require.NoError(t, err)
		assert.NotEqual(t, first.Lease.ID, second.Lease.ID)

		old, err := env.leaseRepo.FindByID(ctx, first.Lease.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ReleaseReasonReacquired, *old.ReleaseReason)
		assert.Equal(t, 1, countActive(t, env, "tenant-1"))
	})

	t.Run("expired lease counts as absent", func(t *testing.T) {
		env := newTestEnv(t)
		devA, _ := env.pairDevice(t, "tenant-1", "dev-a")
		devB, _ := env.pairDevice(t, "tenant-1", "dev-b")

		first, err := env.leases.Acquire(ctx, devA, false)
		require.NoError(t, err)

		env.clock.Advance(time.Minute)
		_, err = env.leases.Acquire(ctx, devB, false)
		require.NoError(t, err)

		old, err := env.leaseRepo.FindByID(ctx, first.Lease.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ReleaseReasonExpired, *old.ReleaseReason)
	})

	t.Run("tenants do not contend", func(t *testing.T) {
		env := newTestEnv(t)
		devA, _ := env.pairDevice(t, "tenant-1", "dev-a")
		devB, _ := env.pairDevice(t, "tenant-2", "dev-b")

		_, err := env.leases.Acquire(ctx, devA, false)
		require.NoError(t, err)
		_, err = env.leases.Acquire(ctx, devB, false)
		require.NoError(t, err)
	})

	t.Run("concurrent acquires yield one winner", func(t *testing.T) {
		env := newTestEnv(t)

		const n = 8
		devices := make([]*model.Device, n)
		for i := range devices {
			devices[i], _ = env.pairDevice(t, "tenant-1", fmt.Sprintf("dev-%d", i))
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for _, d := range devices {
			d := d
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := env.leases.Acquire(ctx, d, false)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if apperrors.HasCode(err, apperrors.ErrCodeLeaseConflict) {
					conflicts++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, n-1, conflicts)
		assert.Equal(t, 1, countActive(t, env, "tenant-1"))
	})
}

func TestLeaseService_AtMostOneActive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	devA, _ := env.pairDevice(t, "tenant-1", "dev-a")
	devB, _ := env.pairDevice(t, "tenant-1", "dev-b")

	steps := []func() error{
		func() error { _, err := env.leases.Acquire(ctx, devA, false); return err },
		func() error { _, err := env.leases.Acquire(ctx, devB, false); return err },
		func() error { _, err := env.leases.Acquire(ctx, devB, true); return err },
		func() error { _, err := env.leases.Acquire(ctx, devA, false); return err },
		func() error { _, err := env.leases.ForceRelease(ctx, "tenant-1", "reset"); return err },
		func() error { _, err := env.leases.Acquire(ctx, devA, false); return err },
		func() error { env.clock.Advance(2 * time.Minute); return nil },
		func() error { _, err := env.leases.Acquire(ctx, devB, false); return err },
		func() error { _, err := env.leases.Acquire(ctx, devB, false); return err },
	}

	for i, step := range steps {
		_ = step()
		assert.LessOrEqual(t, countActive(t, env, "tenant-1"), 1, "step %d", i)
	}
}

func TestLeaseService_Heartbeat(t *testing.T) {
	ctx := context.Background()

	t.Run("extends expiry and records report", func(t *testing.T) {
		env := newTestEnv(t)
		device, _ := env.pairDevice(t, "tenant-1", "dev-a")
		acq, err := env.leases.Acquire(ctx, device, false)
		require.NoError(t, err)

		env.clock.Advance(40 * time.Second)
		lease, err := env.leases.Heartbeat(ctx, HeartbeatParams{
			LeaseID:    acq.Lease.ID,
			Token:      acq.Token,
			CurrentURL: strPtr("https://web.example.com/"),
			Status:     strPtr("ready"),
		})
		require.NoError(t, err)
		assert.True(t, lease.ExpiresAt.Equal(env.clock.Now().Add(time.Minute)))
		assert.Equal(t, "ready", *lease.AgentStatus)
		require.NotNil(t, lease.LastHeartbeatAt)

		env.clock.Advance(40 * time.Second)
		_, err = env.leases.Heartbeat(ctx, HeartbeatParams{LeaseID: acq.Lease.ID, Token: acq.Token})
		assert.NoError(t, err)
	})

	t.Run("after ttl the lease is gone", func(t *testing.T) {
		env := newTestEnv(t)
		device, _ := env.pairDevice(t, "tenant-1", "dev-a")
		acq, err := env.leases.Acquire(ctx, device, false)
		require.NoError(t, err)

		env.clock.Advance(time.Minute)
		_, err = env.leases.Heartbeat(ctx, HeartbeatParams{LeaseID: acq.Lease.ID, Token: acq.Token})
		requireCode(t, err, apperrors.ErrCodeLeaseExpired)

		active, err := env.leases.GetActive(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Nil(t, active)
	})

	t.Run("wrong token", func(t *testing.T) {
		env := newTestEnv(t)
		device, _ := env.pairDevice(t, "tenant-1", "dev-a")
		acq, err := env.leases.Acquire(ctx, device, false)
		require.NoError(t, err)

		_, err = env.leases.Heartbeat(ctx, HeartbeatParams{LeaseID: acq.Lease.ID, Token: "nope"})
		requireCode(t, err, apperrors.ErrCodeInvalidLeaseToken)

		_, err = env.leases.Heartbeat(ctx, HeartbeatParams{LeaseID: "missing", Token: acq.Token})
		requireCode(t, err, apperrors.ErrCodeInvalidLeaseToken)
	})
}

func TestLeaseService_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("release requires the secret and is idempotent", func(t *testing.T) {
		env := newTestEnv(t)
		device, _ := env.pairDevice(t, "tenant-1", "dev-a")
		acq, err := env.leases.Acquire(ctx, device, false)
		require.NoError(t, err)

		requireCode(t, env.leases.Release(ctx, acq.Lease.ID, "wrong", "done"), apperrors.ErrCodeInvalidLeaseToken)

		require.NoError(t, env.leases.Release(ctx, acq.Lease.ID, acq.Token, "tab closed"))
		require.NoError(t, env.leases.Release(ctx, acq.Lease.ID, acq.Token, "tab closed"))

		_, err = env.leases.Heartbeat(ctx, HeartbeatParams{LeaseID: acq.Lease.ID, Token: acq.Token})
		requireCode(t, err, apperrors.ErrCodeLeaseExpired)

		active, err := env.leases.GetActive(ctx, "tenant-1")
		require.NoError(t, err)
		assert.Nil(t, active)
	})

	t.Run("force release bypasses the secret", func(t *testing.T) {
		env := newTestEnv(t)
		device, _ := env.pairDevice(t, "tenant-1", "dev-a")
		acq, err := env.leases.Acquire(ctx, device, false)
		require.NoError(t, err)

		released, err := env.leases.ForceRelease(ctx, "tenant-1", "operator reset")
		require.NoError(t, err)
		require.NotNil(t, released)
		assert.Equal(t, acq.Lease.ID, released.ID)
		assert.Equal(t, model.ReleaseReasonOperator, *released.ReleaseReason)

		none, err := env.leases.ForceRelease(ctx, "tenant-1", "again")
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}

func TestLeaseService_Authenticate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	device, _ := env.pairDevice(t, "tenant-1", "dev-a")
	acq, err := env.leases.Acquire(ctx, device, false)
	require.NoError(t, err)

	lease, err := env.leases.Authenticate(ctx, acq.Lease.ID, acq.Token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", lease.TenantID)

	_, err = env.leases.Authenticate(ctx, "", acq.Token)
	requireCode(t, err, apperrors.ErrCodeInvalidLeaseToken)

	env.clock.Advance(2 * time.Minute)
	_, err = env.leases.Authenticate(ctx, acq.Lease.ID, acq.Token)
	requireCode(t, err, apperrors.ErrCodeLeaseExpired)

	stored, err := env.leaseRepo.FindByID(ctx, acq.Lease.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseStatusReleased, stored.Status)
}
