package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openclaw/agent-coordinator/internal/breaker"
	"github.com/openclaw/agent-coordinator/internal/database"
	apperrors "github.com/openclaw/agent-coordinator/internal/errors"
	"github.com/openclaw/agent-coordinator/internal/model"
	"github.com/openclaw/agent-coordinator/internal/repository"
	"github.com/openclaw/agent-coordinator/internal/sse"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	db          *database.DB
	clock       *testClock
	broker      *sse.Broker
	breakers    *breaker.Registry
	busy        *LocalBusyFlags
	codeRepo    repository.PairingCodeRepository
	deviceRepo  repository.DeviceRepository
	leaseRepo   repository.LeaseRepository
	commandRepo repository.CommandRepository
	pairing     *PairingService
	devices     *DeviceService
	leases      *LeaseService
	commands    *CommandService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Connect("sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	clock := newTestClock()
	broker := sse.NewBroker(nil)
	t.Cleanup(broker.Close)

	env := &testEnv{
		db:          db,
		clock:       clock,
		broker:      broker,
		breakers:    breaker.NewRegistryWithClock(breaker.Config{Threshold: 5, Cooldown: time.Minute}, clock.Now),
		busy:        NewLocalBusyFlags(),
		codeRepo:    repository.NewPairingCodeRepository(db.DB),
		deviceRepo:  repository.NewDeviceRepository(db.DB),
		leaseRepo:   repository.NewLeaseRepository(db.DB),
		commandRepo: repository.NewCommandRepository(db.DB),
	}

	env.pairing = NewPairingService(db, env.codeRepo, env.deviceRepo, env.leaseRepo, broker, PairingConfig{})
	env.pairing.now = clock.Now
	env.devices = NewDeviceService(db, env.deviceRepo, env.leaseRepo, broker)
	env.devices.now = clock.Now
	env.leases = NewLeaseService(db, env.leaseRepo, broker, time.Minute)
	env.leases.now = clock.Now
	env.commands = NewCommandService(env.commandRepo, broker, env.breakers, env.busy, nil, CommandConfig{
		PollInterval: 20 * time.Millisecond,
		SyncTimeout:  2 * time.Second,
	})
	env.commands.now = clock.Now

	return env
}

// pairDevice runs the full pairing flow and returns the device and its token.
func (e *testEnv) pairDevice(t *testing.T, tenantID, deviceID string) (*model.Device, string) {
	t.Helper()
	ctx := context.Background()

	pc, err := e.pairing.StartPairing(ctx, tenantID)
	require.NoError(t, err)

	res, err := e.pairing.CompletePairing(ctx, CompletePairingParams{Code: pc.Code, DeviceID: deviceID})
	require.NoError(t, err)
	return res.Device, res.Token
}

func requireCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, apperrors.GetCode(err), "unexpected error: %v", err)
}

func strPtr(s string) *string {
	return &s
}
