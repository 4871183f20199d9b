package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-coordinator/internal/audit"
	apperrors "github.com/openclaw/agent-coordinator/internal/errors"
	"github.com/openclaw/agent-coordinator/internal/model"
	"github.com/openclaw/agent-coordinator/internal/repository"
	"github.com/openclaw/agent-coordinator/internal/sse"
	"github.com/openclaw/agent-coordinator/internal/util"
)

const defaultRevokeReason = "revoked by operator"

type DeviceService struct {
	db         TxRunner
	deviceRepo repository.DeviceRepository
	leaseRepo  repository.LeaseRepository
	events     EventBroker
	now        func() time.Time
}

func NewDeviceService(
	db TxRunner,
	deviceRepo repository.DeviceRepository,
	leaseRepo repository.LeaseRepository,
	events EventBroker,
) *DeviceService {
	return &DeviceService{
		db:         db,
		deviceRepo: deviceRepo,
		leaseRepo:  leaseRepo,
		events:     events,
		now:        utcNow,
	}
}

func (s *DeviceService) List(ctx context.Context, tenantID string) ([]model.Device, error) {
	devices, err := s.deviceRepo.ListByTenantID(ctx, tenantID)
	if err != nil {
		return nil, storeError("list_devices", tenantID, err)
	}
	return devices, nil
}

// Revoke deactivates the device and ends any lease it holds. Revoking an
// already revoked device is a no-op.
func (s *DeviceService) Revoke(ctx context.Context, tenantID, deviceID, reason string) error {
	if reason == "" {
		reason = defaultRevokeReason
	}
	now := s.now()
	var released *model.SessionLease
	revoked := false

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		devices := s.deviceRepo.WithTx(tx)
		ok, err := devices.Revoke(ctx, tenantID, deviceID, reason, now)
		if err != nil {
			return fmt.Errorf("revoke device: %w", err)
		}
		if !ok {
			existing, err := devices.FindByTenantAndID(ctx, tenantID, deviceID)
			if err != nil {
				return fmt.Errorf("find device: %w", err)
			}
			if existing == nil {
				return apperrors.NotFound("Device")
			}
			return nil
		}

		revoked = true
		released, err = s.releaseDeviceLease(ctx, tx, tenantID, deviceID, now)
		return err
	})
	if err != nil {
		return storeError("revoke_device", tenantID, err)
	}
	if !revoked {
		return nil
	}

	s.announceRemoval(ctx, tenantID, deviceID, released)
	audit.Log(ctx, audit.Event{
		Type:     audit.EventDeviceRevoke,
		TenantID: tenantID,
		DeviceID: deviceID,
		Details:  map[string]interface{}{"reason": reason},
	})
	log.Info().Str("tenantId", tenantID).Str("deviceId", deviceID).Str("reason", reason).Msg("device revoked")
	return nil
}

// Delete purges the device record and ends any lease it holds.
func (s *DeviceService) Delete(ctx context.Context, tenantID, deviceID string) error {
	now := s.now()
	var released *model.SessionLease

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		released, err = s.releaseDeviceLease(ctx, tx, tenantID, deviceID, now)
		if err != nil {
			return err
		}

		ok, err := s.deviceRepo.WithTx(tx).Delete(ctx, tenantID, deviceID)
		if err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
		if !ok {
			return apperrors.NotFound("Device")
		}
		return nil
	})
	if err != nil {
		return storeError("delete_device", tenantID, err)
	}

	s.announceRemoval(ctx, tenantID, deviceID, released)
	audit.Log(ctx, audit.Event{
		Type:     audit.EventDeviceDelete,
		TenantID: tenantID,
		DeviceID: deviceID,
	})
	log.Info().Str("tenantId", tenantID).Str("deviceId", deviceID).Msg("device deleted")
	return nil
}

// ValidateDeviceToken authenticates raw device credentials. Every lease
// operation that accepts a device token goes through here first.
func (s *DeviceService) ValidateDeviceToken(ctx context.Context, deviceID, token string) (*model.Device, error) {
	if deviceID == "" || token == "" {
		return nil, apperrors.InvalidDeviceToken()
	}

	device, err := s.deviceRepo.FindByID(ctx, deviceID)
	if err != nil {
		return nil, storeError("validate_device", "", err)
	}
	if device == nil || !util.TokenMatches(device.TokenHash, token) {
		audit.Log(ctx, audit.Event{Type: audit.EventDeviceAuthFail, DeviceID: deviceID})
		return nil, apperrors.InvalidDeviceToken()
	}
	if !device.IsActive {
		return nil, apperrors.DeviceRevoked()
	}

	now := s.now()
	if !now.Before(device.TokenExpiresAt) {
		return nil, apperrors.TokenExpired()
	}

	if err := s.deviceRepo.TouchLastSeen(ctx, device.ID, now); err != nil {
		log.Warn().Err(err).Str("deviceId", device.ID).Msg("failed to refresh device last seen")
	} else {
		device.LastSeenAt = &now
	}

	return device, nil
}

func (s *DeviceService) releaseDeviceLease(ctx context.Context, tx *sqlx.Tx, tenantID, deviceID string, now time.Time) (*model.SessionLease, error) {
	leases := s.leaseRepo.WithTx(tx)
	lease, err := leases.FindActiveByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("find device lease: %w", err)
	}
	if lease == nil || lease.TenantID != tenantID {
		return nil, nil
	}
	if _, err := leases.Release(ctx, lease.ID, model.ReleaseReasonDeviceRevoked, now); err != nil {
		return nil, fmt.Errorf("release device lease: %w", err)
	}
	return lease, nil
}

func (s *DeviceService) announceRemoval(ctx context.Context, tenantID, deviceID string, released *model.SessionLease) {
	if released != nil {
		publish(ctx, s.events, tenantID, sse.EventLeaseReleased, map[string]any{
			"leaseId":  released.ID,
			"deviceId": deviceID,
			"reason":   model.ReleaseReasonDeviceRevoked,
		})
	}
	publish(ctx, s.events, tenantID, sse.EventDeviceRevoked, map[string]any{
		"deviceId": deviceID,
	})
}
