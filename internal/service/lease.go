package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-coordinator/internal/audit"
	"github.com/openclaw/agent-coordinator/internal/database"
	apperrors "github.com/openclaw/agent-coordinator/internal/errors"
	"github.com/openclaw/agent-coordinator/internal/model"
	"github.com/openclaw/agent-coordinator/internal/repository"
	"github.com/openclaw/agent-coordinator/internal/sse"
	"github.com/openclaw/agent-coordinator/internal/util"
)

const DefaultLeaseTTL = 60 * time.Second

type AcquireResult struct {
	Lease             *model.SessionLease
	Token             string
	HeartbeatInterval time.Duration
}

type HeartbeatParams struct {
	LeaseID    string
	Token      string
	CurrentURL *string
	Status     *string
	LastError  *string
}

type LeaseService struct {
	db        TxRunner
	leaseRepo repository.LeaseRepository
	events    EventBroker
	ttl       time.Duration
	now       func() time.Time
}

func NewLeaseService(
	db TxRunner,
	leaseRepo repository.LeaseRepository,
	events EventBroker,
	ttl time.Duration,
) *LeaseService {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &LeaseService{
		db:        db,
		leaseRepo: leaseRepo,
		events:    events,
		ttl:       ttl,
		now:       utcNow,
	}
}

// HeartbeatInterval is the renewal cadence recommended to agents.
func (s *LeaseService) HeartbeatInterval() time.Duration {
	return s.ttl / 3
}

// Acquire grants the tenant's lease to an authenticated device. An expired
// lease counts as absent, the same device may re-acquire, and another
// device's live lease is only displaced when forceTakeover is set.
func (s *LeaseService) Acquire(ctx context.Context, device *model.Device, forceTakeover bool) (*AcquireResult, error) {
	token, err := util.GenerateToken()
	if err != nil {
		return nil, storeError("acquire_lease", device.TenantID, fmt.Errorf("generate token: %w", err))
	}

	now := s.now()
	var lease, previous *model.SessionLease
	var previousReason model.ReleaseReason

	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		leases := s.leaseRepo.WithTx(tx)

		current, err := leases.FindActiveByTenantID(ctx, device.TenantID)
		if err != nil {
			return fmt.Errorf("find active lease: %w", err)
		}

		if current != nil {
			switch {
			case !current.IsLive(now):
				previousReason = model.ReleaseReasonExpired
			case current.DeviceID == device.ID:
				previousReason = model.ReleaseReasonReacquired
			case forceTakeover:
				previousReason = model.ReleaseReasonForced
			default:
				return apperrors.LeaseConflict(current.DeviceID)
			}

			ok, err := leases.Release(ctx, current.ID, previousReason, now)
			if err != nil {
				return fmt.Errorf("release previous lease: %w", err)
			}
			if !ok {
				return apperrors.LeaseConflict(current.DeviceID)
			}
			previous = current
		}

		lease, err = leases.Create(ctx, model.CreateLeaseParams{
			ID:        uuid.NewString(),
			TenantID:  device.TenantID,
			DeviceID:  device.ID,
			TokenHash: util.HashToken(token),
			ExpiresAt: now.Add(s.ttl),
			Now:       now,
		})
		if database.IsUniqueViolation(err) {
			return apperrors.LeaseConflict("")
		}
		if err != nil {
			return fmt.Errorf("create lease: %w", err)
		}
		return nil
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeLeaseConflict) {
			log.Info().
				Str("tenantId", device.TenantID).
				Str("deviceId", device.ID).
				Msg("lease acquire rejected: held by another device")
		}
		return nil, storeError("acquire_lease", device.TenantID, err)
	}

	if previous != nil {
		publish(ctx, s.events, device.TenantID, sse.EventLeaseReleased, map[string]any{
			"leaseId":  previous.ID,
			"deviceId": previous.DeviceID,
			"reason":   previousReason,
		})
		if previousReason == model.ReleaseReasonForced {
			audit.Log(ctx, audit.Event{
				Type:     audit.EventLeaseTakeover,
				TenantID: device.TenantID,
				DeviceID: device.ID,
				Details:  map[string]interface{}{"previousDeviceId": previous.DeviceID},
			})
		}
	}
	publish(ctx, s.events, device.TenantID, sse.EventLeaseAcquired, map[string]any{
		"leaseId":   lease.ID,
		"deviceId":  lease.DeviceID,
		"expiresAt": lease.ExpiresAt,
	})

	log.Info().
		Str("tenantId", device.TenantID).
		Str("deviceId", device.ID).
		Str("leaseId", lease.ID).
		Bool("forceTakeover", forceTakeover).
		Msg("lease acquired")

	return &AcquireResult{
		Lease:             lease,
		Token:             token,
		HeartbeatInterval: s.HeartbeatInterval(),
	}, nil
}

// Heartbeat renews a live lease by one TTL and records the agent's report.
func (s *LeaseService) Heartbeat(ctx context.Context, params HeartbeatParams) (*model.SessionLease, error) {
	lease, err := s.Authenticate(ctx, params.LeaseID, params.Token)
	if err != nil {
		return nil, err
	}

	now := s.now()
	updated, err := s.leaseRepo.Heartbeat(ctx, model.HeartbeatParams{
		ID:          lease.ID,
		ExpiresAt:   now.Add(s.ttl),
		CurrentURL:  params.CurrentURL,
		AgentStatus: params.Status,
		LastError:   params.LastError,
		Now:         now,
	})
	if err != nil {
		return nil, storeError("heartbeat", lease.TenantID, err)
	}
	if updated == nil {
		// Released or expired between the read and the update.
		return nil, apperrors.LeaseExpired("")
	}
	return updated, nil
}

// Authenticate checks lease credentials and that the lease is still live.
func (s *LeaseService) Authenticate(ctx context.Context, leaseID, token string) (*model.SessionLease, error) {
	if leaseID == "" || token == "" {
		return nil, apperrors.InvalidLeaseToken()
	}

	lease, err := s.leaseRepo.FindByID(ctx, leaseID)
	if err != nil {
		return nil, storeError("authenticate_lease", "", err)
	}
	if lease == nil || !util.TokenMatches(lease.TokenHash, token) {
		return nil, apperrors.InvalidLeaseToken()
	}

	now := s.now()
	switch lease.EffectiveStatus(now) {
	case model.LeaseStatusReleased:
		reason := ""
		if lease.ReleaseReason != nil {
			reason = string(*lease.ReleaseReason)
		}
		return nil, apperrors.LeaseExpired(reason)
	case model.LeaseStatusExpired:
		if _, err := s.leaseRepo.Release(ctx, lease.ID, model.ReleaseReasonExpired, now); err != nil {
			log.Warn().Err(err).Str("leaseId", lease.ID).Msg("failed to materialise expired lease")
		}
		return nil, apperrors.LeaseExpired(string(model.ReleaseReasonExpired))
	}

	return lease, nil
}

// Release ends the caller's own lease. Releasing a lease that is already
// released succeeds.
func (s *LeaseService) Release(ctx context.Context, leaseID, token, reason string) error {
	if leaseID == "" || token == "" {
		return apperrors.InvalidLeaseToken()
	}

	lease, err := s.leaseRepo.FindByID(ctx, leaseID)
	if err != nil {
		return storeError("release_lease", "", err)
	}
	if lease == nil || !util.TokenMatches(lease.TokenHash, token) {
		return apperrors.InvalidLeaseToken()
	}

	ok, err := s.leaseRepo.Release(ctx, lease.ID, model.ReleaseReasonReleased, s.now())
	if err != nil {
		return storeError("release_lease", lease.TenantID, err)
	}
	if !ok {
		return nil
	}

	publish(ctx, s.events, lease.TenantID, sse.EventLeaseReleased, map[string]any{
		"leaseId":  lease.ID,
		"deviceId": lease.DeviceID,
		"reason":   model.ReleaseReasonReleased,
		"note":     reason,
	})
	log.Info().
		Str("tenantId", lease.TenantID).
		Str("leaseId", lease.ID).
		Str("reason", reason).
		Msg("lease released")
	return nil
}

// ForceRelease ends the tenant's lease without its secret. It returns the
// released lease, or nil when the tenant had none.
func (s *LeaseService) ForceRelease(ctx context.Context, tenantID, reason string) (*model.SessionLease, error) {
	lease, err := s.leaseRepo.FindActiveByTenantID(ctx, tenantID)
	if err != nil {
		return nil, storeError("force_release_lease", tenantID, err)
	}
	if lease == nil {
		return nil, nil
	}

	now := s.now()
	ok, err := s.leaseRepo.Release(ctx, lease.ID, model.ReleaseReasonOperator, now)
	if err != nil {
		return nil, storeError("force_release_lease", tenantID, err)
	}
	if !ok {
		return nil, nil
	}

	released := model.ReleaseReasonOperator
	lease.Status = model.LeaseStatusReleased
	lease.ReleaseReason = &released
	lease.ReleasedAt = &now

	publish(ctx, s.events, tenantID, sse.EventLeaseReleased, map[string]any{
		"leaseId":  lease.ID,
		"deviceId": lease.DeviceID,
		"reason":   released,
		"note":     reason,
	})
	audit.Log(ctx, audit.Event{
		Type:     audit.EventLeaseForceFree,
		TenantID: tenantID,
		DeviceID: lease.DeviceID,
		Details:  map[string]interface{}{"reason": reason},
	})
	log.Info().Str("tenantId", tenantID).Str("leaseId", lease.ID).Msg("lease force released")
	return lease, nil
}

// GetActive returns the tenant's live lease, or nil when none is live.
func (s *LeaseService) GetActive(ctx context.Context, tenantID string) (*model.SessionLease, error) {
	lease, err := s.leaseRepo.FindActiveByTenantID(ctx, tenantID)
	if err != nil {
		return nil, storeError("get_active_lease", tenantID, err)
	}
	if lease == nil || !lease.IsLive(s.now()) {
		return nil, nil
	}
	return lease, nil
}
