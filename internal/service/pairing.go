package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
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

const (
	pairingCodeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	maxCodeAttempts       = 10
	DefaultPairingCodeTTL = 5 * time.Minute
	DefaultDeviceTokenTTL = 30 * 24 * time.Hour
)

type PairingConfig struct {
	CodeTTL  time.Duration
	TokenTTL time.Duration
}

type CompletePairingParams struct {
	Code             string
	DeviceID         string
	DeviceName       *string
	ExtensionVersion *string
	UserAgent        *string
}

type PairingResult struct {
	Device         *model.Device
	Token          string
	TokenExpiresAt time.Time
}

type PairingService struct {
	db         TxRunner
	codeRepo   repository.PairingCodeRepository
	deviceRepo repository.DeviceRepository
	leaseRepo  repository.LeaseRepository
	events     EventBroker
	cfg        PairingConfig
	now        func() time.Time
}

func NewPairingService(
	db TxRunner,
	codeRepo repository.PairingCodeRepository,
	deviceRepo repository.DeviceRepository,
	leaseRepo repository.LeaseRepository,
	events EventBroker,
	cfg PairingConfig,
) *PairingService {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultPairingCodeTTL
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultDeviceTokenTTL
	}
	return &PairingService{
		db:         db,
		codeRepo:   codeRepo,
		deviceRepo: deviceRepo,
		leaseRepo:  leaseRepo,
		events:     events,
		cfg:        cfg,
		now:        utcNow,
	}
}

// StartPairing replaces any live code of the tenant with a fresh one.
func (s *PairingService) StartPairing(ctx context.Context, tenantID string) (*model.PairingCode, error) {
	if tenantID == "" {
		return nil, apperrors.MissingRequired("tenantId")
	}

	now := s.now()
	var pc *model.PairingCode

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		codes := s.codeRepo.WithTx(tx)

		if err := codes.LockTenant(ctx, tenantID); err != nil {
			return fmt.Errorf("lock tenant codes: %w", err)
		}
		if _, err := codes.InvalidateActive(ctx, tenantID, now); err != nil {
			return fmt.Errorf("invalidate codes: %w", err)
		}

		var code string
		for attempts := 0; attempts < maxCodeAttempts; attempts++ {
			candidate := generateRandomCode()
			existing, err := codes.FindByCode(ctx, candidate)
			if err != nil {
				return fmt.Errorf("find code: %w", err)
			}
			if existing == nil {
				code = candidate
				break
			}
		}
		if code == "" {
			return fmt.Errorf("no unique pairing code after %d attempts", maxCodeAttempts)
		}

		created, err := codes.Create(ctx, model.CreatePairingCodeParams{
			Code:      code,
			TenantID:  tenantID,
			CreatedAt: now,
			ExpiresAt: now.Add(s.cfg.CodeTTL),
		})
		if err != nil {
			return fmt.Errorf("create pairing code: %w", err)
		}
		pc = created
		return nil
	})
	if err != nil {
		return nil, storeError("start_pairing", tenantID, err)
	}

	log.Info().
		Str("code", util.MaskCode(pc.Code)).
		Str("tenantId", tenantID).
		Time("expiresAt", pc.ExpiresAt).
		Msg("pairing code created")

	return pc, nil
}

// CompletePairing redeems a code and registers the device under the code's
// tenant. The returned token is never stored and cannot be recovered.
func (s *PairingService) CompletePairing(ctx context.Context, params CompletePairingParams) (*PairingResult, error) {
	code := NormalizePairingCode(params.Code)
	if code == "" {
		return nil, apperrors.MissingRequired("code")
	}
	if params.DeviceID == "" {
		return nil, apperrors.MissingRequired("deviceId")
	}
	if !util.IsValidDeviceID(params.DeviceID) {
		return nil, apperrors.InvalidInput("deviceId", "must be 1-128 characters of letters, digits, '.', '_', ':' or '-'")
	}

	token, err := util.GenerateToken()
	if err != nil {
		return nil, storeError("complete_pairing", "", fmt.Errorf("generate token: %w", err))
	}

	now := s.now()
	tokenExpiresAt := now.Add(s.cfg.TokenTTL)
	var device *model.Device
	var displaced *model.SessionLease

	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		pc, err := s.codeRepo.WithTx(tx).Consume(ctx, code, params.DeviceID, now)
		if err != nil {
			return fmt.Errorf("consume code: %w", err)
		}
		if pc == nil {
			return apperrors.InvalidPairingCode()
		}

		// A device that moves to another tenant gives up the lease it held.
		leases := s.leaseRepo.WithTx(tx)
		held, err := leases.FindActiveByDeviceID(ctx, params.DeviceID)
		if err != nil {
			return fmt.Errorf("find device lease: %w", err)
		}
		if held != nil && held.TenantID != pc.TenantID {
			if _, err := leases.Release(ctx, held.ID, model.ReleaseReasonDeviceRevoked, now); err != nil {
				return fmt.Errorf("release device lease: %w", err)
			}
			displaced = held
		}

		device, err = s.deviceRepo.WithTx(tx).Upsert(ctx, model.UpsertDeviceParams{
			ID:               params.DeviceID,
			TenantID:         pc.TenantID,
			DeviceName:       params.DeviceName,
			ExtensionVersion: params.ExtensionVersion,
			UserAgent:        params.UserAgent,
			TokenHash:        util.HashToken(token),
			TokenExpiresAt:   tokenExpiresAt,
			Now:              now,
		})
		if err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}
		return nil
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeInvalidPairingCode) {
			log.Warn().Str("code", util.MaskCode(code)).Str("deviceId", params.DeviceID).Msg("invalid pairing code")
			audit.Log(ctx, audit.Event{
				Type:     audit.EventPairingFailure,
				DeviceID: params.DeviceID,
				Details:  map[string]interface{}{"code": util.MaskCode(code)},
			})
		}
		return nil, storeError("complete_pairing", "", err)
	}

	if displaced != nil {
		publish(ctx, s.events, displaced.TenantID, sse.EventLeaseReleased, map[string]any{
			"leaseId":  displaced.ID,
			"deviceId": displaced.DeviceID,
			"reason":   model.ReleaseReasonDeviceRevoked,
		})
	}
	publish(ctx, s.events, device.TenantID, sse.EventDevicePaired, map[string]any{
		"deviceId":   device.ID,
		"deviceName": device.DeviceName,
	})

	audit.Log(ctx, audit.Event{
		Type:     audit.EventPairingComplete,
		TenantID: device.TenantID,
		DeviceID: device.ID,
	})
	log.Info().
		Str("tenantId", device.TenantID).
		Str("deviceId", device.ID).
		Msg("device paired")

	return &PairingResult{
		Device:         device,
		Token:          token,
		TokenExpiresAt: tokenExpiresAt,
	}, nil
}

// ListActiveCode returns the tenant's live code, or nil when there is none.
func (s *PairingService) ListActiveCode(ctx context.Context, tenantID string) (*model.PairingCode, error) {
	pc, err := s.codeRepo.FindActiveByTenantID(ctx, tenantID, s.now())
	if err != nil {
		return nil, storeError("list_active_code", tenantID, err)
	}
	return pc, nil
}

// NormalizePairingCode upper-cases the input and accepts it with or without
// the separating dash.
func NormalizePairingCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.NewReplacer("-", "", " ", "").Replace(code)
	if len(code) == 8 {
		return code[:4] + "-" + code[4:]
	}
	return code
}

func generateRandomCode() string {
	chars := []byte(pairingCodeChars)
	part1 := make([]byte, 4)
	part2 := make([]byte, 4)

	for i := 0; i < 4; i++ {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		part1[i] = chars[n.Int64()]
	}
	for i := 0; i < 4; i++ {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		part2[i] = chars[n.Int64()]
	}

	return fmt.Sprintf("%s-%s", string(part1), string(part2))
}
