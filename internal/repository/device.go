package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/agent-coordinator/internal/database"
	"github.com/openclaw/agent-coordinator/internal/model"
)

type DeviceRepository interface {
	FindByID(ctx context.Context, id string) (*model.Device, error)
	FindByTenantAndID(ctx context.Context, tenantID, id string) (*model.Device, error)
	ListByTenantID(ctx context.Context, tenantID string) ([]model.Device, error)
	Upsert(ctx context.Context, params model.UpsertDeviceParams) (*model.Device, error)
	TouchLastSeen(ctx context.Context, id string, now time.Time) error
	Revoke(ctx context.Context, tenantID, id, reason string, now time.Time) (bool, error)
	Delete(ctx context.Context, tenantID, id string) (bool, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) DeviceRepository
}

type deviceRepo struct {
	db database.DBTX
}

func NewDeviceRepository(db *sqlx.DB) DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) WithTx(tx *sqlx.Tx) DeviceRepository {
	return &deviceRepo{db: tx}
}

func (r *deviceRepo) FindByID(ctx context.Context, id string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, r.db.Rebind(`
		SELECT * FROM devices WHERE id = ?
	`), id)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) FindByTenantAndID(ctx context.Context, tenantID, id string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, r.db.Rebind(`
		SELECT * FROM devices WHERE tenant_id = ? AND id = ?
	`), tenantID, id)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) ListByTenantID(ctx context.Context, tenantID string) ([]model.Device, error) {
	devices := []model.Device{}
	err := r.db.SelectContext(ctx, &devices, r.db.Rebind(`
		SELECT * FROM devices
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id
	`), tenantID)
	return devices, err
}

// Upsert registers the device or, when the id already exists, rebinds it to
// the tenant with a fresh token and clears any revocation.
func (r *deviceRepo) Upsert(ctx context.Context, params model.UpsertDeviceParams) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, r.db.Rebind(`
		INSERT INTO devices (
			id, tenant_id, device_name, extension_version, user_agent,
			token_hash, token_expires_at, is_active, last_seen_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, TRUE, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			device_name = excluded.device_name,
			extension_version = excluded.extension_version,
			user_agent = excluded.user_agent,
			token_hash = excluded.token_hash,
			token_expires_at = excluded.token_expires_at,
			is_active = TRUE,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at,
			revoked_at = NULL,
			revoked_reason = NULL
		RETURNING *
	`), params.ID, params.TenantID, params.DeviceName, params.ExtensionVersion, params.UserAgent,
		params.TokenHash, params.TokenExpiresAt, params.Now, params.Now, params.Now)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *deviceRepo) TouchLastSeen(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE devices SET last_seen_at = ?, updated_at = ? WHERE id = ?
	`), now, now, id)
	return err
}

func (r *deviceRepo) Revoke(ctx context.Context, tenantID, id, reason string, now time.Time) (bool, error) {
	return affected(r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE devices SET
			is_active = FALSE,
			revoked_at = ?,
			revoked_reason = ?,
			updated_at = ?
		WHERE tenant_id = ? AND id = ? AND is_active = TRUE
	`), now, reason, now, tenantID, id))
}

func (r *deviceRepo) Delete(ctx context.Context, tenantID, id string) (bool, error) {
	return affected(r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM devices WHERE tenant_id = ? AND id = ?
	`), tenantID, id))
}
