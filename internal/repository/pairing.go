package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/agent-coordinator/internal/database"
	"github.com/openclaw/agent-coordinator/internal/model"
)

type PairingCodeRepository interface {
	FindByCode(ctx context.Context, code string) (*model.PairingCode, error)
	FindActiveByTenantID(ctx context.Context, tenantID string, now time.Time) (*model.PairingCode, error)
	Create(ctx context.Context, params model.CreatePairingCodeParams) (*model.PairingCode, error)
	InvalidateActive(ctx context.Context, tenantID string, now time.Time) (int64, error)
	// LockTenant serialises code issuance for tenantID until the surrounding
	// transaction ends.
	LockTenant(ctx context.Context, tenantID string) error
	Consume(ctx context.Context, code string, deviceID string, now time.Time) (*model.PairingCode, error)
	DeleteDead(ctx context.Context, now time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) PairingCodeRepository
}

type pairingCodeRepo struct {
	db database.DBTX
}

func NewPairingCodeRepository(db *sqlx.DB) PairingCodeRepository {
	return &pairingCodeRepo{db: db}
}

func (r *pairingCodeRepo) WithTx(tx *sqlx.Tx) PairingCodeRepository {
	return &pairingCodeRepo{db: tx}
}

func (r *pairingCodeRepo) FindByCode(ctx context.Context, code string) (*model.PairingCode, error) {
	var pc model.PairingCode
	err := r.db.GetContext(ctx, &pc, r.db.Rebind(`
		SELECT * FROM pairing_codes WHERE code = ?
	`), code)
	return HandleNotFound(&pc, err)
}

func (r *pairingCodeRepo) FindActiveByTenantID(ctx context.Context, tenantID string, now time.Time) (*model.PairingCode, error) {
	var pc model.PairingCode
	err := r.db.GetContext(ctx, &pc, r.db.Rebind(`
		SELECT * FROM pairing_codes
		WHERE tenant_id = ? AND consumed_at IS NULL AND expires_at > ?
		ORDER BY created_at DESC
		LIMIT 1
	`), tenantID, now)
	return HandleNotFound(&pc, err)
}

func (r *pairingCodeRepo) Create(ctx context.Context, params model.CreatePairingCodeParams) (*model.PairingCode, error) {
	var pc model.PairingCode
	err := r.db.GetContext(ctx, &pc, r.db.Rebind(`
		INSERT INTO pairing_codes (code, tenant_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		RETURNING *
	`), params.Code, params.TenantID, params.CreatedAt, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

func (r *pairingCodeRepo) LockTenant(ctx context.Context, tenantID string) error {
	return database.LockKey(ctx, r.db, "pairing:"+tenantID)
}

// InvalidateActive ends every unconsumed live code of the tenant by pulling
// its expiry back to now.
func (r *pairingCodeRepo) InvalidateActive(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE pairing_codes SET expires_at = ?
		WHERE tenant_id = ? AND consumed_at IS NULL AND expires_at > ?
	`), now, tenantID, now))
}

// Consume atomically marks a live code as used. It returns nil when the code
// is unknown, expired or already consumed.
func (r *pairingCodeRepo) Consume(ctx context.Context, code string, deviceID string, now time.Time) (*model.PairingCode, error) {
	var pc model.PairingCode
	err := r.db.GetContext(ctx, &pc, r.db.Rebind(`
		UPDATE pairing_codes SET
			consumed_at = ?,
			consumed_by = ?
		WHERE code = ? AND consumed_at IS NULL AND expires_at > ?
		RETURNING *
	`), now, deviceID, code, now)
	return HandleNotFound(&pc, err)
}

func (r *pairingCodeRepo) DeleteDead(ctx context.Context, now time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM pairing_codes
		WHERE expires_at <= ? OR consumed_at IS NOT NULL
	`), now))
}
