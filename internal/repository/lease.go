package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/agent-coordinator/internal/database"
	"github.com/openclaw/agent-coordinator/internal/model"
)

type LeaseRepository interface {
	FindByID(ctx context.Context, id string) (*model.SessionLease, error)
	// FindActiveByTenantID returns the stored active row, which may already be
	// past its expiry.
	FindActiveByTenantID(ctx context.Context, tenantID string) (*model.SessionLease, error)
	FindActiveByDeviceID(ctx context.Context, deviceID string) (*model.SessionLease, error)
	Create(ctx context.Context, params model.CreateLeaseParams) (*model.SessionLease, error)
	Heartbeat(ctx context.Context, params model.HeartbeatParams) (*model.SessionLease, error)
	Release(ctx context.Context, id string, reason model.ReleaseReason, now time.Time) (bool, error)
	ReleaseExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteReleasedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) LeaseRepository
}

type leaseRepo struct {
	db database.DBTX
}

func NewLeaseRepository(db *sqlx.DB) LeaseRepository {
	return &leaseRepo{db: db}
}

func (r *leaseRepo) WithTx(tx *sqlx.Tx) LeaseRepository {
	return &leaseRepo{db: tx}
}

func (r *leaseRepo) FindByID(ctx context.Context, id string) (*model.SessionLease, error) {
	var lease model.SessionLease
	err := r.db.GetContext(ctx, &lease, r.db.Rebind(`
		SELECT * FROM session_leases WHERE id = ?
	`), id)
	return HandleNotFound(&lease, err)
}

func (r *leaseRepo) FindActiveByTenantID(ctx context.Context, tenantID string) (*model.SessionLease, error) {
	var lease model.SessionLease
	err := r.db.GetContext(ctx, &lease, r.db.Rebind(`
		SELECT * FROM session_leases WHERE tenant_id = ? AND status = 'active'
	`), tenantID)
	return HandleNotFound(&lease, err)
}

func (r *leaseRepo) FindActiveByDeviceID(ctx context.Context, deviceID string) (*model.SessionLease, error) {
	var lease model.SessionLease
	err := r.db.GetContext(ctx, &lease, r.db.Rebind(`
		SELECT * FROM session_leases
		WHERE device_id = ? AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`), deviceID)
	return HandleNotFound(&lease, err)
}

// Create inserts a new active lease. The partial unique index on tenant_id
// rejects the insert when another active row exists.
func (r *leaseRepo) Create(ctx context.Context, params model.CreateLeaseParams) (*model.SessionLease, error) {
	var lease model.SessionLease
	err := r.db.GetContext(ctx, &lease, r.db.Rebind(`
		INSERT INTO session_leases (id, tenant_id, device_id, token_hash, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, 'active', ?, ?)
		RETURNING *
	`), params.ID, params.TenantID, params.DeviceID, params.TokenHash, params.ExpiresAt, params.Now)
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

// Heartbeat extends a live lease. It returns nil when the lease is released
// or already past its expiry.
func (r *leaseRepo) Heartbeat(ctx context.Context, params model.HeartbeatParams) (*model.SessionLease, error) {
	var lease model.SessionLease
	err := r.db.GetContext(ctx, &lease, r.db.Rebind(`
		UPDATE session_leases SET
			expires_at = ?,
			last_heartbeat_at = ?,
			current_url = COALESCE(?, current_url),
			agent_status = COALESCE(?, agent_status),
			last_error = ?
		WHERE id = ? AND status = 'active' AND expires_at > ?
		RETURNING *
	`), params.ExpiresAt, params.Now, params.CurrentURL, params.AgentStatus, params.LastError,
		params.ID, params.Now)
	return HandleNotFound(&lease, err)
}

func (r *leaseRepo) Release(ctx context.Context, id string, reason model.ReleaseReason, now time.Time) (bool, error) {
	return affected(r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE session_leases SET
			status = 'released',
			release_reason = ?,
			released_at = ?
		WHERE id = ? AND status = 'active'
	`), reason, now, id))
}

// ReleaseExpired materialises lazily expired leases so the stored status
// matches what readers already observe.
func (r *leaseRepo) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE session_leases SET
			status = 'released',
			release_reason = 'expired',
			released_at = expires_at
		WHERE status = 'active' AND expires_at <= ?
	`), now))
}

func (r *leaseRepo) DeleteReleasedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM session_leases WHERE status = 'released' AND released_at < ?
	`), cutoff))
}
