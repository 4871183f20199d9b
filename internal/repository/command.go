package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/agent-coordinator/internal/database"
	"github.com/openclaw/agent-coordinator/internal/model"
)

type CommandRepository interface {
	FindByID(ctx context.Context, id string) (*model.Command, error)
	FindByTenantAndID(ctx context.Context, tenantID, id string) (*model.Command, error)
	ListPending(ctx context.Context, tenantID string, now time.Time) ([]model.Command, error)
	ListByTenantID(ctx context.Context, tenantID string, limit, offset int) ([]model.Command, error)
	CountByTenantID(ctx context.Context, tenantID string) (int, error)
	Create(ctx context.Context, params model.CreateCommandParams) (*model.Command, error)
	Acknowledge(ctx context.Context, id string, now time.Time) (bool, error)
	Complete(ctx context.Context, params model.CompleteCommandParams) (bool, error)
	Expire(ctx context.Context, id string, now time.Time) (bool, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) CommandRepository
}

type commandRepo struct {
	db database.DBTX
}

func NewCommandRepository(db *sqlx.DB) CommandRepository {
	return &commandRepo{db: db}
}

func (r *commandRepo) WithTx(tx *sqlx.Tx) CommandRepository {
	return &commandRepo{db: tx}
}

func (r *commandRepo) FindByID(ctx context.Context, id string) (*model.Command, error) {
	var cmd model.Command
	err := r.db.GetContext(ctx, &cmd, r.db.Rebind(`
		SELECT * FROM commands WHERE id = ?
	`), id)
	return HandleNotFound(&cmd, err)
}

func (r *commandRepo) FindByTenantAndID(ctx context.Context, tenantID, id string) (*model.Command, error) {
	var cmd model.Command
	err := r.db.GetContext(ctx, &cmd, r.db.Rebind(`
		SELECT * FROM commands WHERE tenant_id = ? AND id = ?
	`), tenantID, id)
	return HandleNotFound(&cmd, err)
}

// ListPending returns pending commands with time left, highest priority
// first and oldest first within a priority.
func (r *commandRepo) ListPending(ctx context.Context, tenantID string, now time.Time) ([]model.Command, error) {
	commands := []model.Command{}
	err := r.db.SelectContext(ctx, &commands, r.db.Rebind(`
		SELECT * FROM commands
		WHERE tenant_id = ? AND status = 'pending' AND expires_at > ?
		ORDER BY priority DESC, created_at ASC, id ASC
	`), tenantID, now)
	return commands, err
}

func (r *commandRepo) ListByTenantID(ctx context.Context, tenantID string, limit, offset int) ([]model.Command, error) {
	commands := []model.Command{}
	err := r.db.SelectContext(ctx, &commands, r.db.Rebind(`
		SELECT * FROM commands
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`), tenantID, limit, offset)
	return commands, err
}

func (r *commandRepo) CountByTenantID(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`
		SELECT COUNT(*) FROM commands WHERE tenant_id = ?
	`), tenantID)
	return count, err
}

func (r *commandRepo) Create(ctx context.Context, params model.CreateCommandParams) (*model.Command, error) {
	var cmd model.Command
	err := r.db.GetContext(ctx, &cmd, r.db.Rebind(`
		INSERT INTO commands (id, tenant_id, command_type, payload, priority, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
		RETURNING *
	`), params.ID, params.TenantID, params.Type, params.Payload, params.Priority,
		params.CreatedAt, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (r *commandRepo) Acknowledge(ctx context.Context, id string, now time.Time) (bool, error) {
	return affected(r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE commands SET
			status = 'acknowledged',
			acknowledged_at = ?
		WHERE id = ? AND status = 'pending' AND expires_at > ?
	`), now, id, now))
}

// Complete writes the terminal outcome. Only the first terminal write
// matches; later calls report false and leave the stored result untouched.
func (r *commandRepo) Complete(ctx context.Context, params model.CompleteCommandParams) (bool, error) {
	return affected(r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE commands SET
			status = ?,
			result = ?,
			error_message = ?,
			completed_at = ?
		WHERE id = ? AND status IN ('pending', 'acknowledged') AND expires_at > ?
	`), params.Status, params.Result, params.ErrorMessage, params.Now, params.ID, params.Now))
}

// Expire forces a non-terminal command into the expired state regardless of
// its remaining TTL.
func (r *commandRepo) Expire(ctx context.Context, id string, now time.Time) (bool, error) {
	return affected(r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE commands SET
			status = 'expired',
			completed_at = ?
		WHERE id = ? AND status IN ('pending', 'acknowledged')
	`), now, id))
}

func (r *commandRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE commands SET
			status = 'expired',
			completed_at = expires_at
		WHERE status IN ('pending', 'acknowledged') AND expires_at <= ?
	`), now))
}

func (r *commandRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM commands
		WHERE status IN ('completed', 'failed', 'expired') AND completed_at < ?
	`), cutoff))
}
