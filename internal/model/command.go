package model

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

type Command struct {
	ID             string         `db:"id" json:"id"`
	TenantID       string         `db:"tenant_id" json:"tenantId"`
	Type           string         `db:"command_type" json:"type"`
	Payload        types.JSONText `db:"payload" json:"payload"`
	Priority       int            `db:"priority" json:"priority"`
	Status         CommandStatus  `db:"status" json:"status"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
	ExpiresAt      time.Time      `db:"expires_at" json:"expiresAt"`
	AcknowledgedAt *time.Time     `db:"acknowledged_at" json:"acknowledgedAt,omitempty"`
	CompletedAt    *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
	Result         types.JSONText `db:"result" json:"result,omitempty"`
	ErrorMessage   *string        `db:"error_message" json:"errorMessage,omitempty"`
}

// EffectiveStatus applies lazy expiry: pending or acknowledged commands past
// their expiry read as expired. Terminal states never change.
func (c *Command) EffectiveStatus(now time.Time) CommandStatus {
	if !c.Status.IsTerminal() && !now.Before(c.ExpiresAt) {
		return CommandStatusExpired
	}
	return c.Status
}

type CreateCommandParams struct {
	ID        string
	TenantID  string
	Type      string
	Payload   types.JSONText
	Priority  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

type CompleteCommandParams struct {
	ID           string
	Status       CommandStatus
	Result       types.JSONText
	ErrorMessage *string
	Now          time.Time
}
