package model

import (
	"time"
)

type PairingCode struct {
	Code       string     `db:"code" json:"code"`
	TenantID   string     `db:"tenant_id" json:"tenantId"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expiresAt"`
	ConsumedAt *time.Time `db:"consumed_at" json:"consumedAt,omitempty"`
	ConsumedBy *string    `db:"consumed_by" json:"consumedBy,omitempty"`
}

type CreatePairingCodeParams struct {
	Code      string
	TenantID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsUsable reports whether the code can still be redeemed at now.
func (c *PairingCode) IsUsable(now time.Time) bool {
	return c.ConsumedAt == nil && now.Before(c.ExpiresAt)
}
