package model

import (
	"time"
)

type Device struct {
	ID               string     `db:"id" json:"deviceId"`
	TenantID         string     `db:"tenant_id" json:"tenantId"`
	DeviceName       *string    `db:"device_name" json:"deviceName,omitempty"`
	ExtensionVersion *string    `db:"extension_version" json:"extensionVersion,omitempty"`
	UserAgent        *string    `db:"user_agent" json:"userAgent,omitempty"`
	TokenHash        string     `db:"token_hash" json:"-"`
	TokenExpiresAt   time.Time  `db:"token_expires_at" json:"tokenExpiresAt"`
	IsActive         bool       `db:"is_active" json:"isActive"`
	LastSeenAt       *time.Time `db:"last_seen_at" json:"lastSeenAt,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
	RevokedAt        *time.Time `db:"revoked_at" json:"revokedAt,omitempty"`
	RevokedReason    *string    `db:"revoked_reason" json:"revokedReason,omitempty"`
}

type UpsertDeviceParams struct {
	ID               string
	TenantID         string
	DeviceName       *string
	ExtensionVersion *string
	UserAgent        *string
	TokenHash        string
	TokenExpiresAt   time.Time
	Now              time.Time
}
