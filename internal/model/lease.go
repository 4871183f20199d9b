package model

import (
	"time"
)

type SessionLease struct {
	ID              string         `db:"id" json:"leaseId"`
	TenantID        string         `db:"tenant_id" json:"tenantId"`
	DeviceID        string         `db:"device_id" json:"deviceId"`
	TokenHash       string         `db:"token_hash" json:"-"`
	Status          LeaseStatus    `db:"status" json:"status"`
	ExpiresAt       time.Time      `db:"expires_at" json:"expiresAt"`
	LastHeartbeatAt *time.Time     `db:"last_heartbeat_at" json:"lastHeartbeatAt,omitempty"`
	CurrentURL      *string        `db:"current_url" json:"currentUrl,omitempty"`
	AgentStatus     *string        `db:"agent_status" json:"agentStatus,omitempty"`
	LastError       *string        `db:"last_error" json:"lastError,omitempty"`
	ReleaseReason   *ReleaseReason `db:"release_reason" json:"releaseReason,omitempty"`
	ReleasedAt      *time.Time     `db:"released_at" json:"releasedAt,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
}

// EffectiveStatus applies lazy expiry: a stored active lease whose expiry has
// passed is reported as expired.
func (l *SessionLease) EffectiveStatus(now time.Time) LeaseStatus {
	if l.Status == LeaseStatusActive && !now.Before(l.ExpiresAt) {
		return LeaseStatusExpired
	}
	return l.Status
}

// IsLive reports whether the lease is active and unexpired at now.
func (l *SessionLease) IsLive(now time.Time) bool {
	return l.EffectiveStatus(now) == LeaseStatusActive
}

type CreateLeaseParams struct {
	ID        string
	TenantID  string
	DeviceID  string
	TokenHash string
	ExpiresAt time.Time
	Now       time.Time
}

type HeartbeatParams struct {
	ID          string
	ExpiresAt   time.Time
	CurrentURL  *string
	AgentStatus *string
	LastError   *string
	Now         time.Time
}
