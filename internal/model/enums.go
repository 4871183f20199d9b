package model

import "strings"

type LeaseStatus string

const (
	LeaseStatusActive   LeaseStatus = "active"
	LeaseStatusReleased LeaseStatus = "released"
	// LeaseStatusExpired is never stored; it is derived from expires_at.
	LeaseStatusExpired LeaseStatus = "expired"
)

type ReleaseReason string

const (
	ReleaseReasonReleased      ReleaseReason = "released"
	ReleaseReasonForced        ReleaseReason = "forced"
	ReleaseReasonOperator      ReleaseReason = "operator"
	ReleaseReasonReacquired    ReleaseReason = "reacquired"
	ReleaseReasonExpired       ReleaseReason = "expired"
	ReleaseReasonDeviceRevoked ReleaseReason = "device_revoked"
)

type CommandStatus string

const (
	CommandStatusPending      CommandStatus = "pending"
	CommandStatusAcknowledged CommandStatus = "acknowledged"
	CommandStatusCompleted    CommandStatus = "completed"
	CommandStatusFailed       CommandStatus = "failed"
	CommandStatusExpired      CommandStatus = "expired"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case CommandStatusCompleted, CommandStatusFailed, CommandStatusExpired:
		return true
	}
	return false
}

type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusFailed  ResultStatus = "failed"
)

// ParseResultStatus maps the agent-reported outcome to a terminal command
// status. Matching ignores case and surrounding space; an empty value means
// success. ok is false for any value outside the known set.
func ParseResultStatus(s string) (status CommandStatus, ok bool) {
	switch ResultStatus(strings.ToLower(strings.TrimSpace(s))) {
	case "", ResultStatusSuccess, "succeeded", "ok", "completed":
		return CommandStatusCompleted, true
	case ResultStatusFailed, "failure", "error":
		return CommandStatusFailed, true
	}
	return "", false
}
