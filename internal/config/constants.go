package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts. WriteTimeout is left unset so the SSE stream and the
// synchronous phone check can outlive it.
const (
	ServerRequestTimeout  = 150 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Command priorities
const (
	DefaultCommandPriority = 0
	SyncCommandPriority    = 10
)

// Busy flags outlive the synchronous wait so a crashed holder cannot wedge a tenant.
const BusyFlagGrace = 10 * time.Second

// Admin key attempt limiting
const (
	AdminMaxAttempts   = 5
	AdminLockoutWindow = 15 * time.Minute
)

// Request body limits
const (
	MaxAgentBodyBytes    = 256 << 10
	MaxOperatorBodyBytes = 64 << 10
)
