package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS pairing_codes (
		code        TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL,
		consumed_at TIMESTAMPTZ,
		consumed_by TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pairing_codes_tenant ON pairing_codes(tenant_id, expires_at)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id                TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		device_name       TEXT,
		extension_version TEXT,
		user_agent        TEXT,
		token_hash        TEXT NOT NULL,
		token_expires_at  TIMESTAMPTZ NOT NULL,
		is_active         BOOLEAN NOT NULL DEFAULT TRUE,
		last_seen_at      TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL,
		revoked_at        TIMESTAMPTZ,
		revoked_reason    TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_tenant ON devices(tenant_id)`,
	`CREATE TABLE IF NOT EXISTS session_leases (
		id                TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		device_id         TEXT NOT NULL,
		token_hash        TEXT NOT NULL,
		status            TEXT NOT NULL,
		expires_at        TIMESTAMPTZ NOT NULL,
		last_heartbeat_at TIMESTAMPTZ,
		current_url       TEXT,
		agent_status      TEXT,
		last_error        TEXT,
		release_reason    TEXT,
		released_at       TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_session_leases_active ON session_leases(tenant_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_session_leases_device ON session_leases(device_id)`,
	`CREATE TABLE IF NOT EXISTS commands (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		command_type    TEXT NOT NULL,
		payload         JSONB NOT NULL DEFAULT '{}',
		priority        INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL,
		acknowledged_at TIMESTAMPTZ,
		completed_at    TIMESTAMPTZ,
		result          JSONB NOT NULL DEFAULT 'null',
		error_message   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(tenant_id, status, priority DESC, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_completed ON commands(completed_at)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS pairing_codes (
		code        TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		expires_at  TIMESTAMP NOT NULL,
		consumed_at TIMESTAMP,
		consumed_by TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pairing_codes_tenant ON pairing_codes(tenant_id, expires_at)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id                TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		device_name       TEXT,
		extension_version TEXT,
		user_agent        TEXT,
		token_hash        TEXT NOT NULL,
		token_expires_at  TIMESTAMP NOT NULL,
		is_active         BOOLEAN NOT NULL DEFAULT 1,
		last_seen_at      TIMESTAMP,
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL,
		revoked_at        TIMESTAMP,
		revoked_reason    TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_tenant ON devices(tenant_id)`,
	`CREATE TABLE IF NOT EXISTS session_leases (
		id                TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		device_id         TEXT NOT NULL,
		token_hash        TEXT NOT NULL,
		status            TEXT NOT NULL,
		expires_at        TIMESTAMP NOT NULL,
		last_heartbeat_at TIMESTAMP,
		current_url       TEXT,
		agent_status      TEXT,
		last_error        TEXT,
		release_reason    TEXT,
		released_at       TIMESTAMP,
		created_at        TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_session_leases_active ON session_leases(tenant_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_session_leases_device ON session_leases(device_id)`,
	`CREATE TABLE IF NOT EXISTS commands (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		command_type    TEXT NOT NULL,
		payload         TEXT NOT NULL DEFAULT '{}',
		priority        INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		expires_at      TIMESTAMP NOT NULL,
		acknowledged_at TIMESTAMP,
		completed_at    TIMESTAMP,
		result          TEXT NOT NULL DEFAULT 'null',
		error_message   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(tenant_id, status, priority DESC, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_completed ON commands(completed_at)`,
}

// Migrate creates the coordinator tables. Every statement is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if db.IsSQLite() {
		schema = sqliteSchema
	}

	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d: %w", i, err)
		}
	}

	log.Info().Str("driver", db.DriverName()).Int("statements", len(schema)).Msg("database schema up to date")
	return nil
}
