package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Connect("sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestConnectSQLite(t *testing.T) {
	db := newTestDB(t)

	assert.True(t, db.IsSQLite())
	assert.NoError(t, db.Ping(context.Background()))
	assert.Equal(t, "SELECT 1 WHERE a = ?", db.Rebind("SELECT 1 WHERE a = ?"))
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.Migrate(context.Background()))
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db := newTestDB(t)
		now := time.Now().UTC()

		err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO pairing_codes (code, tenant_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
				"ABCD-EFGH", "tenant-1", now, now)
			return err
		})
		require.NoError(t, err)

		var count int
		require.NoError(t, db.GetContext(ctx, &count, `SELECT COUNT(*) FROM pairing_codes`))
		assert.Equal(t, 1, count)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db := newTestDB(t)
		now := time.Now().UTC()
		boom := errors.New("boom")

		err := db.WithTx(ctx, func(tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO pairing_codes (code, tenant_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
				"ABCD-EFGH", "tenant-1", now, now)
			require.NoError(t, err)
			return boom
		})
		assert.ErrorIs(t, err, boom)

		var count int
		require.NoError(t, db.GetContext(ctx, &count, `SELECT COUNT(*) FROM pairing_codes`))
		assert.Equal(t, 0, count)
	})
}

func TestActiveLeaseUniqueIndex(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.Now().UTC()

	insert := `INSERT INTO session_leases (id, tenant_id, device_id, token_hash, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := db.ExecContext(ctx, insert, "l1", "tenant-1", "d1", "h", "active", now, now)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, insert, "l2", "tenant-1", "d2", "h", "active", now, now)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	_, err = db.ExecContext(ctx, insert, "l3", "tenant-1", "d2", "h", "released", now, now)
	assert.NoError(t, err)

	_, err = db.ExecContext(ctx, insert, "l4", "tenant-2", "d3", "h", "active", now, now)
	assert.NoError(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("connection refused")))
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.True(t, IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: session_leases.tenant_id (2067)")))
}
