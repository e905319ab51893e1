package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, name string, profile DatabaseProfile) *DB {
	t.Helper()
	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew_CreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "test.db")
	db, err := New(Config{Path: path, Profile: ProfileStandard, Name: "test"})
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, "test", db.Name())
	assert.Equal(t, ProfileStandard, db.Profile())
}

func TestNew_DefaultsToStandardProfile(t *testing.T) {
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "plain.db"), Name: "plain"})
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, ProfileStandard, db.Profile())
}

func TestMigrate_SelectsSchemaByName(t *testing.T) {
	tests := []struct {
		name  string
		table string
	}{
		{"history", "rebalance_cycles"},
		{"cache", "cache"},
		{"market", "assets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t, tt.name, ProfileStandard)
			require.NoError(t, db.Migrate())

			var count int
			err := db.QueryRow(
				"SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?", tt.table,
			).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, "schema for %s must create %s", tt.name, tt.table)
		})
	}
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db := openTestDB(t, "mystery", ProfileStandard)
	require.NoError(t, db.Migrate())

	var count int
	err := db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type='table'").Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWithTransaction_CommitsOnSuccess(t *testing.T) {
	db := openTestDB(t, "cache", ProfileCache)
	require.NoError(t, db.Migrate())

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO cache (key, value, expires_at) VALUES ('k', x'00', 9999999999)")
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM cache").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := openTestDB(t, "cache", ProfileCache)
	require.NoError(t, db.Migrate())

	boom := errors.New("boom")
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO cache (key, value, expires_at) VALUES ('k', x'00', 9999999999)"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM cache").Scan(&count))
	assert.Zero(t, count, "failed transaction must leave no rows")
}

func TestWithTransaction_RecoversFromPanic(t *testing.T) {
	db := openTestDB(t, "cache", ProfileCache)
	require.NoError(t, db.Migrate())

	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in transaction")
}

func TestWithTransaction_NilConnection(t *testing.T) {
	err := WithTransaction(nil, func(tx *sql.Tx) error { return nil })
	require.Error(t, err)
}

func TestHealthCheck_PassesOnFreshDatabase(t *testing.T) {
	db := openTestDB(t, "history", ProfileHistory)
	require.NoError(t, db.Migrate())
	require.NoError(t, db.HealthCheck(context.Background()))
	require.NoError(t, db.QuickCheck(context.Background()))
}

func TestBackupTo_WritesQueryableCopy(t *testing.T) {
	db := openTestDB(t, "history", ProfileHistory)
	require.NoError(t, db.Migrate())
	_, err := db.Exec(
		"INSERT INTO rebalance_cycles (id, period_index, trigger_date, status) VALUES ('c1', 5, '2024-02-01', 'COMMITTED')",
	)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, db.BackupTo(target))

	copyConn, err := sql.Open("sqlite", target)
	require.NoError(t, err)
	defer copyConn.Close()

	var status string
	require.NoError(t, copyConn.QueryRow("SELECT status FROM rebalance_cycles WHERE id = 'c1'").Scan(&status))
	assert.Equal(t, "COMMITTED", status)
}

func TestGetStats_ReportsPageFigures(t *testing.T) {
	db := openTestDB(t, "market", ProfileStandard)
	require.NoError(t, db.Migrate())

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.PageCount, int64(0))
	assert.Greater(t, stats.PageSize, int64(0))
}
