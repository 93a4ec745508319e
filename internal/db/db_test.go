package db

import (
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPragmasApplied(t *testing.T) {
	db := openTemp(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout, synchronous, tempStore, foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	require.NoError(t, db.QueryRow("PRAGMA synchronous").Scan(&synchronous))
	require.NoError(t, db.QueryRow("PRAGMA temp_store").Scan(&tempStore))
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 5000, busyTimeout)
	assert.Equal(t, 1, synchronous, "NORMAL")
	assert.Equal(t, 2, tempStore, "MEMORY")
	assert.Equal(t, 1, foreignKeys)
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n))
	return n > 0
}

func TestOpenMigratesToLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	latest, err := LatestVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	version, dirty, err := db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)
	for _, table := range []string{"runs", "run_iterations", "run_points", "run_image_parameters"} {
		assert.True(t, tableExists(t, db, table), table)
	}

	// Reopening an up-to-date database is a no-op.
	require.NoError(t, db.Close())
	again, err := Open(path)
	require.NoError(t, err)
	again.Close()
}

func TestMigrateDown(t *testing.T) {
	db := openTemp(t)
	require.NoError(t, db.MigrateUp(Migrations()))
	require.NoError(t, db.MigrateDown(Migrations()))

	version, _, err := db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.True(t, tableExists(t, db, "runs"))
	assert.False(t, tableExists(t, db, "run_points"))
}

func TestMigrateVersionBeforeMigrations(t *testing.T) {
	db := openTemp(t)
	version, dirty, err := db.MigrateVersion(Migrations())
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, dirty)
}

func TestMigrateUpFailsOnBadSQL(t *testing.T) {
	db := openTemp(t)
	bad := fstest.MapFS{
		"000001_bad.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE (")},
		"000001_bad.down.sql": &fstest.MapFile{Data: []byte("")},
	}
	err := db.MigrateUp(bad)
	assert.ErrorContains(t, err, "migration up failed")
}

func TestLatestVersionEmpty(t *testing.T) {
	_, err := LatestVersion(fstest.MapFS{"README": &fstest.MapFile{}})
	assert.Error(t, err)
}
