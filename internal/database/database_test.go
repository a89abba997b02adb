package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tvboxd/internal/config"
	"tvboxd/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "state.db")
	db, err := New(config.DatabaseConfig{DSN: dsn, LogLevel: "silent"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_MigratesSchema(t *testing.T) {
	db := openTestDB(t)

	assert.True(t, db.Migrator().HasTable(&models.DeviceIdentity{}))
	assert.True(t, db.Migrator().HasTable(&models.ManifestRecord{}))
}

func TestPing(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.Ping(context.Background()))
}

func TestSqliteDSN(t *testing.T) {
	assert.Contains(t, sqliteDSN("state.db"), "state.db?_pragma=busy_timeout")
	assert.Contains(t, sqliteDSN("state.db?cache=shared"), "state.db?cache=shared&_pragma=busy_timeout")
}
