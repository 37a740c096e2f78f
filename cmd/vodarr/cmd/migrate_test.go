package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vodarr/internal/config"
	"github.com/jmylchreest/vodarr/internal/database"
)

func openMigrateTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "vodarr.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 1,
		LogLevel:     "silent",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), &database.Options{PrepareStmt: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateCommands(t *testing.T) {
	db := openMigrateTestDB(t)
	m := db.SchemaMigrator()
	ctx := context.Background()
	var out bytes.Buffer

	require.NoError(t, migrateStatus(ctx, m, &out))
	assert.Contains(t, out.String(), "VERSION")
	assert.Contains(t, out.String(), "2 pending")

	out.Reset()
	require.NoError(t, migrateUp(ctx, m, &out))
	assert.Equal(t, "applied: 001, 002\n", out.String())
	assert.True(t, db.Migrator().HasTable("media_jobs"))

	out.Reset()
	require.NoError(t, migrateUp(ctx, m, &out))
	assert.Equal(t, "schema is up to date\n", out.String())

	out.Reset()
	require.NoError(t, migrateDown(ctx, m, 1, &out))
	assert.Equal(t, "reverted: 002\n", out.String())

	out.Reset()
	require.NoError(t, migrateStatus(ctx, m, &out))
	assert.Regexp(t, `001\s+applied`, out.String())
	assert.Regexp(t, `002\s+pending`, out.String())
	assert.Contains(t, out.String(), "1 pending")

	out.Reset()
	require.NoError(t, migrateDown(ctx, m, 5, &out))
	assert.Equal(t, "reverted: 001\n", out.String())
	assert.False(t, db.Migrator().HasTable("media_jobs"))

	out.Reset()
	require.NoError(t, migrateDown(ctx, m, 1, &out))
	assert.Equal(t, "nothing to revert\n", out.String())
}

func TestMigrateDown_RejectsZeroSteps(t *testing.T) {
	db := openMigrateTestDB(t)
	var out bytes.Buffer
	assert.Error(t, migrateDown(context.Background(), db.SchemaMigrator(), 0, &out))
	assert.Empty(t, out.String())
}
