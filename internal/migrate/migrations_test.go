package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktrack/internal/db"
	"worktrack/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	require.NoError(t, migrate.MigrateContext(ctx, conn))
	require.NoError(t, migrate.Migrate(conn))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latest, 3)
	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name IN ('tracking_state','events','screenshots','pending_closes')`).Scan(&n))
	assert.Equal(t, 4, n)
}
