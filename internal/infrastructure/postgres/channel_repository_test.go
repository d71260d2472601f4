//go:build integration
// +build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/execution-hub/channel-hub/internal/domain/channel"
	"github.com/execution-hub/channel-hub/internal/domain/channel/storetest"
)

func TestChannelRepositoryContract(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, RunMigrations(ctx, pool, filepath.Join(wd, "..", "..", "migrations")))

	storetest.Run(t, func(t *testing.T) channel.Store {
		_, err := pool.Exec(ctx, `TRUNCATE TABLE channel_apps, channels`)
		require.NoError(t, err)
		return NewChannelRepository(pool)
	})
}
