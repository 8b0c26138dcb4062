package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDatabase is a throwaway Postgres container. The schema is left to the caller.
type TestDatabase struct {
	Container testcontainers.Container
	Pool      *pgxpool.Pool
	ConnStr   string
}

func SetupTestDatabase(t *testing.T, ctx context.Context) *TestDatabase {
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("cellflow_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	return &TestDatabase{Container: pgContainer, Pool: pool, ConnStr: connStr}
}

func CleanupTestDatabase(t *testing.T, ctx context.Context, db *TestDatabase) {
	if db == nil {
		return
	}
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		err := db.Container.Terminate(ctx)
		require.NoError(t, err)
	}
}

func TruncateWorkflows(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	_, err := pool.Exec(ctx, "TRUNCATE TABLE workflows")
	require.NoError(t, err)
}
