package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestPool starts a throwaway PostgreSQL container and returns a pool
// connected to it. The container is terminated with the test.
func NewTestPool(t Testing) *pgxpool.Pool {
	ctx := t.Context()

	pgC, err := tcpostgres.Run(
		ctx, "postgres:17-alpine",
		tcpostgres.WithDatabase("sourcebox_test"),
		tcpostgres.WithUsername("sourcebox"),
		tcpostgres.WithPassword("sourcebox"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	connStr, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	t.Logf("postgres: %s", connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

// NewTestStore starts a container, connects and applies the schema.
func NewTestStore(t Testing, opts ...StoreOption) *Store {
	store := NewStore(NewTestPool(t), opts...)
	require.NoError(t, store.Migrate(t.Context()))
	return store
}
