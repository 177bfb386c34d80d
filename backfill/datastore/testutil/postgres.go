//go:build integration

package testutil

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/migrations"
)

const (
	pgUser     = "backfill"
	pgPassword = "backfill"
	pgDBName   = "backfill_test"
)

// NewPostgresDB starts a PostgreSQL container, applies the backfill migrations and creates the fixture tables. The
// container is terminated when the test ends. The image version can be set with PG_CURR_VERSION.
func NewPostgresDB(tb testing.TB, opts ...datastore.Option) *datastore.DB {
	tb.Helper()

	ctx := context.Background()
	dsn := NewPostgresContainer(tb, ctx)

	db, err := datastore.Open(ctx, dsn, opts...)
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = db.Close() })

	_, err = migrations.NewMigrator(db.DB, db.Dialect()).Up()
	require.NoError(tb, err)

	LoadSchema(tb, db)

	return db
}

// NewPostgresContainer starts a PostgreSQL container and returns the DSN to reach it.
func NewPostgresContainer(tb testing.TB, ctx context.Context) *datastore.DSN {
	tb.Helper()

	pgCurrVersion := os.Getenv("PG_CURR_VERSION")
	if pgCurrVersion == "" {
		pgCurrVersion = "16"
	}

	pgContainer, err := postgres.Run(ctx, "postgres:"+pgCurrVersion+"-alpine",
		postgres.WithDatabase(pgDBName),
		postgres.WithUsername(pgUser),
		postgres.WithPassword(pgPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(tb, err)
	tb.Cleanup(func() {
		require.NoError(tb, testcontainers.TerminateContainer(pgContainer))
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(tb, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(tb, err)
	p, err := strconv.Atoi(port.Port())
	require.NoError(tb, err)

	return &datastore.DSN{
		Host:     host,
		Port:     p,
		User:     pgUser,
		Password: pgPassword,
		DBName:   pgDBName,
		SSLMode:  "disable",
	}
}
