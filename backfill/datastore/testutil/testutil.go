// Package testutil provides database fixtures shared by the datastore and executor tests. The fixtures model the
// merge_request_assignees.project_id sharding key, filled from merge_requests.target_project_id.
package testutil

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/migrations"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
)

const (
	// BatchTable is the fixture table being backfilled.
	BatchTable = "merge_request_assignees"
	// ViaTable is the fixture source-of-truth table.
	ViaTable = "merge_requests"
	// ProjectOffset is added to a merge request ID to get its target project ID.
	ProjectOffset = 10000
)

//go:embed testdata/schema.sql
var schema string

// NewSQLiteDB opens a SQLite database in a temporary directory, applies the backfill migrations and creates the fixture
// tables. The database is closed when the test ends.
func NewSQLiteDB(tb testing.TB) *datastore.DB {
	tb.Helper()

	return NewSQLiteDBAt(tb, SQLiteDSN(filepath.Join(tb.TempDir(), "backfill.db")))
}

// SQLiteDSN returns the data source name of the SQLite database file at path.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000", path)
}

// NewSQLiteDBAt is like NewSQLiteDB but opens the database with the given data source name, so that other connections
// can share it.
func NewSQLiteDBAt(tb testing.TB, dsn string) *datastore.DB {
	tb.Helper()

	db, err := datastore.OpenSQLite(context.Background(), dsn)
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = db.Close() })

	_, err = migrations.NewMigrator(db.DB, db.Dialect()).Up()
	require.NoError(tb, err)

	LoadSchema(tb, db)

	return db
}

// LoadSchema (re)creates the fixture tables.
func LoadSchema(tb testing.TB, db datastore.Handler) {
	tb.Helper()

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		_, err := db.ExecContext(context.Background(), stmt)
		require.NoError(tb, err)
	}
}

// SeedMergeRequests inserts n merge requests with IDs 1..n and one assignee per merge request, with the same ID and a
// null project ID. Merge request i targets project ProjectOffset+i.
func SeedMergeRequests(tb testing.TB, db datastore.Handler, n int) {
	tb.Helper()

	ctx := context.Background()
	_, err := db.ExecContext(ctx, `WITH RECURSIVE seq (n) AS (
			SELECT 1
			UNION ALL
			SELECT n + 1 FROM seq WHERE n < $1
		)
		INSERT INTO merge_requests (id, target_project_id)
		SELECT n, n + $2 FROM seq`, n, ProjectOffset)
	require.NoError(tb, err)

	_, err = db.ExecContext(ctx, `INSERT INTO merge_request_assignees (id, merge_request_id)
		SELECT id, id FROM merge_requests`)
	require.NoError(tb, err)
}

// Exec runs a fixture statement.
func Exec(tb testing.TB, db datastore.Handler, q string, args ...any) {
	tb.Helper()

	_, err := db.ExecContext(context.Background(), q, args...)
	require.NoError(tb, err)
}

// DeleteMergeRequests removes merge requests, leaving their assignees as dangling references.
func DeleteMergeRequests(tb testing.TB, db datastore.Handler, ids ...int64) {
	tb.Helper()

	for _, id := range ids {
		Exec(tb, db, "DELETE FROM merge_requests WHERE id = $1", id)
	}
}

// CountNullProjectIDs returns the number of assignees without a project ID.
func CountNullProjectIDs(tb testing.TB, db datastore.Handler) int64 {
	tb.Helper()

	var n int64
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM merge_request_assignees WHERE project_id IS NULL").Scan(&n)
	require.NoError(tb, err)

	return n
}

// CountMismatchedProjectIDs returns the number of assignees whose project ID is set but differs from the target project
// of their merge request.
func CountMismatchedProjectIDs(tb testing.TB, db datastore.Handler) int64 {
	tb.Helper()

	var n int64
	err := db.QueryRowContext(context.Background(), `SELECT
			COUNT(*)
		FROM
			merge_request_assignees AS a
			JOIN merge_requests AS mr ON mr.id = a.merge_request_id
		WHERE
			a.project_id IS NOT NULL
			AND a.project_id <> mr.target_project_id`).Scan(&n)
	require.NoError(tb, err)

	return n
}

// ProjectID returns the project ID of an assignee, or nil if it is null.
func ProjectID(tb testing.TB, db datastore.Handler, id int64) *int64 {
	tb.Helper()

	var v *int64
	err := db.QueryRowContext(context.Background(),
		"SELECT project_id FROM merge_request_assignees WHERE id = $1", id).Scan(&v)
	require.NoError(tb, err)

	return v
}

// Descriptor returns the job descriptor filling merge_request_assignees.project_id.
func Descriptor(opts ...models.DescriptorOption) models.JobDescriptor {
	return models.NewJobDescriptor(
		"backfill_merge_request_assignees_project_id",
		BatchTable,
		"project_id",
		ViaTable,
		"target_project_id",
		"merge_request_id",
		opts...,
	)
}

// NewDSNFromEnv builds a Postgres DSN from the BACKFILL_DATABASE_* environment variables used by integration tests.
func NewDSNFromEnv() (*datastore.DSN, error) {
	port, err := strconv.Atoi(os.Getenv("BACKFILL_DATABASE_PORT"))
	if err != nil {
		return nil, fmt.Errorf("parsing DSN port: %w", err)
	}

	return &datastore.DSN{
		Host:     os.Getenv("BACKFILL_DATABASE_HOST"),
		Port:     port,
		User:     os.Getenv("BACKFILL_DATABASE_USER"),
		Password: os.Getenv("BACKFILL_DATABASE_PASSWORD"),
		DBName:   os.Getenv("BACKFILL_DATABASE_DBNAME"),
		SSLMode:  os.Getenv("BACKFILL_DATABASE_SSLMODE"),
	}, nil
}
