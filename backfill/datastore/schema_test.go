package datastore_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/testutil"
)

func TestSchemaInspector_Postgres(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	s := datastore.NewSchemaInspector(sqlDB, datastore.Postgres)
	ctx := context.Background()

	t.Run("table exists", func(t *testing.T) {
		expectSingleRowQuery(mock, "pg_tables", "exists", true, nil, "public", "merge_requests")

		ok, err := s.ExistsTable(ctx, "merge_requests")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("qualified table", func(t *testing.T) {
		expectSingleRowQuery(mock, "pg_tables", "exists", false, nil, "partitions", "merge_requests")

		ok, err := s.ExistsTable(ctx, "partitions.merge_requests")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("column exists", func(t *testing.T) {
		expectSingleRowQuery(mock, "information_schema.columns", "exists", true, nil, "public", "merge_requests", "target_project_id")

		ok, err := s.ExistsColumn(ctx, "merge_requests", "target_project_id")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("query error", func(t *testing.T) {
		queryErr := errors.New("connection reset")
		expectSingleRowQuery(mock, "pg_tables", "exists", nil, queryErr, "public", "merge_requests")

		_, err := s.ExistsTable(ctx, "merge_requests")
		require.ErrorIs(t, err, queryErr)
	})

	t.Run("unknown column", func(t *testing.T) {
		expectSingleRowQuery(mock, "pg_tables", "exists", true, nil, "public", "merge_requests")
		expectSingleRowQuery(mock, "information_schema.columns", "exists", true, nil, "public", "merge_requests", "id")
		expectSingleRowQuery(mock, "information_schema.columns", "exists", false, nil, "public", "merge_requests", "nope")

		err := s.ValidateTableAndColumns(ctx, "merge_requests", "id", "nope")
		require.ErrorIs(t, err, datastore.ErrUnknownColumn)
		require.ErrorContains(t, err, "merge_requests.nope")
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaInspector_SQLite(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	s := datastore.NewSchemaInspector(db, db.Dialect())
	ctx := context.Background()

	ok, err := s.ExistsTable(ctx, testutil.BatchTable)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ExistsTable(ctx, "main."+testutil.ViaTable)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ExistsTable(ctx, "issues")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.ExistsColumn(ctx, testutil.BatchTable, "project_id")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ExistsColumn(ctx, testutil.BatchTable, "target_project_id")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.ValidateTableAndColumns(ctx, testutil.BatchTable, "id", "project_id", "merge_request_id"))
	require.ErrorIs(t, s.ValidateTableAndColumns(ctx, "issues", "id"), datastore.ErrUnknownTable)
	require.ErrorIs(t, s.ValidateTableAndColumns(ctx, testutil.ViaTable, "project_id"), datastore.ErrUnknownColumn)
}

// expectSingleRowQuery asserts that a query on the mock database returns a single row with the specified value for the
// given column, or returns an error if specified.
func expectSingleRowQuery(db sqlmock.Sqlmock, query, column string, value driver.Value, err error, args ...driver.Value) {
	if err != nil {
		db.ExpectQuery(query).
			WithArgs(args...).
			WillReturnError(err)
	} else {
		db.ExpectQuery(query).
			WithArgs(args...).
			WillReturnRows(sqlmock.NewRows([]string{column}).AddRow(value))
	}
}
