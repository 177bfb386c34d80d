package datastore_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/testutil"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		err  error
		want datastore.ErrorClass
	}{
		{name: "nil", err: nil, want: datastore.ClassFatal},
		{name: "generic", err: errors.New("boom"), want: datastore.ClassFatal},
		{name: "canceled", err: context.Canceled, want: datastore.ClassFatal},
		{name: "deadline exceeded", err: fmt.Errorf("filling window: %w", context.DeadlineExceeded), want: datastore.ClassTransient},
		{name: "bad connection", err: driver.ErrBadConn, want: datastore.ClassTransient},
		{name: "unknown table", err: fmt.Errorf("%w: foo", datastore.ErrUnknownTable), want: datastore.ClassConfiguration},
		{name: "unknown column", err: fmt.Errorf("%w: foo.bar", datastore.ErrUnknownColumn), want: datastore.ClassConfiguration},
		{name: "pgx deadlock", err: &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, want: datastore.ClassTransient},
		{name: "pgx serialization failure", err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, want: datastore.ClassTransient},
		{name: "pgx lock timeout", err: &pgconn.PgError{Code: pgerrcode.LockNotAvailable}, want: datastore.ClassTransient},
		{name: "pgx statement timeout", err: &pgconn.PgError{Code: pgerrcode.QueryCanceled}, want: datastore.ClassTransient},
		{name: "pgx connection failure", err: &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, want: datastore.ClassTransient},
		{name: "pgx undefined table", err: &pgconn.PgError{Code: pgerrcode.UndefinedTable}, want: datastore.ClassConfiguration},
		{name: "pgx undefined column", err: &pgconn.PgError{Code: pgerrcode.UndefinedColumn}, want: datastore.ClassConfiguration},
		{name: "pgx unique violation", err: &pgconn.PgError{Code: pgerrcode.UniqueViolation}, want: datastore.ClassFatal},
		{name: "pgx wrapped", err: fmt.Errorf("filling window [1, 100]: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}), want: datastore.ClassTransient},
		{name: "pq deadlock", err: &pq.Error{Code: pq.ErrorCode(pgerrcode.DeadlockDetected)}, want: datastore.ClassTransient},
		{name: "pq undefined column", err: &pq.Error{Code: pq.ErrorCode(pgerrcode.UndefinedColumn)}, want: datastore.ClassConfiguration},
		{name: "pq check violation", err: &pq.Error{Code: pq.ErrorCode(pgerrcode.CheckViolation)}, want: datastore.ClassFatal},
		{name: "sqlite busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, want: datastore.ClassTransient},
		{name: "sqlite locked", err: sqlite3.Error{Code: sqlite3.ErrLocked}, want: datastore.ClassTransient},
		{name: "sqlite constraint", err: sqlite3.Error{Code: sqlite3.ErrConstraint}, want: datastore.ClassFatal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, datastore.Classify(tc.err))
			require.Equal(t, tc.want == datastore.ClassTransient, datastore.IsTransient(tc.err))
		})
	}
}

func TestClassify_SQLiteSchemaErrors(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, "UPDATE missing_table SET project_id = 1")
	require.Error(t, err)
	require.Equal(t, datastore.ClassConfiguration, datastore.Classify(err))

	_, err = db.ExecContext(ctx, "UPDATE merge_requests SET missing_column = 1")
	require.Error(t, err)
	require.Equal(t, datastore.ClassConfiguration, datastore.Classify(err))
}

func TestErrorClass_String(t *testing.T) {
	require.Equal(t, "fatal", datastore.ClassFatal.String())
	require.Equal(t, "transient", datastore.ClassTransient.String())
	require.Equal(t, "configuration", datastore.ClassConfiguration.String())
}
