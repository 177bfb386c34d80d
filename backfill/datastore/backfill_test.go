package datastore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/testutil"
)

const (
	fillQuery = `UPDATE "merge_request_assignees" AS "batch_table" SET "project_id" = "source"."target_project_id" ` +
		`FROM "merge_requests" AS "source" WHERE "batch_table"."id" BETWEEN $1 AND $2 ` +
		`AND "batch_table"."merge_request_id" = "source"."id" AND "batch_table"."project_id" IS NULL ` +
		`AND "source"."target_project_id" IS NOT NULL`
	residualQuery = `SELECT COUNT(*) FROM "merge_request_assignees" AS "batch_table" ` +
		`WHERE "batch_table"."id" BETWEEN $1 AND $2 AND "batch_table"."project_id" IS NULL`
	candidatesQuery = `SELECT COUNT(*) FROM "merge_request_assignees" AS "batch_table", "merge_requests" AS "source" ` +
		`WHERE "batch_table"."id" BETWEEN $1 AND $2 ` +
		`AND "batch_table"."merge_request_id" = "source"."id" AND "batch_table"."project_id" IS NULL ` +
		`AND "source"."target_project_id" IS NOT NULL`
)

func newMockDB(t *testing.T) (*datastore.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return datastore.NewDB(sqlDB, datastore.Postgres, nil), mock
}

func TestBackfillStore_FillWindow(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewBackfillStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(fillQuery).WithArgs(int64(1), int64(100)).WillReturnResult(sqlmock.NewResult(0, 97))
	mock.ExpectQuery(residualQuery).WithArgs(int64(1), int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectCommit()

	stats, err := s.FillWindow(context.Background(), testutil.Descriptor(), models.Window{Lower: 1, Upper: 100})
	require.NoError(t, err)
	require.Equal(t, datastore.WindowStats{RowsUpdated: 97, ResidualRows: 3}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackfillStore_FillWindow_StatementTimeout(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewBackfillStore(db, datastore.WithStatementTimeout(15*time.Second))

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout = 15000").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(fillQuery).WithArgs(int64(101), int64(200)).WillReturnResult(sqlmock.NewResult(0, 100))
	mock.ExpectQuery(residualQuery).WithArgs(int64(101), int64(200)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectCommit()

	stats, err := s.FillWindow(context.Background(), testutil.Descriptor(), models.Window{Lower: 101, Upper: 200})
	require.NoError(t, err)
	require.Equal(t, int64(100), stats.RowsUpdated)
	require.Zero(t, stats.ResidualRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackfillStore_FillWindow_Partitioned(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewBackfillStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(fillQuery+` AND "batch_table"."partition_id" = "source"."partition_id"`).
		WithArgs(int64(1), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectQuery(residualQuery).WithArgs(int64(1), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectCommit()

	d := testutil.Descriptor(models.WithPartitionColumn("partition_id"))
	_, err := s.FillWindow(context.Background(), d, models.Window{Lower: 1, Upper: 10})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackfillStore_FillWindow_RollbackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewBackfillStore(db)

	updateErr := errors.New("deadlock detected")
	mock.ExpectBegin()
	mock.ExpectExec(fillQuery).WithArgs(int64(1), int64(100)).WillReturnError(updateErr)
	mock.ExpectRollback()

	_, err := s.FillWindow(context.Background(), testutil.Descriptor(), models.Window{Lower: 1, Upper: 100})
	require.ErrorIs(t, err, updateErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackfillStore_FillWindow_BeginError(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewBackfillStore(db)

	beginErr := &pgconn.PgError{Code: pgerrcode.CannotConnectNow}
	mock.ExpectBegin().WillReturnError(beginErr)

	_, err := s.FillWindow(context.Background(), testutil.Descriptor(), models.Window{Lower: 1, Upper: 100})
	require.ErrorIs(t, err, beginErr)
	require.True(t, datastore.IsTransient(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackfillStore_CountWindow(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewBackfillStore(db)

	mock.ExpectQuery(candidatesQuery).WithArgs(int64(1), int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(95))
	mock.ExpectQuery(residualQuery).WithArgs(int64(1), int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(98))

	stats, err := s.CountWindow(context.Background(), testutil.Descriptor(), models.Window{Lower: 1, Upper: 100})
	require.NoError(t, err)
	require.Equal(t, datastore.WindowStats{RowsUpdated: 95, ResidualRows: 3}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackfillStore_FindRange(t *testing.T) {
	q := `SELECT MIN("id"), MAX("id") FROM "merge_request_assignees"`

	t.Run("found", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"min", "max"}).AddRow(5, 950))

		start, end, found, err := datastore.NewBackfillStore(db).FindRange(context.Background(), testutil.Descriptor())
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, int64(5), start)
		require.Equal(t, int64(950), end)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty table", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(q).WillReturnRows(sqlmock.NewRows([]string{"min", "max"}).AddRow(nil, nil))

		_, _, found, err := datastore.NewBackfillStore(db).FindRange(context.Background(), testutil.Descriptor())
		require.NoError(t, err)
		require.False(t, found)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBackfillStore_FindWindowEnd(t *testing.T) {
	q := `SELECT "id" FROM "merge_request_assignees" WHERE "id" >= $1 AND "id" <= $2 ORDER BY "id" ASC LIMIT 1 OFFSET $3`
	d := testutil.Descriptor(models.WithSubBatchSize(100))

	t.Run("remaining range fits in a window", func(t *testing.T) {
		db, mock := newMockDB(t)

		end, err := datastore.NewBackfillStore(db).FindWindowEnd(context.Background(), d, 950, 1000)
		require.NoError(t, err)
		require.Equal(t, int64(1000), end)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sparse keys", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(q).WithArgs(int64(1), int64(10000), 99).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4321))

		end, err := datastore.NewBackfillStore(db).FindWindowEnd(context.Background(), d, 1, 10000)
		require.NoError(t, err)
		require.Equal(t, int64(4321), end)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fewer keys than window size", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(q).WithArgs(int64(1), int64(10000), 99).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		end, err := datastore.NewBackfillStore(db).FindWindowEnd(context.Background(), d, 1, 10000)
		require.NoError(t, err)
		require.Equal(t, int64(10000), end)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBackfillStore_SQLite(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	testutil.SeedMergeRequests(t, db, 200)
	testutil.DeleteMergeRequests(t, db, 7, 150)
	// an assignee that already has a value must keep it
	testutil.Exec(t, db, "UPDATE merge_request_assignees SET project_id = 1 WHERE id = 9")

	ctx := context.Background()
	s := datastore.NewBackfillStore(db)
	d := testutil.Descriptor(models.WithSubBatchSize(100))

	start, end, found, err := s.FindRange(ctx, d)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), start)
	require.Equal(t, int64(200), end)

	dry, err := s.CountWindow(ctx, d, models.Window{Lower: 1, Upper: 100})
	require.NoError(t, err)
	require.Equal(t, datastore.WindowStats{RowsUpdated: 98, ResidualRows: 1}, dry)
	require.Equal(t, int64(199), testutil.CountNullProjectIDs(t, db))

	stats, err := s.FillWindow(ctx, d, models.Window{Lower: 1, Upper: 100})
	require.NoError(t, err)
	require.Equal(t, datastore.WindowStats{RowsUpdated: 98, ResidualRows: 1}, stats)

	stats, err = s.FillWindow(ctx, d, models.Window{Lower: 101, Upper: 200})
	require.NoError(t, err)
	require.Equal(t, datastore.WindowStats{RowsUpdated: 99, ResidualRows: 1}, stats)

	require.Equal(t, int64(2), testutil.CountNullProjectIDs(t, db))
	require.Equal(t, int64(1), *testutil.ProjectID(t, db, 9))
	require.Equal(t, int64(testutil.ProjectOffset+42), *testutil.ProjectID(t, db, 42))
	require.Nil(t, testutil.ProjectID(t, db, 7))

	// re-running a window is a no-op
	stats, err = s.FillWindow(ctx, d, models.Window{Lower: 1, Upper: 100})
	require.NoError(t, err)
	require.Equal(t, datastore.WindowStats{RowsUpdated: 0, ResidualRows: 1}, stats)

	// keyset windows skip over gaps
	testutil.Exec(t, db, "DELETE FROM merge_request_assignees WHERE id BETWEEN 20 AND 59")
	wend, err := s.FindWindowEnd(ctx, d, 1, 200)
	require.NoError(t, err)
	require.Equal(t, int64(140), wend)
}
