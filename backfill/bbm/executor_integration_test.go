//go:build integration

package bbm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/database-backfill/backfill/bbm"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/testutil"
)

func TestExecutor_Postgres(t *testing.T) {
	db := testutil.NewPostgresDB(t)

	t.Run("serial", func(t *testing.T) {
		testutil.LoadSchema(t, db)
		testutil.SeedMergeRequests(t, db, 1000)
		testutil.DeleteMergeRequests(t, db, 13, 500)

		e, rec := newSQLiteExecutor(t, db, sleepingClock(t))
		res, err := e.Perform(context.Background(), testutil.Descriptor(models.WithSubBatchSize(100)))
		require.NoError(t, err)
		require.True(t, res.Completed())
		require.Equal(t, 10, res.BatchesProcessed)
		require.Equal(t, int64(998), res.RowsUpdated)
		require.Equal(t, int64(2), res.ResidualRows)
		require.Len(t, rec.windows(), 10)

		require.Equal(t, int64(2), testutil.CountNullProjectIDs(t, db))
		require.Zero(t, testutil.CountMismatchedProjectIDs(t, db))
	})

	t.Run("keyset", func(t *testing.T) {
		testutil.LoadSchema(t, db)
		testutil.SeedMergeRequests(t, db, 500)
		// sparse keys
		testutil.Exec(t, db, "DELETE FROM merge_request_assignees WHERE id % 3 = 0")

		e, _ := newSQLiteExecutor(t, db, sleepingClock(t))
		d := testutil.Descriptor(models.WithSubBatchSize(50), models.WithBatchingStrategy(models.KeysetBatching))

		windows, err := e.Plan(context.Background(), d)
		require.NoError(t, err)
		require.NotEmpty(t, windows)
		for i := 1; i < len(windows); i++ {
			require.Greater(t, windows[i].Lower, windows[i-1].Upper)
		}

		res, err := e.Perform(context.Background(), d)
		require.NoError(t, err)
		require.True(t, res.Completed())
		require.Equal(t, int64(334), res.RowsUpdated)
		require.Zero(t, testutil.CountNullProjectIDs(t, db))
	})

	t.Run("parallel with checkpoints", func(t *testing.T) {
		testutil.LoadSchema(t, db)
		testutil.SeedMergeRequests(t, db, 1000)

		store := datastore.NewCheckpointStore(db)
		e, _ := newSQLiteExecutor(t, db, sleepingClock(t), bbm.WithCheckpointStore(store))
		r := bbm.NewRunner(e, bbm.WithParallelism(4))

		res, err := r.Run(context.Background(), testutil.Descriptor(models.WithSubBatchSize(100)))
		require.NoError(t, err)
		require.True(t, res.Completed())
		require.Equal(t, int64(1000), res.RowsUpdated)
		require.Zero(t, testutil.CountNullProjectIDs(t, db))

		// completed slices leave no checkpoint behind
		var n int
		require.NoError(t, db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM batched_backfill_checkpoints").Scan(&n))
		require.Zero(t, n)
	})

	t.Run("unknown column", func(t *testing.T) {
		testutil.LoadSchema(t, db)

		e, _ := newSQLiteExecutor(t, db, sleepingClock(t))
		d := models.NewJobDescriptor(
			"backfill_merge_request_assignees_namespace_id",
			testutil.BatchTable,
			"namespace_id",
			testutil.ViaTable,
			"target_project_id",
			"merge_request_id",
		)

		res, err := e.Perform(context.Background(), d)
		require.Error(t, err)
		require.Equal(t, models.RunFailed, res.Status)
		require.Equal(t, models.InvalidColumnErrCode, res.ErrorCode)
	})

	t.Run("statement timeout", func(t *testing.T) {
		testutil.LoadSchema(t, db)
		testutil.SeedMergeRequests(t, db, 100)

		ctx := context.Background()
		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		defer conn.Close()

		// hold a conflicting lock until the run gives up
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()
		_, err = tx.ExecContext(ctx, "LOCK TABLE merge_request_assignees IN ACCESS EXCLUSIVE MODE")
		require.NoError(t, err)

		e, _ := newSQLiteExecutor(t, db, sleepingClock(t),
			bbm.WithStatementTimeout(50*time.Millisecond),
			bbm.WithMaxWindowAttempts(2),
			bbm.WithBackoff(time.Millisecond, time.Millisecond),
		)
		res, err := e.Perform(ctx, testutil.Descriptor(models.WithIDRange(1, 100), models.WithSubBatchSize(100)))
		require.ErrorIs(t, err, bbm.ErrMaxWindowAttemptsReached)
		require.Equal(t, models.RunFailed, res.Status)
		require.Equal(t, models.WindowExceedsMaxAttemptErrCode, res.ErrorCode)
		require.Equal(t, 1, res.Retries)
		require.Equal(t, int64(0), res.LastCompletedID)

		require.NoError(t, tx.Rollback())
		require.Equal(t, int64(100), testutil.CountNullProjectIDs(t, db))
	})
}
