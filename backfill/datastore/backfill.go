//go:generate mockgen -package mocks -destination mocks/backfill.go . BackfillStore

package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/metrics"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
)

const (
	batchAlias  = "batch_table"
	sourceAlias = "source"
)

// WindowStats holds the outcome of processing a single window.
type WindowStats struct {
	// RowsUpdated is the number of batch rows whose backfill column was set. In a dry run it is the number of rows
	// that would have been set.
	RowsUpdated int64
	// ResidualRows is the number of batch rows in the window still holding a null backfill column afterwards. These
	// reference a missing source row or a source row without a value.
	ResidualRows int64
}

// BackfillStore executes the SQL statements of a sharding key backfill.
type BackfillStore interface {
	// FindRange returns the lowest and highest batch column values of the batch table. found is false if the table is
	// empty.
	FindRange(ctx context.Context, d models.JobDescriptor) (start, end int64, found bool, err error)
	// FindWindowEnd returns the upper bound of a keyset window starting at start: the SubBatchSize-th existing key at
	// or after start, or last if fewer keys remain.
	FindWindowEnd(ctx context.Context, d models.JobDescriptor, start, last int64) (int64, error)
	// FillWindow copies the source value into every null backfill column of the window within a single transaction.
	FillWindow(ctx context.Context, d models.JobDescriptor, w models.Window) (WindowStats, error)
	// CountWindow reports what FillWindow would do for the window without modifying any row.
	CountWindow(ctx context.Context, d models.JobDescriptor, w models.Window) (WindowStats, error)
}

// BackfillStoreOption configures a BackfillStore.
type BackfillStoreOption func(*backfillStore)

// WithStatementTimeout bounds each window statement on dialects that support it. Zero disables the limit.
func WithStatementTimeout(d time.Duration) BackfillStoreOption {
	return func(s *backfillStore) {
		s.statementTimeout = d
	}
}

// NewBackfillStore builds a new backfill store.
func NewBackfillStore(db Handler, opts ...BackfillStoreOption) BackfillStore {
	s := &backfillStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type backfillStore struct {
	db               Handler
	statementTimeout time.Duration
}

func (s *backfillStore) FindRange(ctx context.Context, d models.JobDescriptor) (int64, int64, bool, error) {
	defer metrics.InstrumentQuery("backfill_find_range")()

	dialect := s.db.Dialect()
	key := dialect.QuoteIdentifier(d.BatchColumn)
	q := fmt.Sprintf(`SELECT MIN(%s), MAX(%s) FROM %s`, key, key, dialect.QuoteTable(d.BatchTable))

	var start, end sql.NullInt64
	if err := s.db.QueryRowContext(ctx, q).Scan(&start, &end); err != nil {
		return 0, 0, false, fmt.Errorf("finding backfill range: %w", err)
	}
	if !start.Valid || !end.Valid {
		return 0, 0, false, nil
	}

	return start.Int64, end.Int64, true, nil
}

func (s *backfillStore) FindWindowEnd(ctx context.Context, d models.JobDescriptor, start, last int64) (int64, error) {
	// If the range exceeds or meets the last record, return the last record.
	if start+int64(d.SubBatchSize)-1 >= last {
		return last, nil
	}

	defer metrics.InstrumentQuery("backfill_find_window_end")()

	dialect := s.db.Dialect()
	key := dialect.QuoteIdentifier(d.BatchColumn)
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s >= $1 AND %s <= $2 ORDER BY %s ASC LIMIT 1 OFFSET $3`,
		key, dialect.QuoteTable(d.BatchTable), key, key, key)

	var end int64
	err := s.db.QueryRowContext(ctx, q, start, last, d.SubBatchSize-1).Scan(&end)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return last, nil
		}
		return 0, fmt.Errorf("calculating window end: %w", err)
	}

	return end, nil
}

func (s *backfillStore) FillWindow(ctx context.Context, d models.JobDescriptor, w models.Window) (stats WindowStats, err error) {
	report := metrics.InstrumentTransaction()
	defer func() { report(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("beginning window transaction: %w", err)
	}
	defer tx.Rollback()

	dialect := s.db.Dialect()
	if s.statementTimeout > 0 && dialect.SupportsStatementTimeout() {
		// SET does not accept bind parameters
		q := fmt.Sprintf("SET LOCAL statement_timeout = %d", s.statementTimeout.Milliseconds())
		if _, err = tx.ExecContext(ctx, q); err != nil {
			return stats, fmt.Errorf("setting statement timeout: %w", err)
		}
	}

	if stats.RowsUpdated, err = fillWindow(ctx, tx, dialect, d, w); err != nil {
		return stats, err
	}
	if stats.ResidualRows, err = countResidual(ctx, tx, dialect, d, w); err != nil {
		return stats, err
	}

	if err = tx.Commit(); err != nil {
		return stats, fmt.Errorf("committing window transaction: %w", err)
	}

	return stats, nil
}

func (s *backfillStore) CountWindow(ctx context.Context, d models.JobDescriptor, w models.Window) (WindowStats, error) {
	var (
		stats WindowStats
		err   error
	)
	dialect := s.db.Dialect()

	if stats.RowsUpdated, err = countCandidates(ctx, s.db, dialect, d, w); err != nil {
		return stats, err
	}
	residual, err := countResidual(ctx, s.db, dialect, d, w)
	if err != nil {
		return stats, err
	}
	// nothing is written in a dry run, so rows that would be filled are still null
	stats.ResidualRows = residual - stats.RowsUpdated

	return stats, nil
}

func fillWindow(ctx context.Context, q Queryer, dialect Dialect, d models.JobDescriptor, w models.Window) (int64, error) {
	defer metrics.InstrumentQuery("backfill_fill_window")()

	res, err := q.ExecContext(ctx, fillWindowQuery(dialect, d), w.Lower, w.Upper)
	if err != nil {
		return 0, fmt.Errorf("filling window %s: %w", w, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows for window %s: %w", w, err)
	}

	return n, nil
}

func countResidual(ctx context.Context, q Queryer, dialect Dialect, d models.JobDescriptor, w models.Window) (int64, error) {
	defer metrics.InstrumentQuery("backfill_count_residual")()

	var n int64
	if err := q.QueryRowContext(ctx, residualQuery(dialect, d), w.Lower, w.Upper).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting residual rows in window %s: %w", w, err)
	}

	return n, nil
}

func countCandidates(ctx context.Context, q Queryer, dialect Dialect, d models.JobDescriptor, w models.Window) (int64, error) {
	defer metrics.InstrumentQuery("backfill_count_candidates")()

	var n int64
	if err := q.QueryRowContext(ctx, candidatesQuery(dialect, d), w.Lower, w.Upper).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting candidate rows in window %s: %w", w, err)
	}

	return n, nil
}

// joinPredicates returns the predicates linking a batch row to its source row. Bind parameters $1 and $2 are the
// window bounds and must appear first, as SQLite numbers parameters by their first occurrence.
func joinPredicates(dialect Dialect, d models.JobDescriptor) []string {
	batch := func(col string) string {
		return dialect.QuoteIdentifier(batchAlias) + "." + dialect.QuoteIdentifier(col)
	}
	source := func(col string) string {
		return dialect.QuoteIdentifier(sourceAlias) + "." + dialect.QuoteIdentifier(col)
	}

	preds := []string{
		fmt.Sprintf("%s BETWEEN $1 AND $2", batch(d.BatchColumn)),
		fmt.Sprintf("%s = %s", batch(d.BackfillViaForeignKey), source(d.BackfillViaPrimaryKey)),
		fmt.Sprintf("%s IS NULL", batch(d.BackfillColumn)),
		fmt.Sprintf("%s IS NOT NULL", source(d.BackfillViaColumn)),
	}
	if d.Partitioned() {
		preds = append(preds, fmt.Sprintf("%s = %s", batch(d.PartitionColumn), source(d.PartitionColumn)))
	}

	return preds
}

func fillWindowQuery(dialect Dialect, d models.JobDescriptor) string {
	return fmt.Sprintf(`UPDATE %s AS %s SET %s = %s.%s FROM %s AS %s WHERE %s`,
		dialect.QuoteTable(d.BatchTable), dialect.QuoteIdentifier(batchAlias),
		dialect.QuoteIdentifier(d.BackfillColumn),
		dialect.QuoteIdentifier(sourceAlias), dialect.QuoteIdentifier(d.BackfillViaColumn),
		dialect.QuoteTable(d.BackfillViaTable), dialect.QuoteIdentifier(sourceAlias),
		strings.Join(joinPredicates(dialect, d), " AND "),
	)
}

func candidatesQuery(dialect Dialect, d models.JobDescriptor) string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s AS %s, %s AS %s WHERE %s`,
		dialect.QuoteTable(d.BatchTable), dialect.QuoteIdentifier(batchAlias),
		dialect.QuoteTable(d.BackfillViaTable), dialect.QuoteIdentifier(sourceAlias),
		strings.Join(joinPredicates(dialect, d), " AND "),
	)
}

func residualQuery(dialect Dialect, d models.JobDescriptor) string {
	batch := func(col string) string {
		return dialect.QuoteIdentifier(batchAlias) + "." + dialect.QuoteIdentifier(col)
	}
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s AS %s WHERE %s BETWEEN $1 AND $2 AND %s IS NULL`,
		dialect.QuoteTable(d.BatchTable), dialect.QuoteIdentifier(batchAlias),
		batch(d.BatchColumn), batch(d.BackfillColumn),
	)
}
