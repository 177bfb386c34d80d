package bbm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/errortracking"
	"golang.org/x/time/rate"

	"gitlab.com/gitlab-org/database-backfill/backfill/bbm/metrics"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
	"gitlab.com/gitlab-org/database-backfill/internal"
	"gitlab.com/gitlab-org/database-backfill/internal/feature"
	"gitlab.com/gitlab-org/database-backfill/log"
)

const (
	componentKey             = "component"
	executorName             = "backfill.bbm.Executor"
	defaultMaxWindowAttempts = 3
	// FeatureCategoryTag is the only descriptor tag carried into metric labels.
	FeatureCategoryTag = "feature_category"

	// job log keys
	jobNameKey            = "job_name"
	jobBatchTableKey      = "job_batch_table"
	jobBatchColumnKey     = "job_batch_column"
	jobBackfillColumnKey  = "job_backfill_column"
	jobViaTableKey        = "job_backfill_via_table"
	jobPartitionColumnKey = "job_partition_column"
	jobStartIDKey         = "job_start_id"
	jobEndIDKey           = "job_end_id"
	jobSubBatchSizeKey    = "job_sub_batch_size"
	jobPauseKey           = "job_pause_ms"
	jobBatchingTypeKey    = "job_batching_strategy"
	jobFeatureCategoryKey = "job_feature_category"
	jobDryRunKey          = "job_dry_run"

	// window log keys
	windowLowerKey    = "window_lower"
	windowUpperKey    = "window_upper"
	windowAttemptKey  = "window_attempt"
	rowsUpdatedKey    = "rows_updated"
	residualRowsKey   = "residual_rows"
	durationKey       = "duration_s"
	outcomeKey        = "outcome"
	retryInKey        = "retry_in_s"
	errorClassKey     = "error_class"
	batchesKey        = "batches_processed"
	lastCompletedKey  = "last_completed_id"
	runStatusKey      = "run_status"
	runErrorCodeKey   = "run_error_code"
	resumedFromKey    = "resumed_from"
	totalRetriesKey   = "window_retries"
	totalResidualKey  = "residual_rows_total"
	totalRowsKey      = "rows_updated_total"
	checkpointLastKey = "checkpoint_last_id"
)

// WindowListener is called after every window attempt, on the goroutine running the executor.
type WindowListener func(WindowReport)

// Executor runs sharding key backfills described by job descriptors. It walks the descriptor range in windows and
// fills each window with one bounded UPDATE statement in its own transaction. An Executor is safe for concurrent use
// as long as concurrent runs cover disjoint ranges.
type Executor struct {
	db                 datastore.Handler
	store              datastore.BackfillStore
	inspector          datastore.SchemaInspector
	checkpoints        datastore.CheckpointStore
	leaser             Leaser
	leaseTTL           time.Duration
	logger             log.Logger
	clock              internal.Clock
	backoffConstructor func(initInterval, maxInterval time.Duration) Backoff
	initialBackoff     time.Duration
	maxBackoff         time.Duration
	maxWindowAttempts  int
	limiter            *rate.Limiter
	listener           WindowListener
	dryRun             bool
	defaultStrategy    models.BatchingStrategy
	statementTimeout   time.Duration
}

// ExecutorOption provides functional options for NewExecutor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger.
func WithLogger(l log.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithClock sets the clock used to pause between windows and to wait before retries.
func WithClock(c internal.Clock) ExecutorOption {
	return func(e *Executor) {
		e.clock = c
	}
}

// WithBackoff sets the retry delay bounds of transiently failing windows. Defaults to 1s and 30s.
func WithBackoff(initial, maxInterval time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.initialBackoff = initial
		e.maxBackoff = maxInterval
	}
}

// WithBackoffConstructor overrides how retry backoffs are built.
func WithBackoffConstructor(f func(initInterval, maxInterval time.Duration) Backoff) ExecutorOption {
	return func(e *Executor) {
		e.backoffConstructor = f
	}
}

// WithMaxWindowAttempts sets how many times a window is attempted before the run fails. Defaults to 3.
func WithMaxWindowAttempts(n int) ExecutorOption {
	return func(e *Executor) {
		e.maxWindowAttempts = n
	}
}

// WithStore overrides the backfill store.
func WithStore(s datastore.BackfillStore) ExecutorOption {
	return func(e *Executor) {
		e.store = s
	}
}

// WithSchemaInspector overrides the schema inspector used to validate descriptors.
func WithSchemaInspector(i datastore.SchemaInspector) ExecutorOption {
	return func(e *Executor) {
		e.inspector = i
	}
}

// WithCheckpointStore enables checkpoints: the upper bound of every completed window is saved so that an interrupted
// run picks up where it left off.
func WithCheckpointStore(s datastore.CheckpointStore) ExecutorOption {
	return func(e *Executor) {
		e.checkpoints = s
	}
}

// WithLeaser enables exclusive leases on descriptor ranges. The lease is refreshed between windows and expires after
// ttl if the process dies.
func WithLeaser(l Leaser, ttl time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.leaser = l
		e.leaseTTL = ttl
	}
}

// WithLimiter sets a limiter shared by all runs, capping the overall rate at which windows start.
func WithLimiter(l *rate.Limiter) ExecutorOption {
	return func(e *Executor) {
		e.limiter = l
	}
}

// WithWindowListener registers a callback invoked after every window attempt.
func WithWindowListener(l WindowListener) ExecutorOption {
	return func(e *Executor) {
		e.listener = l
	}
}

// WithDryRun makes the executor count the rows each window would fill without modifying anything. Checkpoints are
// neither read nor written in a dry run.
func WithDryRun() ExecutorOption {
	return func(e *Executor) {
		e.dryRun = true
	}
}

// WithDefaultBatchingStrategy sets the strategy of descriptors that do not name one.
func WithDefaultBatchingStrategy(s models.BatchingStrategy) ExecutorOption {
	return func(e *Executor) {
		e.defaultStrategy = s
	}
}

// WithStatementTimeout bounds every window statement on PostgreSQL. Ignored when a store is given with WithStore.
func WithStatementTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.statementTimeout = d
	}
}

func (e *Executor) applyDefaults() {
	if e.logger == nil {
		e.logger = log.GetLogger()
	}
	if e.clock == nil {
		e.clock = SystemClock
	}
	if e.backoffConstructor == nil {
		e.backoffConstructor = BackoffConstructor
	}
	if e.initialBackoff == 0 {
		e.initialBackoff = defaultInitialBackoff
	}
	if e.maxBackoff == 0 {
		e.maxBackoff = defaultMaxBackoff
	}
	if e.maxWindowAttempts == 0 {
		e.maxWindowAttempts = defaultMaxWindowAttempts
	}
	if e.leaseTTL == 0 {
		e.leaseTTL = defaultLeaseTTL
	}
	if !e.defaultStrategy.Valid {
		e.defaultStrategy = models.SerialBatching
		if feature.KeysetWalker.Enabled() {
			e.defaultStrategy = models.KeysetBatching
		}
	}
}

// NewExecutor creates a new Executor working on db.
func NewExecutor(db datastore.Handler, opts ...ExecutorOption) *Executor {
	e := &Executor{db: db}
	e.applyDefaults()

	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		var storeOpts []datastore.BackfillStoreOption
		if e.statementTimeout > 0 && feature.StatementTimeout.Enabled() {
			storeOpts = append(storeOpts, datastore.WithStatementTimeout(e.statementTimeout))
		}
		e.store = datastore.NewBackfillStore(db, storeOpts...)
	}
	if e.inspector == nil {
		e.inspector = datastore.NewSchemaInspector(db, db.Dialect())
	}

	e.logger = e.logger.WithFields(log.Fields{componentKey: executorName})

	return e
}

// Store returns the backfill store used by the executor.
func (e *Executor) Store() datastore.BackfillStore {
	return e.store
}

// Prepare applies defaults to a descriptor, including the executor default batching strategy.
func (e *Executor) Prepare(d models.JobDescriptor) models.JobDescriptor {
	d = d.WithDefaults()
	if !d.BatchingStrategy.Valid {
		d.BatchingStrategy = e.defaultStrategy
	}
	return d
}

// Validate checks a descriptor and asserts that every table and column it references exists. It returns a
// *ConfigurationError for invalid descriptors.
func (e *Executor) Validate(ctx context.Context, d models.JobDescriptor) error {
	d = e.Prepare(d)

	if !d.BatchingStrategy.Known() {
		return newInvalidBatchingStrategyError(fmt.Errorf("%w: unknown batching strategy %q", models.ErrInvalidDescriptor, d.BatchingStrategy.String))
	}
	if err := d.Validate(); err != nil {
		return newInvalidDescriptorError(err)
	}

	batchColumns := []string{d.BatchColumn, d.BackfillColumn, d.BackfillViaForeignKey}
	viaColumns := []string{d.BackfillViaPrimaryKey, d.BackfillViaColumn}
	if d.Partitioned() {
		batchColumns = append(batchColumns, d.PartitionColumn)
		viaColumns = append(viaColumns, d.PartitionColumn)
	}

	if err := e.inspector.ValidateTableAndColumns(ctx, d.BatchTable, batchColumns...); err != nil {
		return wrapSchemaError(err)
	}
	if err := e.inspector.ValidateTableAndColumns(ctx, d.BackfillViaTable, viaColumns...); err != nil {
		return wrapSchemaError(err)
	}

	return nil
}

// ResolveRange returns the key range a descriptor covers. Descriptors without an explicit range cover the whole batch
// table. found is false when there is nothing to walk. Transient discovery failures are retried like window failures.
func (e *Executor) ResolveRange(ctx context.Context, d models.JobDescriptor) (start, end int64, found bool, err error) {
	return e.resolveRange(ctx, e.logger, d, nil)
}

// discoveryWindow stands for the whole key space while the range of a descriptor is being discovered.
var discoveryWindow = models.Window{Lower: 0, Upper: math.MaxInt64}

func (e *Executor) resolveRange(ctx context.Context, l log.Logger, d models.JobDescriptor, res *Result) (start, end int64, found bool, err error) {
	if d.HasRange() {
		return d.StartID, d.EndID, true, nil
	}

	err = e.retryTransient(ctx, l, res, discoveryWindow, "resolving backfill range failed, retrying", func(int) error {
		var ferr error
		start, end, found, ferr = e.store.FindRange(ctx, d)
		return ferr
	}, nil)

	return start, end, found, err
}

// nextWindow advances walker, retrying transient failures of keyset window lookups.
func (e *Executor) nextWindow(ctx context.Context, l log.Logger, walker *Walker, res *Result) (w models.Window, ok bool, err error) {
	err = e.retryTransient(ctx, l, res, walker.Remaining(), "calculating next window failed, retrying", func(int) error {
		var nerr error
		w, ok, nerr = walker.Next(ctx)
		return nerr
	}, nil)

	return w, ok, err
}

// Plan returns the windows a run of the descriptor would process, without executing them.
func (e *Executor) Plan(ctx context.Context, d models.JobDescriptor) ([]models.Window, error) {
	d = e.Prepare(d)
	if err := e.Validate(ctx, d); err != nil {
		return nil, err
	}

	start, end, found, err := e.ResolveRange(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("resolving backfill range: %w", err)
	}
	if !found {
		return nil, nil
	}

	walker := NewWalker(d, start, end, e.store)
	var ww []models.Window
	for {
		w, ok, err := e.nextWindow(ctx, e.logger, walker, nil)
		if err != nil {
			return ww, fmt.Errorf("calculating next window: %w", err)
		}
		if !ok {
			return ww, nil
		}
		ww = append(ww, w)
	}
}

// Perform runs the backfill described by d to completion, or until it fails or ctx is canceled. Cancellation is only
// observed between windows: a window in flight always commits or rolls back as a whole.
//
// The returned result is never nil. When the run fails, the error is also recorded in the result together with the
// last completed window boundary, so that the caller can resume at Result.ResumeID.
func (e *Executor) Perform(ctx context.Context, d models.JobDescriptor) (*Result, error) {
	d = e.Prepare(d)
	res := newResult(d)
	res.DryRun = e.dryRun
	res.StartedAt = e.clock.Now()

	l := e.logger.WithFields(log.Fields{
		correlation.FieldName: correlation.ExtractFromContextOrGenerate(ctx),
		jobNameKey:            d.Name,
		jobBatchTableKey:      d.BatchTable,
		jobBatchColumnKey:     d.BatchColumn,
		jobBackfillColumnKey:  d.BackfillColumn,
		jobViaTableKey:        d.BackfillViaTable,
		jobPartitionColumnKey: d.PartitionColumn,
		jobSubBatchSizeKey:    d.SubBatchSize,
		jobPauseKey:           d.PauseDuration().Milliseconds(),
		jobBatchingTypeKey:    d.BatchingStrategy.Val(),
		jobFeatureCategoryKey: d.Tag(FeatureCategoryTag),
		jobDryRunKey:          e.dryRun,
	})

	report := metrics.InstrumentRun(d.Name, d.Tag(FeatureCategoryTag))
	defer func() { report(res.Status.String()) }()

	if err := e.Validate(ctx, d); err != nil {
		return e.fail(ctx, l, res, err)
	}

	start, end, found, err := e.resolveRange(ctx, l, d, res)
	if err != nil {
		return e.fail(ctx, l, res, fmt.Errorf("resolving backfill range: %w", err))
	}
	if !found {
		l.Info("batch table is empty, nothing to backfill")
		_ = res.transition(models.RunRunning)
		return e.complete(ctx, l, res), nil
	}
	res.StartID, res.EndID, res.LastCompletedID = start, end, start-1
	l = l.WithFields(log.Fields{jobStartIDKey: start, jobEndIDKey: end})

	var lease Lease
	if e.leaser != nil {
		lease, err = e.leaser.Obtain(ctx, leaseKey(d.Name, start, end), e.leaseTTL)
		if err != nil {
			return e.fail(ctx, l, res, err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				l.WithError(err).Warn("failed to release backfill lease")
			}
		}()
	}

	walker := NewWalker(d, start, end, e.store)
	e.resume(ctx, l, res, walker)

	if err := res.transition(models.RunRunning); err != nil {
		return e.fail(ctx, l, res, err)
	}
	l.Info("starting backfill run")

	throttle := NewThrottle(d.Name, d.PauseDuration(), e.clock, e.limiter)
	first := true
	for {
		w, ok, err := e.nextWindow(ctx, l, walker, res)
		if err != nil {
			return e.fail(ctx, l, res, fmt.Errorf("calculating next window: %w", err))
		}
		if !ok {
			break
		}

		if !first {
			throttle.Pause()
		}
		first = false

		// cancellation is only honored between windows
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, l, res, err)
		}
		if err := throttle.Admit(ctx); err != nil {
			return e.fail(ctx, l, res, err)
		}

		if err := e.processWindow(ctx, l, d, w, res); err != nil {
			return e.fail(ctx, l, res, err)
		}

		if err := e.afterWindow(ctx, l, d, res, lease); err != nil {
			return e.fail(ctx, l, res, err)
		}
	}

	return e.complete(ctx, l, res), nil
}

// resume positions the walker after the last checkpointed window of the range, if any.
func (e *Executor) resume(ctx context.Context, l log.Logger, res *Result, walker *Walker) {
	if e.checkpoints == nil || e.dryRun {
		return
	}

	cp, err := e.checkpoints.Find(ctx, res.Name, res.StartID, res.EndID)
	if err != nil {
		// checkpoints are an optimization, the fill-only predicate keeps a full re-run correct
		l.WithError(err).Warn("failed to read backfill checkpoint, starting from the beginning of the range")
		return
	}
	if cp == nil || cp.LastID < res.StartID {
		return
	}

	last := min(cp.LastID, res.EndID)
	walker.Resume(last + 1)
	res.LastCompletedID = last
	res.ResumedFrom = last + 1
	l.WithFields(log.Fields{checkpointLastKey: cp.LastID, resumedFromKey: res.ResumedFrom}).Info("resuming from checkpoint")
}

// afterWindow persists progress and keeps the lease alive once a window completed.
func (e *Executor) afterWindow(ctx context.Context, l log.Logger, d models.JobDescriptor, res *Result, lease Lease) error {
	metrics.Progress(d.Name, res.Progress())

	if e.checkpoints != nil && !e.dryRun {
		cp := &models.Checkpoint{Name: d.Name, StartID: res.StartID, EndID: res.EndID, LastID: res.LastCompletedID}
		if err := e.checkpoints.Save(context.WithoutCancel(ctx), cp); err != nil {
			l.WithError(err).Warn("failed to save backfill checkpoint")
		}
	}

	if lease != nil {
		if err := lease.Refresh(context.WithoutCancel(ctx), e.leaseTTL); err != nil {
			return err
		}
	}

	return nil
}

// retryTransient calls op until it succeeds or fails with an error that is not transient, backing off between
// attempts. Once maxWindowAttempts transient failures were observed the last one is returned wrapped with
// ErrMaxWindowAttemptsReached. Retries are recorded against w in res, when given, and passed to onRetry before the
// executor backs off. A run canceled while backing off stops before the next attempt.
func (e *Executor) retryTransient(
	ctx context.Context,
	l log.Logger,
	res *Result,
	w models.Window,
	msg string,
	op func(attempt int) error,
	onRetry func(attempt int, terr *TransientExecutionError),
) error {
	var b Backoff

	for attempt := 1; ; attempt++ {
		err := op(attempt)
		if err == nil {
			return nil
		}
		if datastore.Classify(err) != datastore.ClassTransient {
			return err
		}

		terr := &TransientExecutionError{Window: w, Attempt: attempt, Err: err}
		if attempt >= e.maxWindowAttempts {
			return fmt.Errorf("%w: %w", ErrMaxWindowAttemptsReached, terr)
		}
		if res != nil {
			res.recordRetry(w, terr)
		}
		if onRetry != nil {
			onRetry(attempt, terr)
		}

		if b == nil {
			b = e.backoffConstructor(e.initialBackoff, e.maxBackoff)
		}
		sleep := b.NextBackOff()
		l.WithError(err).WithFields(log.Fields{
			windowAttemptKey: attempt,
			errorClassKey:    datastore.ClassTransient.String(),
			outcomeKey:       OutcomeRetry,
			retryInKey:       sleep.Seconds(),
		}).Warn(msg)

		e.clock.Sleep(sleep)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// processWindow fills a window, retrying transient failures with exponential backoff. The window statement runs on a
// context detached from ctx cancellation.
func (e *Executor) processWindow(ctx context.Context, l log.Logger, d models.JobDescriptor, w models.Window, res *Result) error {
	l = l.WithFields(log.Fields{windowLowerKey: w.Lower, windowUpperKey: w.Upper})
	txCtx := context.WithoutCancel(ctx)

	var (
		attempts int
		elapsed  time.Duration
		stats    datastore.WindowStats
		report   func(outcome string, rows, residual int64)
	)
	err := e.retryTransient(ctx, l, res, w, "window failed, retrying", func(attempt int) error {
		attempts = attempt
		report = metrics.InstrumentWindow(d.Name)
		start := e.clock.Now()

		var err error
		if e.dryRun {
			stats, err = e.store.CountWindow(txCtx, d, w)
		} else {
			stats, err = e.store.FillWindow(txCtx, d, w)
		}
		elapsed = e.clock.Since(start)

		return err
	}, func(attempt int, terr *TransientExecutionError) {
		report(OutcomeRetry, 0, 0)
		e.notify(WindowReport{Name: d.Name, Window: w, Outcome: OutcomeRetry, Attempts: attempt, Duration: elapsed, Progress: res.Progress(), Err: terr})
	})

	wl := l.WithFields(log.Fields{windowAttemptKey: attempts, durationKey: elapsed.Seconds()})

	if err == nil {
		res.recordWindow(w, stats.RowsUpdated, stats.ResidualRows)
		report(OutcomeSuccess, stats.RowsUpdated, stats.ResidualRows)
		wl.WithFields(log.Fields{
			rowsUpdatedKey:  stats.RowsUpdated,
			residualRowsKey: stats.ResidualRows,
			outcomeKey:      OutcomeSuccess,
		}).Info("window processed")
		e.notify(WindowReport{
			Name:         d.Name,
			Window:       w,
			Outcome:      OutcomeSuccess,
			Attempts:     attempts,
			Duration:     elapsed,
			RowsUpdated:  stats.RowsUpdated,
			ResidualRows: stats.ResidualRows,
			Progress:     res.Progress(),
		})
		return nil
	}
	// canceled while backing off
	if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
		return err
	}

	var werr error
	switch {
	case errors.Is(err, ErrMaxWindowAttemptsReached):
		werr = err
	case datastore.Classify(err) == datastore.ClassConfiguration:
		werr = newInvalidDescriptorError(fmt.Errorf("window %s: %w", w, err))
	default:
		werr = &FatalExecutionError{Window: w, Err: err}
	}

	report(OutcomeFailed, 0, 0)
	wl.WithError(err).WithFields(log.Fields{
		errorClassKey: datastore.Classify(err).String(),
		outcomeKey:    OutcomeFailed,
	}).Error("window failed")
	e.notify(WindowReport{Name: d.Name, Window: w, Outcome: OutcomeFailed, Attempts: attempts, Duration: elapsed, Progress: res.Progress(), Err: werr})
	return werr
}

func (e *Executor) notify(r WindowReport) {
	if e.listener != nil {
		e.listener(r)
	}
}

func (e *Executor) complete(ctx context.Context, l log.Logger, res *Result) *Result {
	if err := res.transition(models.RunCompleted); err != nil {
		// unreachable unless the run loop is broken
		l.WithError(err).Error("invalid backfill run state")
	}
	res.FinishedAt = e.clock.Now()
	metrics.Progress(res.Name, 1)

	if e.checkpoints != nil && !e.dryRun {
		if err := e.checkpoints.Delete(context.WithoutCancel(ctx), res.Name, res.StartID, res.EndID); err != nil {
			l.WithError(err).Warn("failed to clear backfill checkpoint")
		}
	}

	l.WithFields(summaryFields(res)).Info("backfill run completed")

	return res
}

func (e *Executor) fail(ctx context.Context, l log.Logger, res *Result, err error) (*Result, error) {
	res.Err = err
	res.ErrorCode = ErrorCodeOf(err)
	if terr := res.transition(models.RunFailed); terr != nil {
		l.WithError(terr).Error("invalid backfill run state")
	}
	res.FinishedAt = e.clock.Now()

	l.WithError(err).WithFields(summaryFields(res)).Error("backfill run failed")

	var confErr *ConfigurationError
	if !errors.As(err, &confErr) && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrLeaseInUse) {
		errortracking.Capture(err, errortracking.WithContext(ctx), errortracking.WithStackTrace())
	}

	return res, err
}

func summaryFields(res *Result) log.Fields {
	return log.Fields{
		runStatusKey:     res.Status.String(),
		runErrorCodeKey:  res.ErrorCode.String(),
		batchesKey:       res.BatchesProcessed,
		totalRowsKey:     res.RowsUpdated,
		totalResidualKey: res.ResidualRows,
		totalRetriesKey:  res.Retries,
		lastCompletedKey: res.LastCompletedID,
		durationKey:      res.Duration().Seconds(),
		jobStartIDKey:    res.StartID,
		jobEndIDKey:      res.EndID,
		resumedFromKey:   res.ResumedFrom,
		jobDryRunKey:     res.DryRun,
	}
}
