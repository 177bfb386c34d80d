package bbm

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
)

// Window outcomes, as reported to listeners, logs and metrics.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
)

// WindowError is a non fatal condition observed while processing a window: a transient failure that was retried or
// rows left null because of dangling references.
type WindowError struct {
	Window models.Window
	Cause  error
}

func (e WindowError) Error() string {
	return fmt.Sprintf("window %s: %s", e.Window, e.Cause)
}

func (e WindowError) Unwrap() error {
	return e.Cause
}

// WindowReport describes a processed window. It is passed to the WindowListener of an Executor.
type WindowReport struct {
	Name     string
	Window   models.Window
	Outcome  string
	Attempts int
	Duration time.Duration
	// RowsUpdated and ResidualRows are only meaningful when Outcome is OutcomeSuccess.
	RowsUpdated  int64
	ResidualRows int64
	// Progress is the share of the run key range covered so far, between 0 and 1.
	Progress float64
	Err      error
}

// Result is the outcome of a backfill run.
type Result struct {
	Name    string
	StartID int64
	EndID   int64
	Status  models.RunStatus
	DryRun  bool

	// BatchesProcessed is the number of windows that completed.
	BatchesProcessed int
	// RowsUpdated is the total number of rows filled, or that would have been filled in a dry run.
	RowsUpdated int64
	// ResidualRows is the total number of rows left null in completed windows.
	ResidualRows int64
	// Retries is the number of window attempts that failed transiently and were retried.
	Retries int
	// Errors lists non fatal window conditions. They never fail the run on their own.
	Errors []WindowError

	// LastCompletedID is the upper bound of the last completed window, or StartID-1 if none completed. A failed run
	// resumes at LastCompletedID+1.
	LastCompletedID int64
	// ResumedFrom is the first key processed by this run when it picked up from a checkpoint, zero otherwise.
	ResumedFrom int64

	// Err is the error that failed the run, and ErrorCode its classification.
	Err       error
	ErrorCode models.ErrorCode

	StartedAt  time.Time
	FinishedAt time.Time
}

// ErrInvalidTransition is returned when a run status change does not follow PENDING -> RUNNING -> COMPLETED|FAILED.
var ErrInvalidTransition = errors.New("invalid run status transition")

func newResult(d models.JobDescriptor) *Result {
	return &Result{
		Name:            d.Name,
		StartID:         d.StartID,
		EndID:           d.EndID,
		Status:          models.RunPending,
		LastCompletedID: d.StartID - 1,
	}
}

func (r *Result) transition(to models.RunStatus) error {
	switch {
	case r.Status == models.RunPending && to == models.RunRunning,
		r.Status == models.RunPending && to == models.RunFailed,
		r.Status == models.RunRunning && to.Terminal():
		r.Status = to
		return nil
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.Status, to)
}

// ResumeID returns the first key a follow-up run must process.
func (r *Result) ResumeID() int64 {
	return r.LastCompletedID + 1
}

// Duration returns how long the run took.
func (r *Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Completed reports whether the run finished its whole range.
func (r *Result) Completed() bool {
	return r.Status == models.RunCompleted
}

// Progress returns the share of the range covered so far, between 0 and 1.
func (r *Result) Progress() float64 {
	total := r.EndID - r.StartID + 1
	if total <= 0 {
		return 1
	}
	done := r.LastCompletedID - r.StartID + 1
	if done <= 0 {
		return 0
	}
	return float64(done) / float64(total)
}

func (r *Result) recordWindow(w models.Window, rows, residual int64) {
	r.BatchesProcessed++
	r.RowsUpdated += rows
	r.ResidualRows += residual
	r.LastCompletedID = w.Upper
	if residual > 0 {
		r.Errors = append(r.Errors, WindowError{Window: w, Cause: &DanglingReferences{Rows: residual}})
	}
}

func (r *Result) recordRetry(w models.Window, err error) {
	r.Retries++
	r.Errors = append(r.Errors, WindowError{Window: w, Cause: err})
}

// MergeResults combines the results of runs over disjoint, contiguous slices of one range, given in ascending order.
// The merged run failed if any slice failed, and its LastCompletedID is that of the first failed slice, so resuming
// from it never skips a key.
func MergeResults(name string, results []*Result) *Result {
	merged := &Result{Name: name, Status: models.RunCompleted}
	if len(results) == 0 {
		return merged
	}

	merged.StartID = results[0].StartID
	merged.EndID = results[len(results)-1].EndID
	merged.LastCompletedID = results[len(results)-1].LastCompletedID
	merged.StartedAt = results[0].StartedAt

	var errs *multierror.Error
	failed := false
	for _, r := range results {
		merged.DryRun = merged.DryRun || r.DryRun
		merged.BatchesProcessed += r.BatchesProcessed
		merged.RowsUpdated += r.RowsUpdated
		merged.ResidualRows += r.ResidualRows
		merged.Retries += r.Retries
		merged.Errors = append(merged.Errors, r.Errors...)

		if r.StartedAt.Before(merged.StartedAt) {
			merged.StartedAt = r.StartedAt
		}
		if r.FinishedAt.After(merged.FinishedAt) {
			merged.FinishedAt = r.FinishedAt
		}

		if r.Status != models.RunFailed {
			continue
		}
		if !failed {
			failed = true
			merged.Status = models.RunFailed
			merged.LastCompletedID = r.LastCompletedID
			merged.ErrorCode = r.ErrorCode
		}
		if r.Err != nil {
			errs = multierror.Append(errs, r.Err)
		}
	}
	merged.Err = errs.ErrorOrNil()

	return merged
}
