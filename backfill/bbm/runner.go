package bbm

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
	"gitlab.com/gitlab-org/database-backfill/log"
)

// Performer runs a single backfill. *Executor implements it.
type Performer interface {
	Perform(ctx context.Context, d models.JobDescriptor) (*Result, error)
	ResolveRange(ctx context.Context, d models.JobDescriptor) (start, end int64, found bool, err error)
}

// Runner runs descriptors, optionally splitting each range into contiguous slices processed concurrently.
type Runner struct {
	performer   Performer
	parallelism int
	logger      log.Logger
}

// RunnerOption provides functional options for NewRunner.
type RunnerOption func(*Runner)

// WithParallelism sets how many slices of a range are processed concurrently. Defaults to 1.
func WithParallelism(n int) RunnerOption {
	return func(r *Runner) {
		r.parallelism = n
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l log.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// NewRunner creates a Runner.
func NewRunner(p Performer, opts ...RunnerOption) *Runner {
	r := &Runner{performer: p}
	for _, opt := range opts {
		opt(r)
	}
	if r.parallelism < 1 {
		r.parallelism = 1
	}
	if r.logger == nil {
		r.logger = log.GetLogger()
	}
	return r
}

// Run backfills d. With a parallelism above one, the range is split into contiguous slices aligned on the sub-batch
// size, and every slice runs to its own end even when another one fails. The slice results are merged.
func (r *Runner) Run(ctx context.Context, d models.JobDescriptor) (*Result, error) {
	if r.parallelism == 1 {
		return r.performer.Perform(ctx, d)
	}

	d = d.WithDefaults()
	start, end, found, err := r.performer.ResolveRange(ctx, d)
	if err != nil || !found {
		// let the performer report the failure or the empty range
		return r.performer.Perform(ctx, d)
	}

	slices := SplitRange(start, end, d.SubBatchSize, r.parallelism)
	if len(slices) == 1 {
		return r.performer.Perform(ctx, d.With(models.WithIDRange(start, end)))
	}

	r.logger.WithFields(log.Fields{
		jobNameKey:    d.Name,
		jobStartIDKey: start,
		jobEndIDKey:   end,
		"slices":      len(slices),
	}).Info("running backfill in parallel slices")

	results := make([]*Result, len(slices))
	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for i, s := range slices {
		g.Go(func() error {
			// failures are carried by the slice result
			results[i], _ = r.performer.Perform(ctx, d.With(models.WithIDRange(s.Lower, s.Upper)))
			return nil
		})
	}
	_ = g.Wait()

	merged := MergeResults(d.Name, results)
	return merged, merged.Err
}

// RunAll backfills descriptors one after the other. It stops early only if ctx is canceled, and returns the results
// of all descriptors that ran along with their combined errors.
func (r *Runner) RunAll(ctx context.Context, dd []models.JobDescriptor) ([]*Result, error) {
	var (
		results []*Result
		errs    *multierror.Error
	)
	for _, d := range dd {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		res, err := r.Run(ctx, d)
		results = append(results, res)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return results, errs.ErrorOrNil()
}

// SplitRange splits [start, end] into at most n contiguous slices. Slice widths are multiples of size so that the
// serial windows of the slices match those of a single run over the whole range.
func SplitRange(start, end int64, size, n int) []models.Window {
	if start > end {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if size < 1 {
		size = 1
	}

	span := uint64(end-start) + 1
	windows := (span + uint64(size) - 1) / uint64(size)
	perSlice := (windows + uint64(n) - 1) / uint64(n)
	width := perSlice * uint64(size)

	var out []models.Window
	for lo := start; ; {
		if uint64(end-lo) < width {
			out = append(out, models.Window{Lower: lo, Upper: end})
			return out
		}
		hi := lo + int64(width) - 1
		out = append(out, models.Window{Lower: lo, Upper: hi})
		lo = hi + 1
	}
}
