package models

import (
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/guregu/null/v6"
)

const (
	// DefaultBatchColumn is the key column walked on the batch table when none is given.
	DefaultBatchColumn = "id"
	// DefaultViaPrimaryKey is the column of the source table referenced by the batch table foreign key.
	DefaultViaPrimaryKey = "id"
	// DefaultSubBatchSize is the number of keys covered by a single window.
	DefaultSubBatchSize = 1000
	// DefaultPause is the delay between two consecutive windows.
	DefaultPause = 100 * time.Millisecond
	// NoPause disables the delay between windows. A zero Pause is replaced by DefaultPause.
	NoPause time.Duration = -1
)

// ErrInvalidDescriptor is returned when a job descriptor is missing required attributes or has out of range values.
var ErrInvalidDescriptor = errors.New("invalid job descriptor")

// JobDescriptor is the declarative description of a single sharding key backfill. A descriptor is a value: every
// method returning a descriptor returns a modified copy and leaves the receiver untouched.
type JobDescriptor struct {
	// Name identifies the descriptor in the registry, logs and checkpoints.
	Name string
	// BatchTable is the table being updated. May be schema qualified.
	BatchTable string
	// BatchColumn is the key column walked in windows. Defaults to `id`.
	BatchColumn string
	// BackfillColumn is the column on BatchTable that is filled.
	BackfillColumn string
	// BackfillViaTable is the source-of-truth table.
	BackfillViaTable string
	// BackfillViaColumn is the column on BackfillViaTable holding the value to copy.
	BackfillViaColumn string
	// BackfillViaForeignKey is the column on BatchTable referencing BackfillViaTable.
	BackfillViaForeignKey string
	// BackfillViaPrimaryKey is the column on BackfillViaTable referenced by BackfillViaForeignKey. Defaults to `id`.
	BackfillViaPrimaryKey string
	// PartitionColumn is an optional column present on both tables that must match for a row to be updated.
	PartitionColumn string
	// StartID and EndID delimit the inclusive key range to operate over. Both zero means the whole table, unless
	// ExplicitRange is set.
	StartID int64
	EndID   int64
	// ExplicitRange marks StartID and EndID as given even when both are zero. Set by WithIDRange.
	ExplicitRange bool
	// SubBatchSize is the maximum number of keys per window.
	SubBatchSize int
	// Pause is slept between two consecutive windows. Zero means DefaultPause, NoPause means no delay.
	Pause time.Duration
	// BatchingStrategy selects how window upper bounds are calculated.
	BatchingStrategy BatchingStrategy
	// Tags are opaque scheduler metadata, such as the feature category.
	Tags map[string]string
}

// DescriptorOption configures optional attributes of a JobDescriptor.
type DescriptorOption func(*JobDescriptor)

// WithBatchColumn sets the batch table key column.
func WithBatchColumn(c string) DescriptorOption {
	return func(d *JobDescriptor) {
		d.BatchColumn = c
	}
}

// WithViaPrimaryKey sets the source table column referenced by the foreign key.
func WithViaPrimaryKey(c string) DescriptorOption {
	return func(d *JobDescriptor) {
		d.BackfillViaPrimaryKey = c
	}
}

// WithPartitionColumn sets the partition column both tables must agree on.
func WithPartitionColumn(c string) DescriptorOption {
	return func(d *JobDescriptor) {
		d.PartitionColumn = c
	}
}

// WithIDRange sets the inclusive key range. The range is explicit even when both bounds are zero.
func WithIDRange(start, end int64) DescriptorOption {
	return func(d *JobDescriptor) {
		d.StartID = start
		d.EndID = end
		d.ExplicitRange = true
	}
}

// WithSubBatchSize sets the window size.
func WithSubBatchSize(n int) DescriptorOption {
	return func(d *JobDescriptor) {
		d.SubBatchSize = n
	}
}

// WithPause sets the delay between windows. A zero pause disables the delay.
func WithPause(p time.Duration) DescriptorOption {
	return func(d *JobDescriptor) {
		if p == 0 {
			p = NoPause
		}
		d.Pause = p
	}
}

// WithBatchingStrategy sets the windowing strategy.
func WithBatchingStrategy(s BatchingStrategy) DescriptorOption {
	return func(d *JobDescriptor) {
		d.BatchingStrategy = s
	}
}

// WithTags sets the opaque descriptor tags.
func WithTags(tags map[string]string) DescriptorOption {
	return func(d *JobDescriptor) {
		d.Tags = maps.Clone(tags)
	}
}

// NewJobDescriptor builds a descriptor from its five required attributes and any options. Defaults are applied before
// the options, so an option always wins. The returned descriptor is not validated, see JobDescriptor.Validate.
func NewJobDescriptor(name, batchTable, backfillColumn, viaTable, viaColumn, viaForeignKey string, opts ...DescriptorOption) JobDescriptor {
	d := JobDescriptor{
		Name:                  name,
		BatchTable:            batchTable,
		BackfillColumn:        backfillColumn,
		BackfillViaTable:      viaTable,
		BackfillViaColumn:     viaColumn,
		BackfillViaForeignKey: viaForeignKey,
	}
	d.applyDefaults()

	for _, opt := range opts {
		opt(&d)
	}

	return d
}

func (d *JobDescriptor) applyDefaults() {
	if d.BatchColumn == "" {
		d.BatchColumn = DefaultBatchColumn
	}
	if d.BackfillViaPrimaryKey == "" {
		d.BackfillViaPrimaryKey = DefaultViaPrimaryKey
	}
	if d.SubBatchSize == 0 {
		d.SubBatchSize = DefaultSubBatchSize
	}
	if d.Pause == 0 {
		d.Pause = DefaultPause
	}
}

// WithDefaults returns a copy of the descriptor with defaults applied to unset optional attributes.
func (d JobDescriptor) WithDefaults() JobDescriptor {
	d.Tags = maps.Clone(d.Tags)
	d.applyDefaults()
	return d
}

// With returns a copy of the descriptor with the given options applied.
func (d JobDescriptor) With(opts ...DescriptorOption) JobDescriptor {
	d.Tags = maps.Clone(d.Tags)
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// HasRange reports whether the descriptor carries an explicit key range.
func (d JobDescriptor) HasRange() bool {
	return d.ExplicitRange || d.StartID != 0 || d.EndID != 0
}

// PauseDuration returns the effective delay between windows, zero when pauses are disabled.
func (d JobDescriptor) PauseDuration() time.Duration {
	if d.Pause == NoPause {
		return 0
	}
	return d.Pause
}

// Partitioned reports whether the join must also match on a partition column.
func (d JobDescriptor) Partitioned() bool {
	return d.PartitionColumn != ""
}

// Tag returns the value of the named tag, if any.
func (d JobDescriptor) Tag(key string) string {
	return d.Tags[key]
}

// Validate checks the descriptor attributes that do not require database access.
func (d JobDescriptor) Validate() error {
	required := []struct {
		name, value string
	}{
		{"batch_table", d.BatchTable},
		{"batch_column", d.BatchColumn},
		{"backfill_column", d.BackfillColumn},
		{"backfill_via_table", d.BackfillViaTable},
		{"backfill_via_column", d.BackfillViaColumn},
		{"backfill_via_foreign_key", d.BackfillViaForeignKey},
		{"backfill_via_primary_key", d.BackfillViaPrimaryKey},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidDescriptor, r.name)
		}
	}

	if d.StartID < 0 || d.EndID < 0 {
		return fmt.Errorf("%w: negative id range [%d, %d]", ErrInvalidDescriptor, d.StartID, d.EndID)
	}
	if d.StartID > d.EndID {
		return fmt.Errorf("%w: start_id %d is greater than end_id %d", ErrInvalidDescriptor, d.StartID, d.EndID)
	}
	if d.SubBatchSize <= 0 {
		return fmt.Errorf("%w: sub_batch_size must be positive, got %d", ErrInvalidDescriptor, d.SubBatchSize)
	}
	if d.Pause < 0 && d.Pause != NoPause {
		return fmt.Errorf("%w: pause must not be negative, got %s", ErrInvalidDescriptor, d.Pause)
	}
	if !d.BatchingStrategy.Known() {
		return fmt.Errorf("%w: unknown batching strategy %q", ErrInvalidDescriptor, d.BatchingStrategy.String)
	}

	return nil
}

// Window is a contiguous, inclusive key range processed by one UPDATE statement.
type Window struct {
	Lower int64
	Upper int64
}

// Size returns the number of key values covered by the window.
func (w Window) Size() int64 {
	return w.Upper - w.Lower + 1
}

func (w Window) String() string {
	return fmt.Sprintf("[%d, %d]", w.Lower, w.Upper)
}

// RunStatus is the state of a single backfill run.
type RunStatus int

const (
	RunPending RunStatus = iota
	RunRunning
	RunCompleted
	RunFailed
)

func (s RunStatus) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible from s.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// ErrorCode represents the failure reason of a backfill run.
type ErrorCode struct {
	sql.NullInt16
}

var (
	NullErrCode                    = ErrorCode{sql.NullInt16{Valid: false}}
	UnknownErrCode                 = ErrorCode{sql.NullInt16{Int16: 0, Valid: true}}
	InvalidTableErrCode            = ErrorCode{sql.NullInt16{Int16: 1, Valid: true}}
	InvalidColumnErrCode           = ErrorCode{sql.NullInt16{Int16: 2, Valid: true}}
	InvalidDescriptorErrCode       = ErrorCode{sql.NullInt16{Int16: 3, Valid: true}}
	WindowExceedsMaxAttemptErrCode = ErrorCode{sql.NullInt16{Int16: 4, Valid: true}}
	InvalidBatchingStrategyErrCode = ErrorCode{sql.NullInt16{Int16: 5, Valid: true}}
	FatalExecutionErrCode          = ErrorCode{sql.NullInt16{Int16: 6, Valid: true}}
	CanceledErrCode                = ErrorCode{sql.NullInt16{Int16: 7, Valid: true}}
	LeaseInUseErrCode              = ErrorCode{sql.NullInt16{Int16: 8, Valid: true}}
)

func (c ErrorCode) String() string {
	if !c.Valid {
		return ""
	}
	switch c.Int16 {
	default:
		return "unknown"
	case InvalidTableErrCode.Int16:
		return "invalid_table"
	case InvalidColumnErrCode.Int16:
		return "invalid_column"
	case InvalidDescriptorErrCode.Int16:
		return "invalid_descriptor"
	case WindowExceedsMaxAttemptErrCode.Int16:
		return "max_window_retry"
	case InvalidBatchingStrategyErrCode.Int16:
		return "invalid_batching_strategy"
	case FatalExecutionErrCode.Int16:
		return "fatal_execution"
	case CanceledErrCode.Int16:
		return "canceled"
	case LeaseInUseErrCode.Int16:
		return "lease_in_use"
	}
}

const (
	SerialBatchingStrategy = "serial"
	KeysetBatchingStrategy = "keyset"
)

// BatchingStrategy selects how the range walker calculates window upper bounds. The zero value means unset, in which
// case the executor default applies.
type BatchingStrategy struct {
	sql.NullString
}

var (
	SerialBatching = BatchingStrategy{sql.NullString{String: SerialBatchingStrategy, Valid: true}}
	KeysetBatching = BatchingStrategy{sql.NullString{String: KeysetBatchingStrategy, Valid: true}}
)

// ParseBatchingStrategy converts a strategy name into a BatchingStrategy. An empty name yields the unset strategy.
func ParseBatchingStrategy(s string) (BatchingStrategy, error) {
	switch s {
	case "":
		return BatchingStrategy{}, nil
	case SerialBatchingStrategy:
		return SerialBatching, nil
	case KeysetBatchingStrategy:
		return KeysetBatching, nil
	}
	return BatchingStrategy{}, fmt.Errorf("%w: unknown batching strategy %q", ErrInvalidDescriptor, s)
}

// Val returns the strategy name, defaulting to serial when unset.
func (s BatchingStrategy) Val() string {
	if !s.Valid {
		return SerialBatchingStrategy
	}
	return s.String
}

// Known reports whether the strategy is one the walker understands.
func (s BatchingStrategy) Known() bool {
	return !s.Valid || s.String == SerialBatchingStrategy || s.String == KeysetBatchingStrategy
}

// Checkpoint is the last completed window boundary recorded for a descriptor over a given range.
type Checkpoint struct {
	Name      string    `msgpack:"name"`
	StartID   int64     `msgpack:"start_id"`
	EndID     int64     `msgpack:"end_id"`
	LastID    int64     `msgpack:"last_id"`
	UpdatedAt null.Time `msgpack:"-"`
}
