package models

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDescriptor(opts ...DescriptorOption) JobDescriptor {
	return NewJobDescriptor("backfill_test", "merge_request_assignees", "project_id", "merge_requests", "target_project_id", "merge_request_id", opts...)
}

func TestNewJobDescriptor_Defaults(t *testing.T) {
	d := newTestDescriptor()

	require.Equal(t, DefaultBatchColumn, d.BatchColumn)
	require.Equal(t, DefaultViaPrimaryKey, d.BackfillViaPrimaryKey)
	require.Equal(t, DefaultSubBatchSize, d.SubBatchSize)
	require.Equal(t, DefaultPause, d.Pause)
	require.False(t, d.HasRange())
	require.False(t, d.Partitioned())
	require.Equal(t, SerialBatchingStrategy, d.BatchingStrategy.Val())
	require.NoError(t, d.Validate())
}

func TestJobDescriptor_OptionsWinOverDefaults(t *testing.T) {
	d := newTestDescriptor(
		WithBatchColumn("key"),
		WithViaPrimaryKey("mr_id"),
		WithSubBatchSize(10),
		WithPause(time.Second),
		WithPartitionColumn("partition_id"),
		WithIDRange(5, 50),
		WithBatchingStrategy(KeysetBatching),
	)

	require.Equal(t, "key", d.BatchColumn)
	require.Equal(t, "mr_id", d.BackfillViaPrimaryKey)
	require.Equal(t, 10, d.SubBatchSize)
	require.Equal(t, time.Second, d.Pause)
	require.True(t, d.Partitioned())
	require.True(t, d.HasRange())
	require.Equal(t, KeysetBatchingStrategy, d.BatchingStrategy.Val())
}

func TestJobDescriptor_WithCopiesTags(t *testing.T) {
	tags := map[string]string{"feature_category": "code_review_workflow"}
	d := newTestDescriptor(WithTags(tags))
	tags["feature_category"] = "changed"
	require.Equal(t, "code_review_workflow", d.Tag("feature_category"))

	other := d.With(WithSubBatchSize(5))
	other.Tags["feature_category"] = "other"
	require.Equal(t, "code_review_workflow", d.Tag("feature_category"))
	require.Equal(t, DefaultSubBatchSize, d.SubBatchSize)
	require.Equal(t, 5, other.SubBatchSize)
}

func TestJobDescriptor_WithDefaults(t *testing.T) {
	d := JobDescriptor{Name: "bare"}.WithDefaults()

	require.Equal(t, DefaultBatchColumn, d.BatchColumn)
	require.Equal(t, DefaultSubBatchSize, d.SubBatchSize)
	require.Equal(t, DefaultPause, d.Pause)
}

func TestJobDescriptor_ZeroPause(t *testing.T) {
	d := newTestDescriptor(WithPause(0))
	require.Equal(t, NoPause, d.Pause)
	require.Zero(t, d.PauseDuration())
	require.NoError(t, d.Validate())

	// defaults never override a disabled pause
	require.Equal(t, NoPause, d.WithDefaults().Pause)

	// an unset pause is the default
	d = JobDescriptor{Name: "bare"}.WithDefaults()
	require.Equal(t, DefaultPause, d.PauseDuration())
}

func TestJobDescriptor_HasRange(t *testing.T) {
	require.False(t, newTestDescriptor().HasRange())
	require.True(t, newTestDescriptor(WithIDRange(0, 0)).HasRange())
	require.True(t, newTestDescriptor(WithIDRange(1, 10)).HasRange())
	require.True(t, JobDescriptor{StartID: 1, EndID: 10}.HasRange())
	require.True(t, newTestDescriptor(WithIDRange(0, 0)).WithDefaults().HasRange())
}

func TestJobDescriptor_Validate(t *testing.T) {
	tt := []struct {
		name        string
		descriptor  JobDescriptor
		expectedErr string
	}{
		{
			name:       "valid",
			descriptor: newTestDescriptor(),
		},
		{
			name:       "valid range",
			descriptor: newTestDescriptor(WithIDRange(1, 1)),
		},
		{
			name:        "missing batch table",
			descriptor:  NewJobDescriptor("x", "", "project_id", "merge_requests", "target_project_id", "merge_request_id"),
			expectedErr: "batch_table is required",
		},
		{
			name:        "missing foreign key",
			descriptor:  NewJobDescriptor("x", "merge_request_assignees", "project_id", "merge_requests", "target_project_id", ""),
			expectedErr: "backfill_via_foreign_key is required",
		},
		{
			name:        "negative range",
			descriptor:  newTestDescriptor(WithIDRange(-1, 10)),
			expectedErr: "negative id range [-1, 10]",
		},
		{
			name:        "inverted range",
			descriptor:  newTestDescriptor(WithIDRange(10, 1)),
			expectedErr: "start_id 10 is greater than end_id 1",
		},
		{
			name:        "negative sub batch size",
			descriptor:  newTestDescriptor(WithSubBatchSize(-1)),
			expectedErr: "sub_batch_size must be positive, got -1",
		},
		{
			name:        "negative pause",
			descriptor:  newTestDescriptor(WithPause(-time.Second)),
			expectedErr: "pause must not be negative, got -1s",
		},
		{
			name:       "no pause",
			descriptor: newTestDescriptor(WithPause(NoPause)),
		},
		{
			name:       "explicit zero range",
			descriptor: newTestDescriptor(WithIDRange(0, 0)),
		},
		{
			name:        "unknown strategy",
			descriptor:  newTestDescriptor(WithBatchingStrategy(BatchingStrategy{sql.NullString{String: "random", Valid: true}})),
			expectedErr: `unknown batching strategy "random"`,
		},
	}

	for _, test := range tt {
		t.Run(test.name, func(t *testing.T) {
			err := test.descriptor.Validate()
			if test.expectedErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidDescriptor)
			require.ErrorContains(t, err, test.expectedErr)
		})
	}
}

func TestWindow(t *testing.T) {
	w := Window{Lower: 101, Upper: 200}

	require.Equal(t, int64(100), w.Size())
	require.Equal(t, "[101, 200]", w.String())
	require.Equal(t, int64(1), Window{Lower: 7, Upper: 7}.Size())
}

func TestRunStatus(t *testing.T) {
	tt := []struct {
		status   RunStatus
		name     string
		terminal bool
	}{
		{RunPending, "pending", false},
		{RunRunning, "running", false},
		{RunCompleted, "completed", true},
		{RunFailed, "failed", true},
		{RunStatus(42), "unknown", false},
	}

	for _, test := range tt {
		require.Equal(t, test.name, test.status.String())
		require.Equal(t, test.terminal, test.status.Terminal())
	}
}

func TestErrorCode_String(t *testing.T) {
	require.Empty(t, NullErrCode.String())
	require.Equal(t, "unknown", UnknownErrCode.String())
	require.Equal(t, "invalid_table", InvalidTableErrCode.String())
	require.Equal(t, "invalid_column", InvalidColumnErrCode.String())
	require.Equal(t, "max_window_retry", WindowExceedsMaxAttemptErrCode.String())
	require.Equal(t, "canceled", CanceledErrCode.String())
	require.Equal(t, "lease_in_use", LeaseInUseErrCode.String())
}

func TestParseBatchingStrategy(t *testing.T) {
	s, err := ParseBatchingStrategy("")
	require.NoError(t, err)
	require.False(t, s.Valid)
	require.True(t, s.Known())

	s, err = ParseBatchingStrategy("keyset")
	require.NoError(t, err)
	require.Equal(t, KeysetBatching, s)

	s, err = ParseBatchingStrategy("serial")
	require.NoError(t, err)
	require.Equal(t, SerialBatching, s)

	_, err = ParseBatchingStrategy("random")
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}
