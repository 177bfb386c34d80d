package bbm_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/database-backfill/backfill/bbm"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
)

func TestErrorCodeOf(t *testing.T) {
	errAnError := errors.New("an error")
	w := models.Window{Lower: 1, Upper: 10}

	tt := []struct {
		name     string
		err      error
		expected models.ErrorCode
	}{
		{
			name:     "nil",
			expected: models.NullErrCode,
		},
		{
			name:     "configuration error",
			err:      fmt.Errorf("wrapped: %w", &bbm.ConfigurationError{Err: errAnError, ErrorCode: models.InvalidColumnErrCode}),
			expected: models.InvalidColumnErrCode,
		},
		{
			name:     "max window attempts",
			err:      fmt.Errorf("%w: %w", bbm.ErrMaxWindowAttemptsReached, &bbm.TransientExecutionError{Window: w, Attempt: 3, Err: errAnError}),
			expected: models.WindowExceedsMaxAttemptErrCode,
		},
		{
			name:     "lease in use",
			err:      fmt.Errorf("%w: key", bbm.ErrLeaseInUse),
			expected: models.LeaseInUseErrCode,
		},
		{
			name:     "lease lost",
			err:      fmt.Errorf("%w: key", bbm.ErrLeaseLost),
			expected: models.LeaseInUseErrCode,
		},
		{
			name:     "canceled",
			err:      context.Canceled,
			expected: models.CanceledErrCode,
		},
		{
			name:     "deadline exceeded",
			err:      fmt.Errorf("waiting: %w", context.DeadlineExceeded),
			expected: models.CanceledErrCode,
		},
		{
			name:     "fatal execution",
			err:      &bbm.FatalExecutionError{Window: w, Err: errAnError},
			expected: models.FatalExecutionErrCode,
		},
		{
			name:     "unknown",
			err:      errAnError,
			expected: models.UnknownErrCode,
		},
	}

	for _, test := range tt {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, bbm.ErrorCodeOf(test.err))
		})
	}
}

func TestExecutionErrors(t *testing.T) {
	errAnError := errors.New("an error")
	w := models.Window{Lower: 1, Upper: 10}

	terr := &bbm.TransientExecutionError{Window: w, Attempt: 2, Err: errAnError}
	require.EqualError(t, terr, "window [1, 10] attempt 2: an error")
	require.ErrorIs(t, terr, errAnError)

	ferr := &bbm.FatalExecutionError{Window: w, Err: errAnError}
	require.EqualError(t, ferr, "window [1, 10]: an error")
	require.ErrorIs(t, ferr, errAnError)

	cerr := &bbm.ConfigurationError{Err: errAnError, ErrorCode: models.InvalidTableErrCode}
	require.EqualError(t, cerr, "invalid job descriptor configuration: an error")
	require.ErrorIs(t, cerr, errAnError)

	derr := &bbm.DanglingReferences{Rows: 4}
	require.EqualError(t, derr, "4 rows left null: dangling reference")
	require.ErrorIs(t, derr, bbm.ErrDanglingReference)
}
