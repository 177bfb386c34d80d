package datastore

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestApplyOptions(t *testing.T) {
	l := logrus.NewEntry(logrus.New())
	poolConfig := &PoolConfig{
		MaxIdle:     1,
		MaxOpen:     2,
		MaxLifetime: 1 * time.Minute,
		MaxIdleTime: 10 * time.Minute,
	}

	testCases := []struct {
		name           string
		opts           []Option
		expectedLogger *logrus.Entry
		expectedPool   *PoolConfig
	}{
		{
			name:         "empty",
			opts:         nil,
			expectedPool: &PoolConfig{},
		},
		{
			name:           "with logger",
			opts:           []Option{WithLogger(l)},
			expectedLogger: l,
			expectedPool:   &PoolConfig{},
		},
		{
			name:         "with pool",
			opts:         []Option{WithPoolConfig(poolConfig)},
			expectedPool: poolConfig,
		},
		{
			name:           "combined",
			opts:           []Option{WithLogger(l), WithPoolConfig(poolConfig)},
			expectedLogger: l,
			expectedPool:   poolConfig,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := applyOptions(tc.opts)
			if tc.expectedLogger == nil {
				require.NotNil(t, got.logger)
			} else {
				require.Equal(t, tc.expectedLogger, got.logger)
			}
			require.Equal(t, tc.expectedPool, got.pool)
		})
	}
}
