package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	iredis "gitlab.com/gitlab-org/database-backfill/backfill/internal/redis"
)

const checkpointKey = "backfill:checkpoints:{foo}:1-100"

type boundary struct {
	Name   string
	LastID int64
}

func TestCache_Load(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := iredis.NewCache(db)

	obj := boundary{Name: "foo", LastID: 42}
	data, err := msgpack.Marshal(obj)
	require.NoError(t, err)

	mock.ExpectGet(checkpointKey).SetVal(string(data))

	var result boundary
	require.NoError(t, cache.Load(context.Background(), checkpointKey, &result))
	assert.Equal(t, obj, result)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_Load_NotFound(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := iredis.NewCache(db)

	mock.ExpectGet(checkpointKey).RedisNil()

	var result boundary
	err := cache.Load(context.Background(), checkpointKey, &result)
	require.Error(t, err)
	require.True(t, errors.Is(err, redis.Nil))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_Store(t *testing.T) {
	obj := boundary{Name: "foo", LastID: 42}
	data, err := msgpack.Marshal(obj)
	require.NoError(t, err)

	testCases := []struct {
		name string
		ttl  time.Duration
	}{
		{
			name: "expiring",
			ttl:  7 * 24 * time.Hour,
		},
		{
			name: "without expiry",
			ttl:  0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(tt *testing.T) {
			db, mock := redismock.NewClientMock()
			cache := iredis.NewCache(db)

			mock.ExpectSet(checkpointKey, data, tc.ttl).SetVal("OK")
			require.NoError(tt, cache.Store(context.Background(), checkpointKey, obj, tc.ttl))
			require.NoError(tt, mock.ExpectationsWereMet())
		})
	}
}

func TestCache_Store_Error(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := iredis.NewCache(db)

	data, err := msgpack.Marshal(boundary{Name: "foo"})
	require.NoError(t, err)

	mock.ExpectSet(checkpointKey, data, time.Minute).SetErr(errors.New("connection refused"))
	require.ErrorContains(t, cache.Store(context.Background(), checkpointKey, boundary{Name: "foo"}, time.Minute), "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_Delete(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := iredis.NewCache(db)

	mock.ExpectDel(checkpointKey).SetVal(1)

	require.NoError(t, cache.Delete(context.Background(), checkpointKey))
	require.NoError(t, mock.ExpectationsWereMet())
}
