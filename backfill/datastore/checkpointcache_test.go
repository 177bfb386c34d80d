package datastore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/database-backfill/backfill/datastore"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
	iredis "gitlab.com/gitlab-org/database-backfill/backfill/internal/redis"
)

func newCheckpointCache(t *testing.T, opts ...datastore.CheckpointCacheOption) (datastore.CheckpointStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return datastore.NewCheckpointCache(iredis.NewCache(client), opts...), mr
}

func TestCheckpointCache(t *testing.T) {
	s, mr := newCheckpointCache(t)
	ctx := context.Background()
	name := "backfill_merge_request_assignees_project_id"

	cp, err := s.Find(ctx, name, 1, 1000)
	require.NoError(t, err)
	require.Nil(t, cp)

	require.NoError(t, s.Save(ctx, &models.Checkpoint{Name: name, StartID: 1, EndID: 1000, LastID: 300}))

	key := "backfill:checkpoints:{backfill_merge_request_assignees_project_id}:1-1000"
	require.True(t, mr.Exists(key))
	require.Equal(t, 7*24*time.Hour, mr.TTL(key))

	cp, err = s.Find(ctx, name, 1, 1000)
	require.NoError(t, err)
	require.Equal(t, &models.Checkpoint{Name: name, StartID: 1, EndID: 1000, LastID: 300}, cp)

	require.NoError(t, s.Delete(ctx, name, 1, 1000))
	require.False(t, mr.Exists(key))

	cp, err = s.Find(ctx, name, 1, 1000)
	require.NoError(t, err)
	require.Nil(t, cp)
}

func TestCheckpointCache_TTL(t *testing.T) {
	s, mr := newCheckpointCache(t, datastore.WithCheckpointTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &models.Checkpoint{Name: "foo", StartID: 1, EndID: 10, LastID: 5}))
	require.Equal(t, time.Hour, mr.TTL("backfill:checkpoints:{foo}:1-10"))

	mr.FastForward(2 * time.Hour)

	cp, err := s.Find(ctx, "foo", 1, 10)
	require.NoError(t, err)
	require.Nil(t, cp)
}

func TestCheckpointCache_Unavailable(t *testing.T) {
	s, mr := newCheckpointCache(t)
	mr.Close()

	_, err := s.Find(context.Background(), "foo", 1, 10)
	require.Error(t, err)
	require.Error(t, s.Save(context.Background(), &models.Checkpoint{Name: "foo", StartID: 1, EndID: 10, LastID: 5}))
}
