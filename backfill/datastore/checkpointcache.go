package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gitlab.com/gitlab-org/database-backfill/backfill/datastore/models"
	iredis "gitlab.com/gitlab-org/database-backfill/backfill/internal/redis"
)

const (
	cacheOpTimeout           = 500 * time.Millisecond
	defaultCheckpointTTL     = 7 * 24 * time.Hour
	checkpointCacheKeyFormat = "backfill:checkpoints:{%s}:%d-%d"
)

// CheckpointCacheOption configures a checkpoint cache.
type CheckpointCacheOption func(*checkpointCache)

// WithCheckpointTTL sets the expiry of cached checkpoints. Defaults to one week.
func WithCheckpointTTL(ttl time.Duration) CheckpointCacheOption {
	return func(c *checkpointCache) {
		c.ttl = ttl
	}
}

// NewCheckpointCache builds a CheckpointStore backed by Redis.
func NewCheckpointCache(cache *iredis.Cache, opts ...CheckpointCacheOption) CheckpointStore {
	c := &checkpointCache{cache: cache, ttl: defaultCheckpointTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type checkpointCache struct {
	cache *iredis.Cache
	ttl   time.Duration
}

// key generates a valid Redis key string for a given checkpoint. The descriptor name is used as hash tag so that all
// checkpoints of a descriptor land on the same cluster slot.
func (*checkpointCache) key(name string, startID, endID int64) string {
	return fmt.Sprintf(checkpointCacheKeyFormat, name, startID, endID)
}

func (c *checkpointCache) Find(ctx context.Context, name string, startID, endID int64) (*models.Checkpoint, error) {
	getCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	cp := new(models.Checkpoint)
	if err := c.cache.Load(getCtx, c.key(name, startID, endID), cp); err != nil {
		// redis.Nil is returned when the key is not found in Redis
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding cached backfill checkpoint: %w", err)
	}

	return cp, nil
}

func (c *checkpointCache) Save(ctx context.Context, cp *models.Checkpoint) error {
	setCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.cache.Store(setCtx, c.key(cp.Name, cp.StartID, cp.EndID), cp, c.ttl); err != nil {
		return fmt.Errorf("saving cached backfill checkpoint: %w", err)
	}

	return nil
}

func (c *checkpointCache) Delete(ctx context.Context, name string, startID, endID int64) error {
	delCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.cache.Delete(delCtx, c.key(name, startID, endID)); err != nil {
		return fmt.Errorf("deleting cached backfill checkpoint: %w", err)
	}

	return nil
}
