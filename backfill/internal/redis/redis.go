// Package redis keeps small msgpack encoded records in Redis. The backfill uses it for checkpoints: the last
// completed key of every running range is stored after each window so that any process can resume the range,
// and the record expires on its own once a run is abandoned.
package redis

import (
	"context"
	"time"

	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/marshaler"
	libstore "github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"
)

// Cache stores records under caller supplied keys. Keys are expected to carry a hash tag, such as the descriptor name
// of a checkpoint, so that all records of one descriptor map to the same cluster slot.
type Cache struct {
	marshaler *marshaler.Marshaler
}

// NewCache creates a Cache on top of client.
func NewCache(client redis.UniversalClient) *Cache {
	store := redisstore.NewRedis(client)
	return &Cache{marshaler: marshaler.New(gocache.New[any](store))}
}

// Load decodes the record stored under key into v. It returns an error wrapping redis.Nil when there is none, which
// callers treat as "no checkpoint yet".
func (c *Cache) Load(ctx context.Context, key string, v any) error {
	_, err := c.marshaler.Get(ctx, key, v)
	return err
}

// Store encodes v and saves it under key, replacing any previous record. The record expires after ttl; a zero ttl
// keeps it until deleted.
func (c *Cache) Store(ctx context.Context, key string, v any, ttl time.Duration) error {
	return c.marshaler.Set(ctx, key, v, libstore.WithExpiration(ttl))
}

// Delete removes the record stored under key. Deleting a missing record is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.marshaler.Delete(ctx, key)
}
