//go:generate mockgen -package mocks -destination mocks/lease.go . Leaser,Lease

package bbm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLeaseTTL = 5 * time.Minute
	leaseKeyFormat  = "backfill:leases:{%s}:%d-%d"
)

// Leaser hands out exclusive leases so that two processes never backfill the same descriptor range concurrently.
type Leaser interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is an exclusive, expiring claim on a key.
type Lease interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// NewRedisLeaser creates a Leaser backed by Redis.
func NewRedisLeaser(client redis.UniversalClient) Leaser {
	return &redisLeaser{locker: redislock.New(client)}
}

type redisLeaser struct {
	locker *redislock.Client
}

func (l *redisLeaser) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lock, err := l.locker.Obtain(ctx, key, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: %s", ErrLeaseInUse, key)
		}
		return nil, fmt.Errorf("obtaining backfill lease: %w", err)
	}
	return &redisLease{lock: lock}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	if err := l.lock.Refresh(ctx, ttl, nil); err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return fmt.Errorf("%w: %s", ErrLeaseLost, l.lock.Key())
		}
		return fmt.Errorf("refreshing backfill lease: %w", err)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := l.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("releasing backfill lease: %w", err)
	}
	return nil
}

// leaseKey returns the lease key of a descriptor range. The descriptor name is used as hash tag so that all keys of a
// descriptor land on the same cluster slot.
func leaseKey(name string, start, end int64) string {
	return fmt.Sprintf(leaseKeyFormat, name, start, end)
}
