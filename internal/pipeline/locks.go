package pipeline

import (
	"context"
	"time"

	"github.com/animus-labs/transit-ingest/internal/platform/redisstore"
)

type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive leases. TryAcquire returns a nil Lock and nil
// error when the lease is held elsewhere.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}

type redisLocker struct {
	locker *redisstore.Locker
}

func RedisLocker(l *redisstore.Locker) Locker {
	if l == nil {
		return nil
	}
	return redisLocker{locker: l}
}

func (r redisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	lock, err := r.locker.TryAcquire(ctx, name, ttl)
	if err != nil || lock == nil {
		return nil, err
	}
	return lock, nil
}

// asLeader runs fn only while holding the named leader lease. Without a
// locker every replica runs fn.
func asLeader(ctx context.Context, locker Locker, loop string, ttl time.Duration, fn func(ctx context.Context)) (bool, error) {
	if locker == nil {
		fn(ctx)
		return true, nil
	}
	lock, err := locker.TryAcquire(ctx, redisstore.LeaderLockName(loop), ttl)
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	fn(ctx)
	return true, nil
}
