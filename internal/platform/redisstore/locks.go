package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still holds our token so an
// expired holder cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a held lock. Release is safe to call more than once.
type Lock struct {
	key    string
	token  string
	client redis.Cmdable
}

func (l *Lock) Key() string {
	if l == nil {
		return ""
	}
	return l.key
}

func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.client == nil {
		return nil
	}
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

type Locker struct {
	client redis.Cmdable
	prefix string
}

func NewLocker(client redis.Cmdable, prefix string) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client, prefix: prefix}
}

// TryAcquire takes name for ttl. It returns nil without error when another
// holder owns the lock.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("locker not initialized")
	}
	if name == "" {
		return nil, errors.New("lock name is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	k := key(l.prefix, "lock", name)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lock{key: k, token: token, client: l.client}, nil
}

// RevisionLockName scopes the per-revision stage execution lock.
func RevisionLockName(revisionID string) string {
	return "revision:" + revisionID
}

// LeaderLockName scopes a background loop's leader lock.
func LeaderLockName(loop string) string {
	return "leader:" + loop
}
