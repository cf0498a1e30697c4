package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailureCounter counts consecutive failures per subject, e.g. fetch
// failures of a live revision's remote URL.
type FailureCounter struct {
	client redis.Cmdable
	prefix string
	window time.Duration
}

func NewFailureCounter(client redis.Cmdable, prefix string, window time.Duration) *FailureCounter {
	if client == nil {
		return nil
	}
	return &FailureCounter{client: client, prefix: prefix, window: window}
}

// Incr records one failure and returns the running count.
func (c *FailureCounter) Incr(ctx context.Context, subject string) (int64, error) {
	if c == nil {
		return 0, errors.New("failure counter not initialized")
	}
	k := key(c.prefix, "failures", subject)
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		if c.window > 0 {
			pipe.Expire(ctx, k, c.window)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *FailureCounter) Reset(ctx context.Context, subject string) error {
	if c == nil {
		return errors.New("failure counter not initialized")
	}
	return c.client.Del(ctx, key(c.prefix, "failures", subject)).Err()
}
