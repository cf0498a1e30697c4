// Package redisstore holds the Redis-backed coordination primitives: the
// per-revision execution lock, leader locks for background loops, the task
// progress cache and remote fetch failure counters.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/animus-labs/transit-ingest/internal/platform/env"
)

type Config struct {
	URL         string
	PingTimeout time.Duration
	KeyPrefix   string
	TaskTTL     time.Duration
}

func ConfigFromEnv() (Config, error) {
	pingTimeout, err := env.Duration("REDIS_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	taskTTL, err := env.Duration("REDIS_TASK_TTL", 72*time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		URL:         env.String("REDIS_URL", "redis://localhost:6379/0"),
		PingTimeout: pingTimeout,
		KeyPrefix:   env.String("REDIS_KEY_PREFIX", "transit"),
		TaskTTL:     taskTTL,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("REDIS_PING_TIMEOUT must be positive")
	}
	if c.TaskTTL < 0 {
		return errors.New("REDIS_TASK_TTL must be >= 0")
	}
	return nil
}

// Open parses the redis:// URL and pings the server.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func key(prefix string, parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if p := strings.TrimSpace(prefix); p != "" {
		all = append(all, p)
	}
	all = append(all, parts...)
	return strings.Join(all, ":")
}
