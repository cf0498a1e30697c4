package main

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/animus-labs/transit-ingest/internal/platform/env"
)

type workerConfig struct {
	HTTPAddr            string        `validate:"required"`
	LockTTL             time.Duration `validate:"gt=0"`
	RetryDelay          time.Duration `validate:"gt=0"`
	MaxRetryDelay       time.Duration `validate:"gtefield=RetryDelay"`
	RelayInterval       time.Duration `validate:"gt=0"`
	DQSPollInterval     time.Duration `validate:"gt=0"`
	DQSMaxAge           time.Duration `validate:"gtfield=DQSPollInterval"`
	UpdateInterval      time.Duration `validate:"gt=0"`
	ExpireAfterFailures int           `validate:"gte=1,lte=100"`
	FailureWindow       time.Duration `validate:"gtfield=UpdateInterval"`
}

func workerConfigFromEnv() (workerConfig, error) {
	var (
		cfg workerConfig
		err error
	)
	cfg.HTTPAddr = env.String("WORKER_HTTP_ADDR", ":8082")
	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"WORKER_LOCK_TTL", 15 * time.Minute, &cfg.LockTTL},
		{"WORKER_RETRY_DELAY", 5 * time.Second, &cfg.RetryDelay},
		{"WORKER_MAX_RETRY_DELAY", 5 * time.Minute, &cfg.MaxRetryDelay},
		{"WORKER_RELAY_INTERVAL", time.Second, &cfg.RelayInterval},
		{"DQS_POLL_INTERVAL", 30 * time.Second, &cfg.DQSPollInterval},
		{"DQS_MAX_AGE", 24 * time.Hour, &cfg.DQSMaxAge},
		{"UPDATE_CHECK_INTERVAL", time.Hour, &cfg.UpdateInterval},
		{"UPDATE_FAILURE_WINDOW", 7 * 24 * time.Hour, &cfg.FailureWindow},
	}
	for _, d := range durations {
		if *d.dst, err = env.Duration(d.key, d.def); err != nil {
			return workerConfig{}, err
		}
	}
	if cfg.ExpireAfterFailures, err = env.Int("EXPIRE_AFTER_FAILURES", 3); err != nil {
		return workerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return workerConfig{}, err
	}
	return cfg, nil
}

func (c workerConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}
	return nil
}
