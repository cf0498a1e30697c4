package dqs

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/transit-ingest/internal/platform/env"
)

type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("DQS_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	attempts, err := env.Int("DQS_MAX_ATTEMPTS", 5)
	if err != nil {
		return Config{}, err
	}
	base, err := env.Duration("DQS_BACKOFF_BASE", time.Second)
	if err != nil {
		return Config{}, err
	}
	maxBackoff, err := env.Duration("DQS_BACKOFF_MAX", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		BaseURL:     env.String("DQS_BASE_URL", ""),
		Timeout:     timeout,
		MaxAttempts: attempts,
		BackoffBase: base,
		BackoffMax:  maxBackoff,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("DQS_BASE_URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("DQS_BASE_URL must be an absolute url")
	}
	if c.Timeout <= 0 {
		return errors.New("DQS_TIMEOUT must be positive")
	}
	if c.MaxAttempts < 1 {
		return errors.New("DQS_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}
