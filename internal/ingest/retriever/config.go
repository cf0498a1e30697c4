package retriever

import (
	"errors"
	"time"

	"github.com/animus-labs/transit-ingest/internal/platform/env"
)

const defaultMaxBytes = 5_000_000_000

type Config struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("RETRIEVER_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxBytes, err := env.Int64("RETRIEVER_MAX_BYTES", defaultMaxBytes)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Timeout:   timeout,
		MaxBytes:  maxBytes,
		UserAgent: env.String("RETRIEVER_USER_AGENT", "transit-ingest/1.0"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("RETRIEVER_TIMEOUT must be positive")
	}
	if c.MaxBytes <= 0 {
		return errors.New("RETRIEVER_MAX_BYTES must be positive")
	}
	return nil
}
