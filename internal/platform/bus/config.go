package bus

import (
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/transit-ingest/internal/platform/env"
)

type Config struct {
	URL           string
	Name          string
	JetStream     bool
	AckWait       time.Duration
	MaxAge        time.Duration
	MaxAckPending int
	MaxDeliver    int
}

func ConfigFromEnv(name string) (Config, error) {
	jetStream, err := env.Bool("NATS_USE_JETSTREAM", true)
	if err != nil {
		return Config{}, err
	}
	ackWait, err := env.Duration("NATS_JS_ACK_WAIT", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	maxAge, err := env.Duration("NATS_JS_MAX_AGE", 7*24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	maxAckPending, err := env.Int("NATS_JS_MAX_ACK_PENDING", 256)
	if err != nil {
		return Config{}, err
	}
	maxDeliver, err := env.Int("NATS_JS_MAX_DELIVER", 20)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		URL:           env.String("NATS_URL", "nats://localhost:4222"),
		Name:          name,
		JetStream:     jetStream,
		AckWait:       ackWait,
		MaxAge:        maxAge,
		MaxAckPending: maxAckPending,
		MaxDeliver:    maxDeliver,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("NATS_URL is required")
	}
	if c.AckWait <= 0 {
		return errors.New("NATS_JS_ACK_WAIT must be positive")
	}
	if c.MaxAge <= 0 {
		return errors.New("NATS_JS_MAX_AGE must be positive")
	}
	if c.MaxAckPending < 1 {
		return errors.New("NATS_JS_MAX_ACK_PENDING must be >= 1")
	}
	if c.MaxDeliver < 1 {
		return errors.New("NATS_JS_MAX_DELIVER must be >= 1")
	}
	return nil
}
