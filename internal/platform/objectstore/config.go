package objectstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/transit-ingest/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketRevisions string
	BucketReports   string
	PresignTTL      time.Duration
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("TRANSIT_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	presignTTL, err := env.Duration("TRANSIT_MINIO_PRESIGN_TTL", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("TRANSIT_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("TRANSIT_MINIO_ACCESS_KEY", "transit"),
		SecretKey:       env.String("TRANSIT_MINIO_SECRET_KEY", "transitminio"),
		Region:          env.String("TRANSIT_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketRevisions: env.String("TRANSIT_MINIO_BUCKET_REVISIONS", "revisions"),
		BucketReports:   env.String("TRANSIT_MINIO_BUCKET_REPORTS", "quality-reports"),
		PresignTTL:      presignTTL,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketRevisions) == "" {
		return errors.New("revisions bucket is required")
	}
	if strings.TrimSpace(c.BucketReports) == "" {
		return errors.New("reports bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

func (c Config) Buckets() []string {
	return []string{c.BucketRevisions, c.BucketReports}
}
