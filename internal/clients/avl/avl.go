// Package avl talks to the AVL validation service, which checks SIRI-VM
// feeds against the schema and samples packets for content errors.
package avl

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/transit-ingest/internal/clients/httpcall"
	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/platform/env"
	"github.com/animus-labs/transit-ingest/internal/platform/jsonvalidate"
	"github.com/animus-labs/transit-ingest/internal/platform/retry"
)

var (
	schemaCheckSchema = jsonvalidate.MustCompile("avl-schema", `{
  "type": "object",
  "required": ["errors"],
  "properties": {
    "errors": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["message"],
        "properties": {
          "message": {"type": "string"},
          "path": {"type": "string"},
          "line": {"type": "integer"}
        }
      }
    }
  }
}`)
	reportSchema = jsonvalidate.MustCompile("avl-report", `{
  "type": "object",
  "required": ["feed_id", "packet_count", "error_count"],
  "properties": {
    "feed_id": {"type": "string"},
    "packet_count": {"type": "integer", "minimum": 0},
    "error_count": {"type": "integer", "minimum": 0},
    "errors": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["message"],
        "properties": {
          "message": {"type": "string"},
          "count": {"type": "integer"},
          "reference": {"type": "string"}
        }
      }
    }
  }
}`)
)

type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxAttempts int
	SampleSize  int
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("AVL_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	attempts, err := env.Int("AVL_MAX_ATTEMPTS", 5)
	if err != nil {
		return Config{}, err
	}
	sample, err := env.Int("AVL_SAMPLE_SIZE", 100)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		BaseURL:     env.String("AVL_BASE_URL", ""),
		Timeout:     timeout,
		MaxAttempts: attempts,
		SampleSize:  sample,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("AVL_BASE_URL is required")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("AVL_BASE_URL must be an absolute url")
	}
	if c.Timeout <= 0 {
		return errors.New("AVL_TIMEOUT must be positive")
	}
	if c.MaxAttempts < 1 {
		return errors.New("AVL_MAX_ATTEMPTS must be at least 1")
	}
	if c.SampleSize < 1 {
		return errors.New("AVL_SAMPLE_SIZE must be at least 1")
	}
	return nil
}

// SchemaError is one SIRI-VM schema violation in a feed.
type SchemaError struct {
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// Report summarises a sampled validation run.
type Report struct {
	FeedID      string        `json:"feed_id"`
	PacketCount int           `json:"packet_count"`
	ErrorCount  int           `json:"error_count"`
	Errors      []ReportError `json:"errors"`
}

type ReportError struct {
	Message   string `json:"message"`
	Count     int    `json:"count"`
	Reference string `json:"reference,omitempty"`
}

type Client struct {
	base       *url.URL
	caller     *httpcall.Caller
	sampleSize int
}

func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, err
	}
	policy := retry.Policy{MaxAttempts: cfg.MaxAttempts, Initial: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.5}
	return &Client{base: base, caller: httpcall.New(httpClient, cfg.Timeout, policy), sampleSize: cfg.SampleSize}, nil
}

// WithRetryPolicy replaces the backoff policy.
func (c *Client) WithRetryPolicy(p retry.Policy, timeout time.Duration, httpClient *http.Client) *Client {
	c.caller = httpcall.New(httpClient, timeout, p)
	return c
}

func (c *Client) SampleSize() int {
	return c.sampleSize
}

func (c *Client) feedURL(feedID, action string, query url.Values) string {
	u := *c.base
	u.Path = path.Join(u.Path, "feeds", url.PathEscape(feedID), action)
	u.RawQuery = query.Encode()
	return u.String()
}

// Schema returns the schema violations the service found in the feed.
func (c *Client) Schema(ctx context.Context, feedID string) ([]SchemaError, error) {
	var body struct {
		Errors []SchemaError `json:"errors"`
	}
	endpoint := c.feedURL(feedID, "schema", nil)
	err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, func(resp httpcall.Response) error {
		return schemaCheckSchema.Validate(resp.Body, &body)
	})
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrSystem, "avl schema check", err)
	}
	return body.Errors, nil
}

// Validate asks for a sampled validation report. A nil report means the
// service has not produced one yet.
func (c *Client) Validate(ctx context.Context, feedID string, sampleSize int) (*Report, error) {
	if sampleSize <= 0 {
		sampleSize = c.sampleSize
	}
	var report *Report
	endpoint := c.feedURL(feedID, "validate", url.Values{"sample_size": {strconv.Itoa(sampleSize)}})
	err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	}, func(resp httpcall.Response) error {
		if resp.Status == http.StatusNoContent {
			report = nil
			return nil
		}
		var r Report
		if err := reportSchema.Validate(resp.Body, &r); err != nil {
			return err
		}
		report = &r
		return nil
	})
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrSystem, "avl validation", err)
	}
	return report, nil
}
