// Package httpcall sends requests to external validation services with a
// per-attempt timeout and randomized exponential backoff.
package httpcall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/animus-labs/transit-ingest/internal/platform/retry"
)

const maxBodyBytes = 256 << 20

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the server asked for, or may succeed on, a retry.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Response is a fully read response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type Caller struct {
	client  *http.Client
	timeout time.Duration
	policy  retry.Policy
}

func New(client *http.Client, timeout time.Duration, policy retry.Policy) *Caller {
	if client == nil {
		client = &http.Client{}
	}
	return &Caller{client: client, timeout: timeout, policy: policy}
}

// Do builds and sends a request per attempt. Transport errors, 429 and 5xx
// are retried, as is any error from handle unless it is retry.Permanent.
func (c *Caller) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error), handle func(resp Response) error) error {
	return retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		attemptCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		req, err := newReq(attemptCtx)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 512)}
			if serr.Retryable() {
				return serr
			}
			return retry.Permanent(serr)
		}
		if handle == nil {
			return nil
		}
		return handle(Response{Status: resp.StatusCode, Header: resp.Header, Body: body})
	})
}

// IsStatus reports whether err is a StatusError with code.
func IsStatus(err error, code int) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.Code == code
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
