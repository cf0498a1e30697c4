// Package dqs talks to the remote Data-Quality Service: it uploads a
// revision's payload as a gzip-compressed tar, polls the job, and downloads
// the resulting report.
package dqs

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/animus-labs/transit-ingest/internal/clients/httpcall"
	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/platform/jsonvalidate"
	"github.com/animus-labs/transit-ingest/internal/platform/retry"
)

const maxUploadBytes = 5_000_000_000

var (
	uploadURLSchema = jsonvalidate.MustCompile("dqs-uploadurl", `{
  "type": "object",
  "required": ["uuid", "presigned_url"],
  "properties": {
    "uuid": {"type": "string", "minLength": 1},
    "presigned_url": {"type": "string", "minLength": 1}
  }
}`)
	statusSchema = jsonvalidate.MustCompile("dqs-status", `{
  "type": "object",
  "required": ["uuid", "job_exitcode", "job_status"],
  "properties": {
    "uuid": {"type": "string", "minLength": 1},
    "job_exitcode": {"type": ["integer", "null"]},
    "job_status": {"type": "string"}
  }
}`)
	downloadURLSchema = jsonvalidate.MustCompile("dqs-downloadurl", `{
  "type": "object",
  "required": ["presigned_url"],
  "properties": {
    "presigned_url": {"type": "string", "minLength": 1}
  }
}`)
)

// ErrReportArchive reports a downloaded archive that does not hold exactly
// one regular file.
var ErrReportArchive = errors.New("Report archive does not contain a single file")

// Status is the state of a remote job.
type Status struct {
	TaskID    string
	ExitCode  *int
	JobStatus string
}

// State maps the job exit code: 0 succeeded, 1 failed, anything else is
// still running.
func (s Status) State() domain.RemoteTaskStatus {
	if s.ExitCode == nil {
		return domain.RemotePending
	}
	switch *s.ExitCode {
	case 0:
		return domain.RemoteSuccess
	case 1:
		return domain.RemoteFailure
	default:
		return domain.RemotePending
	}
}

type Client struct {
	base   *url.URL
	caller *httpcall.Caller
}

func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, err
	}
	policy := retry.Policy{MaxAttempts: cfg.MaxAttempts, Initial: cfg.BackoffBase, Max: cfg.BackoffMax, Multiplier: 2, Jitter: 0.5}
	return &Client{base: base, caller: httpcall.New(httpClient, cfg.Timeout, policy)}, nil
}

func (c *Client) endpoint(name string, query url.Values) string {
	u := *c.base
	u.Path = path.Join(u.Path, name)
	u.RawQuery = query.Encode()
	return u.String()
}

// Upload sends r as filename and returns the remote job id.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	archive, err := packArchive(filename, r)
	if err != nil {
		return "", domain.NewPipelineError(domain.ErrDataQuality, "pack upload", err)
	}

	var target struct {
		UUID         string `json:"uuid"`
		PresignedURL string `json:"presigned_url"`
	}
	endpoint := c.endpoint("uploadurl", url.Values{"filename": {filename}})
	err = c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, func(resp httpcall.Response) error {
		return uploadURLSchema.Validate(resp.Body, &target)
	})
	if err != nil {
		return "", failure("request upload url", err)
	}

	err = c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.PresignedURL, bytes.NewReader(archive))
		if err != nil {
			return nil, err
		}
		req.ContentLength = int64(len(archive))
		req.Header.Set("Content-Type", "application/gzip")
		return req, nil
	}, nil)
	if err != nil {
		return "", failure("upload archive", err)
	}
	return target.UUID, nil
}

func (c *Client) Status(ctx context.Context, taskID string) (Status, error) {
	var body struct {
		UUID      string `json:"uuid"`
		ExitCode  *int   `json:"job_exitcode"`
		JobStatus string `json:"job_status"`
	}
	endpoint := c.endpoint("status", url.Values{"uuid": {taskID}})
	err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, func(resp httpcall.Response) error {
		return statusSchema.Validate(resp.Body, &body)
	})
	if err != nil {
		return Status{}, failure("query status", err)
	}
	return Status{TaskID: body.UUID, ExitCode: body.ExitCode, JobStatus: body.JobStatus}, nil
}

// Download fetches the report of a finished job and returns the single file
// inside its archive.
func (c *Client) Download(ctx context.Context, taskID string) ([]byte, error) {
	var target struct {
		PresignedURL string `json:"presigned_url"`
	}
	endpoint := c.endpoint("downloadurl", url.Values{"uuid": {taskID}})
	err := c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, func(resp httpcall.Response) error {
		return downloadURLSchema.Validate(resp.Body, &target)
	})
	if err != nil {
		return nil, failure("request download url", err)
	}

	var report []byte
	err = c.caller.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target.PresignedURL, nil)
	}, func(resp httpcall.Response) error {
		out, err := unpackArchive(resp.Body)
		if err != nil {
			return retry.Permanent(err)
		}
		report = out
		return nil
	})
	if err != nil {
		return nil, failure("download report", err)
	}
	return report, nil
}

func failure(step string, err error) error {
	var pe *domain.PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, ErrReportArchive) {
		return domain.NewPipelineError(domain.ErrDataQuality, ErrReportArchive.Error(), err)
	}
	return domain.NewPipelineError(domain.ErrDataQuality, step, err)
}

func packArchive(filename string, r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxUploadBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxUploadBytes {
		return nil, fmt.Errorf("upload exceeds %d bytes", int64(maxUploadBytes))
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{
		Name:     path.Base(filename),
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unpackArchive(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReportArchive, err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	var out []byte
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReportArchive, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		files++
		if files > 1 {
			return nil, ErrReportArchive
		}
		out, err = io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReportArchive, err)
		}
	}
	if files != 1 {
		return nil, ErrReportArchive
	}
	return out, nil
}
