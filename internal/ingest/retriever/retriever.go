// Package retriever brings a revision's payload into the object store,
// downloading it first when the revision points at a remote URL.
package retriever

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/ingest/payload"
	"github.com/animus-labs/transit-ingest/internal/platform/objectstore"
)

// PayloadRecorder persists the canonical object reference of a revision.
type PayloadRecorder interface {
	RecordRetrievedPayload(ctx context.Context, id string, objectKey string, sha256 string, size int64) error
}

type Retriever struct {
	client    *http.Client
	store     objectstore.Store
	bucket    string
	recorder  PayloadRecorder
	maxBytes  int64
	userAgent string
	now       func() time.Time
}

func New(cfg Config, store objectstore.Store, bucket string, recorder PayloadRecorder) (*Retriever, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if recorder == nil {
		return nil, errors.New("payload recorder is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Retriever{
		client:    &http.Client{Timeout: cfg.Timeout},
		store:     store,
		bucket:    bucket,
		recorder:  recorder,
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
		now:       time.Now,
	}, nil
}

// WithHTTPClient replaces the client used for downloads.
func (r *Retriever) WithHTTPClient(client *http.Client) *Retriever {
	if client != nil {
		r.client = client
	}
	return r
}

// Retrieve makes rev.ObjectKey point at the payload to validate and returns
// the updated revision.
func (r *Retriever) Retrieve(ctx context.Context, rev domain.DatasetRevision) (domain.DatasetRevision, error) {
	if strings.TrimSpace(rev.URLLink) == "" {
		return r.useUpload(ctx, rev)
	}

	resp, err := r.get(ctx, rev.URLLink, rev.URLUsername, rev.URLPassword)
	if err != nil {
		return rev, err
	}
	defer resp.Body.Close()

	body := bufio.NewReaderSize(resp.Body, 4096)
	kind := payload.KindFromContentType(resp.Header.Get("Content-Type"))
	if kind == "" {
		head, _ := body.Peek(512)
		kind = payload.Sniff(head)
	}
	if kind == "" {
		return rev, domain.NewPipelineError(domain.ErrDownload, "response is neither a zip archive nor an xml document", nil)
	}

	key := fmt.Sprintf("revisions/%s/%d.%s", rev.ID, r.now().UTC().Unix(), kind)
	hasher := sha256.New()
	counted := &countingReader{r: io.TeeReader(io.LimitReader(body, r.maxBytes+1), hasher)}
	contentType := "application/zip"
	if kind == payload.KindXML {
		contentType = "application/xml"
	}
	if _, err := r.store.Put(ctx, r.bucket, key, counted, -1, contentType); err != nil {
		if counted.err != nil && !errors.Is(counted.err, io.EOF) {
			return rev, downloadError(counted.err)
		}
		return rev, fmt.Errorf("store payload: %w", err)
	}
	if counted.n > r.maxBytes {
		_ = r.store.Delete(ctx, r.bucket, key)
		return rev, domain.NewPipelineError(domain.ErrFileTooLarge, fmt.Sprintf("download exceeds %d bytes", r.maxBytes), nil)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if err := r.recorder.RecordRetrievedPayload(ctx, rev.ID, key, sum, counted.n); err != nil {
		return rev, fmt.Errorf("record payload: %w", err)
	}
	rev.ObjectKey = key
	rev.ContentSHA256 = sum
	rev.SizeBytes = counted.n
	return rev, nil
}

func (r *Retriever) useUpload(ctx context.Context, rev domain.DatasetRevision) (domain.DatasetRevision, error) {
	if strings.TrimSpace(rev.ObjectKey) == "" {
		return rev, domain.NewPipelineError(domain.ErrDownload, "revision has neither a url nor an uploaded file", nil)
	}
	info, err := r.store.Stat(ctx, r.bucket, rev.ObjectKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return rev, domain.NewPipelineError(domain.ErrDownload, "uploaded file is missing", err)
		}
		return rev, fmt.Errorf("stat payload: %w", err)
	}
	if rev.SizeBytes == 0 {
		rev.SizeBytes = info.Size
	}
	return rev, nil
}

// Fingerprint downloads url and returns the sha256 of its body without
// storing it.
func (r *Retriever) Fingerprint(ctx context.Context, url, username, password string) (string, error) {
	resp, err := r.get(ctx, url, username, password)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return "", downloadError(err)
	}
	if n > r.maxBytes {
		return "", domain.NewPipelineError(domain.ErrFileTooLarge, fmt.Sprintf("download exceeds %d bytes", r.maxBytes), nil)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (r *Retriever) get(ctx context.Context, url, username, password string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrDownload, "invalid url", err)
	}
	if username != "" || password != "" {
		req.SetBasicAuth(username, password)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, downloadError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, domain.NewPipelineError(domain.ErrDownload, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
	return resp, nil
}

func downloadError(err error) error {
	if isTimeout(err) {
		return domain.NewPipelineError(domain.ErrDownload, "timeout", err)
	}
	return domain.NewPipelineError(domain.ErrDownload, "request failed", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil {
		c.err = err
	}
	return n, err
}
