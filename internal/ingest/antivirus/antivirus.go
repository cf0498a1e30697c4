// Package antivirus scans payloads with a clamd daemon over its INSTREAM
// protocol.
package antivirus

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/ingest/payload"
	"github.com/animus-labs/transit-ingest/internal/platform/env"
	"github.com/animus-labs/transit-ingest/internal/platform/retry"
)

type Config struct {
	Addr        string
	Timeout     time.Duration
	MaxAttempts int
	ChunkSize   int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("ANTIVIRUS_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	attempts, err := env.Int("ANTIVIRUS_MAX_ATTEMPTS", 5)
	if err != nil {
		return Config{}, err
	}
	chunk, err := env.Int("ANTIVIRUS_CHUNK_SIZE", 64*1024)
	if err != nil {
		return Config{}, err
	}
	base, err := env.Duration("ANTIVIRUS_BACKOFF_BASE", time.Second)
	if err != nil {
		return Config{}, err
	}
	maxBackoff, err := env.Duration("ANTIVIRUS_BACKOFF_MAX", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Addr:        env.String("ANTIVIRUS_ADDR", "localhost:3310"),
		Timeout:     timeout,
		MaxAttempts: attempts,
		ChunkSize:   chunk,
		BackoffBase: base,
		BackoffMax:  maxBackoff,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("ANTIVIRUS_ADDR is required")
	}
	if c.Timeout <= 0 {
		return errors.New("ANTIVIRUS_TIMEOUT must be positive")
	}
	if c.MaxAttempts < 1 {
		return errors.New("ANTIVIRUS_MAX_ATTEMPTS must be at least 1")
	}
	if c.ChunkSize <= 0 {
		return errors.New("ANTIVIRUS_CHUNK_SIZE must be positive")
	}
	return nil
}

// Result is the verdict of a completed scan.
type Result struct {
	Clean     bool
	Signature string
}

type Scanner struct {
	addr    string
	timeout time.Duration
	chunk   int
	policy  retry.Policy
	logger  *slog.Logger
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

func New(cfg Config, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = 64 * 1024
	}
	dialer := &net.Dialer{Timeout: cfg.Timeout}
	return &Scanner{
		addr:    cfg.Addr,
		timeout: cfg.Timeout,
		chunk:   chunk,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Initial:     cfg.BackoffBase,
			Max:         cfg.BackoffMax,
			Multiplier:  2,
			Jitter:      0.5,
		},
		logger: logger.With("component", "antivirus"),
		dial:   dialer.DialContext,
	}
}

// errInfected stops the retry loop; it is never returned to callers.
var errInfected = errors.New("infected")

// Scan streams the payload to clamd, re-opening it on every attempt.
// Infected payloads yield SuspiciousFile; exhausted retries yield
// AntivirusFailure.
func (s *Scanner) Scan(ctx context.Context, src payload.Opener) (Result, error) {
	var result Result
	err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		r, err := s.scanOnce(ctx, src)
		if err != nil {
			s.logger.Warn("scan attempt failed", "attempt", attempt, "error", err)
			return err
		}
		result = r
		if !r.Clean {
			return retry.Permanent(errInfected)
		}
		return nil
	})
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, errInfected):
		return result, domain.NewPipelineError(domain.ErrSuspiciousFile, result.Signature, nil)
	case ctx.Err() != nil:
		return Result{}, ctx.Err()
	default:
		return Result{}, domain.NewPipelineError(domain.ErrAntivirusFailure, "scanner unavailable", err)
	}
}

func (s *Scanner) scanOnce(ctx context.Context, src payload.Opener) (Result, error) {
	body, err := src.Open()
	if err != nil {
		return Result{}, fmt.Errorf("open payload: %w", err)
	}
	defer body.Close()

	conn, err := s.dial(ctx, "tcp", s.addr)
	if err != nil {
		return Result{}, fmt.Errorf("dial clamd: %w", err)
	}
	defer conn.Close()
	if s.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := s.stream(conn, body); err != nil {
		return Result{}, err
	}
	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil && !(errors.Is(err, io.EOF) && reply != "") {
		return Result{}, fmt.Errorf("read reply: %w", err)
	}
	return ParseReply(reply)
}

func (s *Scanner) stream(w io.Writer, body io.Reader) error {
	if _, err := io.WriteString(w, "zINSTREAM\x00"); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	buf := make([]byte, s.chunk)
	var size [4]byte
	for {
		n, err := body.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(size[:], uint32(n))
			if _, werr := w.Write(size[:]); werr != nil {
				return fmt.Errorf("write chunk size: %w", werr)
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write chunk: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
	}
	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := w.Write(size[:]); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	return nil
}

// ErrMalformedReply reports a reply that is none of OK, FOUND or ERROR.
var ErrMalformedReply = errors.New("malformed clamd reply")

// ParseReply interprets a clamd INSTREAM reply. ERROR replies and malformed
// replies are returned as errors so the caller retries them.
func ParseReply(reply string) (Result, error) {
	reply = strings.TrimSpace(strings.TrimRight(reply, "\x00"))
	rest, ok := strings.CutPrefix(reply, "stream:")
	if !ok {
		if strings.HasSuffix(reply, "ERROR") {
			return Result{}, fmt.Errorf("clamd error: %s", reply)
		}
		return Result{}, fmt.Errorf("%w: %q", ErrMalformedReply, reply)
	}
	rest = strings.TrimSpace(rest)
	switch {
	case rest == "OK":
		return Result{Clean: true}, nil
	case strings.HasSuffix(rest, " FOUND"):
		sig := strings.TrimSpace(strings.TrimSuffix(rest, " FOUND"))
		if sig == "" {
			return Result{}, fmt.Errorf("%w: %q", ErrMalformedReply, reply)
		}
		return Result{Signature: sig}, nil
	case strings.HasSuffix(rest, "ERROR"):
		return Result{}, fmt.Errorf("clamd error: %s", rest)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrMalformedReply, reply)
	}
}
