// Package auth identifies registry callers from gateway-supplied headers and
// applies method based role checks.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/transit-ingest/internal/platform/env"
)

type Mode string

const (
	ModeHeaders  Mode = "headers"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

// Authenticator resolves the caller of r.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type Config struct {
	Mode     Mode
	Secret   string
	MaxSkew  time.Duration
	DevUser  string
	DevRoles []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("AUTH_MODE", string(ModeHeaders))))
	maxSkew, err := env.Duration("AUTH_MAX_SKEW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:     Mode(modeRaw),
		Secret:   env.String("INTERNAL_AUTH_SECRET", ""),
		MaxSkew:  maxSkew,
		DevUser:  env.String("DEV_AUTH_SUBJECT", "dev-user"),
		DevRoles: parseCSV(env.String("DEV_AUTH_ROLES", RoleAdmin)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeHeaders:
		if strings.TrimSpace(c.Secret) == "" {
			return errors.New("INTERNAL_AUTH_SECRET is required when AUTH_MODE=headers")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevUser) == "" {
			return errors.New("DEV_AUTH_SUBJECT is required when AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("DEV_AUTH_ROLES must be non-empty when AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("AUTH_MODE must be one of: headers, dev, disabled (got %q)", c.Mode)
	}
	return nil
}

// NewAuthenticator returns the authenticator for cfg.Mode. Disabled mode
// yields a nil authenticator; callers skip the middleware entirely.
func NewAuthenticator(cfg Config) (Authenticator, error) {
	switch cfg.Mode {
	case ModeHeaders:
		a, err := NewGatewayHeadersAuthenticator(cfg.Secret)
		if err != nil {
			return nil, err
		}
		if cfg.MaxSkew > 0 {
			a.MaxSkew = cfg.MaxSkew
		}
		return a, nil
	case ModeDev:
		return StaticAuthenticator{Identity: Identity{Subject: cfg.DevUser, Roles: cfg.DevRoles}}, nil
	case ModeDisabled:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}
}

// StaticAuthenticator accepts every request as one fixed identity.
type StaticAuthenticator struct {
	Identity Identity
}

func (a StaticAuthenticator) Authenticate(context.Context, *http.Request) (Identity, error) {
	return a.Identity, nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
