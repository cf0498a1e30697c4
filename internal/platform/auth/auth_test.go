package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func signedRequest(t *testing.T, secret, method, path, roles string, ts time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, "http://example.test"+path, nil)
	req.Header.Set("X-Request-Id", "rid-1")
	req.Header.Set(HeaderSubject, "alice")
	req.Header.Set(HeaderEmail, "alice@example.test")
	req.Header.Set(HeaderRoles, roles)
	unix := strconv.FormatInt(ts.Unix(), 10)
	sig, err := ComputeInternalAuthSignature(secret, unix, method, path, "rid-1", "alice", "alice@example.test", roles)
	if err != nil {
		t.Fatalf("ComputeInternalAuthSignature() err=%v", err)
	}
	req.Header.Set(HeaderInternalAuthTimestamp, unix)
	req.Header.Set(HeaderInternalAuthSignature, sig)
	return req
}

func TestGatewayHeadersAuthenticator(t *testing.T) {
	authn, err := NewGatewayHeadersAuthenticator("test-secret")
	if err != nil {
		t.Fatalf("NewGatewayHeadersAuthenticator() err=%v", err)
	}
	now := time.Unix(1700000000, 0).UTC()
	authn.Now = func() time.Time { return now }

	identity, err := authn.Authenticate(context.Background(), signedRequest(t, "test-secret", http.MethodGet, "/revisions/r-1", "viewer,Editor", now))
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if identity.Subject != "alice" || len(identity.Roles) != 2 || identity.Roles[1] != "editor" {
		t.Fatalf("identity=%+v", identity)
	}

	if _, err := authn.Authenticate(context.Background(), signedRequest(t, "other-secret", http.MethodGet, "/revisions/r-1", "viewer", now)); err == nil {
		t.Fatalf("expected signature from another secret to be rejected")
	}
	if _, err := authn.Authenticate(context.Background(), signedRequest(t, "test-secret", http.MethodGet, "/revisions/r-1", "viewer", now.Add(-time.Hour))); err == nil {
		t.Fatalf("expected stale timestamp to be rejected")
	}
	bare := httptest.NewRequest(http.MethodGet, "http://example.test/revisions/r-1", nil)
	if _, err := authn.Authenticate(context.Background(), bare); err != ErrUnauthenticated {
		t.Fatalf("err=%v, want ErrUnauthenticated", err)
	}
}

func TestMiddleware(t *testing.T) {
	var denied []DenyEvent
	var seen Identity
	handler := Middleware{
		Authenticator: StaticAuthenticator{Identity: Identity{Subject: "bob", Roles: []string{RoleEditor}}},
		Authorize:     MethodRoleAuthorizer(),
		Audit: func(_ context.Context, event DenyEvent) error {
			denied = append(denied, event)
			return nil
		},
		SkipPrefixes: []string{"/healthz"},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/revisions/r-1/resubmit", nil))
	if rec.Code != http.StatusNoContent || seen.Subject != "bob" {
		t.Fatalf("status=%d identity=%+v", rec.Code, seen)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/revisions/r-1/publish", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("publish status=%d, want 403", rec.Code)
	}
	if len(denied) != 1 || denied[0].Subject != "bob" || denied[0].Reason != "forbidden" {
		t.Fatalf("denied=%+v", denied)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("healthz status=%d", rec.Code)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Mode: ModeHeaders}).Validate(); err == nil {
		t.Fatalf("headers mode without secret must be rejected")
	}
	if err := (Config{Mode: "oidc"}).Validate(); err == nil {
		t.Fatalf("unknown mode must be rejected")
	}
	a, err := NewAuthenticator(Config{Mode: ModeDisabled})
	if err != nil || a != nil {
		t.Fatalf("disabled mode authenticator=%v err=%v", a, err)
	}
}
