package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudcode-relay/relay/internal/store"
)

const testAdminToken = "test-admin-token"

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedToken(t *testing.T, s *store.SQLiteStore, id, plaintext string, active bool) {
	t.Helper()
	sum := sha256.Sum256([]byte(plaintext))
	if err := s.CreateAPIToken(context.Background(), &store.APIToken{
		ID: id, Name: id, TokenHash: hex.EncodeToString(sum[:]), Active: active, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed token: %v", err)
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	s := newTestStore(t)
	mw := NewMiddleware(testAdminToken, s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	mw.Authenticate(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", rec.Code)
	}
}

func TestAuthenticateAcceptsAdminTokenAsBearer(t *testing.T) {
	s := newTestStore(t)
	mw := NewMiddleware(testAdminToken, s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	mw.Authenticate(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin token, got %d", rec.Code)
	}
}

func TestAuthenticateAcceptsValidAPIToken(t *testing.T) {
	s := newTestStore(t)
	seedToken(t, s, "tok-1", "sk-abc123", true)
	mw := NewMiddleware(testAdminToken, s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "sk-abc123")
	mw.Authenticate(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid API token, got %d", rec.Code)
	}
}

func TestAuthenticateRejectsDisabledToken(t *testing.T) {
	s := newTestStore(t)
	seedToken(t, s, "tok-2", "sk-disabled", false)
	mw := NewMiddleware(testAdminToken, s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "sk-disabled")
	mw.Authenticate(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a disabled token, got %d", rec.Code)
	}
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	s := newTestStore(t)
	mw := NewMiddleware(testAdminToken, s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "sk-does-not-exist")
	mw.Authenticate(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an unknown token, got %d", rec.Code)
	}
}

func TestRequireAdminRejectsNonAdminAPIToken(t *testing.T) {
	s := newTestStore(t)
	seedToken(t, s, "tok-3", "sk-regular", true)
	mw := NewMiddleware(testAdminToken, s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/accounts", nil)
	req.Header.Set("x-api-key", "sk-regular")
	mw.RequireAdmin(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a non-admin token on an admin route, got %d", rec.Code)
	}
}

func TestRequireAdminAcceptsAdminToken(t *testing.T) {
	s := newTestStore(t)
	mw := NewMiddleware(testAdminToken, s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	mw.RequireAdmin(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin token on an admin route, got %d", rec.Code)
	}
}
