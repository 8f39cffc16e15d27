// Package auth validates inbound API tokens for the OpenAI/Anthropic/
// native ingress surfaces: a constant-time admin-token check plus a
// hashed-token lookup against a single APIToken table (no per-token
// account binding — api_tokens has no bound_account_id).
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cloudcode-relay/relay/internal/store"
)

type contextKey string

const KeyInfoKey contextKey = "keyInfo"

// KeyInfo is attached to the request context after authentication.
type KeyInfo struct {
	ID      string
	Name    string
	IsAdmin bool
}

// Middleware validates Bearer/x-api-key tokens against the admin token
// and the api_tokens table.
type Middleware struct {
	adminToken string
	store      store.Store
}

func NewMiddleware(adminToken string, s store.Store) *Middleware {
	return &Middleware{adminToken: adminToken, store: s}
}

// Authenticate is the HTTP middleware applied to /v1/*.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}

		keyInfo, err := m.validateToken(r.Context(), token)
		if err != nil {
			slog.Warn("auth failed", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), KeyInfoKey, keyInfo)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin gates the admin CRUD surface on the single admin token.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(m.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		ctx := context.WithValue(r.Context(), KeyInfoKey, &KeyInfo{ID: "admin", Name: "admin", IsAdmin: true})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) validateToken(ctx context.Context, token string) (*KeyInfo, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(m.adminToken)) == 1 {
		return &KeyInfo{ID: "admin", Name: "admin", IsAdmin: true}, nil
	}

	hash := sha256.Sum256([]byte(token))
	hashHex := hex.EncodeToString(hash[:])

	rec, err := m.store.GetAPITokenByHash(ctx, hashHex)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("invalid API key")
	}
	if !rec.Active {
		return nil, fmt.Errorf("token %s is disabled", rec.Name)
	}

	go m.store.RecordAPITokenUsage(context.Background(), rec.ID)

	return &KeyInfo{ID: rec.ID, Name: rec.Name}, nil
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return ""
}

func GetKeyInfo(ctx context.Context) *KeyInfo {
	v, _ := ctx.Value(KeyInfoKey).(*KeyInfo)
	return v
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "type": "authentication_error"},
	})
}
