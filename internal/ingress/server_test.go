package ingress

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cloudcode-relay/relay/internal/account"
	"github.com/cloudcode-relay/relay/internal/config"
	"github.com/cloudcode-relay/relay/internal/pool"
	"github.com/cloudcode-relay/relay/internal/store"
	"github.com/cloudcode-relay/relay/internal/transport"
	"github.com/cloudcode-relay/relay/internal/upstream"
)

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

const testAdminToken = "test-admin-token"

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	crypto := account.NewCrypto("test-encryption-key")
	cfg := &config.Config{
		Host: "127.0.0.1", Port: 0,
		AdminToken:       testAdminToken,
		PoolScheduleMode: "balance", MaxBindings: 1000,
		RequestTimeout: 30 * time.Second, MaxRetryAccounts: 3,
	}
	p := pool.New(cfg, s, crypto, nil)

	srv := New(cfg, s, crypto, p, nil, nil, nil)
	return srv, s
}

func do(srv *Server, method, path string, body []byte, bearer string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointRequiresNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(srv, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rec.Code)
	}
}

func TestModelsRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(srv, http.MethodGet, "/v1/models", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}

	rec = do(srv, http.MethodGet, "/v1/models", nil, testAdminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the admin token, got %d", rec.Code)
	}
}

func TestAdminAccountCRUD(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	if err := s.CreateAccount(ctx, &store.AccountRow{ID: "acct-1", Email: "a@example.com", Status: "active"}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	rec := do(srv, http.MethodGet, "/admin/accounts", nil, testAdminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("list accounts: expected 200, got %d", rec.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 account, got %d", len(list))
	}

	rec = do(srv, http.MethodGet, "/admin/accounts/acct-1", nil, testAdminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("get account: expected 200, got %d", rec.Code)
	}

	rec = do(srv, http.MethodGet, "/admin/accounts/does-not-exist", nil, testAdminToken)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing account: expected 404, got %d", rec.Code)
	}

	rec = do(srv, http.MethodPost, "/admin/accounts/acct-1/status", []byte(`{"status":"disabled"}`), testAdminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status: expected 200, got %d", rec.Code)
	}
	row, err := s.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if row.Status != "disabled" {
		t.Fatalf("expected status disabled, got %q", row.Status)
	}

	rec = do(srv, http.MethodPost, "/admin/accounts/acct-1/status", []byte(`{"status":"bogus"}`), testAdminToken)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("update status with bad value: expected 400, got %d", rec.Code)
	}

	rec = do(srv, http.MethodDelete, "/admin/accounts/acct-1", nil, testAdminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete account: expected 200, got %d", rec.Code)
	}
	row, err = s.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("get account after delete: %v", err)
	}
	if row != nil {
		t.Fatal("expected account to be gone after delete")
	}
}

func TestAdminRoutesRejectNonAdminToken(t *testing.T) {
	srv, s := newTestServer(t)
	if err := s.CreateAPIToken(context.Background(), &store.APIToken{
		ID: "tok-1", Name: "regular", TokenHash: hashToken("sk-regular"), Active: true, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	rec := do(srv, http.MethodGet, "/admin/accounts", nil, "sk-regular")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a non-admin token on an admin route, got %d", rec.Code)
	}
}

func TestAdminAPITokenCreateAndList(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(srv, http.MethodPost, "/admin/api-tokens", []byte(`{"name":"ci"}`), testAdminToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create token: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created["token"] == "" {
		t.Fatal("expected the plaintext token to be returned exactly once on creation")
	}

	rec = do(srv, http.MethodGet, "/admin/api-tokens", nil, testAdminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("list tokens: expected 200, got %d", rec.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 token, got %d", len(list))
	}
	if _, present := list[0]["token"]; present {
		t.Fatal("expected the plaintext token to never be listed after creation")
	}
}

func TestAdminAPITokenCreateRejectsEmptyName(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(srv, http.MethodPost, "/admin/api-tokens", []byte(`{"name":""}`), testAdminToken)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty name, got %d", rec.Code)
	}
}

func TestAdminModelMappingCRUD(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(srv, http.MethodPost, "/admin/model-mappings", []byte(`{"Pattern":"gpt-4o","Target":"gemini-2.5-pro","IsActive":true,"Priority":1}`), testAdminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert mapping: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var saved map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode saved mapping: %v", err)
	}

	rec = do(srv, http.MethodGet, "/admin/model-mappings", nil, testAdminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("list mappings: expected 200, got %d", rec.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(list))
	}

	id := int64(saved["ID"].(float64))
	rec = do(srv, http.MethodDelete, "/admin/model-mappings/"+strconv.FormatInt(id, 10), nil, testAdminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete mapping: expected 200, got %d", rec.Code)
	}
}

func TestChatCompletionsNoAccountsReturns503(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	crypto := account.NewCrypto("test-encryption-key")
	cfg := &config.Config{
		Host: "127.0.0.1", Port: 0,
		AdminToken:       testAdminToken,
		PoolScheduleMode: "balance", MaxBindings: 1000,
		RequestTimeout: 5 * time.Second, MaxRetryAccounts: 3,
	}
	p := pool.New(cfg, s, crypto, nil)
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh empty pool: %v", err)
	}
	tm := transport.NewManager(cfg, nil)
	fwd := upstream.New(p, tm, cfg, nil)

	srv := New(cfg, s, crypto, p, fwd, nil, nil)
	rec := do(srv, http.MethodPost, "/v1/chat/completions",
		[]byte(`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`), testAdminToken)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the pool has no accounts, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestMessagesNoAccountsReturns529(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	crypto := account.NewCrypto("test-encryption-key")
	cfg := &config.Config{
		Host: "127.0.0.1", Port: 0,
		AdminToken:       testAdminToken,
		PoolScheduleMode: "balance", MaxBindings: 1000,
		RequestTimeout: 5 * time.Second, MaxRetryAccounts: 3,
	}
	p := pool.New(cfg, s, crypto, nil)
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh empty pool: %v", err)
	}
	tm := transport.NewManager(cfg, nil)
	fwd := upstream.New(p, tm, cfg, nil)

	srv := New(cfg, s, crypto, p, fwd, nil, nil)
	rec := do(srv, http.MethodPost, "/v1/messages",
		[]byte(`{"model":"claude-3-sonnet","messages":[{"role":"user","content":"hi"}]}`), testAdminToken)
	if rec.Code != 529 {
		t.Fatalf("expected 529 (Anthropic overload) when the pool has no accounts, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestAdminModelMappingRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(srv, http.MethodPost, "/admin/model-mappings", []byte(`{"pattern":"","target":""}`), testAdminToken)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty pattern/target, got %d", rec.Code)
	}
}

