package refresher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudcode-relay/relay/internal/account"
	"github.com/cloudcode-relay/relay/internal/config"
	"github.com/cloudcode-relay/relay/internal/events"
	"github.com/cloudcode-relay/relay/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCredential(t *testing.T, s *store.SQLiteStore, crypto *account.Crypto, accountID string) {
	t.Helper()
	if err := s.CreateAccount(context.Background(), &store.AccountRow{
		ID: accountID, Email: accountID + "@example.com", Status: "active",
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	refresh, err := crypto.Encrypt("refresh-"+accountID, "credential:NATIVE")
	if err != nil {
		t.Fatalf("encrypt refresh token: %v", err)
	}
	if err := s.UpsertCredential(context.Background(), &store.CredentialRow{
		AccountID:       accountID,
		ClientKind:      string(account.ClientNative),
		RefreshTokenEnc: refresh,
	}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

// tokenEndpoint serves a canned oauth2 token response, or an error body
// shaped like Google's, depending on what the test wants to exercise.
func tokenEndpoint(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newRefresher(t *testing.T, s *store.SQLiteStore, tokenURL string) (*Refresher, *account.Crypto, *events.Bus) {
	t.Helper()
	crypto := account.NewCrypto("test-encryption-key")
	cfg := &config.Config{
		OAuthTokenURL:       tokenURL,
		OAuthClientID:       "client-id",
		OAuthSecret:         "client-secret",
		AutoRefreshEnabled:  true,
		AutoRefreshInterval: time.Minute,
	}
	bus := events.NewBus(50)
	r := New(s, crypto, cfg, bus, nil)
	return r, crypto, bus
}

func TestRefresherUpdatesCredentialOnSuccess(t *testing.T) {
	s := newTestStore(t)
	crypto := account.NewCrypto("test-encryption-key")
	seedCredential(t, s, crypto, "acct-1")

	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	ref, _, _ := newRefresher(t, s, srv.URL)
	ref.tick(context.Background())

	row, err := s.GetCredential(context.Background(), "acct-1", string(account.ClientNative))
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if row.AccessTokenEnc == "" {
		t.Fatal("expected access token to be populated after a successful refresh")
	}
	got, err := crypto.Decrypt(row.AccessTokenEnc, "credential:NATIVE")
	if err != nil {
		t.Fatalf("decrypt access token: %v", err)
	}
	if got != "new-access-token" {
		t.Fatalf("access token = %q, want %q", got, "new-access-token")
	}
	if row.ExpiresAt == nil {
		t.Fatal("expected expires_at to be set")
	}
}

func TestRefresherFreezesCredentialOnInvalidGrant(t *testing.T) {
	s := newTestStore(t)
	crypto := account.NewCrypto("test-encryption-key")
	seedCredential(t, s, crypto, "acct-1")

	// Pre-populate an access token so we can observe it getting cleared.
	access, err := crypto.Encrypt("stale-access-token", "credential:NATIVE")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	row, err := s.GetCredential(context.Background(), "acct-1", string(account.ClientNative))
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	row.AccessTokenEnc = access
	expiry := time.Now().Add(time.Hour)
	row.ExpiresAt = &expiry
	if err := s.UpsertCredential(context.Background(), row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "Token has been revoked",
		})
	})

	ref, _, bus := newRefresher(t, s, srv.URL)
	subID, ch, _ := bus.Subscribe()
	defer bus.Unsubscribe(subID)

	ref.tick(context.Background())

	frozen, err := s.GetCredential(context.Background(), "acct-1", string(account.ClientNative))
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if frozen.AccessTokenEnc != "" {
		t.Fatal("expected access_token to be cleared once the refresh token is invalid_grant")
	}
	if frozen.ExpiresAt != nil {
		t.Fatal("expected expires_at to be cleared on freeze")
	}

	select {
	case ev := <-ch:
		if ev.Type != events.EventForbidden {
			t.Fatalf("expected a forbidden event, got %q", ev.Type)
		}
	default:
		t.Fatal("expected a forbidden event to be published on freeze")
	}
}

func TestRefresherSkipsCredentialsWithinInterval(t *testing.T) {
	s := newTestStore(t)
	crypto := account.NewCrypto("test-encryption-key")
	seedCredential(t, s, crypto, "acct-1")

	row, err := s.GetCredential(context.Background(), "acct-1", string(account.ClientNative))
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	justSynced := time.Now().UTC()
	row.LastSyncAt = &justSynced
	if err := s.UpsertCredential(context.Background(), row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	called := false
	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "x", "expires_in": 3600})
	})

	ref, _, _ := newRefresher(t, s, srv.URL)
	ref.tick(context.Background())

	if called {
		t.Fatal("expected refresher to skip a credential synced within the configured interval")
	}
}

func TestRefresherMasterDisableSkipsEverything(t *testing.T) {
	s := newTestStore(t)
	crypto := account.NewCrypto("test-encryption-key")
	seedCredential(t, s, crypto, "acct-1")
	if err := s.SetSetting(context.Background(), settingEnabled, "false"); err != nil {
		t.Fatalf("set setting: %v", err)
	}

	called := false
	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "x", "expires_in": 3600})
	})

	ref, _, _ := newRefresher(t, s, srv.URL)
	ref.tick(context.Background())

	if called {
		t.Fatal("expected master auto_refresh_enabled=false to skip the refresh loop entirely")
	}
}

func TestRefresherKindDisableSkipsThatKind(t *testing.T) {
	s := newTestStore(t)
	crypto := account.NewCrypto("test-encryption-key")
	seedCredential(t, s, crypto, "acct-1")
	if err := s.SetSetting(context.Background(), kindSettingKey("native"), "false"); err != nil {
		t.Fatalf("set setting: %v", err)
	}

	called := false
	srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "x", "expires_in": 3600})
	})

	ref, _, _ := newRefresher(t, s, srv.URL)
	ref.tick(context.Background())

	if called {
		t.Fatal("expected auto_refresh_native_enabled=false to skip NATIVE credentials")
	}
}

func TestIsInvalidGrantDetectsBothErrorCodes(t *testing.T) {
	for _, code := range []string{"invalid_grant", "unauthorized_client"} {
		srv := tokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": code})
		})
		defer srv.Close()

		s := newTestStore(t)
		crypto := account.NewCrypto("test-encryption-key")
		seedCredential(t, s, crypto, "acct-"+code)
		ref, _, _ := newRefresher(t, s, srv.URL)

		row, err := s.GetCredential(context.Background(), "acct-"+code, string(account.ClientNative))
		if err != nil {
			t.Fatalf("get credential: %v", err)
		}
		refreshed, err := ref.refreshCredential(context.Background(), row)
		if err != nil {
			t.Fatalf("refreshCredential(%s): unexpected error %v", code, err)
		}
		if refreshed {
			t.Fatalf("refreshCredential(%s): expected refreshed=false on a frozen credential", code)
		}
	}
}
