// Package refresher implements the automatic credential refresh
// loop: a 60s poll that walks every credential of every non-disabled
// account, refreshes OAuth access tokens that are due, and re-syncs the
// account when any of its credentials actually refreshed. Built around
// golang.org/x/oauth2 rather than a hand-rolled HTTP POST.
package refresher

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/cloudcode-relay/relay/internal/account"
	"github.com/cloudcode-relay/relay/internal/accountsync"
	"github.com/cloudcode-relay/relay/internal/config"
	"github.com/cloudcode-relay/relay/internal/events"
	"github.com/cloudcode-relay/relay/internal/store"
)

const (
	settingEnabled      = "auto_refresh_enabled"
	settingInterval     = "auto_refresh_interval_minutes"
	pollInterval        = 60 * time.Second
	staggerBetweenCreds = 3 * time.Second
	minInterval         = 1 * time.Minute
)

// Refresher runs the background credential-refresh loop.
type Refresher struct {
	st     store.Store
	crypto *account.Crypto
	cfg    *config.Config
	bus    *events.Bus
	sync   *accountsync.Syncer

	oauthCfg oauth2.Config
}

func New(st store.Store, crypto *account.Crypto, cfg *config.Config, bus *events.Bus, syncer *accountsync.Syncer) *Refresher {
	return &Refresher{
		st:     st,
		crypto: crypto,
		cfg:    cfg,
		bus:    bus,
		sync:   syncer,
		oauthCfg: oauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.OAuthTokenURL},
		},
	}
}

// Run blocks, polling every pollInterval until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) tick(ctx context.Context) {
	if !r.masterEnabled(ctx) {
		return
	}

	rows, err := r.st.ListCredentialsForRefresh(ctx)
	if err != nil {
		slog.Error("refresher: list credentials failed", "error", err)
		return
	}

	interval := r.interval(ctx)
	byAccount := groupByAccount(rows)

	for _, accountID := range byAccount.order {
		r.refreshAccount(ctx, accountID, byAccount.rows[accountID], interval)
	}
}

type grouped struct {
	order []string
	rows  map[string][]*store.CredentialRow
}

// groupByAccount preserves ListCredentialsForRefresh's ordering
// (account_id, then GENERIC_CLI before NATIVE within an account).
func groupByAccount(rows []*store.CredentialRow) grouped {
	g := grouped{rows: make(map[string][]*store.CredentialRow)}
	for _, row := range rows {
		if _, ok := g.rows[row.AccountID]; !ok {
			g.order = append(g.order, row.AccountID)
		}
		g.rows[row.AccountID] = append(g.rows[row.AccountID], row)
	}
	return g
}

func (r *Refresher) refreshAccount(ctx context.Context, accountID string, creds []*store.CredentialRow, interval time.Duration) {
	anyRefreshed := false

	for i, row := range creds {
		if !r.kindEnabled(ctx, row.ClientKind) {
			continue
		}
		if row.RefreshTokenEnc == "" {
			continue
		}
		if row.LastSyncAt != nil && time.Since(*row.LastSyncAt) < interval {
			continue
		}

		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(staggerBetweenCreds):
			}
		}

		refreshed, err := r.refreshCredential(ctx, row)
		if err != nil {
			slog.Warn("refresher: credential refresh failed, will retry next cycle",
				"account_id", accountID, "client_kind", row.ClientKind, "error", err)
			continue
		}
		if refreshed {
			anyRefreshed = true
		}
	}

	if !anyRefreshed || r.sync == nil {
		return
	}

	result, err := r.sync.SyncAccount(ctx, accountID)
	if err != nil {
		slog.Warn("refresher: post-refresh resync failed", "account_id", accountID, "error", err)
		return
	}
	r.applySyncResult(ctx, accountID, result)
}

// refreshCredential refreshes one credential's access token in place.
// Returns true if a new access token was obtained. A frozen credential
// (invalid_grant / unauthorized_client) returns false, nil — not an
// error, since the loop must keep going for other credentials.
func (r *Refresher) refreshCredential(ctx context.Context, row *store.CredentialRow) (bool, error) {
	kind := account.ClientKind(row.ClientKind)
	salt := "credential:" + string(kind)

	refreshToken, err := r.crypto.Decrypt(row.RefreshTokenEnc, salt)
	if err != nil {
		return false, err
	}
	if refreshToken == "" {
		return false, errors.New("empty refresh token")
	}

	src := r.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		if isInvalidGrant(err) {
			r.freeze(ctx, row)
			r.bus.Publish(events.Event{Type: events.EventForbidden, AccountID: row.AccountID,
				Message: "credential frozen: " + err.Error()})
			return false, nil
		}
		return false, err
	}
	if tok.AccessToken == "" {
		return false, errors.New("empty access_token in refresh response")
	}

	accessEnc, err := r.crypto.Encrypt(tok.AccessToken, salt)
	if err != nil {
		return false, err
	}
	newRefreshEnc := row.RefreshTokenEnc
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		newRefreshEnc, err = r.crypto.Encrypt(tok.RefreshToken, salt)
		if err != nil {
			return false, err
		}
	}

	expiresAt := tok.Expiry
	row.AccessTokenEnc = accessEnc
	row.RefreshTokenEnc = newRefreshEnc
	if !expiresAt.IsZero() {
		row.ExpiresAt = &expiresAt
	}

	if err := r.st.UpsertCredential(ctx, row); err != nil {
		return false, err
	}

	r.bus.Publish(events.Event{Type: events.EventRefresh, AccountID: row.AccountID,
		Message: "refreshed " + row.ClientKind + " credential"})
	return true, nil
}

// freeze clears access_token and expires_at, the frozen-credential
// invariant, so the pool stops offering this credential until a human
// re-authenticates it.
func (r *Refresher) freeze(ctx context.Context, row *store.CredentialRow) {
	row.AccessTokenEnc = ""
	row.ExpiresAt = nil
	_ = r.st.UpsertCredential(ctx, row)
}

func isInvalidGrant(err error) bool {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		switch rErr.ErrorCode {
		case "invalid_grant", "unauthorized_client":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "unauthorized_client")
}

func (r *Refresher) applySyncResult(ctx context.Context, accountID string, result *accountsync.Result) {
	row, err := r.st.GetAccount(ctx, accountID)
	if err != nil || row == nil {
		return
	}
	row.Tier = result.Tier
	row.IsForbidden = result.IsForbidden
	row.StatusReason = string(result.StatusReason)
	row.StatusDetails = result.StatusDetails
	row.QuotaPercent = result.QuotaPercent
	row.IneligibleTiers = make([]store.IneligibleTierRow, 0, len(result.IneligibleTiers))
	for _, it := range result.IneligibleTiers {
		row.IneligibleTiers = append(row.IneligibleTiers, store.IneligibleTierRow{
			TierID: it.TierID, ReasonCode: it.ReasonCode,
		})
	}
	row.UpdatedAt = time.Now().UTC()
	_ = r.st.UpdateAccount(ctx, row)
}

func (r *Refresher) masterEnabled(ctx context.Context) bool {
	v, ok, err := r.st.GetSetting(ctx, settingEnabled)
	if err != nil || !ok {
		return r.cfg.AutoRefreshEnabled
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return r.cfg.AutoRefreshEnabled
	}
	return enabled
}

func (r *Refresher) kindEnabled(ctx context.Context, kind string) bool {
	key := strings.ReplaceAll(strings.ToLower(kind), "-", "_")
	v, ok, err := r.st.GetSetting(ctx, kindSettingKey(key))
	if err != nil || !ok {
		return true
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return enabled
}

func kindSettingKey(kind string) string {
	return "auto_refresh_" + kind + "_enabled"
}

func (r *Refresher) interval(ctx context.Context) time.Duration {
	v, ok, err := r.st.GetSetting(ctx, settingInterval)
	if err != nil || !ok {
		if r.cfg.AutoRefreshInterval >= minInterval {
			return r.cfg.AutoRefreshInterval
		}
		return minInterval
	}
	minutes, err := strconv.Atoi(v)
	if err != nil || minutes < 1 {
		return minInterval
	}
	d := time.Duration(minutes) * time.Minute
	if d < minInterval {
		return minInterval
	}
	return d
}
