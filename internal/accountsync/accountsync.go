// Package accountsync implements the account sync sequence: per
// client-kind discovery (loadCodeAssist/onboardUser/retrieveUserQuota for
// GENERIC_CLI, loadCodeAssist/fetchAvailableModels for NATIVE) and the
// aggregation rules that turn per-credential results into Account-level
// fields.
package accountsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cloudcode-relay/relay/internal/account"
	"github.com/cloudcode-relay/relay/internal/config"
	"github.com/cloudcode-relay/relay/internal/store"
)

// Syncer runs the discovery sequence for one account across both its
// client-kind credentials and aggregates the results.
type Syncer struct {
	st      store.Store
	crypto  *account.Crypto
	cfg     *config.Config
	client  *http.Client
}

func New(st store.Store, crypto *account.Crypto, cfg *config.Config) *Syncer {
	return &Syncer{
		st:     st,
		crypto: crypto,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.GenericHTTPTimeout},
	}
}

// Result is the aggregated Account-level update produced by one sync.
type Result struct {
	Tier            string
	IneligibleTiers []account.IneligibleTier
	IsForbidden     bool
	StatusReason    account.StatusReason
	StatusDetails   map[string]string
	QuotaPercent    float64
}

// SyncAccount runs the discovery sequence for each of accountID's
// credentials in fixed order (GENERIC_CLI first, NATIVE second) and
// aggregates into Account-level fields.
func (s *Syncer) SyncAccount(ctx context.Context, accountID string) (*Result, error) {
	result := &Result{Tier: "free-tier"}
	var genericBuckets []quotaBucket
	var nativeModels map[string]nativeModelQuota

	for _, kind := range []account.ClientKind{account.ClientGenericCLI, account.ClientNative} {
		row, err := s.st.GetCredential(ctx, accountID, string(kind))
		if err != nil || row == nil {
			continue
		}
		cred, err := s.decrypt(row)
		if err != nil {
			continue
		}

		var syncErr error
		var tier string
		var ineligible []account.IneligibleTier
		var projectID string

		switch kind {
		case account.ClientGenericCLI:
			var buckets []quotaBucket
			tier, ineligible, projectID, buckets, syncErr = s.syncGenericCLI(ctx, cred)
			genericBuckets = buckets
			cred.QuotaData = map[string]any{"buckets": buckets}
		case account.ClientNative:
			var models map[string]nativeModelQuota
			tier, ineligible, projectID, models, syncErr = s.syncNative(ctx, cred)
			nativeModels = models
			cred.Models = modelQuotasFrom(models)
		}
		if syncErr != nil {
			var valErr *validationRequiredErr
			if errors.As(syncErr, &valErr) {
				// VALIDATION_REQUIRED always wins status_reason and carries
				// the validation URL/message into status_details.
				result.StatusReason = account.ReasonValidationRequired
				result.StatusDetails = map[string]string{
					"validation_url": valErr.URL,
					"message":        valErr.Message,
				}
			}
			continue
		}

		cred.Tier = tier
		cred.ProjectID = projectID
		now := time.Now().UTC()
		cred.LastSyncAt = &now
		s.persistCredential(ctx, cred)

		if betterTier(tier, result.Tier) {
			result.Tier = tier
		}
		result.IneligibleTiers = append(result.IneligibleTiers, ineligible...)

		for _, it := range ineligible {
			reason := account.StatusReason(it.ReasonCode)
			if reason == account.ReasonValidationRequired {
				result.StatusReason = reason
				continue
			}
			if forcesForbidden(reason) && !soleRestrictsFreeTier(it, result.Tier) {
				result.IsForbidden = true
				if result.StatusReason == "" {
					result.StatusReason = reason
				}
			}
		}
	}

	result.QuotaPercent = deriveQuotaPercent(genericBuckets, nativeModels)
	return result, nil
}

func forcesForbidden(r account.StatusReason) bool {
	switch r {
	case account.ReasonDasherUser, account.ReasonIneligibleAccount, account.ReasonRestrictedNetwork,
		account.ReasonUnknownLocation, account.ReasonUnsupportedLocation:
		return true
	default:
		return false
	}
}

// soleRestrictsFreeTier reports whether an ineligible-tier entry only
// excludes free-tier while the account already holds a better tier —
// in that case it must not force is_forbidden.
func soleRestrictsFreeTier(it account.IneligibleTier, currentBestTier string) bool {
	return it.TierID == "free-tier" && currentBestTier != "" && currentBestTier != "free-tier"
}

func betterTier(candidate, current string) bool {
	return tierRank(candidate) > tierRank(current)
}

func tierRank(tier string) int {
	switch tier {
	case "":
		return 0
	case "free-tier":
		return 1
	default:
		return 2
	}
}

func (s *Syncer) decrypt(row *store.CredentialRow) (*account.Credential, error) {
	kind := account.ClientKind(row.ClientKind)
	salt := "credential:" + string(kind)
	access, err := s.crypto.Decrypt(row.AccessTokenEnc, salt)
	if err != nil {
		return nil, err
	}
	refresh, err := s.crypto.Decrypt(row.RefreshTokenEnc, salt)
	if err != nil {
		return nil, err
	}
	return &account.Credential{
		AccountID: row.AccountID, ClientKind: kind, AccessToken: access,
		RefreshToken: refresh, ExpiresAt: row.ExpiresAt, ProjectID: row.ProjectID, Tier: row.Tier,
	}, nil
}

func (s *Syncer) persistCredential(ctx context.Context, cred *account.Credential) {
	kind := cred.ClientKind
	salt := "credential:" + string(kind)
	accessEnc, _ := s.crypto.Encrypt(cred.AccessToken, salt)
	refreshEnc, _ := s.crypto.Encrypt(cred.RefreshToken, salt)

	var modelsJSON, quotaDataJSON string
	if len(cred.Models) > 0 {
		if b, err := json.Marshal(cred.Models); err == nil {
			modelsJSON = string(b)
		}
	}
	if len(cred.QuotaData) > 0 {
		if b, err := json.Marshal(cred.QuotaData); err == nil {
			quotaDataJSON = string(b)
		}
	}

	_ = s.st.UpsertCredential(ctx, &store.CredentialRow{
		AccountID: cred.AccountID, ClientKind: string(kind),
		AccessTokenEnc: accessEnc, RefreshTokenEnc: refreshEnc,
		ExpiresAt: cred.ExpiresAt, ProjectID: cred.ProjectID, Tier: cred.Tier,
		ModelsJSON: modelsJSON, QuotaDataJSON: quotaDataJSON,
		LastSyncAt: cred.LastSyncAt,
	})
}

func modelQuotasFrom(models map[string]nativeModelQuota) []account.ModelQuota {
	out := make([]account.ModelQuota, 0, len(models))
	for name, m := range models {
		mq := account.ModelQuota{Name: name, RemainingFraction: m.QuotaInfo.RemainingFraction}
		if m.QuotaInfo.ResetTime != "" {
			if t, err := time.Parse(time.RFC3339, m.QuotaInfo.ResetTime); err == nil {
				mq.ResetTime = t
			}
		}
		out = append(out, mq)
	}
	return out
}

// --- shared HTTP helper ---

func (s *Syncer) call(ctx context.Context, baseURL, method string, accessToken string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := baseURL + "/v1internal:" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusForbidden {
			if url, msg, ok := detectValidationRequired(respBody); ok {
				return &validationRequiredErr{URL: url, Message: msg}
			}
		}
		return fmt.Errorf("%s returned %d: %s", method, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (s *Syncer) getOperation(ctx context.Context, baseURL, accessToken, name string) (*lroResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1internal/"+name, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var lro lroResponse
	if err := json.NewDecoder(resp.Body).Decode(&lro); err != nil {
		return nil, err
	}
	return &lro, nil
}
