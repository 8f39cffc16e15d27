// Package account holds the Account/Credential data model and the
// encryption of credential tokens at rest.
package account

import "time"

// ClientKind distinguishes which upstream client flow a Credential targets.
// The two kinds hit different endpoints, header styles, and onboarding
// flows.
type ClientKind string

const (
	ClientGenericCLI ClientKind = "GENERIC_CLI"
	ClientNative     ClientKind = "NATIVE"
)

// Status is the lifecycle state of an Account.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// StatusReason enumerates the sync-layer ineligibility/validation reasons
// derived from tier aggregation and quota checks.
type StatusReason string

const (
	ReasonValidationRequired StatusReason = "VALIDATION_REQUIRED"
	ReasonDasherUser         StatusReason = "DASHER_USER"
	ReasonIneligibleAccount  StatusReason = "INELIGIBLE_ACCOUNT"
	ReasonRestrictedNetwork  StatusReason = "RESTRICTED_NETWORK"
	ReasonUnknownLocation    StatusReason = "UNKNOWN_LOCATION"
	ReasonUnsupportedLocation StatusReason = "UNSUPPORTED_LOCATION"
)

// IneligibleTier records one tier a credential is excluded from, with the
// reason code that caused the exclusion.
type IneligibleTier struct {
	TierID     string `json:"tier_id"`
	ReasonCode string `json:"reason_code"`
}

// Account is one external identity in the pool.
type Account struct {
	ID            string            `json:"id"`
	Email         string            `json:"email"`
	Status        Status            `json:"status"`
	IsForbidden   bool              `json:"is_forbidden"`
	Tier          string            `json:"tier"`
	StatusReason  StatusReason      `json:"status_reason,omitempty"`
	StatusDetails map[string]string `json:"status_details,omitempty"`
	IneligibleTiers []IneligibleTier `json:"ineligible_tiers,omitempty"`
	QuotaPercent  float64           `json:"quota_percent"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ModelQuota is one model's remaining-quota view within a Credential.
type ModelQuota struct {
	Name              string    `json:"name"`
	RemainingFraction *float64  `json:"remaining_fraction,omitempty"`
	ResetTime         time.Time `json:"reset_time,omitempty"`
}

// Credential is one OAuth credential for one client-kind under one
// Account. expires_at is nil exactly when the credential is frozen
// (invalid_grant / unauthorized_client).
type Credential struct {
	AccountID    string     `json:"account_id"`
	ClientKind   ClientKind `json:"client_kind"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	ProjectID    string     `json:"project_id,omitempty"`
	Tier         string     `json:"tier,omitempty"`
	Models       []ModelQuota `json:"models,omitempty"`
	QuotaData    map[string]any `json:"quota_data,omitempty"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
}

// Frozen reports whether the credential has been frozen by a failed
// refresh (access_token and expires_at both cleared, invariant).
func (c *Credential) Frozen() bool {
	return c.AccessToken == "" && c.ExpiresAt == nil
}

// HasUsableAccessToken reports whether the credential carries a
// non-empty access token — part of the pool-eligibility invariant:
// an account is eligible only if it has a NATIVE credential satisfying this.
func (c *Credential) HasUsableAccessToken() bool {
	return c != nil && c.AccessToken != ""
}

// Eligible implements the pool-eligibility invariant:
//
//	status=active ∧ ¬is_forbidden ∧ ∃ credential with client_kind=NATIVE ∧ non-empty access_token
func Eligible(a *Account, nativeCred *Credential) bool {
	if a == nil {
		return false
	}
	if a.Status != StatusActive || a.IsForbidden {
		return false
	}
	return nativeCred.HasUsableAccessToken()
}
