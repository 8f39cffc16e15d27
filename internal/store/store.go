// Package store is the persistence contract: accounts, credentials,
// api_tokens, model_mappings, app_settings, request_logs, events. Pool
// runtime state is explicitly NOT part of this interface — it is
// process-local and lives in the pool package (its session bindings in
// the TTLMap below).
package store

import (
	"context"
	"time"
)

// AccountRow is the raw persisted form of an Account. Callers decrypt
// credential tokens separately via account.Crypto.
type AccountRow struct {
	ID              string
	Email           string
	Status          string
	IsForbidden     bool
	Tier            string
	StatusReason    string
	StatusDetails   map[string]string
	IneligibleTiers []IneligibleTierRow
	QuotaPercent    float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type IneligibleTierRow struct {
	TierID     string
	ReasonCode string
}

// CredentialRow is the raw persisted form of a Credential.
type CredentialRow struct {
	AccountID        string
	ClientKind       string
	AccessTokenEnc   string
	RefreshTokenEnc  string
	ExpiresAt        *time.Time
	Scope            string
	ProjectID        string
	Tier             string
	ModelsJSON       string
	QuotaDataJSON    string
	LastSyncAt       *time.Time
}

// APIToken is an ingress credential for the OpenAI/Anthropic surfaces.
type APIToken struct {
	ID           string
	TokenHash    string
	Name         string
	Active       bool
	CreatedAt    time.Time
	LastUsedAt   *time.Time
	RequestCount int64
}

// ModelMapping is an ordered rewrite rule.
type ModelMapping struct {
	ID        int64
	Pattern   string
	Target    string
	IsActive  bool
	Priority  int
	CreatedAt time.Time
}

// RequestLog is one forwarded-request audit entry.
type RequestLog struct {
	ID         int64
	AccountID  string
	ClientKind string
	Model      string
	Status     string
	DurationMs int64
	CreatedAt  time.Time
}

// EventRow is one entry in the persisted events table. Live
// observability uses events.Bus in-memory; this is the durable record.
type EventRow struct {
	ID        int64
	Kind      string
	AccountID string
	Message   string
	CreatedAt time.Time
}

// Store is the persistence interface. SQLiteStore is the only
// implementation; the interface exists so pool/refresher/accountsync
// tests can substitute a fake.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	CreateAccount(ctx context.Context, row *AccountRow) error
	GetAccount(ctx context.Context, id string) (*AccountRow, error)
	ListAccounts(ctx context.Context) ([]*AccountRow, error)
	ListEligibleAccountIDs(ctx context.Context) ([]string, error)
	UpdateAccount(ctx context.Context, row *AccountRow) error
	DeleteAccount(ctx context.Context, id string) error

	GetCredential(ctx context.Context, accountID string, kind string) (*CredentialRow, error)
	ListCredentials(ctx context.Context, accountID string) ([]*CredentialRow, error)
	ListCredentialsForRefresh(ctx context.Context) ([]*CredentialRow, error)
	UpsertCredential(ctx context.Context, row *CredentialRow) error

	GetAPITokenByHash(ctx context.Context, hash string) (*APIToken, error)
	ListAPITokens(ctx context.Context) ([]*APIToken, error)
	CreateAPIToken(ctx context.Context, t *APIToken) error
	RecordAPITokenUsage(ctx context.Context, id string) error

	ListModelMappings(ctx context.Context) ([]*ModelMapping, error)
	UpsertModelMapping(ctx context.Context, m *ModelMapping) error
	DeleteModelMapping(ctx context.Context, id int64) error

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	InsertRequestLog(ctx context.Context, log *RequestLog) error
	PurgeOldLogs(ctx context.Context, before time.Time) (int64, error)

	InsertEvent(ctx context.Context, e *EventRow) error
}
