package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Store on top of modernc.org/sqlite (pure Go,
// no cgo). A single connection is held open — SQLite serializes writes
// anyway, and this keeps the pragma set (WAL, foreign_keys) stable
// across the process lifetime.
type SQLiteStore struct {
	db *sql.DB
}

func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// --- Accounts ---

func (s *SQLiteStore) CreateAccount(ctx context.Context, row *AccountRow) error {
	now := time.Now().UTC()
	row.CreatedAt, row.UpdatedAt = now, now
	details, _ := json.Marshal(row.StatusDetails)
	tiers, _ := json.Marshal(row.IneligibleTiers)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, status, is_forbidden, tier, status_reason,
			status_details, ineligible_tiers, quota_percent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Email, row.Status, boolToInt(row.IsForbidden), row.Tier, row.StatusReason,
		string(details), string(tiers), row.QuotaPercent, fmtTime(now), fmtTime(now))
	return err
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*AccountRow, error) {
	r := s.db.QueryRowContext(ctx, `SELECT id, email, status, is_forbidden, tier, status_reason,
		status_details, ineligible_tiers, quota_percent, created_at, updated_at
		FROM accounts WHERE id = ?`, id)
	row, err := scanAccount(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return row, err
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*AccountRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, status, is_forbidden, tier, status_reason,
		status_details, ineligible_tiers, quota_percent, created_at, updated_at
		FROM accounts ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AccountRow
	for rows.Next() {
		row, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListEligibleAccountIDs implements the eligibility invariant in one
// query: the account is active and not forbidden, and its NATIVE
// credential row carries a non-empty encrypted access token.
func (s *SQLiteStore) ListEligibleAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id FROM accounts a
		JOIN credentials c ON c.account_id = a.id AND c.client_kind = 'NATIVE'
		WHERE a.status = 'active' AND a.is_forbidden = 0 AND c.access_token_enc != ''
		ORDER BY a.created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) UpdateAccount(ctx context.Context, row *AccountRow) error {
	details, _ := json.Marshal(row.StatusDetails)
	tiers, _ := json.Marshal(row.IneligibleTiers)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET email=?, status=?, is_forbidden=?, tier=?, status_reason=?,
			status_details=?, ineligible_tiers=?, quota_percent=?, updated_at=?
		WHERE id=?`,
		row.Email, row.Status, boolToInt(row.IsForbidden), row.Tier, row.StatusReason,
		string(details), string(tiers), row.QuotaPercent, fmtTime(now), row.ID)
	return err
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id=?`, id)
	return err
}

func scanAccount(r interface{ Scan(...any) error }) (*AccountRow, error) {
	var row AccountRow
	var isForbidden int
	var details, tiers string
	var createdAt, updatedAt string
	if err := r.Scan(&row.ID, &row.Email, &row.Status, &isForbidden, &row.Tier, &row.StatusReason,
		&details, &tiers, &row.QuotaPercent, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	row.IsForbidden = isForbidden != 0
	_ = json.Unmarshal([]byte(details), &row.StatusDetails)
	_ = json.Unmarshal([]byte(tiers), &row.IneligibleTiers)
	row.CreatedAt = parseTime(createdAt)
	row.UpdatedAt = parseTime(updatedAt)
	return &row, nil
}

// --- Credentials ---

func (s *SQLiteStore) GetCredential(ctx context.Context, accountID, kind string) (*CredentialRow, error) {
	r := s.db.QueryRowContext(ctx, `SELECT account_id, client_kind, access_token_enc,
		refresh_token_enc, expires_at, scope, project_id, tier, models, quota_data, last_sync_at
		FROM credentials WHERE account_id=? AND client_kind=?`, accountID, kind)
	row, err := scanCredential(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return row, err
}

func (s *SQLiteStore) ListCredentials(ctx context.Context, accountID string) ([]*CredentialRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id, client_kind, access_token_enc,
		refresh_token_enc, expires_at, scope, project_id, tier, models, quota_data, last_sync_at
		FROM credentials WHERE account_id=?`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCredentials(rows)
}

// ListCredentialsForRefresh returns every credential of every non-disabled
// account, grouped implicitly by account_id order.
func (s *SQLiteStore) ListCredentialsForRefresh(ctx context.Context) ([]*CredentialRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.account_id, c.client_kind, c.access_token_enc, c.refresh_token_enc,
			c.expires_at, c.scope, c.project_id, c.tier, c.models, c.quota_data, c.last_sync_at
		FROM credentials c
		JOIN accounts a ON a.id = c.account_id
		WHERE a.status != 'disabled'
		ORDER BY c.account_id ASC,
			CASE c.client_kind WHEN 'GENERIC_CLI' THEN 0 ELSE 1 END ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCredentials(rows)
}

func scanCredentials(rows *sql.Rows) ([]*CredentialRow, error) {
	var out []*CredentialRow
	for rows.Next() {
		row, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanCredential(r interface{ Scan(...any) error }) (*CredentialRow, error) {
	var row CredentialRow
	var expiresAt, lastSyncAt sql.NullString
	if err := r.Scan(&row.AccountID, &row.ClientKind, &row.AccessTokenEnc, &row.RefreshTokenEnc,
		&expiresAt, &row.Scope, &row.ProjectID, &row.Tier, &row.ModelsJSON, &row.QuotaDataJSON,
		&lastSyncAt); err != nil {
		return nil, err
	}
	if expiresAt.Valid && expiresAt.String != "" {
		t := parseTime(expiresAt.String)
		row.ExpiresAt = &t
	}
	if lastSyncAt.Valid && lastSyncAt.String != "" {
		t := parseTime(lastSyncAt.String)
		row.LastSyncAt = &t
	}
	return &row, nil
}

func (s *SQLiteStore) UpsertCredential(ctx context.Context, row *CredentialRow) error {
	var expiresAt, lastSyncAt any
	if row.ExpiresAt != nil {
		expiresAt = fmtTime(*row.ExpiresAt)
	}
	if row.LastSyncAt != nil {
		lastSyncAt = fmtTime(*row.LastSyncAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (account_id, client_kind, access_token_enc, refresh_token_enc,
			expires_at, scope, project_id, tier, models, quota_data, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, client_kind) DO UPDATE SET
			access_token_enc=excluded.access_token_enc,
			refresh_token_enc=excluded.refresh_token_enc,
			expires_at=excluded.expires_at,
			scope=excluded.scope,
			project_id=excluded.project_id,
			tier=excluded.tier,
			models=excluded.models,
			quota_data=excluded.quota_data,
			last_sync_at=excluded.last_sync_at`,
		row.AccountID, row.ClientKind, row.AccessTokenEnc, row.RefreshTokenEnc,
		expiresAt, row.Scope, row.ProjectID, row.Tier, row.ModelsJSON, row.QuotaDataJSON, lastSyncAt)
	return err
}

// --- API tokens ---

func (s *SQLiteStore) GetAPITokenByHash(ctx context.Context, hash string) (*APIToken, error) {
	r := s.db.QueryRowContext(ctx, `SELECT id, token_hash, name, active, created_at, last_used_at,
		request_count FROM api_tokens WHERE token_hash=?`, hash)
	t, err := scanAPIToken(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) ListAPITokens(ctx context.Context) ([]*APIToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, token_hash, name, active, created_at,
		last_used_at, request_count FROM api_tokens ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*APIToken
	for rows.Next() {
		t, err := scanAPIToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanAPIToken(r interface{ Scan(...any) error }) (*APIToken, error) {
	var t APIToken
	var active int
	var createdAt string
	var lastUsed sql.NullString
	if err := r.Scan(&t.ID, &t.TokenHash, &t.Name, &active, &createdAt, &lastUsed, &t.RequestCount); err != nil {
		return nil, err
	}
	t.Active = active != 0
	t.CreatedAt = parseTime(createdAt)
	if lastUsed.Valid && lastUsed.String != "" {
		ts := parseTime(lastUsed.String)
		t.LastUsedAt = &ts
	}
	return &t, nil
}

func (s *SQLiteStore) CreateAPIToken(ctx context.Context, t *APIToken) error {
	t.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_tokens (id, token_hash, name, active, created_at,
		last_used_at, request_count) VALUES (?, ?, ?, ?, ?, NULL, 0)`,
		t.ID, t.TokenHash, t.Name, boolToInt(t.Active), fmtTime(t.CreatedAt))
	return err
}

func (s *SQLiteStore) RecordAPITokenUsage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_tokens SET last_used_at=?, request_count=request_count+1
		WHERE id=?`, fmtTime(time.Now().UTC()), id)
	return err
}

// --- Model mappings ---

func (s *SQLiteStore) ListModelMappings(ctx context.Context) ([]*ModelMapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pattern, target, is_active, priority, created_at
		FROM model_mappings WHERE is_active=1 ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ModelMapping
	for rows.Next() {
		var m ModelMapping
		var active int
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Pattern, &m.Target, &active, &m.Priority, &createdAt); err != nil {
			return nil, err
		}
		m.IsActive = active != 0
		m.CreatedAt = parseTime(createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertModelMapping(ctx context.Context, m *ModelMapping) error {
	if m.ID == 0 {
		m.CreatedAt = time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `INSERT INTO model_mappings (pattern, target, is_active,
			priority, created_at) VALUES (?, ?, ?, ?, ?)`,
			m.Pattern, m.Target, boolToInt(m.IsActive), m.Priority, fmtTime(m.CreatedAt))
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		m.ID = id
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE model_mappings SET pattern=?, target=?, is_active=?,
		priority=? WHERE id=?`, m.Pattern, m.Target, boolToInt(m.IsActive), m.Priority, m.ID)
	return err
}

func (s *SQLiteStore) DeleteModelMapping(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM model_mappings WHERE id=?`, id)
	return err
}

// --- App settings ---

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO app_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// --- Request logs ---

func (s *SQLiteStore) InsertRequestLog(ctx context.Context, log *RequestLog) error {
	log.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO request_logs (account_id, client_kind, model,
		status, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		log.AccountID, log.ClientKind, log.Model, log.Status, log.DurationMs, fmtTime(log.CreatedAt))
	return err
}

func (s *SQLiteStore) PurgeOldLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < ?`, fmtTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Events ---

func (s *SQLiteStore) InsertEvent(ctx context.Context, e *EventRow) error {
	e.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO events (kind, account_id, message, created_at)
		VALUES (?, ?, ?, ?)`, e.Kind, e.AccountID, e.Message, fmtTime(e.CreatedAt))
	return err
}

// --- Helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
