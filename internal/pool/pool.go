// Package pool implements the account pool: the process-local
// scheduler that turns a set of eligible accounts into a single "next
// account" decision per inbound request, with sticky-session binding,
// rate-limit cooldowns, and an exhaustion/self-heal cycle.
//
// The pool uses the store to read the eligible id list and its settings
// on Refresh, to persist a mode change from SetMode, and to read the
// account and a fresh credential on every Current call — bindings, marks,
// and cursor live only in memory, guarded by one mutex, across three
// scheduling modes.
package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cloudcode-relay/relay/internal/account"
	"github.com/cloudcode-relay/relay/internal/config"
	"github.com/cloudcode-relay/relay/internal/events"
	"github.com/cloudcode-relay/relay/internal/store"
)

type Mode string

const (
	ModeCacheFirst  Mode = "cache_first"
	ModeBalance     Mode = "balance"
	ModePerformance Mode = "performance"
)

const (
	settingMode     = "pool_schedule_mode"
	settingSelfHeal = "pool_selfheal_enabled"
	settingCooldown = "pool_cooldown"
	bindingTTL      = 30 * time.Minute
)

// Reason classifies why an account was rotated away from.
type Reason string

const (
	ReasonRateLimited      Reason = "rate_limited"
	ReasonExhausted        Reason = "exhausted"
	ReasonModelNotFound    Reason = "model_not_found"
	ReasonCapacityExhaust  Reason = "capacity_exhausted"
)

// Status is the observability snapshot returned by Statuses.
type Status struct {
	ID               string
	Email            string
	Status           string
	RemainingSeconds int
}

type binding struct {
	accountID string
}

// Pool is the account scheduler. One Pool per process.
type Pool struct {
	st     store.Store
	crypto *account.Crypto
	bus    *events.Bus
	cfg    *config.Config

	mu            sync.Mutex
	ids           []string
	cursor        int
	exhausted     map[string]bool
	rateLimited   map[string]time.Time
	lastRequestAt map[string]time.Time
	bindings      *store.TTLMap[binding]
	maxBindings   int

	mode     Mode
	cooldown time.Duration
	selfHeal bool
}

func New(cfg *config.Config, st store.Store, crypto *account.Crypto, bus *events.Bus) *Pool {
	return &Pool{
		st:            st,
		crypto:        crypto,
		bus:           bus,
		cfg:           cfg,
		exhausted:     make(map[string]bool),
		rateLimited:   make(map[string]time.Time),
		lastRequestAt: make(map[string]time.Time),
		bindings:      store.NewTTLMap[binding](),
		maxBindings:   cfg.MaxBindings,
		mode:          Mode(cfg.PoolScheduleMode),
		cooldown:      cfg.PoolCooldown,
		selfHeal:      true,
	}
}

// Refresh reloads the eligible account id list from the store, drops
// bindings/marks that reference vanished ids, and clamps the rotation
// cursor.
func (p *Pool) Refresh(ctx context.Context) error {
	ids, err := p.st.ListEligibleAccountIDs(ctx)
	if err != nil {
		return fmt.Errorf("list eligible accounts: %w", err)
	}

	if raw, ok, err := p.st.GetSetting(ctx, settingMode); err == nil && ok {
		p.mode = Mode(raw)
	}
	if raw, ok, err := p.st.GetSetting(ctx, settingSelfHeal); err == nil && ok {
		p.selfHeal = raw != "false"
	}
	var cooldown *time.Duration
	if raw, ok, err := p.st.GetSetting(ctx, settingCooldown); err == nil && ok {
		var secs float64
		if _, err := fmt.Sscan(raw, &secs); err == nil && secs >= 0 {
			d := time.Duration(secs * float64(time.Second))
			cooldown = &d
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cooldown != nil {
		p.cooldown = *cooldown
	}

	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		live[id] = true
	}
	p.ids = ids
	if p.cursor >= len(p.ids) {
		p.cursor = 0
	}

	for id := range p.exhausted {
		if !live[id] {
			delete(p.exhausted, id)
		}
	}
	for id := range p.rateLimited {
		if !live[id] {
			delete(p.rateLimited, id)
		}
	}
	for _, e := range p.bindings.Entries() {
		if !live[e.Value.accountID] {
			p.bindings.Delete(e.Key)
		}
	}

	return nil
}

// FingerprintSession derives the 16-char sticky-session digest from
// client_ip | user_agent, falling back to "unknown" for missing parts.
func FingerprintSession(clientIP, userAgent string) string {
	if clientIP == "" {
		clientIP = "unknown"
	}
	if userAgent == "" {
		userAgent = "unknown"
	}
	sum := sha256.Sum256([]byte(clientIP + "|" + userAgent))
	return hex.EncodeToString(sum[:8])
}

// Current returns a live account + its fresh NATIVE credential for the
// given session fingerprint (empty string if the caller has no session;
// an empty session is served as in performance mode). Reading
// the credential always goes through the store so a refresh performed by
// the refresher is visible on the very next call.
func (p *Pool) Current(ctx context.Context, session string) (*account.Account, *account.Credential, error) {
	p.mu.Lock()
	mode := p.mode
	p.mu.Unlock()

	switch mode {
	case ModePerformance:
		return p.currentPerformance(ctx)
	case ModeCacheFirst:
		return p.currentSticky(ctx, session, true)
	default:
		return p.currentSticky(ctx, session, false)
	}
}

func (p *Pool) currentPerformance(ctx context.Context) (*account.Account, *account.Credential, error) {
	p.mu.Lock()
	candidates := p.availableLocked()
	p.mu.Unlock()

	if len(candidates) == 0 {
		return p.selfHealAndRetry(ctx, func() ([]string, error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.availableLocked(), nil
		})
	}

	id := candidates[rand.Intn(len(candidates))]
	return p.loadAccount(ctx, id)
}

// currentSticky implements cache_first (wait=true) and balance (wait=false).
func (p *Pool) currentSticky(ctx context.Context, session string, wait bool) (*account.Account, *account.Credential, error) {
	if session == "" {
		return p.currentPerformance(ctx)
	}

	p.mu.Lock()
	id, bound := p.bindingLocked(session)
	p.mu.Unlock()

	if bound {
		available := p.isAvailable(id)
		if available {
			return p.loadAccount(ctx, id)
		}
		if wait {
			p.mu.Lock()
			_, rateLimited := p.rateLimited[id]
			exhausted := p.exhausted[id]
			p.mu.Unlock()

			if rateLimited && !exhausted {
				// cache_first: wait out the bound account's rate-limit
				// window rather than hot-switching, to preserve upstream
				// prompt cache. This is independent of pool_cooldown,
				// which only paces successive requests to the same
				// account and says nothing about rate-limit state.
				if err := p.waitRateLimit(ctx, id); err != nil {
					return nil, nil, err
				}
				return p.loadAccount(ctx, id)
			}
			// Permanently exhausted (not merely rate-limited): there is
			// nothing to wait for, so fall through to picking a
			// different candidate below.
		} else {
			// balance: hot-switch to any other available account; binding
			// itself is left unchanged so the session reverts once id clears.
		}
	}

	p.mu.Lock()
	candidates := p.availableLocked()
	p.mu.Unlock()

	if len(candidates) == 0 {
		return p.selfHealAndRetry(ctx, func() ([]string, error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.availableLocked(), nil
		})
	}

	selected := p.leastLoaded(candidates)

	// A balance-mode hot-switch serves this request only; the existing
	// binding stays in place.
	if !bound || wait {
		p.mu.Lock()
		p.bindLocked(session, selected)
		p.mu.Unlock()
	}

	return p.loadAccount(ctx, selected)
}

// leastLoaded picks the candidate with the fewest current bindings,
// breaking ties by candidate list order.
func (p *Pool) leastLoaded(candidates []string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[string]int, len(candidates))
	for _, e := range p.bindings.Entries() {
		counts[e.Value.accountID]++
	}

	best := candidates[0]
	bestCount := counts[best]
	for _, id := range candidates[1:] {
		if c := counts[id]; c < bestCount {
			best, bestCount = id, c
		}
	}
	return best
}

func (p *Pool) bindingLocked(session string) (string, bool) {
	b, ok := p.bindings.Get(session)
	if !ok {
		return "", false
	}
	p.bindings.Set(session, b, bindingTTL) // refresh sliding TTL on access
	return b.accountID, true
}

func (p *Pool) bindLocked(session, accountID string) {
	p.bindings.Set(session, binding{accountID: accountID}, bindingTTL)
	if p.bindings.Len() > p.maxBindings {
		p.evictOldestLocked()
	}
}

func (p *Pool) evictOldestLocked() {
	entries := p.bindings.Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].ExpiresAt.Before(entries[j].ExpiresAt) })
	overflow := len(entries) - p.maxBindings
	for i := 0; i < overflow && i < len(entries); i++ {
		p.bindings.Delete(entries[i].Key)
	}
}

// availableLocked returns every pool-known id passing the availability
// predicate. Caller must hold p.mu.
func (p *Pool) availableLocked() []string {
	now := time.Now()
	out := make([]string, 0, len(p.ids))
	for _, id := range p.ids {
		if p.exhausted[id] {
			continue
		}
		if until, ok := p.rateLimited[id]; ok && until.After(now) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (p *Pool) isAvailable(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exhausted[id] {
		return false
	}
	if until, ok := p.rateLimited[id]; ok && until.After(time.Now()) {
		return false
	}
	return true
}

// selfHealAndRetry clears all marks and retries candidate selection once,
// self-heal rule, before giving up entirely.
func (p *Pool) selfHealAndRetry(ctx context.Context, candidatesFn func() ([]string, error)) (*account.Account, *account.Credential, error) {
	p.mu.Lock()
	selfHeal := p.selfHeal
	p.mu.Unlock()

	if !selfHeal {
		return nil, nil, fmt.Errorf("no available accounts")
	}

	p.mu.Lock()
	p.exhausted = make(map[string]bool)
	p.rateLimited = make(map[string]time.Time)
	ids := append([]string(nil), p.ids...)
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(events.Event{Type: events.EventRecover, Message: "pool self-healed: all marks cleared"})
	}
	slog.Warn("pool exhausted, self-healing", "candidate_count", len(ids))

	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("no available accounts")
	}

	retried, err := candidatesFn()
	if err != nil || len(retried) == 0 {
		return nil, nil, fmt.Errorf("no available accounts")
	}

	id := retried[rand.Intn(len(retried))]
	return p.loadAccount(ctx, id)
}

// Rotate marks failedID per reason, advances the cursor, and returns the
// next Current() result.
func (p *Pool) Rotate(ctx context.Context, session, failedID string, reason Reason) (*account.Account, *account.Credential, error) {
	p.mu.Lock()
	switch reason {
	case ReasonRateLimited:
		p.rateLimited[failedID] = time.Now().Add(60 * time.Second)
		if p.bus != nil {
			p.bus.Publish(events.Event{Type: events.EventRateLimit, AccountID: failedID, Message: "rate limited, cooling down 60s"})
		}
	case ReasonExhausted, ReasonModelNotFound, ReasonCapacityExhaust:
		p.exhausted[failedID] = true
		if p.bus != nil {
			p.bus.Publish(events.Event{Type: events.EventExhausted, AccountID: failedID, Message: string(reason)})
		}
	}
	for i, id := range p.ids {
		if id == failedID {
			p.cursor = (i + 1) % len(p.ids)
			break
		}
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{Type: events.EventRotate, AccountID: failedID, Message: "rotated away, reason=" + string(reason)})
	}
	p.mu.Unlock()

	return p.Current(ctx, session)
}

// WaitCooldown suspends until now >= last_request_at[id] + pool_cooldown.
// The lock is released before any sleep.
func (p *Pool) WaitCooldown(ctx context.Context, id string) error {
	p.mu.Lock()
	cooldown := p.cooldown
	last, ok := p.lastRequestAt[id]
	p.mu.Unlock()

	if !ok || cooldown <= 0 {
		return nil
	}
	wait := time.Until(last.Add(cooldown))
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitRateLimit suspends until rateLimited[id] has cleared, mirroring the
// availability predicate's rate-limit clause — unlike WaitCooldown, this
// has nothing to do with pool_cooldown/last_request_at. Returns
// immediately if id isn't currently rate-limited. The lock is released
// before any sleep.
func (p *Pool) waitRateLimit(ctx context.Context, id string) error {
	p.mu.Lock()
	until, ok := p.rateLimited[id]
	p.mu.Unlock()

	if !ok {
		return nil
	}
	wait := time.Until(until)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkRequest records that id was just dispatched, for cooldown pacing.
func (p *Pool) MarkRequest(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRequestAt[id] = time.Now()
}

// Size returns the number of accounts currently known to the pool,
// regardless of availability. The forwarder's retry budget is
// min(pool.Size(), 5), per the spec's retry-budget invariant.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

// Statuses returns an observability snapshot of every pool-known account.
func (p *Pool) Statuses(ctx context.Context) []Status {
	p.mu.Lock()
	ids := append([]string(nil), p.ids...)
	now := time.Now()
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		status := "active"
		remaining := 0
		if p.exhausted[id] {
			status = "exhausted"
		} else if until, ok := p.rateLimited[id]; ok && until.After(now) {
			status = "rate_limited"
			remaining = int(until.Sub(now).Seconds())
		}
		out = append(out, Status{ID: id, Status: status, RemainingSeconds: remaining})
	}
	p.mu.Unlock()

	for i := range out {
		row, err := p.st.GetAccount(ctx, out[i].ID)
		if err == nil && row != nil {
			out[i].Email = row.Email
		}
	}
	return out
}

// SetMode changes the active scheduling mode and persists it so the
// choice survives a restart.
func (p *Pool) SetMode(ctx context.Context, mode Mode) error {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
	return p.st.SetSetting(ctx, settingMode, string(mode))
}

func (p *Pool) loadAccount(ctx context.Context, id string) (*account.Account, *account.Credential, error) {
	row, err := p.st.GetAccount(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("get account %s: %w", id, err)
	}
	if row == nil {
		return nil, nil, fmt.Errorf("account %s not found", id)
	}

	credRow, err := p.st.GetCredential(ctx, id, string(account.ClientNative))
	if err != nil {
		return nil, nil, fmt.Errorf("get credential %s: %w", id, err)
	}
	if credRow == nil {
		return nil, nil, fmt.Errorf("account %s has no NATIVE credential", id)
	}

	cred, err := decryptCredential(p.crypto, credRow)
	if err != nil {
		return nil, nil, err
	}

	acct := &account.Account{
		ID:           row.ID,
		Email:        row.Email,
		Status:       account.Status(row.Status),
		IsForbidden:  row.IsForbidden,
		Tier:         row.Tier,
		StatusReason: account.StatusReason(row.StatusReason),
		QuotaPercent: row.QuotaPercent,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	return acct, cred, nil
}

func decryptCredential(crypto *account.Crypto, row *store.CredentialRow) (*account.Credential, error) {
	kind := account.ClientKind(row.ClientKind)
	salt := "credential:" + string(kind)

	access, err := crypto.Decrypt(row.AccessTokenEnc, salt)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	refresh, err := crypto.Decrypt(row.RefreshTokenEnc, salt)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	return &account.Credential{
		AccountID:    row.AccountID,
		ClientKind:   kind,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    row.ExpiresAt,
		Scope:        row.Scope,
		ProjectID:    row.ProjectID,
		Tier:         row.Tier,
		LastSyncAt:   row.LastSyncAt,
	}, nil
}
