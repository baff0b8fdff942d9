package account

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kiroflow/kiro-proxy-go/internal/quota"
	"github.com/kiroflow/kiro-proxy-go/internal/ratelimit"
	"github.com/kiroflow/kiro-proxy-go/internal/util"
)

// sessionTTL is how long a session stays bound to an account after its
// last request.
const sessionTTL = 60 * time.Second

// ErrNoAccounts is returned when no account can serve a request.
var ErrNoAccounts = errors.New("no available accounts")

// ActivityMarker receives usage marks; satisfied by quota.Scheduler.
type ActivityMarker interface {
	MarkActive(accountID string)
}

// Registry owns the account pool, its persistence and session stickiness.
// It implements quota.Pool for the scheduler.
type Registry struct {
	mu        sync.RWMutex
	accounts  []*Account
	path      string
	cache     *quota.Cache
	cooldowns *quota.CooldownTable
	limiter   *ratelimit.Limiter
	selector  *Selector
	marker    ActivityMarker
	sessions  map[string]*sessionBinding
	logger    zerolog.Logger
}

type sessionBinding struct {
	accountID string
	boundAt   time.Time
}

// NewRegistry builds a registry over accounts.json at path and loads it.
// Entries whose token file has gone missing are skipped.
func NewRegistry(path string, cache *quota.Cache, cooldowns *quota.CooldownTable, limiter *ratelimit.Limiter, selector *Selector, logger zerolog.Logger) *Registry {
	r := &Registry{
		path:      path,
		cache:     cache,
		cooldowns: cooldowns,
		limiter:   limiter,
		selector:  selector,
		sessions:  make(map[string]*sessionBinding),
		logger:    logger.With().Str("component", "registry").Logger(),
	}
	r.load()
	return r
}

// SetActivityMarker wires the scheduler in after construction.
func (r *Registry) SetActivityMarker(m ActivityMarker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marker = m
}

func (r *Registry) load() {
	if !util.FileExists(r.path) {
		return
	}
	var records []persistedAccount
	if err := util.ReadJSON(r.path, &records); err != nil {
		r.logger.Warn().Err(err).Msg("failed to load accounts file")
		return
	}

	var kept []*Account
	for _, rec := range records {
		if !util.FileExists(rec.TokenPath) {
			r.logger.Warn().Str("account", rec.ID).Str("token_path", rec.TokenPath).Msg("token file missing, skipping account")
			continue
		}
		if rec.Status == "" {
			rec.Status = StatusActive
		}
		kept = append(kept, rec.restore())
	}

	r.mu.Lock()
	r.accounts = kept
	r.mu.Unlock()
	r.logger.Info().Int("accounts", len(kept)).Msg("accounts loaded")
}

// Persist writes accounts.json atomically. Each account is snapshotted
// under its own mutex first; marshaling live accounts would race MarkUsed.
func (r *Registry) Persist() error {
	r.mu.RLock()
	records := make([]persistedAccount, 0, len(r.accounts))
	for _, a := range r.accounts {
		records = append(records, a.persisted())
	}
	r.mu.RUnlock()
	return util.WriteJSONAtomic(r.path, records)
}

// AddDefaultIfEmpty registers a "default" account over tokenPath when the
// pool is empty and the file exists.
func (r *Registry) AddDefaultIfEmpty(tokenPath string) {
	r.mu.Lock()
	empty := len(r.accounts) == 0
	r.mu.Unlock()
	if !empty || tokenPath == "" || !util.FileExists(tokenPath) {
		return
	}
	if _, err := r.Add("default", tokenPath); err != nil {
		r.logger.Warn().Err(err).Msg("failed to add default account")
	}
}

// Add registers a new account over an existing token file and persists the
// pool.
func (r *Registry) Add(name, tokenPath string) (*Account, error) {
	if !util.FileExists(tokenPath) {
		return nil, fmt.Errorf("token file not found: %s", tokenPath)
	}
	a := &Account{
		ID:        uuid.New().String()[:8],
		Name:      name,
		TokenPath: tokenPath,
		Enabled:   true,
		Status:    StatusActive,
	}

	r.mu.Lock()
	r.accounts = append(r.accounts, a)
	r.mu.Unlock()

	if err := r.Persist(); err != nil {
		return nil, err
	}
	r.logger.Info().Str("account", a.ID).Str("name", name).Msg("account added")
	return a, nil
}

// Remove deletes an account from the pool (the token file stays).
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	idx := -1
	for i, a := range r.accounts {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.accounts = append(r.accounts[:idx], r.accounts[idx+1:]...)
	for sid, b := range r.sessions {
		if b.accountID == id {
			delete(r.sessions, sid)
		}
	}
	r.mu.Unlock()

	r.cache.Remove(id)
	r.cooldowns.Clear(id)
	if err := r.Persist(); err != nil {
		r.logger.Warn().Err(err).Msg("failed to persist after remove")
	}
	return true
}

// Get returns an account by id.
func (r *Registry) Get(id string) *Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// All returns a copy of the pool slice.
func (r *Registry) All() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Account(nil), r.accounts...)
}

// SetEnabled flips the enabled flag; part of quota.Pool.
func (r *Registry) SetEnabled(id string, enabled bool) bool {
	a := r.Get(id)
	if a == nil {
		return false
	}
	return a.setEnabled(enabled)
}

// QuotaTargets lists every account for the scheduler; part of quota.Pool.
func (r *Registry) QuotaTargets() []quota.Target {
	accounts := r.All()
	targets := make([]quota.Target, 0, len(accounts))
	for _, a := range accounts {
		t := quota.Target{ID: a.ID, Enabled: a.IsEnabled()}
		if creds := a.Credentials(); creds != nil && creds.AccessToken != "" {
			t.AccessToken = creds.AccessToken
			t.MachineID = a.MachineID()
		} else {
			t.CredErr = fmt.Errorf("credentials unavailable")
		}
		targets = append(targets, t)
	}
	return targets
}

// Available is the availability predicate: enabled, healthy status, no live
// cooldown, and the cached quota not exhausted.
func (r *Registry) Available(a *Account) bool {
	if !a.IsEnabled() {
		return false
	}
	switch a.CurrentStatus() {
	case StatusDisabled, StatusUnhealthy, StatusSuspended:
		return false
	}
	if r.cooldowns.IsCoolingDown(a.ID) {
		return false
	}
	if snap, ok := r.cache.Get(a.ID); ok && snap.IsExhausted {
		return false
	}
	return true
}

// AcquireForSession returns the account bound to sessionID, rebinding when
// the binding expired or its account became unavailable. An empty sessionID
// selects without stickiness.
func (r *Registry) AcquireForSession(sessionID string) (*Account, error) {
	if sessionID != "" {
		r.mu.Lock()
		if b, ok := r.sessions[sessionID]; ok {
			if time.Since(b.boundAt) <= sessionTTL {
				if a := r.findLocked(b.accountID); a != nil && r.Available(a) {
					b.boundAt = time.Now()
					r.mu.Unlock()
					return a, nil
				}
			}
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
	}

	a := r.selector.Select(r.All(), r.Available)
	if a == nil {
		return nil, ErrNoAccounts
	}
	if sessionID != "" {
		r.mu.Lock()
		r.sessions[sessionID] = &sessionBinding{accountID: a.ID, boundAt: time.Now()}
		r.mu.Unlock()
	}
	return a, nil
}

func (r *Registry) findLocked(id string) *Account {
	for _, a := range r.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// MarkUsed records a served request on the account and marks it active for
// the scheduler.
func (r *Registry) MarkUsed(a *Account) {
	a.MarkUsed()
	r.mu.RLock()
	marker := r.marker
	r.mu.RUnlock()
	if marker != nil {
		marker.MarkActive(a.ID)
	}
}

// MarkQuotaExceeded handles an upstream quota rejection. With the limiter
// enabled the account goes on cooldown; otherwise only the error counter
// moves.
func (r *Registry) MarkQuotaExceeded(a *Account, reason string) {
	a.MarkError()
	if r.limiter.Enabled() {
		r.cooldowns.Set(a.ID, reason, r.limiter.QuotaCooldown())
		a.SetStatus(StatusCooldown)
	}
}

// NextAvailable returns the available account with the fewest requests,
// excluding excludeID. Used for failover after a quota rejection.
func (r *Registry) NextAvailable(excludeID string) *Account {
	var best *Account
	for _, a := range r.All() {
		if a.ID == excludeID || !r.Available(a) {
			continue
		}
		if best == nil || a.Requests() < best.Requests() {
			best = a
		}
	}
	return best
}

// PruneSessions drops expired session bindings.
func (r *Registry) PruneSessions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, b := range r.sessions {
		if time.Since(b.boundAt) > sessionTTL {
			delete(r.sessions, sid)
		}
	}
}

// SessionCount returns the number of live session bindings.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DeriveSessionID derives a stable session id from the first user message
// so the same conversation keeps hitting the same account. Falls back to a
// random UUID for empty input.
func DeriveSessionID(firstUserMessage string) string {
	if firstUserMessage == "" {
		return uuid.New().String()
	}
	sum := sha256.Sum256([]byte(firstUserMessage))
	return hex.EncodeToString(sum[:16])
}

// Stats aggregates the pool for the admin view.
type Stats struct {
	TotalAccounts     int   `json:"total_accounts"`
	EnabledAccounts   int   `json:"enabled_accounts"`
	AvailableAccounts int   `json:"available_accounts"`
	TotalRequests     int   `json:"total_requests"`
	TotalErrors       int   `json:"total_errors"`
	ActiveSessions    int   `json:"active_sessions"`
	CooldownAccounts  int   `json:"cooldown_accounts"`
}

// Stats computes pool-wide counters.
func (r *Registry) Stats() Stats {
	accounts := r.All()
	s := Stats{TotalAccounts: len(accounts), ActiveSessions: r.SessionCount()}
	for _, a := range accounts {
		if a.IsEnabled() {
			s.EnabledAccounts++
		}
		if r.Available(a) {
			s.AvailableAccounts++
		}
		if r.cooldowns.IsCoolingDown(a.ID) {
			s.CooldownAccounts++
		}
		s.TotalRequests += a.Requests()
		s.TotalErrors += a.Errors()
	}
	return s
}

// AccountSummary is one account's row in the admin view.
type AccountSummary struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Enabled           bool            `json:"enabled"`
	Status            Status          `json:"status"`
	Available         bool            `json:"available"`
	RequestCount      int             `json:"request_count"`
	ErrorCount        int             `json:"error_count"`
	CooldownRemaining float64         `json:"cooldown_remaining"`
	TokenExpired      bool            `json:"token_expired"`
	AuthMethod        string          `json:"auth_method,omitempty"`
	HasRefreshToken   bool            `json:"has_refresh_token"`
	PriorityOrder     int             `json:"priority_order,omitempty"`
	LastUsed          float64         `json:"last_used,omitempty"`
	Quota             *quota.Snapshot `json:"quota,omitempty"`
}

// Summaries builds the admin rows for every account.
func (r *Registry) Summaries() []AccountSummary {
	accounts := r.All()
	out := make([]AccountSummary, 0, len(accounts))
	for _, a := range accounts {
		row := AccountSummary{
			ID:                a.ID,
			Name:              a.Name,
			Enabled:           a.IsEnabled(),
			Status:            a.CurrentStatus(),
			Available:         r.Available(a),
			RequestCount:      a.Requests(),
			ErrorCount:        a.Errors(),
			CooldownRemaining: r.cooldowns.Remaining(a.ID).Seconds(),
			TokenExpired:      a.TokenExpired(),
			PriorityOrder:     r.selector.PriorityOrder(a.ID),
			LastUsed:          a.LastUsedAt(),
		}
		if creds := a.Credentials(); creds != nil {
			row.AuthMethod = creds.AuthMethod
			row.HasRefreshToken = creds.RefreshToken != ""
		}
		if snap, ok := r.cache.Get(a.ID); ok {
			row.Quota = &snap
		}
		out = append(out, row)
	}
	return out
}
