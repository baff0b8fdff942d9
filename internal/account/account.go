// Package account holds the account pool: the Account itself, the Registry
// that owns the pool and session stickiness, and the Selector that picks an
// account per request.
package account

import (
	"sync"
	"time"

	"github.com/kiroflow/kiro-proxy-go/internal/auth"
)

// Status of an account's credential health.
type Status string

const (
	StatusActive    Status = "active"
	StatusDisabled  Status = "disabled"
	StatusUnhealthy Status = "unhealthy"
	StatusSuspended Status = "suspended"
	StatusCooldown  Status = "cooldown"
	StatusUnknown   Status = "unknown"
)

// Account is one upstream credential. Mutable fields are guarded by the
// account's own mutex; use the accessor methods. The struct is never
// marshaled directly, persistence goes through persisted().
type Account struct {
	mu sync.Mutex

	ID           string
	Name         string
	TokenPath    string
	Enabled      bool
	RequestCount int
	ErrorCount   int
	LastUsed     float64
	Status       Status

	creds     *auth.Credentials
	machineID string
}

// persistedAccount is one row of accounts.json.
type persistedAccount struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	TokenPath    string  `json:"token_path"`
	Enabled      bool    `json:"enabled"`
	RequestCount int     `json:"request_count"`
	ErrorCount   int     `json:"error_count"`
	LastUsed     float64 `json:"last_used,omitempty"`
	Status       Status  `json:"status"`
}

// persisted copies the account into its on-disk shape under the mutex, so
// concurrent writers never race the marshaler.
func (a *Account) persisted() persistedAccount {
	a.mu.Lock()
	defer a.mu.Unlock()
	return persistedAccount{
		ID:           a.ID,
		Name:         a.Name,
		TokenPath:    a.TokenPath,
		Enabled:      a.Enabled,
		RequestCount: a.RequestCount,
		ErrorCount:   a.ErrorCount,
		LastUsed:     a.LastUsed,
		Status:       a.Status,
	}
}

func (rec persistedAccount) restore() *Account {
	return &Account{
		ID:           rec.ID,
		Name:         rec.Name,
		TokenPath:    rec.TokenPath,
		Enabled:      rec.Enabled,
		RequestCount: rec.RequestCount,
		ErrorCount:   rec.ErrorCount,
		LastUsed:     rec.LastUsed,
		Status:       rec.Status,
	}
}

// Credentials returns the cached credentials, loading them from the token
// file on first use. Returns nil when the file cannot be read.
func (a *Account) Credentials() *auth.Credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds == nil {
		creds, err := auth.LoadCredentials(a.TokenPath)
		if err != nil {
			return nil
		}
		a.creds = creds
	}
	return a.creds
}

// ReloadCredentials re-reads the token file, replacing the cache.
func (a *Account) ReloadCredentials() (*auth.Credentials, error) {
	creds, err := auth.LoadCredentials(a.TokenPath)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.creds = creds
	a.mu.Unlock()
	return creds, nil
}

// SetCredentials replaces the cached credentials and persists them to the
// token file.
func (a *Account) SetCredentials(creds *auth.Credentials) error {
	a.mu.Lock()
	a.creds = creds
	a.mu.Unlock()
	return creds.Save(a.TokenPath)
}

// AccessToken returns the current access token, empty when unavailable.
func (a *Account) AccessToken() string {
	if creds := a.Credentials(); creds != nil {
		return creds.AccessToken
	}
	return ""
}

// MachineID returns the stable machine id presented upstream for this
// account.
func (a *Account) MachineID() string {
	creds := a.Credentials()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.machineID == "" {
		if creds != nil {
			a.machineID = auth.MachineID(creds.ProfileArn, creds.ClientID)
		} else {
			a.machineID = auth.MachineID("", "")
		}
	}
	return a.machineID
}

// TokenExpired reports whether the access token is missing or expired.
func (a *Account) TokenExpired() bool {
	creds := a.Credentials()
	return creds == nil || creds.IsExpired()
}

// TokenExpiringWithin reports whether the token expires inside d.
func (a *Account) TokenExpiringWithin(d time.Duration) bool {
	creds := a.Credentials()
	return creds != nil && creds.ExpiresWithin(d)
}

// SetStatus updates the health status.
func (a *Account) SetStatus(s Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Status = s
}

// CurrentStatus returns the health status.
func (a *Account) CurrentStatus() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Status
}

// IsEnabled returns the enabled flag.
func (a *Account) IsEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Enabled
}

func (a *Account) setEnabled(enabled bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Enabled == enabled {
		return false
	}
	a.Enabled = enabled
	return true
}

// MarkUsed bumps the request counter and the last-used timestamp.
func (a *Account) MarkUsed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.RequestCount++
	a.LastUsed = float64(time.Now().UnixNano()) / 1e9
}

// MarkError bumps the error counter.
func (a *Account) MarkError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ErrorCount++
}

// Requests returns the request counter.
func (a *Account) Requests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.RequestCount
}

// Errors returns the error counter.
func (a *Account) Errors() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ErrorCount
}

// LastUsedAt returns the unix timestamp of the last served request, zero
// when the account was never used.
func (a *Account) LastUsedAt() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.LastUsed
}
