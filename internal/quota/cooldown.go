package quota

import (
	"sync"
	"time"
)

// CooldownInfo describes one active cooldown for the admin view.
type CooldownInfo struct {
	AccountID string  `json:"account_id"`
	Reason    string  `json:"reason"`
	Remaining float64 `json:"remaining_seconds"`
}

// CooldownTable tracks temporary per-account cooldowns after quota
// rejections. Entries expire by wall clock; expired entries behave as
// absent.
type CooldownTable struct {
	mu      sync.Mutex
	entries map[string]cooldownEntry
}

type cooldownEntry struct {
	until  time.Time
	reason string
}

// NewCooldownTable returns an empty table.
func NewCooldownTable() *CooldownTable {
	return &CooldownTable{entries: make(map[string]cooldownEntry)}
}

// Set puts an account on cooldown for d, replacing any existing entry.
func (t *CooldownTable) Set(accountID, reason string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[accountID] = cooldownEntry{until: time.Now().Add(d), reason: reason}
}

// Clear removes an account's cooldown.
func (t *CooldownTable) Clear(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, accountID)
}

// Remaining returns how long the cooldown still has to run, zero if none.
func (t *CooldownTable) Remaining(accountID string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[accountID]
	if !ok {
		return 0
	}
	left := time.Until(e.until)
	if left <= 0 {
		delete(t.entries, accountID)
		return 0
	}
	return left
}

// IsCoolingDown reports whether the account currently has a live cooldown.
func (t *CooldownTable) IsCoolingDown(accountID string) bool {
	return t.Remaining(accountID) > 0
}

// Active lists live cooldowns.
func (t *CooldownTable) Active() []CooldownInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	out := make([]CooldownInfo, 0, len(t.entries))
	for id, e := range t.entries {
		left := e.until.Sub(now)
		if left <= 0 {
			delete(t.entries, id)
			continue
		}
		out = append(out, CooldownInfo{
			AccountID: id,
			Reason:    e.reason,
			Remaining: left.Seconds(),
		})
	}
	return out
}
