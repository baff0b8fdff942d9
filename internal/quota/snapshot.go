// Package quota tracks per-account usage balances: cached snapshots with
// atomic file persistence, cooldown bookkeeping, the usage endpoint client
// and the background refresh scheduler.
package quota

import (
	"math"
	"time"
)

// Balance status values derived from balance and limit.
const (
	BalanceNormal    = "normal"
	BalanceLow       = "low"
	BalanceExhausted = "exhausted"
)

// lowBalanceThreshold is the remaining fraction at or below which an
// account counts as low balance.
const lowBalanceThreshold = 0.20

// UsageInfo is what the usage endpoint reports for one account.
type UsageInfo struct {
	SubscriptionTitle string  `json:"subscriptionTitle"`
	UsageLimit        float64 `json:"usageLimit"`
	CurrentUsage      float64 `json:"currentUsage"`
	FreeTrialLimit    float64 `json:"freeTrialLimit"`
	FreeTrialUsage    float64 `json:"freeTrialUsage"`
	BonusLimit        float64 `json:"bonusLimit"`
	BonusUsage        float64 `json:"bonusUsage"`
}

// Balance is the remaining quota.
func (u UsageInfo) Balance() float64 {
	return u.UsageLimit - u.CurrentUsage
}

// Snapshot is one cached quota observation for an account.
type Snapshot struct {
	AccountID         string  `json:"-"`
	UsageLimit        float64 `json:"usage_limit"`
	CurrentUsage      float64 `json:"current_usage"`
	Balance           float64 `json:"balance"`
	UsagePercent      float64 `json:"usage_percent"`
	BalanceStatus     string  `json:"balance_status"`
	IsLowBalance      bool    `json:"is_low_balance"`
	IsExhausted       bool    `json:"is_exhausted"`
	SubscriptionTitle string  `json:"subscription_title"`
	FreeTrialLimit    float64 `json:"free_trial_limit"`
	FreeTrialUsage    float64 `json:"free_trial_usage"`
	BonusLimit        float64 `json:"bonus_limit"`
	BonusUsage        float64 `json:"bonus_usage"`
	UpdatedAt         float64 `json:"updated_at"`
	Error             string  `json:"error,omitempty"`
}

// NewSnapshot builds a snapshot from a successful usage fetch.
func NewSnapshot(accountID string, info UsageInfo) Snapshot {
	percent := 0.0
	if info.UsageLimit > 0 {
		percent = math.Round(info.CurrentUsage/info.UsageLimit*10000) / 100
	}
	s := Snapshot{
		AccountID:         accountID,
		UsageLimit:        info.UsageLimit,
		CurrentUsage:      info.CurrentUsage,
		Balance:           info.Balance(),
		UsagePercent:      percent,
		BalanceStatus:     BalanceNormal,
		SubscriptionTitle: info.SubscriptionTitle,
		FreeTrialLimit:    info.FreeTrialLimit,
		FreeTrialUsage:    info.FreeTrialUsage,
		BonusLimit:        info.BonusLimit,
		BonusUsage:        info.BonusUsage,
		UpdatedAt:         float64(time.Now().UnixNano()) / 1e9,
	}
	s.reclassify()
	return s
}

// NewErrorSnapshot records a failed usage fetch. Balance fields stay zero
// and the status is left untouched.
func NewErrorSnapshot(accountID, errText string) Snapshot {
	return Snapshot{
		AccountID:     accountID,
		BalanceStatus: BalanceNormal,
		UpdatedAt:     float64(time.Now().UnixNano()) / 1e9,
		Error:         errText,
	}
}

// reclassify recomputes balance status. Error snapshots keep whatever
// status they carried, since the balance fields are meaningless.
func (s *Snapshot) reclassify() {
	if s.Error != "" {
		return
	}
	switch {
	case s.Balance <= 0:
		s.BalanceStatus = BalanceExhausted
		s.IsExhausted = true
		s.IsLowBalance = false
	case s.UsageLimit > 0 && s.Balance/s.UsageLimit <= lowBalanceThreshold:
		s.BalanceStatus = BalanceLow
		s.IsLowBalance = true
		s.IsExhausted = false
	default:
		s.BalanceStatus = BalanceNormal
		s.IsLowBalance = false
		s.IsExhausted = false
	}
}

// HasError reports whether this snapshot records a fetch failure.
func (s *Snapshot) HasError() bool { return s.Error != "" }

// Usable reports whether the quota allows serving (no error, not exhausted).
func (s *Snapshot) Usable() bool { return !s.IsExhausted && !s.HasError() }

// Age returns how long ago the snapshot was taken.
func (s *Snapshot) Age() time.Duration {
	if s.UpdatedAt <= 0 {
		return time.Duration(math.MaxInt64)
	}
	sec, frac := math.Modf(s.UpdatedAt)
	return time.Since(time.Unix(int64(sec), int64(frac*1e9)))
}
