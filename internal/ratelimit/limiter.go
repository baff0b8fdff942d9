// Package ratelimit implements the per-account and global sliding-window
// request limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiroflow/kiro-proxy-go/internal/config"
)

const window = time.Minute

// Limiter admits requests under a per-account window, a global window and a
// minimum spacing between consecutive requests of the same account. When
// disabled, Acquire is a no-op and quota cooldowns are not applied either.
type Limiter struct {
	mu       sync.Mutex
	settings config.RateLimitSettings
	perAcct  map[string][]time.Time
	global   []time.Time
	lastReq  map[string]time.Time
	logger   zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter builds a limiter with the given settings.
func NewLimiter(settings config.RateLimitSettings, logger zerolog.Logger) *Limiter {
	return &Limiter{
		settings: settings,
		perAcct:  make(map[string][]time.Time),
		lastReq:  make(map[string]time.Time),
		logger:   logger.With().Str("component", "ratelimit").Logger(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Settings returns the current settings.
func (l *Limiter) Settings() config.RateLimitSettings {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings
}

// UpdateSettings replaces the settings at runtime.
func (l *Limiter) UpdateSettings(s config.RateLimitSettings) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settings = s
}

// Enabled reports whether limiting (and cooldown bookkeeping) is on.
func (l *Limiter) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings.Enabled
}

// QuotaCooldown returns the configured cooldown after a quota rejection.
func (l *Limiter) QuotaCooldown() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings.QuotaCooldown()
}

// Acquire blocks until the account may send a request, or the context is
// cancelled. Admission order: account window, global window, then the
// minimum request interval.
func (l *Limiter) Acquire(ctx context.Context, accountID string) error {
	for {
		wait, ok := l.tryAdmit(accountID)
		if ok {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAdmit either records the request and returns ok, or returns how long
// to wait before the next attempt.
func (l *Limiter) tryAdmit(accountID string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.settings.Enabled {
		return 0, true
	}

	now := l.now()
	cutoff := now.Add(-window)
	acct := prune(l.perAcct[accountID], cutoff)
	l.perAcct[accountID] = acct
	l.global = prune(l.global, cutoff)

	if max := l.settings.MaxRequestsPerMinute; max > 0 && len(acct) >= max {
		return acct[0].Add(window).Sub(now), false
	}
	if max := l.settings.GlobalMaxRequestsPerMinute; max > 0 && len(l.global) >= max {
		return l.global[0].Add(window).Sub(now), false
	}
	if min := l.settings.MinRequestInterval(); min > 0 {
		if last, ok := l.lastReq[accountID]; ok {
			if since := now.Sub(last); since < min {
				return min - since, false
			}
		}
	}

	l.perAcct[accountID] = append(acct, now)
	l.global = append(l.global, now)
	l.lastReq[accountID] = now
	return 0, true
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

// WindowCounts reports current in-window request counts for the admin view.
func (l *Limiter) WindowCounts() (perAccount map[string]int, global int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	perAccount = make(map[string]int, len(l.perAcct))
	for id, times := range l.perAcct {
		pruned := prune(times, cutoff)
		l.perAcct[id] = pruned
		if len(pruned) > 0 {
			perAccount[id] = len(pruned)
		}
	}
	l.global = prune(l.global, cutoff)
	return perAccount, len(l.global)
}
