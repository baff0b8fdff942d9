package quota

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiroflow/kiro-proxy-go/internal/config"
)

// Target is the scheduler's view of one account.
type Target struct {
	ID          string
	Enabled     bool
	AccessToken string
	MachineID   string
	CredErr     error
}

// Pool is what the scheduler needs from the account registry.
type Pool interface {
	// QuotaTargets lists every account, including disabled ones.
	QuotaTargets() []Target
	// SetEnabled flips an account's enabled flag; returns false when the
	// account is unknown or already in the requested state.
	SetEnabled(accountID string, enabled bool) bool
	// Persist saves the account pool to disk.
	Persist() error
}

// Scheduler keeps quota snapshots fresh: a startup fan-out over every
// account, then periodic refreshes of only the recently active ones. It
// also flips accounts off when their quota is exhausted and back on once
// balance reappears.
type Scheduler struct {
	cache    *Cache
	pool     Pool
	fetcher  UsageFetcher
	settings config.SchedulerSettings
	logger   zerolog.Logger

	mu           sync.Mutex
	active       map[string]time.Time
	autoDisabled map[string]bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      bool
}

// NewScheduler builds a stopped scheduler.
func NewScheduler(cache *Cache, pool Pool, fetcher UsageFetcher, settings config.SchedulerSettings, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cache:        cache,
		pool:         pool,
		fetcher:      fetcher,
		settings:     settings,
		logger:       logger.With().Str("component", "quota_scheduler").Logger(),
		active:       make(map[string]time.Time),
		autoDisabled: make(map[string]bool),
	}
}

// RefreshAccount fetches usage for one target and writes the snapshot,
// applying the auto enable/disable rule. Fetch failures produce error
// snapshots and do not toggle anything.
func (s *Scheduler) RefreshAccount(ctx context.Context, t Target) Snapshot {
	if t.CredErr != nil {
		snap := NewErrorSnapshot(t.ID, t.CredErr.Error())
		s.cache.Set(snap)
		return snap
	}

	info, err := s.fetcher.FetchUsage(ctx, t.AccessToken, t.MachineID)
	if err != nil {
		s.logger.Warn().Err(err).Str("account", t.ID).Msg("usage fetch failed")
		snap := NewErrorSnapshot(t.ID, err.Error())
		s.cache.Set(snap)
		return snap
	}

	snap := NewSnapshot(t.ID, info)
	s.cache.Set(snap)
	s.applyAutoToggle(t, snap)
	return snap
}

func (s *Scheduler) applyAutoToggle(t Target, snap Snapshot) {
	if snap.HasError() {
		return
	}
	switch {
	case snap.IsExhausted && t.Enabled:
		if s.pool.SetEnabled(t.ID, false) {
			s.mu.Lock()
			s.autoDisabled[t.ID] = true
			s.mu.Unlock()
			s.logger.Info().Str("account", t.ID).Msg("quota exhausted, account disabled")
		}
	case snap.Balance > 0 && !t.Enabled:
		s.mu.Lock()
		wasAuto := s.autoDisabled[t.ID]
		s.mu.Unlock()
		if wasAuto && s.pool.SetEnabled(t.ID, true) {
			s.mu.Lock()
			delete(s.autoDisabled, t.ID)
			s.mu.Unlock()
			s.logger.Info().Str("account", t.ID).Float64("balance", snap.Balance).Msg("balance restored, account re-enabled")
		}
	}
}

// RefreshAll fans out over every account concurrently, then persists the
// pool and the cache once.
func (s *Scheduler) RefreshAll(ctx context.Context) {
	targets := s.pool.QuotaTargets()
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			s.RefreshAccount(ctx, t)
		}(t)
	}
	wg.Wait()

	if err := s.pool.Persist(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist account pool")
	}
	if err := s.cache.Save(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to save quota cache")
	}
	s.logger.Debug().Int("accounts", len(targets)).Msg("quota refresh pass done")
}

// MarkActive records that the account just served a request.
func (s *Scheduler) MarkActive(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[accountID] = time.Now()
}

// IsActive reports whether the account was used within the active window.
func (s *Scheduler) IsActive(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.active[accountID]
	return ok && time.Since(last) <= s.settings.ActiveWindow()
}

// ActiveAccounts lists accounts used within the active window.
func (s *Scheduler) ActiveAccounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := s.settings.ActiveWindow()
	out := make([]string, 0, len(s.active))
	for id, last := range s.active {
		if time.Since(last) <= window {
			out = append(out, id)
		}
	}
	return out
}

// CleanupInactive drops activity marks older than twice the window.
func (s *Scheduler) CleanupInactive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := 2 * s.settings.ActiveWindow()
	for id, last := range s.active {
		if time.Since(last) > cutoff {
			delete(s.active, id)
		}
	}
}

// Start launches the startup fan-out and the periodic loop. Calling Start
// on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RefreshAll(ctx)

		ticker := time.NewTicker(s.settings.UpdateInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
	s.logger.Info().Dur("interval", s.settings.UpdateInterval()).Msg("quota scheduler started")
}

// tick refreshes only the accounts that served traffic recently.
func (s *Scheduler) tick(ctx context.Context) {
	s.CleanupInactive()

	activeIDs := s.ActiveAccounts()
	if len(activeIDs) == 0 {
		return
	}
	wanted := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		wanted[id] = true
	}

	var wg sync.WaitGroup
	for _, t := range s.pool.QuotaTargets() {
		if !wanted[t.ID] {
			continue
		}
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			s.RefreshAccount(ctx, t)
		}(t)
	}
	wg.Wait()

	if err := s.cache.Save(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to save quota cache")
	}
}

// Stop cancels the loop and waits for in-flight fetches.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("quota scheduler stopped")
}
