package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/kiroflow/kiro-proxy-go/internal/account"
	"github.com/kiroflow/kiro-proxy-go/internal/auth"
	"github.com/kiroflow/kiro-proxy-go/internal/config"
	"github.com/kiroflow/kiro-proxy-go/internal/quota"
)

// Progress is a snapshot of a running or finished batch refresh.
type Progress struct {
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	Success        int     `json:"success"`
	Failed         int     `json:"failed"`
	CurrentAccount string  `json:"current_account,omitempty"`
	Status         string  `json:"status"`
	StartedAt      float64 `json:"started_at"`
	Message        string  `json:"message,omitempty"`
	Percent        float64 `json:"progress_percent"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// BatchOptions filters which accounts a batch refresh touches.
type BatchOptions struct {
	SkipDisabled bool
	SkipError    bool
}

// Manager drives token refreshes for the account pool.
type Manager struct {
	registry  *account.Registry
	refresher auth.TokenRefresher
	fetcher   quota.UsageFetcher
	cache     *quota.Cache
	logger    zerolog.Logger

	mu       sync.Mutex
	settings config.RefreshSettings
	progress *Progress

	lock chan struct{}

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
	autoWG     sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager builds a refresh manager.
func NewManager(registry *account.Registry, refresher auth.TokenRefresher, fetcher quota.UsageFetcher, cache *quota.Cache, settings config.RefreshSettings, logger zerolog.Logger) *Manager {
	return &Manager{
		registry:  registry,
		refresher: refresher,
		fetcher:   fetcher,
		cache:     cache,
		settings:  settings,
		logger:    logger.With().Str("component", "refresh").Logger(),
		lock:      make(chan struct{}, 1),
		sleep:     sleepCtx,
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

// Settings returns the current refresh settings.
func (m *Manager) Settings() config.RefreshSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// UpdateSettings validates and installs new settings.
func (m *Manager) UpdateSettings(s config.RefreshSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
	return nil
}

// TryAcquireLock takes the global refresh lock without blocking.
func (m *Manager) TryAcquireLock() bool {
	select {
	case m.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

// ReleaseLock frees the global refresh lock. Releasing an unheld lock is a
// no-op.
func (m *Manager) ReleaseLock() {
	select {
	case <-m.lock:
	default:
	}
}

// ShouldRefresh reports whether the account's token needs refreshing now:
// missing credentials, already expired, or expiring inside the configured
// window.
func (m *Manager) ShouldRefresh(a *account.Account) bool {
	creds := a.Credentials()
	if creds == nil || creds.AccessToken == "" {
		return true
	}
	if creds.IsExpired() {
		return true
	}
	return creds.ExpiresWithin(m.Settings().RefreshBeforeExpiry())
}

// RefreshAccountToken refreshes one account's token. Success persists the
// new credentials and marks the account active; failure marks it unhealthy.
func (m *Manager) RefreshAccountToken(ctx context.Context, a *account.Account) error {
	creds := a.Credentials()
	if creds == nil {
		a.SetStatus(account.StatusUnhealthy)
		return fmt.Errorf("cannot load credentials for %s", a.ID)
	}

	updated, err := m.refresher.Refresh(ctx, creds)
	if err != nil {
		a.SetStatus(account.StatusUnhealthy)
		a.MarkError()
		m.logger.Warn().Err(err).Str("account", a.ID).Msg("token refresh failed")
		return err
	}

	if err := a.SetCredentials(updated); err != nil {
		m.logger.Warn().Err(err).Str("account", a.ID).Msg("failed to persist refreshed credentials")
	}
	a.SetStatus(account.StatusActive)
	m.logger.Info().Str("account", a.ID).Msg("token refreshed")
	return nil
}

// RefreshTokenIfNeeded refreshes only when ShouldRefresh says so.
func (m *Manager) RefreshTokenIfNeeded(ctx context.Context, a *account.Account) error {
	if !m.ShouldRefresh(a) {
		return nil
	}
	return m.RefreshAccountToken(ctx, a)
}

// RefreshAccountWithQuota refreshes the token when needed, then fetches
// usage and writes the snapshot.
func (m *Manager) RefreshAccountWithQuota(ctx context.Context, a *account.Account) error {
	if err := m.RefreshTokenIfNeeded(ctx, a); err != nil {
		return err
	}
	info, err := m.fetcher.FetchUsage(ctx, a.AccessToken(), a.MachineID())
	if err != nil {
		m.cache.Set(quota.NewErrorSnapshot(a.ID, err.Error()))
		return err
	}
	m.cache.Set(quota.NewSnapshot(a.ID, info))
	return nil
}

// RetryWithBackoff runs op up to maxRetries+1 times. The wait after a
// failed attempt i is base×3×2^i for rate-limit errors, base×2^i otherwise.
func (m *Manager) RetryWithBackoff(ctx context.Context, op func(ctx context.Context) error) error {
	settings := m.Settings()
	base := settings.RetryBaseDelay()

	var lastErr error
	for attempt := 0; attempt <= settings.MaxRetries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == settings.MaxRetries {
			break
		}

		delay := base * time.Duration(1<<attempt)
		if IsRateLimitError(lastErr) {
			delay = base * 3 * time.Duration(1<<attempt)
		}
		m.logger.Debug().Err(lastErr).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying after failure")
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// Progress returns the latest batch refresh progress, nil when none ran.
func (m *Manager) Progress() *Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotProgressLocked()
}

func (m *Manager) snapshotProgressLocked() *Progress {
	if m.progress == nil {
		return nil
	}
	p := *m.progress
	if p.Total > 0 {
		p.Percent = float64(p.Completed) / float64(p.Total) * 100
	}
	p.ElapsedSeconds = float64(time.Now().UnixNano())/1e9 - p.StartedAt
	return &p
}

// RefreshAll refreshes every account passing the filters, bounded by the
// configured concurrency. When a batch is already running it returns the
// current progress together with ErrRefreshInProgress.
func (m *Manager) RefreshAll(ctx context.Context, opts BatchOptions) (*Progress, error) {
	if !m.TryAcquireLock() {
		return m.Progress(), ErrRefreshInProgress
	}
	defer m.ReleaseLock()
	return m.refreshAllHeld(ctx, opts), nil
}

// StartBatch claims the batch lock synchronously and runs the refresh in
// the background, so callers learn about contention before it starts.
func (m *Manager) StartBatch(ctx context.Context, opts BatchOptions) error {
	if !m.TryAcquireLock() {
		return ErrRefreshInProgress
	}
	go func() {
		defer m.ReleaseLock()
		m.refreshAllHeld(ctx, opts)
	}()
	return nil
}

// refreshAllHeld does the batch work; the caller holds the lock.
func (m *Manager) refreshAllHeld(ctx context.Context, opts BatchOptions) *Progress {
	var targets []*account.Account
	for _, a := range m.registry.All() {
		if opts.SkipDisabled && !a.IsEnabled() {
			continue
		}
		if opts.SkipError {
			switch a.CurrentStatus() {
			case account.StatusUnhealthy, account.StatusSuspended:
				continue
			}
		}
		targets = append(targets, a)
	}

	m.mu.Lock()
	m.progress = &Progress{
		Total:     len(targets),
		Status:    "running",
		StartedAt: float64(time.Now().UnixNano()) / 1e9,
		Message:   "refresh started",
	}
	concurrency := int64(m.settings.Concurrency)
	m.mu.Unlock()

	sem := semaphore.NewWeighted(concurrency)
	var wg sync.WaitGroup
	for _, a := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(a *account.Account) {
			defer wg.Done()
			defer sem.Release(1)

			m.updateProgress(func(p *Progress) { p.CurrentAccount = a.Name })
			err := m.RetryWithBackoff(ctx, func(ctx context.Context) error {
				return m.RefreshAccountWithQuota(ctx, a)
			})
			m.updateProgress(func(p *Progress) {
				p.Completed++
				if err != nil {
					p.Failed++
				} else {
					p.Success++
				}
			})
		}(a)
	}
	wg.Wait()

	if err := m.cache.Save(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to save quota cache after batch refresh")
	}

	m.mu.Lock()
	m.progress.Status = "completed"
	m.progress.CurrentAccount = ""
	m.progress.Message = fmt.Sprintf("refreshed %d accounts: %d ok, %d failed",
		m.progress.Total, m.progress.Success, m.progress.Failed)
	p := m.snapshotProgressLocked()
	m.mu.Unlock()

	m.logger.Info().Int("total", p.Total).Int("failed", p.Failed).Msg("batch refresh finished")
	return p
}

func (m *Manager) updateProgress(fn func(*Progress)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.progress != nil {
		fn(m.progress)
	}
}

// StartAutoRefresh launches the periodic token refresh loop. A previous
// loop is stopped first, so at most one runs.
func (m *Manager) StartAutoRefresh(ctx context.Context) {
	m.StopAutoRefresh()

	ctx, cancel := context.WithCancel(ctx)
	m.autoMu.Lock()
	m.autoCancel = cancel
	m.autoMu.Unlock()

	m.autoWG.Add(1)
	go func() {
		defer m.autoWG.Done()
		ticker := time.NewTicker(m.Settings().AutoInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.autoRefreshPass(ctx)
			}
		}
	}()
	m.logger.Info().Dur("interval", m.Settings().AutoInterval()).Msg("auto refresh started")
}

// autoRefreshPass walks accounts serially; one account failing never stops
// the pass.
func (m *Manager) autoRefreshPass(ctx context.Context) {
	for _, a := range m.registry.All() {
		if ctx.Err() != nil {
			return
		}
		if !a.IsEnabled() {
			continue
		}
		switch a.CurrentStatus() {
		case account.StatusDisabled, account.StatusUnhealthy, account.StatusSuspended:
			continue
		}
		if !m.ShouldRefresh(a) {
			continue
		}
		if err := m.RefreshAccountToken(ctx, a); err != nil {
			m.logger.Warn().Err(err).Str("account", a.ID).Msg("auto refresh failed")
		}
	}
}

// StopAutoRefresh cancels the loop and waits for it to exit.
func (m *Manager) StopAutoRefresh() {
	m.autoMu.Lock()
	cancel := m.autoCancel
	m.autoCancel = nil
	m.autoMu.Unlock()
	if cancel != nil {
		cancel()
		m.autoWG.Wait()
	}
}

// ExecuteWithAuthRetry runs op; when it fails with an auth error the token
// is refreshed once and op replayed once. A failed refresh propagates its
// own error.
func (m *Manager) ExecuteWithAuthRetry(ctx context.Context, a *account.Account, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil || !IsAuthError(err) {
		return err
	}

	m.logger.Info().Str("account", a.ID).Msg("auth error, refreshing token and retrying")
	if rerr := m.RefreshAccountToken(ctx, a); rerr != nil {
		return fmt.Errorf("%w: %v", ErrTokenRefresh, rerr)
	}
	return op(ctx)
}
