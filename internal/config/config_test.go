package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3, cfg.Refresh.MaxRetries)
	assert.Equal(t, 300, cfg.Refresh.TokenRefreshBeforeExpiry)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 60, cfg.Scheduler.UpdateIntervalSeconds)
	assert.True(t, cfg.History.SummaryCacheEnabled)
	assert.NoError(t, cfg.Refresh.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Port = 9090
	cfg.Refresh.MaxRetries = 5
	require.NoError(t, cfg.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, reloaded.Port)
	assert.Equal(t, 5, reloaded.Refresh.MaxRetries)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KIRO_PROXY_HOST", "0.0.0.0")
	t.Setenv("KIRO_PROXY_PORT", "3000")
	t.Setenv("KIRO_PROXY_UPSTREAM_URL", "https://example.test")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "https://example.test", cfg.UpstreamBaseURL)
	assert.Equal(t, "0.0.0.0:3000", cfg.Addr())
}

func TestUpdatePatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, cfg.Update(map[string]interface{}{
		"rate_limit": map[string]interface{}{"enabled": true},
	}))
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 8080, cfg.Port, "untouched fields keep their values")

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, reloaded.RateLimit.Enabled)
}

func TestRefreshSettingsValidate(t *testing.T) {
	valid := DefaultConfig().Refresh
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.MaxRetries = 11
	assert.Error(t, bad.Validate())

	bad = valid
	bad.RetryBaseDelaySeconds = 0
	assert.Error(t, bad.Validate())

	bad = valid
	bad.Concurrency = 0
	assert.Error(t, bad.Validate())

	bad = valid
	bad.AutoRefreshInterval = 5
	assert.Error(t, bad.Validate())
}

func TestDurationHelpers(t *testing.T) {
	r := RefreshSettings{RetryBaseDelaySeconds: 1.5, TokenRefreshBeforeExpiry: 300, AutoRefreshInterval: 60}
	assert.Equal(t, 1500*time.Millisecond, r.RetryBaseDelay())
	assert.Equal(t, 5*time.Minute, r.RefreshBeforeExpiry())
	assert.Equal(t, time.Minute, r.AutoInterval())

	rl := RateLimitSettings{MinRequestIntervalSeconds: 0.5, QuotaCooldownSeconds: 30}
	assert.Equal(t, 500*time.Millisecond, rl.MinRequestInterval())
	assert.Equal(t, 30*time.Second, rl.QuotaCooldown())
}

func TestPathHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/kiro-test"
	assert.Equal(t, "/tmp/kiro-test/tokens", cfg.TokenDir())
	assert.Equal(t, "/tmp/kiro-test/accounts.json", cfg.AccountsFile())
	assert.Equal(t, "/tmp/kiro-test/quota_cache.json", cfg.QuotaCacheFile())
	assert.Equal(t, "/tmp/kiro-test/priority.json", cfg.PriorityFile())
	assert.Equal(t, "/tmp/kiro-test/stats.db", cfg.StatsFile())
}
