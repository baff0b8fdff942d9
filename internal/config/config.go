// Package config holds the runtime configuration: a JSON file under the
// data directory with environment overrides applied on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/kiroflow/kiro-proxy-go/internal/util"
)

// RefreshSettings controls token refresh behavior.
type RefreshSettings struct {
	MaxRetries               int     `json:"max_retries"`
	RetryBaseDelaySeconds    float64 `json:"retry_base_delay"`
	Concurrency              int     `json:"concurrency"`
	TokenRefreshBeforeExpiry int     `json:"token_refresh_before_expiry"`
	AutoRefreshInterval      int     `json:"auto_refresh_interval"`
}

// Validate checks the settings an admin may have written at runtime.
func (r RefreshSettings) Validate() error {
	if r.MaxRetries < 0 || r.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be in [0, 10], got %d", r.MaxRetries)
	}
	if r.RetryBaseDelaySeconds <= 0 {
		return fmt.Errorf("retry_base_delay must be positive, got %g", r.RetryBaseDelaySeconds)
	}
	if r.Concurrency < 1 || r.Concurrency > 20 {
		return fmt.Errorf("concurrency must be in [1, 20], got %d", r.Concurrency)
	}
	if r.TokenRefreshBeforeExpiry < 0 {
		return fmt.Errorf("token_refresh_before_expiry must be non-negative, got %d", r.TokenRefreshBeforeExpiry)
	}
	if r.AutoRefreshInterval < 10 {
		return fmt.Errorf("auto_refresh_interval must be at least 10 seconds, got %d", r.AutoRefreshInterval)
	}
	return nil
}

// RetryBaseDelay returns the base backoff delay as a duration.
func (r RefreshSettings) RetryBaseDelay() time.Duration {
	return time.Duration(r.RetryBaseDelaySeconds * float64(time.Second))
}

// RefreshBeforeExpiry returns the pre-expiry refresh window as a duration.
func (r RefreshSettings) RefreshBeforeExpiry() time.Duration {
	return time.Duration(r.TokenRefreshBeforeExpiry) * time.Second
}

// AutoInterval returns the auto-refresh tick interval as a duration.
func (r RefreshSettings) AutoInterval() time.Duration {
	return time.Duration(r.AutoRefreshInterval) * time.Second
}

// RateLimitSettings controls the request limiter and cooldown bookkeeping.
type RateLimitSettings struct {
	Enabled                    bool    `json:"enabled"`
	MinRequestIntervalSeconds  float64 `json:"min_request_interval"`
	MaxRequestsPerMinute       int     `json:"max_requests_per_minute"`
	GlobalMaxRequestsPerMinute int     `json:"global_max_requests_per_minute"`
	QuotaCooldownSeconds       int     `json:"quota_cooldown_seconds"`
}

// MinRequestInterval returns the per-account spacing as a duration.
func (r RateLimitSettings) MinRequestInterval() time.Duration {
	return time.Duration(r.MinRequestIntervalSeconds * float64(time.Second))
}

// QuotaCooldown returns the cooldown applied after a quota rejection.
func (r RateLimitSettings) QuotaCooldown() time.Duration {
	return time.Duration(r.QuotaCooldownSeconds) * time.Second
}

// SchedulerSettings controls the background quota scheduler.
type SchedulerSettings struct {
	UpdateIntervalSeconds int `json:"update_interval"`
	ActiveWindowSeconds   int `json:"active_window"`
	CacheMaxAgeSeconds    int `json:"cache_max_age"`
}

// UpdateInterval returns the periodic refresh interval as a duration.
func (s SchedulerSettings) UpdateInterval() time.Duration {
	return time.Duration(s.UpdateIntervalSeconds) * time.Second
}

// ActiveWindow returns how long an account counts as recently active.
func (s SchedulerSettings) ActiveWindow() time.Duration {
	return time.Duration(s.ActiveWindowSeconds) * time.Second
}

// CacheMaxAge returns the staleness bound for cached quota snapshots.
func (s SchedulerSettings) CacheMaxAge() time.Duration {
	return time.Duration(s.CacheMaxAgeSeconds) * time.Second
}

// HistorySettings controls history compression.
type HistorySettings struct {
	MaxRetries                int  `json:"max_retries"`
	AddWarningHeader          bool `json:"add_warning_header"`
	SummaryCacheEnabled       bool `json:"summary_cache_enabled"`
	SummaryCacheMaxAgeSeconds int  `json:"summary_cache_max_age_seconds"`
}

// SummaryCacheMaxAge returns the summary cache TTL as a duration.
func (h HistorySettings) SummaryCacheMaxAge() time.Duration {
	return time.Duration(h.SummaryCacheMaxAgeSeconds) * time.Second
}

// Config is the full runtime configuration.
type Config struct {
	mu sync.RWMutex

	Host            string `json:"host"`
	Port            int    `json:"port"`
	LogLevel        string `json:"log_level"`
	DataDir         string `json:"data_dir"`
	UpstreamBaseURL string `json:"upstream_base_url"`

	Refresh   RefreshSettings   `json:"refresh"`
	RateLimit RateLimitSettings `json:"rate_limit"`
	Scheduler SchedulerSettings `json:"scheduler"`
	History   HistorySettings   `json:"history"`

	path string
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Host:            "127.0.0.1",
		Port:            8080,
		LogLevel:        "info",
		DataDir:         filepath.Join(home, ".kiro-proxy"),
		UpstreamBaseURL: "https://codewhisperer.us-east-1.amazonaws.com",
		Refresh: RefreshSettings{
			MaxRetries:               3,
			RetryBaseDelaySeconds:    1.0,
			Concurrency:              3,
			TokenRefreshBeforeExpiry: 300,
			AutoRefreshInterval:      60,
		},
		RateLimit: RateLimitSettings{
			Enabled:                    false,
			MinRequestIntervalSeconds:  0.5,
			MaxRequestsPerMinute:       60,
			GlobalMaxRequestsPerMinute: 120,
			QuotaCooldownSeconds:       30,
		},
		Scheduler: SchedulerSettings{
			UpdateIntervalSeconds: 60,
			ActiveWindowSeconds:   60,
			CacheMaxAgeSeconds:    300,
		},
		History: HistorySettings{
			MaxRetries:                3,
			AddWarningHeader:          true,
			SummaryCacheEnabled:       true,
			SummaryCacheMaxAgeSeconds: 300,
		},
	}
}

// Load reads the config file at path (creating defaults when absent) and
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	if util.FileExists(path) {
		if err := util.ReadJSON(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KIRO_PROXY_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("KIRO_PROXY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("KIRO_PROXY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KIRO_PROXY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KIRO_PROXY_UPSTREAM_URL"); v != "" {
		c.UpstreamBaseURL = v
	}
}

// Save writes the config file atomically.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return nil
	}
	return util.WriteJSONAtomic(c.path, c)
}

// Update applies a partial update expressed as a JSON object, then persists.
func (c *Config) Update(patch map[string]interface{}) error {
	c.mu.Lock()
	data, err := json.Marshal(patch)
	if err == nil {
		err = json.Unmarshal(data, c)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Save()
}

// Addr returns the host:port the server binds.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TokenDir is where login flows drop credential files.
func (c *Config) TokenDir() string { return filepath.Join(c.DataDir, "tokens") }

// AccountsFile is the persisted account pool.
func (c *Config) AccountsFile() string { return filepath.Join(c.DataDir, "accounts.json") }

// QuotaCacheFile is the persisted quota snapshot cache.
func (c *Config) QuotaCacheFile() string { return filepath.Join(c.DataDir, "quota_cache.json") }

// PriorityFile is the persisted selector priority list and strategy.
func (c *Config) PriorityFile() string { return filepath.Join(c.DataDir, "priority.json") }

// StatsFile is the sqlite request-log database.
func (c *Config) StatsFile() string { return filepath.Join(c.DataDir, "stats.db") }
