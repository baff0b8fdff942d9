package quota

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiroflow/kiro-proxy-go/internal/util"
)

// DefaultCacheMaxAge is the staleness bound used when none is configured.
const DefaultCacheMaxAge = 5 * time.Minute

// Cache is an in-memory quota snapshot store with JSON file persistence.
type Cache struct {
	mu     sync.RWMutex
	data   map[string]Snapshot
	path   string
	logger zerolog.Logger
}

type cacheFile struct {
	Version   string              `json:"version"`
	UpdatedAt string              `json:"updated_at"`
	Accounts  map[string]Snapshot `json:"accounts"`
}

// NewCache builds a cache backed by the given file and loads any existing
// contents. A missing or corrupt file yields an empty cache.
func NewCache(path string, logger zerolog.Logger) *Cache {
	c := &Cache{
		data:   make(map[string]Snapshot),
		path:   path,
		logger: logger.With().Str("component", "quota_cache").Logger(),
	}
	c.Load()
	return c
}

// Get returns the snapshot for an account.
func (c *Cache) Get(accountID string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.data[accountID]
	return s, ok
}

// Set stores a snapshot.
func (c *Cache) Set(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[s.AccountID] = s
}

// Remove drops an account's snapshot.
func (c *Cache) Remove(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, accountID)
}

// Clear drops all snapshots.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]Snapshot)
}

// All returns a copy of every snapshot keyed by account id.
func (c *Cache) All() map[string]Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Snapshot, len(c.data))
	for id, s := range c.data {
		out[id] = s
	}
	return out
}

// IsStale reports whether the snapshot is missing or older than maxAge.
func (c *Cache) IsStale(accountID string, maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.data[accountID]
	if !ok {
		return true
	}
	return s.Age() > maxAge
}

// Load replaces the cache contents from the backing file.
func (c *Cache) Load() bool {
	if !util.FileExists(c.path) {
		return false
	}
	var file cacheFile
	if err := util.ReadJSON(c.path, &file); err != nil {
		c.logger.Warn().Err(err).Msg("failed to load quota cache, starting empty")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]Snapshot, len(file.Accounts))
	for id, s := range file.Accounts {
		s.AccountID = id
		s.reclassify()
		c.data[id] = s
	}
	c.logger.Info().Int("accounts", len(c.data)).Msg("quota cache loaded")
	return true
}

// Save writes the cache to the backing file atomically.
func (c *Cache) Save() error {
	c.mu.RLock()
	accounts := make(map[string]Snapshot, len(c.data))
	for id, s := range c.data {
		accounts[id] = s
	}
	c.mu.RUnlock()

	file := cacheFile{
		Version:   "1.0",
		UpdatedAt: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Accounts:  accounts,
	}
	if err := util.WriteJSONAtomic(c.path, &file); err != nil {
		c.logger.Error().Err(err).Msg("failed to save quota cache")
		return err
	}
	return nil
}

// Summary aggregates the cache for the admin view.
type Summary struct {
	TotalAccounts int     `json:"total_accounts"`
	TotalBalance  float64 `json:"total_balance"`
	TotalUsage    float64 `json:"total_usage"`
	TotalLimit    float64 `json:"total_limit"`
	ErrorCount    int     `json:"error_count"`
	StaleCount    int     `json:"stale_count"`
}

// Summarize totals balances over error-free snapshots and counts errors and
// entries older than maxAge.
func (c *Cache) Summarize(maxAge time.Duration) Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sum := Summary{TotalAccounts: len(c.data)}
	for _, s := range c.data {
		if s.HasError() {
			sum.ErrorCount++
		} else {
			sum.TotalBalance += s.Balance
			sum.TotalUsage += s.CurrentUsage
			sum.TotalLimit += s.UsageLimit
		}
		if s.Age() > maxAge {
			sum.StaleCount++
		}
	}
	sum.TotalBalance = math.Round(sum.TotalBalance*100) / 100
	sum.TotalUsage = math.Round(sum.TotalUsage*100) / 100
	sum.TotalLimit = math.Round(sum.TotalLimit*100) / 100
	return sum
}
