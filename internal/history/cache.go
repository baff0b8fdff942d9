package history

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const summaryCacheEntries = 64

type summaryEntry struct {
	summary   string
	oldHash   string
	updatedAt time.Time
}

// SummaryCache remembers generated summaries so retry bursts do not pay for
// the summarizer call twice. Entries are keyed by conversation and keep
// count; a hit additionally requires a matching old-history hash and age
// under maxAge.
type SummaryCache struct {
	entries *lru.Cache[string, summaryEntry]
}

// NewSummaryCache returns an LRU-bounded cache.
func NewSummaryCache() *SummaryCache {
	entries, err := lru.New[string, summaryEntry](summaryCacheEntries)
	if err != nil {
		panic(err)
	}
	return &SummaryCache{entries: entries}
}

// Get returns the cached summary when the hash matches and the entry is
// fresh enough.
func (c *SummaryCache) Get(key, oldHash string, maxAge time.Duration) (string, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return "", false
	}
	if time.Since(e.updatedAt) > maxAge {
		c.entries.Remove(key)
		return "", false
	}
	if e.oldHash != oldHash {
		return "", false
	}
	return e.summary, true
}

// Set stores a summary.
func (c *SummaryCache) Set(key, summary, oldHash string) {
	c.entries.Add(key, summaryEntry{summary: summary, oldHash: oldHash, updatedAt: time.Now()})
}
