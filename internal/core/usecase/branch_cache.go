package usecase

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

// branchCache keeps recent branch results keyed by (query, facet set) so
// retry iterations of the validator loop do not re-run identical branch
// queries against the store.
type branchCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]branchCacheEntry
}

type branchCacheEntry struct {
	chunks []domain.ScoredChunk
	at     time.Time
}

func newBranchCache(ttl time.Duration) *branchCache {
	return &branchCache{
		ttl:     ttl,
		entries: make(map[string]branchCacheEntry),
	}
}

func branchCacheKey(query string, facets map[string]string) string {
	keys := make([]string, 0, len(facets))
	for k := range facets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(query)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(facets[k])
	}
	return b.String()
}

func (c *branchCache) get(key string) ([]domain.ScoredChunk, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.at) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.chunks, true
}

func (c *branchCache) put(key string, chunks []domain.ScoredChunk) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = branchCacheEntry{chunks: chunks, at: time.Now()}
}
