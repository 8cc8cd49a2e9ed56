package cachemem

import (
	"sync"
	"time"

	"github.com/dakydaky/ConsentBridge/internal/domain"
	"github.com/dakydaky/ConsentBridge/internal/usecase"
)

// KeySetCache holds published key sets for a short TTL. A zero TTL disables
// caching: Set becomes a no-op.
type KeySetCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value     domain.JWKSet
	expiresAt time.Time
}

func NewKeySetCache(ttl time.Duration, now func() time.Time) *KeySetCache {
	if now == nil {
		now = time.Now
	}
	return &KeySetCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *KeySetCache) Get(key string) (domain.JWKSet, bool) {
	if c == nil {
		return domain.JWKSet{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return domain.JWKSet{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return domain.JWKSet{}, false
	}
	return copySet(entry.value), true
}

func (c *KeySetCache) Set(key string, value domain.JWKSet) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: copySet(value), expiresAt: c.now().Add(c.ttl)}
}

func (c *KeySetCache) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// copySet keeps callers from mutating cached slices.
func copySet(set domain.JWKSet) domain.JWKSet {
	keys := make([]domain.JWK, len(set.Keys))
	copy(keys, set.Keys)
	return domain.JWKSet{Keys: keys}
}

var _ usecase.KeySetCache = (*KeySetCache)(nil)
