package quota

import (
	"sync"
	"time"
)

// tierCache is a lazy-TTL cache over TierSource lookups. Entries record
// their fetch time and are considered stale on the next read past the TTL;
// there is no background sweep, so the cache never grows timers with the
// number of classes. Entries are immutable and replaced wholesale.
type tierCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedTier
}

type cachedTier struct {
	tier      Tier
	fetchedAt time.Time
}

func newTierCache(ttl time.Duration) *tierCache {
	return &tierCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedTier),
	}
}

// get returns the cached tier for classID if present and fresh.
func (c *tierCache) get(classID string) (Tier, bool) {
	c.mu.RLock()
	e, ok := c.entries[classID]
	c.mu.RUnlock()

	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		return Tier{}, false
	}
	return e.tier, true
}

// put stores a tier, stamping it with the current time. Stale entries are
// dropped opportunistically here rather than by a sweeper.
func (c *tierCache) put(classID string, t Tier) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.ttl {
			delete(c.entries, k)
		}
	}
	c.entries[classID] = cachedTier{tier: t, fetchedAt: now}
}

// invalidate drops one class, forcing a re-fetch on next access.
func (c *tierCache) invalidate(classID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, classID)
}
