package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// cacheKey identifies one cached revenue figure. TenantID is always part of
// the key so two tenants sharing a property ID never share an entry. From and
// To are the calendar period requested (Unix seconds, UTC), zero for all time.
type cacheKey struct {
	TenantID   string
	PropertyID string
	From       int64
	To         int64
}

// String quotes both IDs, so no pair of IDs can render like another pair.
// The result keys the shared query, which must never cross tenants.
func (k cacheKey) String() string {
	return fmt.Sprintf("%q|%q|%d|%d", k.TenantID, k.PropertyID, k.From, k.To)
}

type scope struct {
	TenantID   string
	PropertyID string
}

func (k cacheKey) scope() scope { return scope{TenantID: k.TenantID, PropertyID: k.PropertyID} }

type cacheEntry struct {
	summary    RevenueSummary
	generation uint64
}

// revenueCache is an expiring LRU with per-property generations. A write
// bumps the generation, so a computation that started before the write cannot
// repopulate the cache with a stale figure.
type revenueCache struct {
	mu   sync.Mutex
	lru  *expirable.LRU[cacheKey, cacheEntry]
	gens map[scope]uint64
}

func newRevenueCache(size int, ttl time.Duration) *revenueCache {
	if size <= 0 {
		return nil
	}
	return &revenueCache{
		lru:  expirable.NewLRU[cacheKey, cacheEntry](size, nil, ttl),
		gens: make(map[scope]uint64),
	}
}

func (c *revenueCache) get(key cacheKey) (RevenueSummary, bool) {
	if c == nil {
		return RevenueSummary{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(key)
	if !ok || entry.generation != c.gens[key.scope()] {
		return RevenueSummary{}, false
	}
	return entry.summary, true
}

// generation returns the token a later put must present.
func (c *revenueCache) generation(key cacheKey) uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key.scope()]
}

func (c *revenueCache) put(key cacheKey, gen uint64, summary RevenueSummary) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key.scope()] != gen {
		return
	}
	c.lru.Add(key, cacheEntry{summary: summary, generation: gen})
}

// invalidate drops every entry for one tenant's property.
func (c *revenueCache) invalidate(tenantID, propertyID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := scope{TenantID: tenantID, PropertyID: propertyID}
	c.gens[s]++
	for _, k := range c.lru.Keys() {
		if k.scope() == s {
			c.lru.Remove(k)
		}
	}
}

func (c *revenueCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
