package rebac

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ============================================================================
// DECISION CACHE
// ============================================================================

// CacheKey identifies one memoized decision.
type CacheKey struct {
	TenantID  string
	SubjectID string
	Namespace string
	ObjectID  string
	Relation  string
}

// CacheEntry is a memoized decision stamped with the namespace fingerprint
// it was computed under. An entry is usable only while its fingerprint still
// equals the current namespace fingerprint AND its TTL has not elapsed, so a
// relation or policy write invalidates it instantly without the cache being
// walked; stale entries simply never match again and age out by TTL/LRU.
type CacheEntry struct {
	Allowed     bool
	Via         DecisionVia
	Depth       int
	Fingerprint uint64
	ExpiresAt   time.Time
}

// CacheStats is the administrative counters surface.
type CacheStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// DecisionCache memoizes check results. Get receives the caller's current
// fingerprint so validity is decided inside the cache; implementations never
// enumerate keys on invalidation.
type DecisionCache interface {
	Get(key CacheKey, currentFingerprint uint64) (CacheEntry, bool)
	Put(key CacheKey, entry CacheEntry)
	Stats() CacheStats
}

// LRUDecisionCache is the default backend: one bounded LRU per tenant,
// sharded to keep unrelated tenants from contending on a single lock.
type LRUDecisionCache struct {
	mu        sync.RWMutex
	perTenant int
	shards    map[string]*lru.Cache[CacheKey, CacheEntry]
	hits      atomic.Uint64
	misses    atomic.Uint64
}

func NewLRUDecisionCache(entriesPerTenant int) *LRUDecisionCache {
	if entriesPerTenant <= 0 {
		entriesPerTenant = 4096
	}
	return &LRUDecisionCache{
		perTenant: entriesPerTenant,
		shards:    make(map[string]*lru.Cache[CacheKey, CacheEntry]),
	}
}

func (c *LRUDecisionCache) shard(tenant string, create bool) *lru.Cache[CacheKey, CacheEntry] {
	c.mu.RLock()
	s := c.shards[tenant]
	c.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s = c.shards[tenant]; s != nil {
		return s
	}
	s, _ = lru.New[CacheKey, CacheEntry](c.perTenant)
	c.shards[tenant] = s
	return s
}

func (c *LRUDecisionCache) Get(key CacheKey, currentFingerprint uint64) (CacheEntry, bool) {
	s := c.shard(key.TenantID, false)
	if s == nil {
		c.misses.Add(1)
		return CacheEntry{}, false
	}
	entry, ok := s.Get(key)
	if !ok || entry.Fingerprint != currentFingerprint || time.Now().After(entry.ExpiresAt) {
		c.misses.Add(1)
		return CacheEntry{}, false
	}
	c.hits.Add(1)
	return entry, true
}

func (c *LRUDecisionCache) Put(key CacheKey, entry CacheEntry) {
	c.shard(key.TenantID, true).Add(key, entry)
}

func (c *LRUDecisionCache) Stats() CacheStats {
	c.mu.RLock()
	entries := 0
	for _, s := range c.shards {
		entries += s.Len()
	}
	c.mu.RUnlock()
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: entries}
}

// RistrettoDecisionCache is an alternate backend on dgraph's admission-based
// cache, for deployments where a single global cost bound matters more than
// strict per-tenant capacity.
type RistrettoDecisionCache struct {
	cache  *ristretto.Cache
	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewRistrettoDecisionCache(numCounters, maxCost, bufferItems int64) (*RistrettoDecisionCache, error) {
	if numCounters <= 0 {
		numCounters = 1e5
	}
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoDecisionCache{cache: c}, nil
}

func (c *RistrettoDecisionCache) key(k CacheKey) string {
	return k.TenantID + "\x00" + k.SubjectID + "\x00" + k.Namespace + "\x00" + k.ObjectID + "\x00" + k.Relation
}

func (c *RistrettoDecisionCache) Get(key CacheKey, currentFingerprint uint64) (CacheEntry, bool) {
	v, ok := c.cache.Get(c.key(key))
	if !ok {
		c.misses.Add(1)
		return CacheEntry{}, false
	}
	entry, ok := v.(CacheEntry)
	if !ok || entry.Fingerprint != currentFingerprint || time.Now().After(entry.ExpiresAt) {
		c.misses.Add(1)
		return CacheEntry{}, false
	}
	c.hits.Add(1)
	return entry, true
}

func (c *RistrettoDecisionCache) Put(key CacheKey, entry CacheEntry) {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}
	c.cache.SetWithTTL(c.key(key), entry, 1, ttl)
}

func (c *RistrettoDecisionCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close releases the ristretto internals.
func (c *RistrettoDecisionCache) Close() {
	c.cache.Close()
}
