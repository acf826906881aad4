package rebac

import "sync"

type fpKey struct {
	tenant    string
	namespace string
}

// FingerprintRegistry tracks a monotonically increasing version stamp per
// (tenant, namespace). Every relation or policy write touching a namespace
// bumps it; cached decisions carry the stamp they were computed under and
// are usable only while it still matches. Invalidation is therefore a single
// counter increment, never a cache walk.
type FingerprintRegistry struct {
	mu      sync.RWMutex
	current map[fpKey]uint64
}

func NewFingerprintRegistry() *FingerprintRegistry {
	return &FingerprintRegistry{current: make(map[fpKey]uint64)}
}

// Current returns the fingerprint for (tenant, namespace). Unwritten
// namespaces start at zero. The entry is materialized on first read so a
// later BumpTenant invalidates decisions cached against data that predates
// this process (store shared with another writer, restart over an existing
// database).
func (r *FingerprintRegistry) Current(tenant, namespace string) uint64 {
	k := fpKey{tenant, namespace}
	r.mu.RLock()
	fp, ok := r.current[k]
	r.mu.RUnlock()
	if ok {
		return fp
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if fp, ok := r.current[k]; ok {
		return fp
	}
	r.current[k] = 0
	return 0
}

// Bump advances the fingerprint and returns the new value. Callers must hold
// the per-namespace writer lock so bumps stay strictly monotonic relative to
// the writes they cover.
func (r *FingerprintRegistry) Bump(tenant, namespace string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := fpKey{tenant, namespace}
	r.current[k]++
	return r.current[k]
}

// BumpTenant advances every namespace fingerprint of the tenant. Used by the
// administrative cache-clear endpoint: one bump per namespace invalidates all
// cached decisions for the tenant without touching the cache itself.
func (r *FingerprintRegistry) BumpTenant(tenant string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.current {
		if k.tenant == tenant {
			r.current[k]++
			n++
		}
	}
	return n
}

// namespaceLocks serializes writers per (tenant, namespace) so fingerprint
// bumps observe the single-logical-writer ordering the cache relies on.
type namespaceLocks struct {
	mu    sync.Mutex
	locks map[fpKey]*sync.Mutex
}

func newNamespaceLocks() *namespaceLocks {
	return &namespaceLocks{locks: make(map[fpKey]*sync.Mutex)}
}

func (n *namespaceLocks) lock(tenant, namespace string) *sync.Mutex {
	k := fpKey{tenant, namespace}
	n.mu.Lock()
	l, ok := n.locks[k]
	if !ok {
		l = &sync.Mutex{}
		n.locks[k] = l
	}
	n.mu.Unlock()
	l.Lock()
	return l
}
