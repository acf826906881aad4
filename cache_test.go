package rebac

import (
	"testing"
	"time"
)

func TestLRUDecisionCacheFingerprintInvalidation(t *testing.T) {
	c := NewLRUDecisionCache(16)
	key := CacheKey{TenantID: "t1", SubjectID: "alice", Namespace: "document", ObjectID: "a", Relation: "viewer"}
	c.Put(key, CacheEntry{Allowed: true, Via: ViaTuple, Fingerprint: 3, ExpiresAt: time.Now().Add(time.Minute)})

	if _, ok := c.Get(key, 3); !ok {
		t.Fatalf("expected hit at matching fingerprint")
	}
	// A writer bumped the namespace: the entry is instantly stale.
	if _, ok := c.Get(key, 4); ok {
		t.Fatalf("expected miss after fingerprint advance")
	}
	// The stale entry never becomes valid again.
	if _, ok := c.Get(key, 3); !ok {
		t.Fatalf("entry at the old fingerprint is still intact")
	}
}

func TestLRUDecisionCacheTTL(t *testing.T) {
	c := NewLRUDecisionCache(16)
	key := CacheKey{TenantID: "t1", SubjectID: "alice", Namespace: "document", ObjectID: "a", Relation: "viewer"}
	c.Put(key, CacheEntry{Allowed: true, Fingerprint: 1, ExpiresAt: time.Now().Add(-time.Second)})

	if _, ok := c.Get(key, 1); ok {
		t.Fatalf("expected miss on expired entry even with matching fingerprint")
	}
}

func TestLRUDecisionCacheTenantSharding(t *testing.T) {
	c := NewLRUDecisionCache(16)
	k1 := CacheKey{TenantID: "t1", SubjectID: "alice", Namespace: "document", ObjectID: "a", Relation: "viewer"}
	k2 := k1
	k2.TenantID = "t2"
	c.Put(k1, CacheEntry{Allowed: true, Fingerprint: 1, ExpiresAt: time.Now().Add(time.Minute)})

	if _, ok := c.Get(k2, 1); ok {
		t.Fatalf("tenant shards must not share entries")
	}
	stats := c.Stats()
	if stats.Entries != 1 || stats.Misses == 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestFingerprintRegistryMonotonic(t *testing.T) {
	r := NewFingerprintRegistry()
	if fp := r.Current("t1", "document"); fp != 0 {
		t.Fatalf("unwritten namespace should start at zero, got %d", fp)
	}
	if fp := r.Bump("t1", "document"); fp != 1 {
		t.Fatalf("expected 1 after first bump, got %d", fp)
	}
	if fp := r.Bump("t1", "document"); fp != 2 {
		t.Fatalf("expected 2 after second bump, got %d", fp)
	}
	// Other coordinates are untouched.
	if fp := r.Current("t1", "team"); fp != 0 {
		t.Fatalf("unrelated namespace moved to %d", fp)
	}
	if fp := r.Current("t2", "document"); fp != 0 {
		t.Fatalf("unrelated tenant moved to %d", fp)
	}
}

func TestFingerprintRegistryBumpTenant(t *testing.T) {
	r := NewFingerprintRegistry()
	r.Bump("t1", "document")
	r.Bump("t1", "team")
	r.Bump("t2", "document")

	if n := r.BumpTenant("t1"); n != 2 {
		t.Fatalf("expected 2 namespaces bumped, got %d", n)
	}
	if fp := r.Current("t1", "document"); fp != 2 {
		t.Fatalf("expected document at 2, got %d", fp)
	}
	if fp := r.Current("t2", "document"); fp != 1 {
		t.Fatalf("t2 must be untouched, got %d", fp)
	}
}

func TestFingerprintRegistryBumpTenantCoversReadNamespaces(t *testing.T) {
	r := NewFingerprintRegistry()

	// A read materializes the entry even before any write bumps it, so an
	// administrative tenant-wide bump reaches namespaces that only ever
	// served checks.
	if fp := r.Current("t1", "document"); fp != 0 {
		t.Fatalf("expected fingerprint 0 on first read, got %d", fp)
	}
	if n := r.BumpTenant("t1"); n != 1 {
		t.Fatalf("expected the read namespace to be bumped, got %d", n)
	}
	if fp := r.Current("t1", "document"); fp != 1 {
		t.Fatalf("expected fingerprint 1 after tenant bump, got %d", fp)
	}
}
