package stores

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/rebac"
)

// In-memory store implementations for testing/demo. They honor the same
// uniqueness, ordering and error contracts as the SQL stores.

// ============================================================================
// RELATION STORE
// ============================================================================

type MemoryRelationStore struct {
	mu     sync.RWMutex
	tuples map[string]map[string]*rebac.RelationTuple // tenant -> key -> tuple
}

func NewMemoryRelationStore() *MemoryRelationStore {
	return &MemoryRelationStore{tuples: make(map[string]map[string]*rebac.RelationTuple)}
}

func (s *MemoryRelationStore) Grant(ctx context.Context, t *rebac.RelationTuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tuples[t.TenantID]
	if !ok {
		m = make(map[string]*rebac.RelationTuple)
		s.tuples[t.TenantID] = m
	}
	cp := *t
	m[t.Key()] = &cp // idempotent
	return nil
}

func (s *MemoryRelationStore) Revoke(ctx context.Context, t *rebac.RelationTuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.tuples[t.TenantID]
	if m == nil {
		return fmt.Errorf("%w: %s", rebac.ErrNotFound, t.Key())
	}
	if _, ok := m[t.Key()]; !ok {
		return fmt.Errorf("%w: %s", rebac.ErrNotFound, t.Key())
	}
	delete(m, t.Key())
	return nil
}

func (s *MemoryRelationStore) Has(ctx context.Context, t *rebac.RelationTuple) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.tuples[t.TenantID]
	if m == nil {
		return false, nil
	}
	_, ok := m[t.Key()]
	return ok, nil
}

func (s *MemoryRelationStore) ListSubjects(ctx context.Context, tenant, namespace, objectID, relation string) ([]rebac.SubjectRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rebac.SubjectRef, 0)
	for _, t := range s.tuples[tenant] {
		if t.Namespace == namespace && t.ObjectID == objectID && t.Relation == relation {
			out = append(out, t.Subject)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *MemoryRelationStore) ListTuples(ctx context.Context, tenant, namespace, objectID string) ([]*rebac.RelationTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rebac.RelationTuple, 0)
	for _, t := range s.tuples[tenant] {
		if t.Namespace == namespace && t.ObjectID == objectID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *MemoryRelationStore) ListObjectsForSubject(ctx context.Context, tenant string, subject rebac.SubjectRef, namespace, relation string, page rebac.Page) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := subject.String()
	set := map[string]struct{}{}
	for _, t := range s.tuples[tenant] {
		if t.Namespace == namespace && t.Relation == relation && t.Subject.String() == want {
			set[t.ObjectID] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for obj := range set {
		out = append(out, obj)
	}
	sort.Strings(out)
	return paginate(out, page), nil
}

func paginate(in []string, page rebac.Page) []string {
	if page.Offset > 0 {
		if page.Offset >= len(in) {
			return nil
		}
		in = in[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(in) {
		in = in[:page.Limit]
	}
	return in
}

// ============================================================================
// POLICY STORE
// ============================================================================

type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]map[string]*rebac.Policy // tenant -> id -> policy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]map[string]*rebac.Policy)}
}

func (s *MemoryPolicyStore) AddPolicy(ctx context.Context, p *rebac.Policy) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	m, ok := s.policies[p.TenantID]
	if !ok {
		m = make(map[string]*rebac.Policy)
		s.policies[p.TenantID] = m
	}
	now := time.Now()
	cp := *p
	cp.Version = 1
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m[cp.ID] = &cp
	p.Version = cp.Version
	return cp.ID, nil
}

func (s *MemoryPolicyStore) UpdatePolicy(ctx context.Context, id string, p *rebac.Policy, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.policies[p.TenantID]
	cur, ok := m[id]
	if !ok {
		return fmt.Errorf("%w: policy %s", rebac.ErrNotFound, id)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: policy %s at version %d, expected %d", rebac.ErrVersionConflict, id, cur.Version, expectedVersion)
	}
	cp := *p
	cp.ID = id
	cp.Version = expectedVersion + 1
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now()
	m[id] = &cp
	p.Version = cp.Version
	return nil
}

func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, tenant, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.policies[tenant]
	if _, ok := m[id]; !ok {
		return fmt.Errorf("%w: policy %s", rebac.ErrNotFound, id)
	}
	delete(m, id)
	return nil
}

func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, tenant, id string) (*rebac.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[tenant][id]
	if !ok {
		return nil, fmt.Errorf("%w: policy %s", rebac.ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryPolicyStore) ListPolicies(ctx context.Context, tenant, namespace, relation string) ([]*rebac.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rebac.Policy, 0)
	for _, p := range s.policies[tenant] {
		if p.Namespace == namespace && p.Relation == relation {
			cp := *p
			out = append(out, &cp)
		}
	}
	rebac.SortPolicies(out)
	return out, nil
}

// ============================================================================
// DECISION STORE
// ============================================================================

type MemoryDecisionStore struct {
	mu      sync.RWMutex
	records map[string][]*rebac.DecisionRecord // tenant -> append order
}

func NewMemoryDecisionStore() *MemoryDecisionStore {
	return &MemoryDecisionStore{records: make(map[string][]*rebac.DecisionRecord)}
}

func (s *MemoryDecisionStore) Append(ctx context.Context, records []*rebac.DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		cp := *r
		s.records[r.TenantID] = append(s.records[r.TenantID], &cp)
	}
	return nil
}

func (s *MemoryDecisionStore) Query(ctx context.Context, filter rebac.DecisionFilter) ([]*rebac.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rebac.DecisionRecord, 0)
	skipped := 0
	for _, r := range s.records[filter.TenantID] {
		if !matchesFilter(r, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		cp := *r
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matchesFilter(r *rebac.DecisionRecord, f rebac.DecisionFilter) bool {
	if f.SubjectID != "" && r.SubjectID != f.SubjectID {
		return false
	}
	if f.Namespace != "" && r.Namespace != f.Namespace {
		return false
	}
	if f.Allowed != nil && r.Allowed != *f.Allowed {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func (s *MemoryDecisionStore) Counts(ctx context.Context, tenant string, since time.Time) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var allowed, denied int64
	for _, r := range s.records[tenant] {
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		if r.Allowed {
			allowed++
		} else {
			denied++
		}
	}
	return allowed, denied, nil
}

func (s *MemoryDecisionStore) TopDeniedSubjects(ctx context.Context, tenant string, since time.Time, limit int) ([]rebac.SubjectCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[string]int64{}
	for _, r := range s.records[tenant] {
		if r.Allowed {
			continue
		}
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		counts[r.SubjectID]++
	}
	out := make([]rebac.SubjectCount, 0, len(counts))
	for id, c := range counts {
		out = append(out, rebac.SubjectCount{SubjectID: id, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryDecisionStore) MarkArchived(ctx context.Context, tenant string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.records[tenant] {
		if !r.Archived && r.Timestamp.Before(before) {
			r.Archived = true
			n++
		}
	}
	return n, nil
}

// ============================================================================
// UI STORE
// ============================================================================

type MemoryUIStore struct {
	mu        sync.RWMutex
	items     map[string]map[string]*rebac.SidebarItem    // tenant -> id
	rules     map[string]map[string]*rebac.PageAccessRule // tenant -> id
	overrides map[string]map[string]*rebac.UserOverride   // tenant -> user|item
}

func NewMemoryUIStore() *MemoryUIStore {
	return &MemoryUIStore{
		items:     make(map[string]map[string]*rebac.SidebarItem),
		rules:     make(map[string]map[string]*rebac.PageAccessRule),
		overrides: make(map[string]map[string]*rebac.UserOverride),
	}
}

func (s *MemoryUIStore) UpsertSidebarItem(ctx context.Context, item *rebac.SidebarItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[item.TenantID]
	if !ok {
		m = make(map[string]*rebac.SidebarItem)
		s.items[item.TenantID] = m
	}
	cp := *item
	if item.RoleOverrides != nil {
		cp.RoleOverrides = make(map[string]bool, len(item.RoleOverrides))
		for k, v := range item.RoleOverrides {
			cp.RoleOverrides[k] = v
		}
	}
	m[item.ID] = &cp
	return nil
}

func (s *MemoryUIStore) GetSidebarItem(ctx context.Context, tenant, id string) (*rebac.SidebarItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[tenant][id]
	if !ok {
		return nil, fmt.Errorf("%w: sidebar item %s", rebac.ErrNotFound, id)
	}
	cp := *item
	return &cp, nil
}

func (s *MemoryUIStore) ListSidebarItems(ctx context.Context, tenant string) ([]*rebac.SidebarItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rebac.SidebarItem, 0, len(s.items[tenant]))
	for _, item := range s.items[tenant] {
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryUIStore) DeleteSidebarItem(ctx context.Context, tenant, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.items[tenant]
	if _, ok := m[id]; !ok {
		return fmt.Errorf("%w: sidebar item %s", rebac.ErrNotFound, id)
	}
	delete(m, id)
	return nil
}

func (s *MemoryUIStore) UpsertPageRule(ctx context.Context, rule *rebac.PageAccessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rules[rule.TenantID]
	if !ok {
		m = make(map[string]*rebac.PageAccessRule)
		s.rules[rule.TenantID] = m
	}
	cp := *rule
	m[rule.ID] = &cp
	return nil
}

func (s *MemoryUIStore) ListPageRules(ctx context.Context, tenant string) ([]*rebac.PageAccessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rebac.PageAccessRule, 0, len(s.rules[tenant]))
	for _, rule := range s.rules[tenant] {
		cp := *rule
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryUIStore) SetUserOverride(ctx context.Context, ov *rebac.UserOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.overrides[ov.TenantID]
	if !ok {
		m = make(map[string]*rebac.UserOverride)
		s.overrides[ov.TenantID] = m
	}
	cp := *ov
	m[ov.UserID+"|"+ov.ItemID] = &cp
	return nil
}

func (s *MemoryUIStore) ListUserOverrides(ctx context.Context, tenant, userID string) ([]*rebac.UserOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rebac.UserOverride, 0)
	for key, ov := range s.overrides[tenant] {
		if strings.HasPrefix(key, userID+"|") {
			cp := *ov
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (s *MemoryUIStore) DeleteUserOverrides(ctx context.Context, tenant, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.overrides[tenant] {
		if strings.HasPrefix(key, userID+"|") {
			delete(s.overrides[tenant], key)
		}
	}
	return nil
}
