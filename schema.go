package rebac

import (
	"fmt"
	"sort"
	"sync"
)

// Schema declares the closed set of namespaces and relations the engine will
// evaluate. Checks against undeclared coordinates fail with ErrUnknownSchema
// instead of silently denying, so misconfigured callers surface loudly.
type Schema struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]bool // namespace -> relation set
}

func NewSchema() *Schema {
	return &Schema{namespaces: make(map[string]map[string]bool)}
}

// AddNamespace declares a namespace and its relations. Calling it again for
// the same namespace extends the relation set.
func (s *Schema) AddNamespace(namespace string, relations ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rels, ok := s.namespaces[namespace]
	if !ok {
		rels = make(map[string]bool, len(relations))
		s.namespaces[namespace] = rels
	}
	for _, r := range relations {
		rels[r] = true
	}
}

// HasNamespace reports whether the namespace is declared.
func (s *Schema) HasNamespace(namespace string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.namespaces[namespace]
	return ok
}

// HasRelation reports whether (namespace, relation) is declared.
func (s *Schema) HasRelation(namespace, relation string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rels, ok := s.namespaces[namespace]
	return ok && rels[relation]
}

// Validate returns ErrUnknownSchema when the coordinates are undeclared.
func (s *Schema) Validate(namespace, relation string) error {
	if !s.HasRelation(namespace, relation) {
		return fmt.Errorf("%w: %s#%s", ErrUnknownSchema, namespace, relation)
	}
	return nil
}

// Namespaces returns the declared namespaces in lexical order.
func (s *Schema) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.namespaces))
	for ns := range s.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Relations returns the declared relations of a namespace in lexical order.
func (s *Schema) Relations(namespace string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rels := s.namespaces[namespace]
	out := make([]string, 0, len(rels))
	for r := range rels {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
