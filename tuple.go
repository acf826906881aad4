package rebac

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// SubjectRef is either a concrete user or a userset reference
// ("members of team:9"). A userset reference points at another
// (namespace, object, relation) triple and is expanded transitively.
type SubjectRef struct {
	UserID    string `json:"user_id,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	ObjectID  string `json:"object_id,omitempty"`
	Relation  string `json:"relation,omitempty"`
}

// User builds a concrete-user subject reference.
func User(id string) SubjectRef {
	return SubjectRef{UserID: id}
}

// Userset builds a userset subject reference.
func Userset(namespace, objectID, relation string) SubjectRef {
	return SubjectRef{Namespace: namespace, ObjectID: objectID, Relation: relation}
}

// IsUserset reports whether the reference is a userset rather than a
// concrete user.
func (s SubjectRef) IsUserset() bool {
	return s.UserID == "" && s.Namespace != ""
}

// String renders "user:alice" for concrete users and "team:9#member" for
// userset references. ParseSubjectRef is the inverse.
func (s SubjectRef) String() string {
	if s.IsUserset() {
		return s.Namespace + ":" + s.ObjectID + "#" + s.Relation
	}
	return "user:" + s.UserID
}

// ParseSubjectRef parses the compact wire/storage form produced by String.
func ParseSubjectRef(raw string) (SubjectRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SubjectRef{}, fmt.Errorf("empty subject reference")
	}
	if hash := strings.Index(raw, "#"); hash != -1 {
		head := raw[:hash]
		rel := raw[hash+1:]
		colon := strings.Index(head, ":")
		if colon == -1 || rel == "" {
			return SubjectRef{}, fmt.Errorf("malformed userset reference: %s", raw)
		}
		return Userset(head[:colon], head[colon+1:], rel), nil
	}
	if strings.HasPrefix(raw, "user:") {
		return User(raw[len("user:"):]), nil
	}
	// bare ids are treated as users for convenience
	if strings.Contains(raw, ":") {
		return SubjectRef{}, fmt.Errorf("malformed subject reference: %s", raw)
	}
	return User(raw), nil
}

// RelationTuple is a stored fact: subject has relation on object within a
// tenant. Tuples are immutable; grant creates, revoke destroys.
type RelationTuple struct {
	TenantID  string     `json:"tenant_id"`
	Namespace string     `json:"namespace"`
	ObjectID  string     `json:"object_id"`
	Relation  string     `json:"relation"`
	Subject   SubjectRef `json:"subject"`
}

// Key returns the uniqueness key of the tuple within its tenant.
func (t *RelationTuple) Key() string {
	return t.Namespace + ":" + t.ObjectID + "#" + t.Relation + "@" + t.Subject.String()
}

// Validate rejects tuples with empty coordinates before they reach a store.
func (t *RelationTuple) Validate() error {
	if t.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidNamespace)
	}
	if t.Namespace == "" || t.ObjectID == "" || t.Relation == "" {
		return fmt.Errorf("%w: namespace, object and relation are required", ErrInvalidNamespace)
	}
	if t.Subject.UserID == "" && !t.Subject.IsUserset() {
		return fmt.Errorf("%w: subject is required", ErrInvalidNamespace)
	}
	return nil
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// RelationStore persists relation tuples. Implementations must enforce
// uniqueness per (tenant, namespace, object, relation, subject) and make
// Grant idempotent.
type RelationStore interface {
	Grant(ctx context.Context, t *RelationTuple) error
	Revoke(ctx context.Context, t *RelationTuple) error
	Has(ctx context.Context, t *RelationTuple) (bool, error)
	ListSubjects(ctx context.Context, tenant, namespace, objectID, relation string) ([]SubjectRef, error)
	ListTuples(ctx context.Context, tenant, namespace, objectID string) ([]*RelationTuple, error)
	ListObjectsForSubject(ctx context.Context, tenant string, subject SubjectRef, namespace, relation string, page Page) ([]string, error)
}

// PolicyStore persists declarative grant/deny rules. ListPolicies must
// return policies sorted by (priority desc, id asc); that ordering is
// load-bearing for evaluation determinism.
type PolicyStore interface {
	AddPolicy(ctx context.Context, p *Policy) (string, error)
	UpdatePolicy(ctx context.Context, id string, p *Policy, expectedVersion int) error
	DeletePolicy(ctx context.Context, tenant, id string) error
	GetPolicy(ctx context.Context, tenant, id string) (*Policy, error)
	ListPolicies(ctx context.Context, tenant, namespace, relation string) ([]*Policy, error)
}

// DecisionStore persists the append-only decision audit trail.
type DecisionStore interface {
	Append(ctx context.Context, records []*DecisionRecord) error
	Query(ctx context.Context, filter DecisionFilter) ([]*DecisionRecord, error)
	Counts(ctx context.Context, tenant string, since time.Time) (allowed int64, denied int64, err error)
	TopDeniedSubjects(ctx context.Context, tenant string, since time.Time, limit int) ([]SubjectCount, error)
	MarkArchived(ctx context.Context, tenant string, before time.Time) (int64, error)
}

// UIStore persists sidebar/page configuration and per-user overrides.
type UIStore interface {
	UpsertSidebarItem(ctx context.Context, item *SidebarItem) error
	GetSidebarItem(ctx context.Context, tenant, id string) (*SidebarItem, error)
	ListSidebarItems(ctx context.Context, tenant string) ([]*SidebarItem, error)
	DeleteSidebarItem(ctx context.Context, tenant, id string) error
	UpsertPageRule(ctx context.Context, rule *PageAccessRule) error
	ListPageRules(ctx context.Context, tenant string) ([]*PageAccessRule, error)
	SetUserOverride(ctx context.Context, ov *UserOverride) error
	ListUserOverrides(ctx context.Context, tenant, userID string) ([]*UserOverride, error)
	DeleteUserOverrides(ctx context.Context, tenant, userID string) error
}
