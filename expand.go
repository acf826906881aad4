package rebac

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// DefaultMaxDepth caps userset expansion. Exceeding it fails loudly with
// ErrExpansionTooDeep instead of silently truncating, since a truncated
// expansion would produce false denies.
const DefaultMaxDepth = 25

// expandTarget identifies one (namespace, object, relation) node of the
// relation graph during a traversal.
type expandTarget struct {
	namespace string
	objectID  string
	relation  string
}

// ExpandResult is the full concrete-subject set holding a relation, each
// mapped to the depth it was first reached at, plus the overall depth the
// traversal reached.
type ExpandResult struct {
	Subjects map[string]int // concrete user id -> first-seen depth
	Depth    int
}

// Contains reports membership of a concrete user in the expanded set.
func (r *ExpandResult) Contains(userID string) bool {
	_, ok := r.Subjects[userID]
	return ok
}

// DepthOf returns the depth a concrete user was first reached at, zero for a
// direct tuple. A user can hold the relation both directly and through a
// userset chain; the direct path wins, which is what via reporting wants.
func (r *ExpandResult) DepthOf(userID string) int {
	return r.Subjects[userID]
}

// SortedSubjects returns the user ids in lexical order for stable output.
func (r *ExpandResult) SortedSubjects() []string {
	out := make([]string, 0, len(r.Subjects))
	for s := range r.Subjects {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Expander walks the relation graph breadth-first, following userset
// references transitively. A visited set terminates cyclic branches (nested
// teams are a modeling reality, not an error) and the depth cap bounds the
// asymptotic cost together with the decision cache.
type Expander struct {
	relations RelationStore
	maxDepth  int
}

func NewExpander(relations RelationStore, maxDepth int) *Expander {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Expander{relations: relations, maxDepth: maxDepth}
}

// Expand computes the deduplicated set of concrete subjects holding
// (namespace, objectID, relation), directly or through userset chains.
// Policies are applied on top of this set by the evaluator, not here: tuple
// expansion stays a pure graph computation.
func (x *Expander) Expand(ctx context.Context, tenant, namespace, objectID, relation string) (*ExpandResult, error) {
	result := &ExpandResult{Subjects: make(map[string]int)}
	visited := map[expandTarget]struct{}{}

	frontier := []expandTarget{{namespace, objectID, relation}}
	depth := 0
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
		}
		if depth > x.maxDepth {
			return nil, fmt.Errorf("%w: depth %d at %s:%s#%s", ErrExpansionTooDeep, depth, namespace, objectID, relation)
		}
		next := frontier[:0:0]
		for _, target := range frontier {
			if _, seen := visited[target]; seen {
				continue
			}
			visited[target] = struct{}{}

			subjects, err := x.relations.ListSubjects(ctx, tenant, target.namespace, target.objectID, target.relation)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return nil, fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
				}
				return nil, fmt.Errorf("%w: list subjects %s:%s#%s: %v", ErrUnavailable, target.namespace, target.objectID, target.relation, err)
			}
			for _, s := range subjects {
				if s.IsUserset() {
					next = append(next, expandTarget{s.Namespace, s.ObjectID, s.Relation})
					continue
				}
				if _, seen := result.Subjects[s.UserID]; !seen {
					result.Subjects[s.UserID] = depth
				}
			}
		}
		if len(next) > 0 {
			depth++
			result.Depth = depth
		}
		frontier = next
	}
	return result, nil
}

// HasDirect reports whether a concrete-user tuple exists without any
// expansion. The evaluator uses it as the fast path when no policies exist
// for the relation.
func (x *Expander) HasDirect(ctx context.Context, tenant, namespace, objectID, relation, userID string) (bool, error) {
	ok, err := x.relations.Has(ctx, &RelationTuple{
		TenantID:  tenant,
		Namespace: namespace,
		ObjectID:  objectID,
		Relation:  relation,
		Subject:   User(userID),
	})
	if err != nil {
		return false, fmt.Errorf("%w: has tuple: %v", ErrUnavailable, err)
	}
	return ok, nil
}

// applyPolicyOverlay resolves the first matching policy for one subject.
// Policies must already be in evaluation order (priority desc, id asc).
// Returns (effect, matched policy id, true) when a policy matched.
func applyPolicyOverlay(policies []*Policy, evalCtx *EvalContext) (Effect, string, bool) {
	for _, p := range policies {
		if p.Condition == nil {
			continue
		}
		ok, err := p.Condition.Evaluate(evalCtx)
		if err != nil {
			// an erroring condition never grants; fail-closed per policy
			continue
		}
		if ok {
			return p.Effect, p.ID, true
		}
	}
	return "", "", false
}
