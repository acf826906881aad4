package rebac

import (
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// POLICY SYSTEM
// ============================================================================

// Effect represents the outcome a matching policy contributes.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Policy computes an additional relation grant (or removal) on top of stored
// tuples. Within a (tenant, namespace, relation) group policies evaluate in
// descending priority, ties broken by id ascending, and the first matching
// policy's effect wins for a given subject. Default is deny.
type Policy struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Namespace string    `json:"namespace"`
	Relation  string    `json:"relation"`
	Effect    Effect    `json:"effect"`
	Condition Expr      `json:"-"`
	Priority  int       `json:"priority"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConditionText returns the serialized predicate, the form persisted by the
// SQL store and accepted by ParseCondition.
func (p *Policy) ConditionText() string {
	if p.Condition == nil {
		return ""
	}
	return p.Condition.String()
}

// Validate rejects structurally invalid policies before they reach a store.
func (p *Policy) Validate() error {
	if p.TenantID == "" {
		return fmt.Errorf("policy tenant id is required")
	}
	if p.Namespace == "" || p.Relation == "" {
		return fmt.Errorf("policy namespace and relation are required")
	}
	if p.Effect != EffectAllow && p.Effect != EffectDeny {
		return fmt.Errorf("policy effect must be allow or deny, got %q", p.Effect)
	}
	if p.Condition == nil {
		return fmt.Errorf("policy must have a condition")
	}
	return nil
}

// SortPolicies orders policies by (priority desc, id asc) in place. Every
// store implementation and the overlay evaluator route through this one
// function so the ordering cannot drift.
func SortPolicies(policies []*Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})
}

// ============================================================================
// EXPRESSION LANGUAGE (policy conditions)
// ============================================================================

// Expr is a compiled condition predicate evaluated against a check context.
type Expr interface {
	Evaluate(ctx *EvalContext) (bool, error)
	String() string
}

// EvalContext carries the coordinates of the check a policy condition is
// evaluated against. There is no ambient per-tenant state: every engine call
// builds its own context.
type EvalContext struct {
	TenantID     string
	SubjectID    string
	SubjectAttrs map[string]any
	Namespace    string
	ObjectID     string
	Relation     string
	Time         time.Time
}

// getField resolves dotted field references used in conditions:
// subject.id, subject.attrs.<key>, object.id, namespace, relation,
// env.tenant_id, env.time.
func getField(ctx *EvalContext, field string) any {
	switch field {
	case "subject.id":
		return ctx.SubjectID
	case "object.id":
		return ctx.ObjectID
	case "namespace":
		return ctx.Namespace
	case "relation":
		return ctx.Relation
	case "env.tenant_id":
		return ctx.TenantID
	case "env.time":
		return ctx.Time
	}
	if len(field) > 14 && field[:14] == "subject.attrs." {
		if ctx.SubjectAttrs == nil {
			return nil
		}
		return ctx.SubjectAttrs[field[14:]]
	}
	return nil
}

func compare(a, b any) int {
	switch av := a.(type) {
	case []string:
		if bs, ok := b.(string); ok {
			for _, v := range av {
				if v == bs {
					return 0
				}
			}
			return -1
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av == bv:
				return 0
			case av < bv:
				return -1
			default:
				return 1
			}
		}
	case int:
		if bv, ok := b.(int); ok {
			return av - bv
		}
		if bv, ok := b.(float64); ok {
			fv := float64(av)
			switch {
			case fv == bv:
				return 0
			case fv < bv:
				return -1
			default:
				return 1
			}
		}
	case float64:
		var bv float64
		switch t := b.(type) {
		case float64:
			bv = t
		case int:
			bv = float64(t)
		default:
			return -1
		}
		switch {
		case av == bv:
			return 0
		case av < bv:
			return -1
		default:
			return 1
		}
	}
	return -1
}

// isFieldRef reports whether a condition RHS is a field reference rather
// than a literal.
func isFieldRef(s string) bool {
	return s == "namespace" || s == "relation" ||
		(len(s) > 8 && s[:8] == "subject.") ||
		(len(s) > 7 && s[:7] == "object.") ||
		(len(s) > 4 && s[:4] == "env.")
}

// rhsString renders a comparison RHS so ParseCondition reads the same value
// back. String literals are quoted (they may contain spaces, which the
// persisted text form must survive); field references and numbers stay bare.
func rhsString(v any) string {
	if s, ok := v.(string); ok && !isFieldRef(s) {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprint(v)
}

// TrueExpr always matches (unconditional policy).
type TrueExpr struct{}

func (e *TrueExpr) Evaluate(_ *EvalContext) (bool, error) { return true, nil }
func (e *TrueExpr) String() string                        { return "true" }

// EqExpr checks equality. The RHS may itself be a field reference
// (e.g. subject.attrs.department == object.id).
type EqExpr struct {
	Field string
	Value any
}

func (e *EqExpr) Evaluate(ctx *EvalContext) (bool, error) {
	val := getField(ctx, e.Field)
	if s, ok := e.Value.(string); ok && isFieldRef(s) {
		return compare(val, getField(ctx, s)) == 0, nil
	}
	return compare(val, e.Value) == 0, nil
}

func (e *EqExpr) String() string { return fmt.Sprintf("%s == %s", e.Field, rhsString(e.Value)) }

// NeExpr checks inequality.
type NeExpr struct {
	Field string
	Value any
}

func (e *NeExpr) Evaluate(ctx *EvalContext) (bool, error) {
	eq := &EqExpr{Field: e.Field, Value: e.Value}
	ok, err := eq.Evaluate(ctx)
	return !ok, err
}

func (e *NeExpr) String() string { return fmt.Sprintf("%s != %s", e.Field, rhsString(e.Value)) }

// InExpr checks membership of a field value in a literal set.
type InExpr struct {
	Field  string
	Values []any
}

func (e *InExpr) Evaluate(ctx *EvalContext) (bool, error) {
	val := getField(ctx, e.Field)
	for _, v := range e.Values {
		if s, ok := v.(string); ok && isFieldRef(s) {
			if compare(val, getField(ctx, s)) == 0 {
				return true, nil
			}
			continue
		}
		if compare(val, v) == 0 {
			return true, nil
		}
	}
	return false, nil
}

func (e *InExpr) String() string {
	out := e.Field + " in ["
	for i, v := range e.Values {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%q", fmt.Sprint(v))
	}
	return out + "]"
}

// GteExpr checks greater-than-or-equal.
type GteExpr struct {
	Field string
	Value any
}

func (e *GteExpr) Evaluate(ctx *EvalContext) (bool, error) {
	val := getField(ctx, e.Field)
	if s, ok := e.Value.(string); ok && isFieldRef(s) {
		return compare(val, getField(ctx, s)) >= 0, nil
	}
	return compare(val, e.Value) >= 0, nil
}

func (e *GteExpr) String() string { return fmt.Sprintf("%s >= %s", e.Field, rhsString(e.Value)) }

// AndExpr is a short-circuiting logical AND.
type AndExpr struct {
	Left  Expr
	Right Expr
}

func (e *AndExpr) Evaluate(ctx *EvalContext) (bool, error) {
	left, err := e.Left.Evaluate(ctx)
	if err != nil || !left {
		return false, err
	}
	return e.Right.Evaluate(ctx)
}

func (e *AndExpr) String() string {
	return fmt.Sprintf("(%s and %s)", e.Left.String(), e.Right.String())
}

// OrExpr is a short-circuiting logical OR.
type OrExpr struct {
	Left  Expr
	Right Expr
}

func (e *OrExpr) Evaluate(ctx *EvalContext) (bool, error) {
	left, err := e.Left.Evaluate(ctx)
	if err != nil {
		return false, err
	}
	if left {
		return true, nil
	}
	return e.Right.Evaluate(ctx)
}

func (e *OrExpr) String() string {
	return fmt.Sprintf("(%s or %s)", e.Left.String(), e.Right.String())
}

// TimeBetweenExpr checks whether env.time falls inside an HH:MM window.
// Windows crossing midnight are supported.
type TimeBetweenExpr struct {
	Start string // "09:00"
	End   string // "18:00"
}

func (e *TimeBetweenExpr) Evaluate(ctx *EvalContext) (bool, error) {
	start, err := time.Parse("15:04", e.Start)
	if err != nil {
		return false, err
	}
	end, err := time.Parse("15:04", e.End)
	if err != nil {
		return false, err
	}
	m := ctx.Time.Hour()*60 + ctx.Time.Minute()
	sm := start.Hour()*60 + start.Minute()
	em := end.Hour()*60 + end.Minute()
	if sm <= em {
		return m >= sm && m <= em, nil
	}
	return m >= sm || m <= em, nil
}

func (e *TimeBetweenExpr) String() string {
	return fmt.Sprintf("env.time between %s-%s", e.Start, e.End)
}
