package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rebac"
)

// SQLPolicyStore persists policies in SQL (squealx). Conditions are stored
// as their compact text form and reparsed on read; optimistic concurrency is
// enforced by a version guard in the UPDATE predicate.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

func (s *SQLPolicyStore) AddPolicy(ctx context.Context, p *rebac.Policy) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	q := `INSERT INTO policies(id, tenant_id, namespace, relation, effect, condition_text, priority, version, created_at, updated_at) VALUES(:id, :tenant_id, :namespace, :relation, :effect, :condition_text, :priority, :version, :created_at, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":             p.ID,
		"tenant_id":      p.TenantID,
		"namespace":      p.Namespace,
		"relation":       p.Relation,
		"effect":         string(p.Effect),
		"condition_text": p.ConditionText(),
		"priority":       p.Priority,
		"version":        p.Version,
		"created_at":     p.CreatedAt,
		"updated_at":     p.UpdatedAt,
	})
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func (s *SQLPolicyStore) UpdatePolicy(ctx context.Context, id string, p *rebac.Policy, expectedVersion int) error {
	p.UpdatedAt = time.Now()
	q := `UPDATE policies SET namespace=:namespace, relation=:relation, effect=:effect, condition_text=:condition_text, priority=:priority, version=:new_version, updated_at=:updated_at WHERE id=:id AND tenant_id=:tenant_id AND version=:expected_version`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":               id,
		"tenant_id":        p.TenantID,
		"namespace":        p.Namespace,
		"relation":         p.Relation,
		"effect":           string(p.Effect),
		"condition_text":   p.ConditionText(),
		"priority":         p.Priority,
		"new_version":      expectedVersion + 1,
		"expected_version": expectedVersion,
		"updated_at":       p.UpdatedAt,
	})
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// distinguish missing from stale
		if _, err := s.GetPolicy(ctx, p.TenantID, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: policy %s, expected version %d", rebac.ErrVersionConflict, id, expectedVersion)
	}
	p.ID = id
	p.Version = expectedVersion + 1
	return nil
}

func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, tenant, id string) error {
	q := `DELETE FROM policies WHERE id = :id AND tenant_id = :tenant_id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id, "tenant_id": tenant})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: policy %s", rebac.ErrNotFound, id)
	}
	return nil
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, tenant, id string) (*rebac.Policy, error) {
	q := `SELECT id, tenant_id, namespace, relation, effect, condition_text, priority, version, created_at, updated_at FROM policies WHERE id = :id AND tenant_id = :tenant_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id, "tenant_id": tenant})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%w: policy %s", rebac.ErrNotFound, id)
	}
	return scanPolicy(r)
}

func (s *SQLPolicyStore) ListPolicies(ctx context.Context, tenant, namespace, relation string) ([]*rebac.Policy, error) {
	// priority desc, id asc is the evaluation order
	q := `SELECT id, tenant_id, namespace, relation, effect, condition_text, priority, version, created_at, updated_at FROM policies WHERE tenant_id = :tenant_id AND namespace = :namespace AND relation = :relation ORDER BY priority DESC, id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"tenant_id": tenant,
		"namespace": namespace,
		"relation":  relation,
	})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.Policy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(r rowScanner) (*rebac.Policy, error) {
	var id, tenant, namespace, relation, effect, cond string
	var priority, version int
	var createdRaw, updatedRaw interface{}
	if err := r.Scan(&id, &tenant, &namespace, &relation, &effect, &cond, &priority, &version, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	p := &rebac.Policy{
		ID:        id,
		TenantID:  tenant,
		Namespace: namespace,
		Relation:  relation,
		Effect:    rebac.Effect(effect),
		Priority:  priority,
		Version:   version,
		CreatedAt: scanTime(createdRaw),
		UpdatedAt: scanTime(updatedRaw),
	}
	if cond == "" {
		p.Condition = &rebac.TrueExpr{}
	} else if expr, err := rebac.ParseCondition(cond); err == nil {
		p.Condition = expr
	} else {
		// unparseable condition must never grant
		return nil, fmt.Errorf("corrupt condition for policy %s: %w", id, err)
	}
	return p, nil
}
