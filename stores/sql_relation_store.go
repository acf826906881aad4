package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rebac"
)

// SQLRelationStore persists relation tuples in SQL (squealx). Subjects are
// stored in their compact string form ("user:alice", "team:9#member") so the
// uniqueness constraint covers the full tuple coordinate.
type SQLRelationStore struct {
	db *squealx.DB
}

func NewSQLRelationStore(db *squealx.DB) *SQLRelationStore {
	return &SQLRelationStore{db: db}
}

func (s *SQLRelationStore) Grant(ctx context.Context, t *rebac.RelationTuple) error {
	q := `INSERT INTO relation_tuples(tenant_id, namespace, object_id, relation, subject) VALUES(:tenant_id, :namespace, :object_id, :relation, :subject) ON CONFLICT DO NOTHING`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id": t.TenantID,
		"namespace": t.Namespace,
		"object_id": t.ObjectID,
		"relation":  t.Relation,
		"subject":   t.Subject.String(),
	})
	return err
}

func (s *SQLRelationStore) Revoke(ctx context.Context, t *rebac.RelationTuple) error {
	q := `DELETE FROM relation_tuples WHERE tenant_id = :tenant_id AND namespace = :namespace AND object_id = :object_id AND relation = :relation AND subject = :subject`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id": t.TenantID,
		"namespace": t.Namespace,
		"object_id": t.ObjectID,
		"relation":  t.Relation,
		"subject":   t.Subject.String(),
	})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", rebac.ErrNotFound, t.Key())
	}
	return nil
}

func (s *SQLRelationStore) Has(ctx context.Context, t *rebac.RelationTuple) (bool, error) {
	q := `SELECT COUNT(*) FROM relation_tuples WHERE tenant_id = :tenant_id AND namespace = :namespace AND object_id = :object_id AND relation = :relation AND subject = :subject`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"tenant_id": t.TenantID,
		"namespace": t.Namespace,
		"object_id": t.ObjectID,
		"relation":  t.Relation,
		"subject":   t.Subject.String(),
	})
	if err != nil {
		return false, err
	}
	defer r.Close()
	if !r.Next() {
		return false, nil
	}
	var n int
	if err := r.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLRelationStore) ListSubjects(ctx context.Context, tenant, namespace, objectID, relation string) ([]rebac.SubjectRef, error) {
	q := `SELECT subject FROM relation_tuples WHERE tenant_id = :tenant_id AND namespace = :namespace AND object_id = :object_id AND relation = :relation ORDER BY subject ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"tenant_id": tenant,
		"namespace": namespace,
		"object_id": objectID,
		"relation":  relation,
	})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]rebac.SubjectRef, 0)
	for r.Next() {
		var raw string
		if err := r.Scan(&raw); err != nil {
			return nil, err
		}
		ref, err := rebac.ParseSubjectRef(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt subject column: %w", err)
		}
		out = append(out, ref)
	}
	return out, nil
}

func (s *SQLRelationStore) ListTuples(ctx context.Context, tenant, namespace, objectID string) ([]*rebac.RelationTuple, error) {
	q := `SELECT relation, subject FROM relation_tuples WHERE tenant_id = :tenant_id AND namespace = :namespace AND object_id = :object_id ORDER BY relation ASC, subject ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"tenant_id": tenant,
		"namespace": namespace,
		"object_id": objectID,
	})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.RelationTuple, 0)
	for r.Next() {
		var relation, raw string
		if err := r.Scan(&relation, &raw); err != nil {
			return nil, err
		}
		ref, err := rebac.ParseSubjectRef(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt subject column: %w", err)
		}
		out = append(out, &rebac.RelationTuple{
			TenantID:  tenant,
			Namespace: namespace,
			ObjectID:  objectID,
			Relation:  relation,
			Subject:   ref,
		})
	}
	return out, nil
}

func (s *SQLRelationStore) ListObjectsForSubject(ctx context.Context, tenant string, subject rebac.SubjectRef, namespace, relation string, page rebac.Page) ([]string, error) {
	q := `SELECT DISTINCT object_id FROM relation_tuples WHERE tenant_id = :tenant_id AND namespace = :namespace AND relation = :relation AND subject = :subject ORDER BY object_id ASC`
	params := map[string]any{
		"tenant_id": tenant,
		"namespace": namespace,
		"relation":  relation,
		"subject":   subject.String(),
	}
	if page.Limit > 0 {
		q += " LIMIT :limit OFFSET :offset"
		params["limit"] = page.Limit
		params["offset"] = page.Offset
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]string, 0)
	for r.Next() {
		var obj string
		if err := r.Scan(&obj); err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}
