package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rebac"
)

// SQLDecisionStore persists the append-only decision log in SQL (squealx).
// Rows are only ever inserted or flagged archived; there is no update path
// for decision content.
type SQLDecisionStore struct {
	db *squealx.DB
}

func NewSQLDecisionStore(db *squealx.DB) *SQLDecisionStore {
	return &SQLDecisionStore{db: db}
}

func (s *SQLDecisionStore) Append(ctx context.Context, records []*rebac.DecisionRecord) error {
	q := `INSERT INTO decision_log(id, tenant_id, subject_id, namespace, object_id, relation, allowed, via, reason, depth, error, timestamp, latency_ms, archived) VALUES(:id, :tenant_id, :subject_id, :namespace, :object_id, :relation, :allowed, :via, :reason, :depth, :error, :timestamp, :latency_ms, 0) ON CONFLICT DO NOTHING`
	for _, rec := range records {
		_, err := s.db.NamedExecContext(ctx, q, map[string]any{
			"id":         rec.ID,
			"tenant_id":  rec.TenantID,
			"subject_id": rec.SubjectID,
			"namespace":  rec.Namespace,
			"object_id":  rec.ObjectID,
			"relation":   rec.Relation,
			"allowed":    boolToInt(rec.Allowed),
			"via":        string(rec.Via),
			"reason":     rec.Reason,
			"depth":      rec.Depth,
			"error":      rec.Error,
			"timestamp":  rec.Timestamp,
			"latency_ms": rec.LatencyMS,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLDecisionStore) Query(ctx context.Context, filter rebac.DecisionFilter) ([]*rebac.DecisionRecord, error) {
	q := `SELECT id, tenant_id, subject_id, namespace, object_id, relation, allowed, via, reason, depth, error, timestamp, latency_ms, archived FROM decision_log WHERE tenant_id = :tenant_id`
	params := map[string]any{"tenant_id": filter.TenantID}
	if filter.SubjectID != "" {
		q += " AND subject_id = :subject_id"
		params["subject_id"] = filter.SubjectID
	}
	if filter.Namespace != "" {
		q += " AND namespace = :namespace"
		params["namespace"] = filter.Namespace
	}
	if filter.Allowed != nil {
		q += " AND allowed = :allowed"
		params["allowed"] = boolToInt(*filter.Allowed)
	}
	if !filter.Since.IsZero() {
		q += " AND timestamp >= :since"
		params["since"] = filter.Since
	}
	if !filter.Until.IsZero() {
		q += " AND timestamp <= :until"
		params["until"] = filter.Until
	}
	q += " ORDER BY timestamp ASC, id ASC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	if filter.Offset > 0 {
		q += " OFFSET :offset"
		params["offset"] = filter.Offset
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.DecisionRecord, 0)
	for r.Next() {
		var id, tenant, subject, namespace, object, relation, via, reason, errText string
		var allowedInt, depth, archivedInt int
		var latency float64
		var tsRaw interface{}
		if err := r.Scan(&id, &tenant, &subject, &namespace, &object, &relation, &allowedInt, &via, &reason, &depth, &errText, &tsRaw, &latency, &archivedInt); err != nil {
			return nil, err
		}
		out = append(out, &rebac.DecisionRecord{
			ID:        id,
			TenantID:  tenant,
			SubjectID: subject,
			Namespace: namespace,
			ObjectID:  object,
			Relation:  relation,
			Allowed:   allowedInt != 0,
			Via:       rebac.DecisionVia(via),
			Reason:    reason,
			Depth:     depth,
			Error:     errText,
			Timestamp: scanTime(tsRaw),
			LatencyMS: latency,
			Archived:  archivedInt != 0,
		})
	}
	return out, nil
}

func (s *SQLDecisionStore) Counts(ctx context.Context, tenant string, since time.Time) (int64, int64, error) {
	q := `SELECT allowed, COUNT(*) FROM decision_log WHERE tenant_id = :tenant_id`
	params := map[string]any{"tenant_id": tenant}
	if !since.IsZero() {
		q += " AND timestamp >= :since"
		params["since"] = since
	}
	q += " GROUP BY allowed"
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return 0, 0, err
	}
	defer r.Close()
	var allowed, denied int64
	for r.Next() {
		var flag int
		var count int64
		if err := r.Scan(&flag, &count); err != nil {
			return 0, 0, err
		}
		if flag != 0 {
			allowed = count
		} else {
			denied = count
		}
	}
	return allowed, denied, nil
}

func (s *SQLDecisionStore) TopDeniedSubjects(ctx context.Context, tenant string, since time.Time, limit int) ([]rebac.SubjectCount, error) {
	q := `SELECT subject_id, COUNT(*) AS denials FROM decision_log WHERE tenant_id = :tenant_id AND allowed = 0`
	params := map[string]any{"tenant_id": tenant}
	if !since.IsZero() {
		q += " AND timestamp >= :since"
		params["since"] = since
	}
	q += " GROUP BY subject_id ORDER BY denials DESC, subject_id ASC LIMIT :limit"
	if limit <= 0 {
		limit = 10
	}
	params["limit"] = limit
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]rebac.SubjectCount, 0, limit)
	for r.Next() {
		var sc rebac.SubjectCount
		if err := r.Scan(&sc.SubjectID, &sc.Count); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s *SQLDecisionStore) MarkArchived(ctx context.Context, tenant string, before time.Time) (int64, error) {
	q := `UPDATE decision_log SET archived = 1 WHERE tenant_id = :tenant_id AND archived = 0 AND timestamp < :before`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"tenant_id": tenant, "before": before})
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
