package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rebac"
)

// SQLUIStore persists sidebar/page configuration and per-user overrides in
// SQL (squealx). Role overrides are kept as a JSON column.
type SQLUIStore struct {
	db *squealx.DB
}

func NewSQLUIStore(db *squealx.DB) *SQLUIStore {
	return &SQLUIStore{db: db}
}

func (s *SQLUIStore) UpsertSidebarItem(ctx context.Context, item *rebac.SidebarItem) error {
	overrides, _ := json.Marshal(item.RoleOverrides)
	q := `INSERT INTO sidebar_items(id, tenant_id, label, page, sort_order, required_relation, default_visible, role_overrides_json) VALUES(:id, :tenant_id, :label, :page, :sort_order, :required_relation, :default_visible, :role_overrides_json) ON CONFLICT(id, tenant_id) DO UPDATE SET label=excluded.label, page=excluded.page, sort_order=excluded.sort_order, required_relation=excluded.required_relation, default_visible=excluded.default_visible, role_overrides_json=excluded.role_overrides_json`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                  item.ID,
		"tenant_id":           item.TenantID,
		"label":               item.Label,
		"page":                item.Page,
		"sort_order":          item.Order,
		"required_relation":   item.RequiredRelation,
		"default_visible":     boolToInt(item.DefaultVisible),
		"role_overrides_json": string(overrides),
	})
	return err
}

func (s *SQLUIStore) GetSidebarItem(ctx context.Context, tenant, id string) (*rebac.SidebarItem, error) {
	q := `SELECT id, tenant_id, label, page, sort_order, required_relation, default_visible, role_overrides_json FROM sidebar_items WHERE id = :id AND tenant_id = :tenant_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id, "tenant_id": tenant})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%w: sidebar item %s", rebac.ErrNotFound, id)
	}
	return scanSidebarItem(r)
}

func (s *SQLUIStore) ListSidebarItems(ctx context.Context, tenant string) ([]*rebac.SidebarItem, error) {
	q := `SELECT id, tenant_id, label, page, sort_order, required_relation, default_visible, role_overrides_json FROM sidebar_items WHERE tenant_id = :tenant_id ORDER BY sort_order ASC, id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenant})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.SidebarItem, 0)
	for r.Next() {
		item, err := scanSidebarItem(r)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *SQLUIStore) DeleteSidebarItem(ctx context.Context, tenant, id string) error {
	q := `DELETE FROM sidebar_items WHERE id = :id AND tenant_id = :tenant_id`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id, "tenant_id": tenant})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: sidebar item %s", rebac.ErrNotFound, id)
	}
	return nil
}

func (s *SQLUIStore) UpsertPageRule(ctx context.Context, rule *rebac.PageAccessRule) error {
	q := `INSERT INTO page_rules(id, tenant_id, pattern, required_relation, default_allow) VALUES(:id, :tenant_id, :pattern, :required_relation, :default_allow) ON CONFLICT(id, tenant_id) DO UPDATE SET pattern=excluded.pattern, required_relation=excluded.required_relation, default_allow=excluded.default_allow`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                rule.ID,
		"tenant_id":         rule.TenantID,
		"pattern":           rule.Pattern,
		"required_relation": rule.RequiredRelation,
		"default_allow":     boolToInt(rule.DefaultAllow),
	})
	return err
}

func (s *SQLUIStore) ListPageRules(ctx context.Context, tenant string) ([]*rebac.PageAccessRule, error) {
	q := `SELECT id, tenant_id, pattern, required_relation, default_allow FROM page_rules WHERE tenant_id = :tenant_id ORDER BY id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenant})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.PageAccessRule, 0)
	for r.Next() {
		var rule rebac.PageAccessRule
		var allowInt int
		if err := r.Scan(&rule.ID, &rule.TenantID, &rule.Pattern, &rule.RequiredRelation, &allowInt); err != nil {
			return nil, err
		}
		rule.DefaultAllow = allowInt != 0
		out = append(out, &rule)
	}
	return out, nil
}

func (s *SQLUIStore) SetUserOverride(ctx context.Context, ov *rebac.UserOverride) error {
	q := `INSERT INTO user_overrides(tenant_id, user_id, item_id, visible) VALUES(:tenant_id, :user_id, :item_id, :visible) ON CONFLICT(tenant_id, user_id, item_id) DO UPDATE SET visible=excluded.visible`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id": ov.TenantID,
		"user_id":   ov.UserID,
		"item_id":   ov.ItemID,
		"visible":   boolToInt(ov.Visible),
	})
	return err
}

func (s *SQLUIStore) ListUserOverrides(ctx context.Context, tenant, userID string) ([]*rebac.UserOverride, error) {
	q := `SELECT tenant_id, user_id, item_id, visible FROM user_overrides WHERE tenant_id = :tenant_id AND user_id = :user_id ORDER BY item_id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenant, "user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.UserOverride, 0)
	for r.Next() {
		var ov rebac.UserOverride
		var visibleInt int
		if err := r.Scan(&ov.TenantID, &ov.UserID, &ov.ItemID, &visibleInt); err != nil {
			return nil, err
		}
		ov.Visible = visibleInt != 0
		out = append(out, &ov)
	}
	return out, nil
}

func (s *SQLUIStore) DeleteUserOverrides(ctx context.Context, tenant, userID string) error {
	q := `DELETE FROM user_overrides WHERE tenant_id = :tenant_id AND user_id = :user_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"tenant_id": tenant, "user_id": userID})
	return err
}

func scanSidebarItem(r rowScanner) (*rebac.SidebarItem, error) {
	var item rebac.SidebarItem
	var visibleInt int
	var overridesJSON string
	if err := r.Scan(&item.ID, &item.TenantID, &item.Label, &item.Page, &item.Order, &item.RequiredRelation, &visibleInt, &overridesJSON); err != nil {
		return nil, err
	}
	item.DefaultVisible = visibleInt != 0
	if overridesJSON != "" && overridesJSON != "null" {
		if err := json.Unmarshal([]byte(overridesJSON), &item.RoleOverrides); err != nil {
			return nil, fmt.Errorf("corrupt role overrides for item %s: %w", item.ID, err)
		}
	}
	return &item, nil
}
