package rebac

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/oarkflow/rebac/logger"
	"github.com/oarkflow/rebac/utils"
)

// ============================================================================
// UI ACCESS PROJECTOR
// ============================================================================

// SidebarItem is one configured navigation entry. RequiredRelation is either
// a full relation coordinate "namespace:object#relation" or a role
// requirement "role:<name>"; empty means the item is governed by overrides
// and its default alone.
type SidebarItem struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	Label            string          `json:"label"`
	Page             string          `json:"page"`
	Order            int             `json:"order"`
	RequiredRelation string          `json:"required_relation,omitempty"`
	DefaultVisible   bool            `json:"default_visible"`
	RoleOverrides    map[string]bool `json:"role_overrides,omitempty"`
}

// PageAccessRule gates a page path pattern the same way a sidebar item gates
// a navigation entry.
type PageAccessRule struct {
	ID               string `json:"id"`
	TenantID         string `json:"tenant_id"`
	Pattern          string `json:"pattern"`
	RequiredRelation string `json:"required_relation,omitempty"`
	DefaultAllow     bool   `json:"default_allow"`
}

// UserOverride pins an item's visibility for one user. Highest precedence.
type UserOverride struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	ItemID   string `json:"item_id"`
	Visible  bool   `json:"visible"`
}

// ResolvedItem is a sidebar item with its effective visibility for a user.
type ResolvedItem struct {
	Item    *SidebarItem `json:"item"`
	Visible bool         `json:"visible"`
	Source  string       `json:"source"` // user-override | role-override | relation | default
}

// Projector derives per-user navigation from the decision evaluator plus
// explicit overrides. Precedence per item: user override > role override >
// evaluator check of the required relation > item default. The projector
// holds no cache of its own; every relation check goes through the engine so
// visibility is never staler than the decision cache's fingerprint validity.
type Projector struct {
	engine *Engine
	store  UIStore
	log    logger.Logger
}

func NewProjector(engine *Engine, store UIStore, log logger.Logger) *Projector {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Projector{engine: engine, store: store, log: log}
}

// RoleNamespace is the namespace role requirements resolve against: holding
// role "admin" means having relation "member" on role:admin.
const (
	RoleNamespace = "role"
	RoleRelation  = "member"
)

// RoleSubject builds the userset reference for a role's members.
func RoleSubject(role string) SubjectRef {
	return Userset(RoleNamespace, role, RoleRelation)
}

type requirement struct {
	role      string // role requirement, or
	namespace string // relation coordinate
	objectID  string
	relation  string
}

func parseRequirement(s string) (*requirement, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if role, ok := strings.CutPrefix(s, "role:"); ok {
		return &requirement{role: role}, nil
	}
	hash := strings.Index(s, "#")
	colon := strings.Index(s, ":")
	if hash == -1 || colon == -1 || colon > hash {
		return nil, fmt.Errorf("malformed requirement %q, want namespace:object#relation or role:<name>", s)
	}
	return &requirement{namespace: s[:colon], objectID: s[colon+1:hash], relation: s[hash+1:]}, nil
}

// checkRequirement resolves a requirement through the engine. Role
// requirements are membership checks on the role namespace, so nested roles
// expand like any other userset chain. Fail-closed on error.
func (p *Projector) checkRequirement(ctx context.Context, tenant, userID string, req *requirement) bool {
	var dec *Decision
	var err error
	if req.role != "" {
		dec, err = p.engine.Check(ctx, tenant, userID, RoleNamespace, req.role, RoleRelation)
	} else {
		dec, err = p.engine.Check(ctx, tenant, userID, req.namespace, req.objectID, req.relation)
	}
	if err != nil {
		p.log.Error("projector requirement check failed", "tenant", tenant, "user", userID, "error", err.Error())
		return false
	}
	return dec.Allowed
}

// resolve computes the effective visibility of one item.
func (p *Projector) resolve(ctx context.Context, tenant, userID string, roles []string, item *SidebarItem, overrides map[string]bool) ResolvedItem {
	if v, ok := overrides[item.ID]; ok {
		return ResolvedItem{Item: item, Visible: v, Source: "user-override"}
	}
	if len(item.RoleOverrides) > 0 {
		matched := false
		visible := false
		for _, role := range roles {
			if v, ok := item.RoleOverrides[role]; ok {
				matched = true
				visible = visible || v
			}
		}
		if matched {
			return ResolvedItem{Item: item, Visible: visible, Source: "role-override"}
		}
	}
	req, err := parseRequirement(item.RequiredRelation)
	if err != nil {
		p.log.Error("sidebar item has malformed requirement", "tenant", tenant, "item", item.ID, "error", err.Error())
		return ResolvedItem{Item: item, Visible: false, Source: "relation"}
	}
	if req != nil {
		return ResolvedItem{Item: item, Visible: p.checkRequirement(ctx, tenant, userID, req), Source: "relation"}
	}
	return ResolvedItem{Item: item, Visible: item.DefaultVisible, Source: "default"}
}

func (p *Projector) userOverrides(ctx context.Context, tenant, userID string) (map[string]bool, error) {
	ovs, err := p.store.ListUserOverrides(ctx, tenant, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list overrides: %v", ErrUnavailable, err)
	}
	out := make(map[string]bool, len(ovs))
	for _, ov := range ovs {
		out[ov.ItemID] = ov.Visible
	}
	return out, nil
}

// VisibleSidebar returns the items the user should see, in configured order.
func (p *Projector) VisibleSidebar(ctx context.Context, tenant, userID string, roles []string) ([]*SidebarItem, error) {
	resolved, err := p.ResolveSidebar(ctx, tenant, userID, roles)
	if err != nil {
		return nil, err
	}
	out := make([]*SidebarItem, 0, len(resolved))
	for _, r := range resolved {
		if r.Visible {
			out = append(out, r.Item)
		}
	}
	return out, nil
}

// ResolveSidebar returns every configured item with its effective visibility
// and the precedence level that decided it.
func (p *Projector) ResolveSidebar(ctx context.Context, tenant, userID string, roles []string) ([]ResolvedItem, error) {
	items, err := p.store.ListSidebarItems(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("%w: list sidebar: %v", ErrUnavailable, err)
	}
	overrides, err := p.userOverrides(ctx, tenant, userID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Order != items[j].Order {
			return items[i].Order < items[j].Order
		}
		return items[i].ID < items[j].ID
	})
	out := make([]ResolvedItem, 0, len(items))
	for _, item := range items {
		out = append(out, p.resolve(ctx, tenant, userID, roles, item, overrides))
	}
	return out, nil
}

// CheckPageAccess gates a concrete page path. The most specific matching
// rule (longest pattern) wins; with no matching rule access defaults to
// allowed, since page rules are an opt-in restriction layer.
func (p *Projector) CheckPageAccess(ctx context.Context, tenant, userID string, roles []string, page string) (bool, error) {
	rules, err := p.store.ListPageRules(ctx, tenant)
	if err != nil {
		return false, fmt.Errorf("%w: list page rules: %v", ErrUnavailable, err)
	}
	var match *PageAccessRule
	for _, rule := range rules {
		if !utils.MatchPage(page, rule.Pattern) {
			continue
		}
		if match == nil || len(rule.Pattern) > len(match.Pattern) {
			match = rule
		}
	}
	if match == nil {
		return true, nil
	}
	overrides, err := p.userOverrides(ctx, tenant, userID)
	if err != nil {
		return false, err
	}
	if v, ok := overrides[match.ID]; ok {
		return v, nil
	}
	req, err := parseRequirement(match.RequiredRelation)
	if err != nil {
		return false, err
	}
	if req != nil {
		return p.checkRequirement(ctx, tenant, userID, req), nil
	}
	return match.DefaultAllow, nil
}

// AccessMatrix reports, per item and per role, whether a member of that role
// (with no user override) would see the item. Relation requirements resolve
// through a synthetic membership check against the role's userset.
func (p *Projector) AccessMatrix(ctx context.Context, tenant string, roles []string) (map[string]map[string]bool, error) {
	items, err := p.store.ListSidebarItems(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("%w: list sidebar: %v", ErrUnavailable, err)
	}
	matrix := make(map[string]map[string]bool, len(items))
	for _, item := range items {
		row := make(map[string]bool, len(roles))
		req, perr := parseRequirement(item.RequiredRelation)
		for _, role := range roles {
			if v, ok := item.RoleOverrides[role]; ok {
				row[role] = v
				continue
			}
			switch {
			case perr != nil:
				row[role] = false
			case req == nil:
				row[role] = item.DefaultVisible
			case req.role != "":
				row[role] = req.role == role
			default:
				// does the role's member set hold the relation directly
				ok, herr := p.engine.relations.Has(ctx, &RelationTuple{
					TenantID:  tenant,
					Namespace: req.namespace,
					ObjectID:  req.objectID,
					Relation:  req.relation,
					Subject:   RoleSubject(role),
				})
				row[role] = herr == nil && ok
			}
		}
		matrix[item.ID] = row
	}
	return matrix, nil
}

// SetRoleVisibility bulk-applies one role's override across items. Empty
// itemIDs means every configured item.
func (p *Projector) SetRoleVisibility(ctx context.Context, tenant, role string, visible bool, itemIDs []string) (int, error) {
	items, err := p.store.ListSidebarItems(ctx, tenant)
	if err != nil {
		return 0, fmt.Errorf("%w: list sidebar: %v", ErrUnavailable, err)
	}
	wanted := map[string]bool{}
	for _, id := range itemIDs {
		wanted[id] = true
	}
	updated := 0
	for _, item := range items {
		if len(wanted) > 0 && !wanted[item.ID] {
			continue
		}
		if item.RoleOverrides == nil {
			item.RoleOverrides = map[string]bool{}
		}
		item.RoleOverrides[role] = visible
		if err := p.store.UpsertSidebarItem(ctx, item); err != nil {
			return updated, fmt.Errorf("%w: upsert sidebar item: %v", ErrUnavailable, err)
		}
		updated++
	}
	p.log.Info("role visibility updated", "tenant", tenant, "role", role, "visible", visible, "items", updated)
	return updated, nil
}

// UpsertItem validates and stores a sidebar item.
func (p *Projector) UpsertItem(ctx context.Context, item *SidebarItem) error {
	if item.ID == "" || item.TenantID == "" {
		return fmt.Errorf("%w: sidebar item id and tenant are required", ErrInvalidNamespace)
	}
	if _, err := parseRequirement(item.RequiredRelation); err != nil {
		return err
	}
	return p.store.UpsertSidebarItem(ctx, item)
}

// UpsertPageRule validates and stores a page access rule.
func (p *Projector) UpsertPageRule(ctx context.Context, rule *PageAccessRule) error {
	if rule.ID == "" || rule.TenantID == "" || rule.Pattern == "" {
		return fmt.Errorf("%w: page rule id, tenant and pattern are required", ErrInvalidNamespace)
	}
	if _, err := parseRequirement(rule.RequiredRelation); err != nil {
		return err
	}
	return p.store.UpsertPageRule(ctx, rule)
}

// SetOverride pins visibility of one item for one user.
func (p *Projector) SetOverride(ctx context.Context, ov *UserOverride) error {
	if ov.TenantID == "" || ov.UserID == "" || ov.ItemID == "" {
		return fmt.Errorf("%w: override tenant, user and item are required", ErrInvalidNamespace)
	}
	return p.store.SetUserOverride(ctx, ov)
}

// ClearOverrides removes every override of a user.
func (p *Projector) ClearOverrides(ctx context.Context, tenant, userID string) error {
	return p.store.DeleteUserOverrides(ctx, tenant, userID)
}

// Item fetches one sidebar item.
func (p *Projector) Item(ctx context.Context, tenant, id string) (*SidebarItem, error) {
	return p.store.GetSidebarItem(ctx, tenant, id)
}

// Items lists the full sidebar configuration.
func (p *Projector) Items(ctx context.Context, tenant string) ([]*SidebarItem, error) {
	return p.store.ListSidebarItems(ctx, tenant)
}

// PageRules lists the configured page rules.
func (p *Projector) PageRules(ctx context.Context, tenant string) ([]*PageAccessRule, error) {
	return p.store.ListPageRules(ctx, tenant)
}

// DeleteItem removes a sidebar item.
func (p *Projector) DeleteItem(ctx context.Context, tenant, id string) error {
	return p.store.DeleteSidebarItem(ctx, tenant, id)
}
