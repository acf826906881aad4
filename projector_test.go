package rebac_test

import (
	"context"
	"errors"
	"testing"

	"github.com/oarkflow/rebac"
	"github.com/oarkflow/rebac/stores"
)

type projectorEnv struct {
	engine    *rebac.Engine
	projector *rebac.Projector
	ui        *stores.MemoryUIStore
}

func newTestProjector(t *testing.T) *projectorEnv {
	t.Helper()
	env := newTestEngine(t)
	ui := stores.NewMemoryUIStore()
	return &projectorEnv{
		engine:    env.engine,
		projector: rebac.NewProjector(env.engine, ui, nil),
		ui:        ui,
	}
}

func (p *projectorEnv) upsert(t *testing.T, item *rebac.SidebarItem) {
	t.Helper()
	if err := p.projector.UpsertItem(context.Background(), item); err != nil {
		t.Fatalf("UpsertItem %s: %v", item.ID, err)
	}
}

func TestSidebarPrecedenceChain(t *testing.T) {
	ctx := context.Background()
	env := newTestProjector(t)

	// Requirement satisfied through role membership.
	mustGrant(t, env.engine, rebac.NewTupleBuilder().
		Tenant("t1").Namespace("role").Object("admin").Relation("member").
		User("alice").Build())

	env.upsert(t, rebac.NewSidebarItemBuilder().
		ID("reports").Tenant("t1").Label("Reports").Page("/reports").Order(1).
		Requires("role:admin").Build())

	resolved, err := env.projector.ResolveSidebar(ctx, "t1", "alice", nil)
	if err != nil {
		t.Fatalf("ResolveSidebar: %v", err)
	}
	if len(resolved) != 1 || !resolved[0].Visible || resolved[0].Source != "relation" {
		t.Fatalf("expected visible via relation, got %+v", resolved)
	}

	// A role override beats the relation check.
	env.upsert(t, rebac.NewSidebarItemBuilder().
		ID("reports").Tenant("t1").Label("Reports").Page("/reports").Order(1).
		Requires("role:admin").RoleOverride("auditor", false).Build())
	resolved, err = env.projector.ResolveSidebar(ctx, "t1", "alice", []string{"auditor"})
	if err != nil {
		t.Fatalf("ResolveSidebar: %v", err)
	}
	if resolved[0].Visible || resolved[0].Source != "role-override" {
		t.Fatalf("expected hidden via role override, got %+v", resolved[0])
	}

	// A user override beats everything.
	if err := env.projector.SetOverride(ctx, &rebac.UserOverride{
		TenantID: "t1", UserID: "alice", ItemID: "reports", Visible: true,
	}); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}
	resolved, err = env.projector.ResolveSidebar(ctx, "t1", "alice", []string{"auditor"})
	if err != nil {
		t.Fatalf("ResolveSidebar: %v", err)
	}
	if !resolved[0].Visible || resolved[0].Source != "user-override" {
		t.Fatalf("expected visible via user override, got %+v", resolved[0])
	}

	// Clearing overrides restores the role override outcome.
	if err := env.projector.ClearOverrides(ctx, "t1", "alice"); err != nil {
		t.Fatalf("ClearOverrides: %v", err)
	}
	resolved, err = env.projector.ResolveSidebar(ctx, "t1", "alice", []string{"auditor"})
	if err != nil {
		t.Fatalf("ResolveSidebar: %v", err)
	}
	if resolved[0].Visible {
		t.Fatalf("expected role override back in force, got %+v", resolved[0])
	}
}

func TestRoleOverrideAnyTrueWins(t *testing.T) {
	ctx := context.Background()
	env := newTestProjector(t)

	env.upsert(t, rebac.NewSidebarItemBuilder().
		ID("billing").Tenant("t1").Label("Billing").Page("/billing").
		RoleOverride("viewer", false).RoleOverride("accountant", true).Build())

	resolved, err := env.projector.ResolveSidebar(ctx, "t1", "bob", []string{"viewer", "accountant"})
	if err != nil {
		t.Fatalf("ResolveSidebar: %v", err)
	}
	if !resolved[0].Visible {
		t.Fatalf("any matching role granting visibility should win, got %+v", resolved[0])
	}
}

func TestVisibleSidebarOrderAndDefault(t *testing.T) {
	ctx := context.Background()
	env := newTestProjector(t)

	env.upsert(t, rebac.NewSidebarItemBuilder().
		ID("settings").Tenant("t1").Label("Settings").Page("/settings").Order(2).Visible(true).Build())
	env.upsert(t, rebac.NewSidebarItemBuilder().
		ID("home").Tenant("t1").Label("Home").Page("/").Order(1).Visible(true).Build())
	env.upsert(t, rebac.NewSidebarItemBuilder().
		ID("hidden").Tenant("t1").Label("Hidden").Page("/hidden").Order(3).Visible(false).Build())

	items, err := env.projector.VisibleSidebar(ctx, "t1", "bob", nil)
	if err != nil {
		t.Fatalf("VisibleSidebar: %v", err)
	}
	if len(items) != 2 || items[0].ID != "home" || items[1].ID != "settings" {
		t.Fatalf("expected [home settings], got %+v", items)
	}
}

func TestCheckPageAccessMostSpecificRule(t *testing.T) {
	ctx := context.Background()
	env := newTestProjector(t)

	mustGrant(t, env.engine, rebac.NewTupleBuilder().
		Tenant("t1").Namespace("role").Object("admin").Relation("member").
		User("alice").Build())

	addRule := func(id, pattern, requires string, defaultAllow bool) {
		t.Helper()
		err := env.projector.UpsertPageRule(ctx, &rebac.PageAccessRule{
			ID: id, TenantID: "t1", Pattern: pattern,
			RequiredRelation: requires, DefaultAllow: defaultAllow,
		})
		if err != nil {
			t.Fatalf("UpsertPageRule %s: %v", id, err)
		}
	}
	addRule("all-admin", "/admin/*", "role:admin", false)
	addRule("admin-public", "/admin/help", "", true)

	// No rule matches: allowed by default.
	if ok, err := env.projector.CheckPageAccess(ctx, "t1", "bob", nil, "/dashboard"); err != nil || !ok {
		t.Fatalf("unmatched page should be allowed, got ok=%v err=%v", ok, err)
	}
	// Subtree rule requires the admin role.
	if ok, _ := env.projector.CheckPageAccess(ctx, "t1", "bob", nil, "/admin/users"); ok {
		t.Fatalf("bob must not reach /admin/users")
	}
	if ok, _ := env.projector.CheckPageAccess(ctx, "t1", "alice", nil, "/admin/users"); !ok {
		t.Fatalf("alice holds role:admin and must reach /admin/users")
	}
	// The longer, more specific pattern wins over the subtree rule.
	if ok, _ := env.projector.CheckPageAccess(ctx, "t1", "bob", nil, "/admin/help"); !ok {
		t.Fatalf("/admin/help is governed by the more specific open rule")
	}
}

func TestAccessMatrix(t *testing.T) {
	ctx := context.Background()
	env := newTestProjector(t)

	// Members of role editor hold viewer on the handbook directly.
	mustGrant(t, env.engine, rebac.NewTupleBuilder().
		Tenant("t1").Namespace("document").Object("handbook").Relation("viewer").
		Userset("role", "editor", "member").Build())

	env.upsert(t, rebac.NewSidebarItemBuilder().
		ID("handbook").Tenant("t1").Label("Handbook").Page("/handbook").
		Requires("document:handbook#viewer").Build())
	env.upsert(t, rebac.NewSidebarItemBuilder().
		ID("admin").Tenant("t1").Label("Admin").Page("/admin").
		Requires("role:admin").Build())
	env.upsert(t, rebac.NewSidebarItemBuilder().
		ID("news").Tenant("t1").Label("News").Page("/news").Visible(true).
		RoleOverride("intern", false).Build())

	matrix, err := env.projector.AccessMatrix(ctx, "t1", []string{"admin", "editor", "intern"})
	if err != nil {
		t.Fatalf("AccessMatrix: %v", err)
	}
	if !matrix["handbook"]["editor"] || matrix["handbook"]["admin"] {
		t.Fatalf("handbook row wrong: %+v", matrix["handbook"])
	}
	if !matrix["admin"]["admin"] || matrix["admin"]["editor"] {
		t.Fatalf("admin row wrong: %+v", matrix["admin"])
	}
	if matrix["news"]["intern"] || !matrix["news"]["admin"] {
		t.Fatalf("news row wrong: %+v", matrix["news"])
	}
}

func TestSetRoleVisibilityBulk(t *testing.T) {
	ctx := context.Background()
	env := newTestProjector(t)

	env.upsert(t, rebac.NewSidebarItemBuilder().
		ID("a").Tenant("t1").Label("A").Page("/a").Visible(true).Build())
	env.upsert(t, rebac.NewSidebarItemBuilder().
		ID("b").Tenant("t1").Label("B").Page("/b").Visible(true).Build())

	n, err := env.projector.SetRoleVisibility(ctx, "t1", "intern", false, nil)
	if err != nil {
		t.Fatalf("SetRoleVisibility: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 items updated, got %d", n)
	}

	resolved, err := env.projector.ResolveSidebar(ctx, "t1", "bob", []string{"intern"})
	if err != nil {
		t.Fatalf("ResolveSidebar: %v", err)
	}
	for _, r := range resolved {
		if r.Visible {
			t.Fatalf("expected everything hidden for interns, got %+v", r)
		}
	}
}

func TestUpsertValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestProjector(t)

	err := env.projector.UpsertItem(ctx, &rebac.SidebarItem{TenantID: "t1"})
	if !errors.Is(err, rebac.ErrInvalidNamespace) {
		t.Fatalf("expected ErrInvalidNamespace for missing id, got %v", err)
	}
	err = env.projector.UpsertItem(ctx, &rebac.SidebarItem{
		ID: "x", TenantID: "t1", RequiredRelation: "not-a-requirement",
	})
	if err == nil {
		t.Fatalf("expected error for malformed requirement")
	}
	err = env.projector.UpsertPageRule(ctx, &rebac.PageAccessRule{ID: "x", TenantID: "t1"})
	if !errors.Is(err, rebac.ErrInvalidNamespace) {
		t.Fatalf("expected ErrInvalidNamespace for missing pattern, got %v", err)
	}
}
