package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/oarkflow/rebac"
	"github.com/oarkflow/rebac/stores"
)

func newTestRouter(t *testing.T) (chi.Router, *rebac.Engine) {
	t.Helper()
	schema := rebac.NewSchema()
	schema.AddNamespace("document", "viewer", "editor")
	schema.AddNamespace("team", "member")
	schema.AddNamespace("role", "member")

	engine, err := rebac.NewEngine(
		stores.NewMemoryRelationStore(),
		stores.NewMemoryPolicyStore(),
		stores.NewMemoryDecisionStore(),
		schema,
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(engine.Close)

	projector := rebac.NewProjector(engine, stores.NewMemoryUIStore(), nil)
	return New(engine, projector, nil).Router(), engine
}

func doJSON(t *testing.T, router chi.Router, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestTenantHeaderRequired(t *testing.T) {
	router, _ := newTestRouter(t)
	rr := doJSON(t, router, http.MethodPost, "/api/permission/check", "", map[string]string{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without tenant header, got %d", rr.Code)
	}
}

func TestCheckFlow(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/permission/relations", "t1", map[string]string{
		"namespace": "document", "object_id": "readme", "relation": "viewer", "subject": "user:alice",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("grant: expected 200, got %d %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, router, http.MethodPost, "/api/permission/check", "t1", map[string]string{
		"subject": "alice", "namespace": "document", "object_id": "readme", "relation": "viewer",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("check: expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["allowed"] != true || body["via"] != "tuple" {
		t.Fatalf("expected allow via tuple, got %v", body)
	}

	// A deny is still 200.
	rr = doJSON(t, router, http.MethodPost, "/api/permission/check", "t1", map[string]string{
		"subject": "bob", "namespace": "document", "object_id": "readme", "relation": "viewer",
	})
	if rr.Code != http.StatusOK || decodeBody(t, rr)["allowed"] != false {
		t.Fatalf("deny must be 200 allowed=false, got %d %s", rr.Code, rr.Body.String())
	}

	// Unknown namespace is a client error, not a deny.
	rr = doJSON(t, router, http.MethodPost, "/api/permission/check", "t1", map[string]string{
		"subject": "alice", "namespace": "ghosts", "object_id": "x", "relation": "viewer",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown namespace, got %d", rr.Code)
	}

	rr = doJSON(t, router, http.MethodDelete, "/api/permission/relations", "t1", map[string]string{
		"namespace": "document", "object_id": "readme", "relation": "viewer", "subject": "user:alice",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	// Revoking again is a 404.
	rr = doJSON(t, router, http.MethodDelete, "/api/permission/relations", "t1", map[string]string{
		"namespace": "document", "object_id": "readme", "relation": "viewer", "subject": "user:alice",
	})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 revoking missing tuple, got %d", rr.Code)
	}
}

func TestCheckBatchEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/permission/relations", "t1", map[string]string{
		"namespace": "document", "object_id": "a", "relation": "viewer", "subject": "user:alice",
	})
	rr := doJSON(t, router, http.MethodPost, "/api/permission/check-batch", "t1", map[string]any{
		"subject": "alice",
		"checks": []map[string]string{
			{"namespace": "document", "object_id": "a", "relation": "viewer"},
			{"namespace": "document", "object_id": "b", "relation": "viewer"},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	results := decodeBody(t, rr)["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", results)
	}
	first := results[0].(map[string]any)
	second := results[1].(map[string]any)
	if first["allowed"] != true || second["allowed"] != false {
		t.Fatalf("expected [allow deny] in input order, got %v", results)
	}
}

func TestExpandEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/permission/relations", "t1", map[string]string{
		"namespace": "document", "object_id": "plan", "relation": "viewer", "subject": "team:9#member",
	})
	doJSON(t, router, http.MethodPost, "/api/permission/relations", "t1", map[string]string{
		"namespace": "team", "object_id": "9", "relation": "member", "subject": "user:alice",
	})

	rr := doJSON(t, router, http.MethodGet, "/api/permission/expand/document/plan/viewer", "t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	subjects := body["subjects"].([]any)
	if len(subjects) != 1 || subjects[0] != "alice" {
		t.Fatalf("expected [alice], got %v", body)
	}
}

func TestPolicyLifecycleOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/permission/policies", "t1", map[string]any{
		"namespace": "document", "relation": "viewer", "effect": "deny",
		"condition": `subject.id == "mallory"`, "priority": 100,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("add policy: expected 201, got %d %s", rr.Code, rr.Body.String())
	}
	id := decodeBody(t, rr)["id"].(string)

	// Malformed conditions are rejected before they reach a store.
	rr = doJSON(t, router, http.MethodPost, "/api/permission/policies", "t1", map[string]any{
		"namespace": "document", "relation": "viewer", "effect": "deny",
		"condition": "subject.id === broken", "priority": 1,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad condition, got %d", rr.Code)
	}

	rr = doJSON(t, router, http.MethodGet, "/api/permission/policies/"+id, "t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get policy: expected 200, got %d", rr.Code)
	}
	if got := decodeBody(t, rr)["condition"]; got != `subject.id == "mallory"` {
		t.Fatalf("condition text mangled: %v", got)
	}

	update := map[string]any{
		"namespace": "document", "relation": "viewer", "effect": "deny",
		"condition": `subject.id == "mallory"`, "priority": 50, "expected_version": 1,
	}
	rr = doJSON(t, router, http.MethodPut, "/api/permission/policies/"+id, "t1", update)
	if rr.Code != http.StatusOK {
		t.Fatalf("update policy: expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	// Same expected version again: stale write, 409.
	rr = doJSON(t, router, http.MethodPut, "/api/permission/policies/"+id, "t1", update)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on stale version, got %d %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, router, http.MethodDelete, "/api/permission/policies/"+id, "t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete policy: expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, router, http.MethodGet, "/api/permission/policies/"+id, "t1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestExpansionTooDeepIsDenyWithCode(t *testing.T) {
	router, _ := newTestRouter(t)

	// A userset chain longer than the default depth cap.
	for i := 0; i < 30; i++ {
		rr := doJSON(t, router, http.MethodPost, "/api/permission/relations", "t1", map[string]string{
			"namespace": "team", "object_id": fmt.Sprint(i), "relation": "member",
			"subject": fmt.Sprintf("team:%d#member", i+1),
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("grant %d: %d %s", i, rr.Code, rr.Body.String())
		}
	}

	rr := doJSON(t, router, http.MethodPost, "/api/permission/check", "t1", map[string]string{
		"subject": "alice", "namespace": "team", "object_id": "0", "relation": "member",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("depth overflow must stay 200, got %d %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["allowed"] != false || body["code"] != "expansion_too_deep" {
		t.Fatalf("expected deny with diagnostic code, got %v", body)
	}
}

func TestDecisionEndpoints(t *testing.T) {
	router, engine := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/permission/check", "t1", map[string]string{
		"subject": "alice", "namespace": "document", "object_id": "a", "relation": "viewer",
	})
	doJSON(t, router, http.MethodPost, "/api/permission/check", "t1", map[string]string{
		"subject": "bob", "namespace": "document", "object_id": "a", "relation": "viewer",
	})
	engine.Close() // flush the audit buffer

	rr := doJSON(t, router, http.MethodGet, "/api/permission/decisions", "t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("decisions: expected 200, got %d", rr.Code)
	}
	decisions := decodeBody(t, rr)["decisions"].([]any)
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}

	rr = doJSON(t, router, http.MethodGet, "/api/permission/decisions/stats", "t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rr.Code)
	}
	stats := decodeBody(t, rr)
	if stats["denied"].(float64) != 2 {
		t.Fatalf("expected 2 denied, got %v", stats)
	}

	rr = doJSON(t, router, http.MethodGet, "/api/permission/decisions/compliance-report", "t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("report: expected 200, got %d", rr.Code)
	}
	report := decodeBody(t, rr)
	if report["total"].(float64) != 2 || report["denied"].(float64) != 2 {
		t.Fatalf("unexpected report %v", report)
	}
}

func TestCacheEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/permission/check", "t1", map[string]string{
		"subject": "alice", "namespace": "document", "object_id": "a", "relation": "viewer",
	})
	doJSON(t, router, http.MethodPost, "/api/permission/check", "t1", map[string]string{
		"subject": "alice", "namespace": "document", "object_id": "a", "relation": "viewer",
	})

	rr := doJSON(t, router, http.MethodGet, "/api/permission/cache/stats", "t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cache stats: expected 200, got %d", rr.Code)
	}
	if hits := decodeBody(t, rr)["hits"].(float64); hits < 1 {
		t.Fatalf("expected at least one cache hit, got %v", hits)
	}

	rr = doJSON(t, router, http.MethodPost, "/api/permission/cache/clear", "t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cache clear: expected 200, got %d", rr.Code)
	}
}

func TestUIEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	// Seed an item plus a page rule through the config surface.
	rr := doJSON(t, router, http.MethodPut, "/api/permission/ui/config", "t1", map[string]any{
		"sidebar": []map[string]any{
			{"id": "reports", "label": "Reports", "page": "/reports", "order": 1, "required_relation": "role:admin"},
			{"id": "home", "label": "Home", "page": "/", "order": 0, "default_visible": true},
		},
		"pages": []map[string]any{
			{"id": "admin-pages", "pattern": "/admin/*", "required_relation": "role:admin"},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("put config: expected 200, got %d %s", rr.Code, rr.Body.String())
	}

	doJSON(t, router, http.MethodPost, "/api/permission/relations", "t1", map[string]string{
		"namespace": "role", "object_id": "admin", "relation": "member", "subject": "user:alice",
	})

	rr = doJSON(t, router, http.MethodGet, "/api/permission/ui/sidebar?user=alice", "t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("sidebar: expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	items := decodeBody(t, rr)["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("alice should see both items, got %v", items)
	}

	rr = doJSON(t, router, http.MethodGet, "/api/permission/ui/sidebar?user=bob", "t1", nil)
	items = decodeBody(t, rr)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("bob should see only the default item, got %v", items)
	}

	// Missing user parameter is a client error.
	rr = doJSON(t, router, http.MethodGet, "/api/permission/ui/sidebar", "t1", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without user, got %d", rr.Code)
	}

	rr = doJSON(t, router, http.MethodPost, "/api/permission/ui/check-page", "t1", map[string]any{
		"user": "bob", "page": "/admin/users",
	})
	if rr.Code != http.StatusOK || decodeBody(t, rr)["allowed"] != false {
		t.Fatalf("bob must not reach admin pages: %d %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, router, http.MethodPost, "/api/permission/ui/check-page", "t1", map[string]any{
		"user": "alice", "page": "/admin/users",
	})
	if decodeBody(t, rr)["allowed"] != true {
		t.Fatalf("alice holds role:admin: %s", rr.Body.String())
	}

	// Per-user override through the HTTP surface.
	rr = doJSON(t, router, http.MethodPost, "/api/permission/ui/overrides", "t1", map[string]any{
		"user_id": "bob", "item_id": "reports", "visible": true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("set override: expected 200, got %d", rr.Code)
	}
	rr = doJSON(t, router, http.MethodGet, "/api/permission/ui/sidebar?user=bob", "t1", nil)
	if items = decodeBody(t, rr)["items"].([]any); len(items) != 2 {
		t.Fatalf("override should reveal reports for bob, got %v", items)
	}
	rr = doJSON(t, router, http.MethodDelete, "/api/permission/ui/overrides/bob", "t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("clear overrides: expected 200, got %d", rr.Code)
	}

	// Matrix requires at least one role.
	rr = doJSON(t, router, http.MethodGet, "/api/permission/ui/matrix", "t1", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without roles, got %d", rr.Code)
	}
	rr = doJSON(t, router, http.MethodGet, "/api/permission/ui/matrix?role=admin&role=intern", "t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("matrix: expected 200, got %d %s", rr.Code, rr.Body.String())
	}
}
