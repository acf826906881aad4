package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/oarkflow/rebac"
	"github.com/oarkflow/rebac/logger"
)

// Server exposes the permission engine over HTTP/JSON. Tenancy is carried on
// the X-Tenant-ID header; every route below /api/permission requires it.
type Server struct {
	engine    *rebac.Engine
	projector *rebac.Projector
	log       logger.Logger
}

func New(engine *rebac.Engine, projector *rebac.Projector, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Server{engine: engine, projector: projector, log: log}
}

// Router assembles the full permission surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/api/permission", func(r chi.Router) {
		r.Use(s.requireTenant)

		r.Post("/check", s.handleCheck)
		r.Post("/check-batch", s.handleCheckBatch)
		r.Post("/explain", s.handleExplain)
		r.Get("/expand/{namespace}/{resourceId}/{relation}", s.handleExpand)
		r.Get("/user-resources/{userId}", s.handleUserResources)

		r.Post("/relations", s.handleGrant)
		r.Delete("/relations", s.handleRevoke)
		r.Get("/relations/{namespace}/{object}", s.handleListTuples)

		r.Post("/policies", s.handleAddPolicy)
		r.Get("/policies", s.handleListPolicies)
		r.Get("/policies/{id}", s.handleGetPolicy)
		r.Put("/policies/{id}", s.handleUpdatePolicy)
		r.Delete("/policies/{id}", s.handleDeletePolicy)

		r.Get("/decisions", s.handleQueryDecisions)
		r.Get("/decisions/stats", s.handleDecisionStats)
		r.Get("/decisions/denied", s.handleDeniedDecisions)
		r.Get("/decisions/compliance-report", s.handleComplianceReport)

		r.Get("/cache/stats", s.handleCacheStats)
		r.Post("/cache/clear", s.handleCacheClear)

		r.Route("/ui", func(r chi.Router) {
			r.Get("/sidebar", s.handleSidebar)
			r.Get("/sidebar/all", s.handleSidebarAll)
			r.Put("/sidebar/{itemId}/visibility", s.handleItemVisibility)
			r.Post("/check-page", s.handleCheckPage)
			r.Get("/config", s.handleGetUIConfig)
			r.Put("/config", s.handlePutUIConfig)
			r.Get("/matrix", s.handleMatrix)
			r.Put("/roles/{role}/bulk", s.handleRoleBulk)
			r.Post("/overrides", s.handleSetOverride)
			r.Delete("/overrides/{userId}", s.handleClearOverrides)
		})
	})
	return r
}

// ============================================================================
// MIDDLEWARE / HELPERS
// ============================================================================

type ctxKey string

const tenantKey ctxKey = "tenant"

func contextWithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

func tenantFrom(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey).(string)
	return tenant
}

func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			s.writeError(w, http.StatusBadRequest, "missing X-Tenant-ID header")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithTenant(r.Context(), tenant)))
	})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.log.Error("response encode failed", "error", err.Error())
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}

// translateError maps the engine error taxonomy onto HTTP statuses. Denies
// are never errors; they come back 200 with allowed=false so callers can
// tell "you may not" apart from "we could not find out".
func (s *Server) translateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rebac.ErrUnknownSchema), errors.Is(err, rebac.ErrInvalidNamespace):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rebac.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rebac.ErrVersionConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rebac.ErrExpansionTooDeep):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, rebac.ErrDeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, rebac.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}

func queryTime(r *http.Request, key string) time.Time {
	if raw := r.URL.Query().Get(key); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

func queryRoles(r *http.Request) []string {
	return r.URL.Query()["role"]
}

// ============================================================================
// CHECKS
// ============================================================================

type checkRequest struct {
	Subject   string `json:"subject"`
	Namespace string `json:"namespace"`
	ObjectID  string `json:"object_id"`
	Relation  string `json:"relation"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !s.decode(w, r, &req) {
		return
	}
	dec, err := s.engine.Check(r.Context(), tenantFrom(r.Context()), req.Subject, req.Namespace, req.ObjectID, req.Relation)
	if err != nil {
		// depth-cap trips surface as a deny with a diagnostic code, not as a
		// service error
		if errors.Is(err, rebac.ErrExpansionTooDeep) && dec != nil {
			s.respond(w, http.StatusOK, map[string]any{
				"allowed": false,
				"via":     dec.Via,
				"reason":  dec.Reason,
				"code":    "expansion_too_deep",
			})
			return
		}
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"allowed": dec.Allowed,
		"via":     dec.Via,
		"reason":  dec.Reason,
	})
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !s.decode(w, r, &req) {
		return
	}
	dec, err := s.engine.Explain(r.Context(), tenantFrom(r.Context()), req.Subject, req.Namespace, req.ObjectID, req.Relation)
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, dec)
}

type batchRequest struct {
	Subject string               `json:"subject"`
	Checks  []rebac.CheckRequest `json:"checks"`
}

func (s *Server) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	decisions, err := s.engine.CheckBatch(r.Context(), tenantFrom(r.Context()), req.Subject, req.Checks)
	if err != nil {
		s.translateError(w, err)
		return
	}
	results := make([]map[string]any, len(decisions))
	for i, dec := range decisions {
		results[i] = map[string]any{
			"allowed": dec.Allowed,
			"via":     dec.Via,
			"reason":  dec.Reason,
		}
	}
	s.respond(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	subjects, depth, err := s.engine.Expand(r.Context(), tenantFrom(r.Context()),
		chi.URLParam(r, "namespace"), chi.URLParam(r, "resourceId"), chi.URLParam(r, "relation"))
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"subjects": subjects, "depth": depth})
}

func (s *Server) handleUserResources(w http.ResponseWriter, r *http.Request) {
	page := rebac.Page{Limit: queryInt(r, "limit", 100), Offset: queryInt(r, "offset", 0)}
	resources, err := s.engine.ListUserResources(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "userId"), page)
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"resources": resources})
}

// ============================================================================
// RELATIONS
// ============================================================================

type relationRequest struct {
	Namespace string `json:"namespace"`
	ObjectID  string `json:"object_id"`
	Relation  string `json:"relation"`
	Subject   string `json:"subject"`
}

func (s *Server) tupleFromRequest(w http.ResponseWriter, r *http.Request) (*rebac.RelationTuple, bool) {
	var req relationRequest
	if !s.decode(w, r, &req) {
		return nil, false
	}
	subject, err := rebac.ParseSubjectRef(req.Subject)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &rebac.RelationTuple{
		TenantID:  tenantFrom(r.Context()),
		Namespace: req.Namespace,
		ObjectID:  req.ObjectID,
		Relation:  req.Relation,
		Subject:   subject,
	}, true
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	tuple, ok := s.tupleFromRequest(w, r)
	if !ok {
		return
	}
	if err := s.engine.Grant(r.Context(), tuple); err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	tuple, ok := s.tupleFromRequest(w, r)
	if !ok {
		return
	}
	if err := s.engine.Revoke(r.Context(), tuple); err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListTuples(w http.ResponseWriter, r *http.Request) {
	tuples, err := s.engine.ListTuples(r.Context(), tenantFrom(r.Context()),
		chi.URLParam(r, "namespace"), chi.URLParam(r, "object"))
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"tuples": tuples})
}

// ============================================================================
// POLICIES
// ============================================================================

type policyRequest struct {
	ID              string `json:"id,omitempty"`
	Namespace       string `json:"namespace"`
	Relation        string `json:"relation"`
	Effect          string `json:"effect"`
	Condition       string `json:"condition"`
	Priority        int    `json:"priority"`
	ExpectedVersion int    `json:"expected_version,omitempty"`
}

func (s *Server) policyFromRequest(w http.ResponseWriter, r *http.Request, req *policyRequest) (*rebac.Policy, bool) {
	cond, err := rebac.ParseCondition(req.Condition)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid condition: "+err.Error())
		return nil, false
	}
	return &rebac.Policy{
		ID:        req.ID,
		TenantID:  tenantFrom(r.Context()),
		Namespace: req.Namespace,
		Relation:  req.Relation,
		Effect:    rebac.Effect(req.Effect),
		Condition: cond,
		Priority:  req.Priority,
	}, true
}

func (s *Server) handleAddPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, ok := s.policyFromRequest(w, r, &req)
	if !ok {
		return
	}
	id, err := s.engine.AddPolicy(r.Context(), p)
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{"id": id, "version": p.Version})
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, ok := s.policyFromRequest(w, r, &req)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.engine.UpdatePolicy(r.Context(), id, p, req.ExpectedVersion); err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"id": id, "version": p.Version})
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeletePolicy(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetPolicy(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, policyResponse(p))
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.engine.ListPolicies(r.Context(), tenantFrom(r.Context()),
		r.URL.Query().Get("namespace"), r.URL.Query().Get("relation"))
	if err != nil {
		s.translateError(w, err)
		return
	}
	out := make([]map[string]any, len(policies))
	for i, p := range policies {
		out[i] = policyResponse(p)
	}
	s.respond(w, http.StatusOK, map[string]any{"policies": out})
}

// policyResponse serializes a policy with its condition in text form.
func policyResponse(p *rebac.Policy) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"tenant_id":  p.TenantID,
		"namespace":  p.Namespace,
		"relation":   p.Relation,
		"effect":     p.Effect,
		"condition":  p.ConditionText(),
		"priority":   p.Priority,
		"version":    p.Version,
		"created_at": p.CreatedAt,
		"updated_at": p.UpdatedAt,
	}
}

// ============================================================================
// DECISION LOG
// ============================================================================

func (s *Server) handleQueryDecisions(w http.ResponseWriter, r *http.Request) {
	filter := rebac.DecisionFilter{
		TenantID:  tenantFrom(r.Context()),
		SubjectID: r.URL.Query().Get("subject"),
		Namespace: r.URL.Query().Get("namespace"),
		Since:     queryTime(r, "since"),
		Until:     queryTime(r, "until"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("allowed"); raw != "" {
		allowed := raw == "true"
		filter.Allowed = &allowed
	}
	records, err := s.engine.QueryDecisions(r.Context(), filter)
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"decisions": records})
}

func (s *Server) handleDecisionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.DecisionStats(r.Context(), tenantFrom(r.Context()),
		queryTime(r, "since"), queryInt(r, "top", 10))
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, stats)
}

func (s *Server) handleDeniedDecisions(w http.ResponseWriter, r *http.Request) {
	denied := false
	records, err := s.engine.QueryDecisions(r.Context(), rebac.DecisionFilter{
		TenantID:  tenantFrom(r.Context()),
		SubjectID: r.URL.Query().Get("subject"),
		Allowed:   &denied,
		Since:     queryTime(r, "since"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	})
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"decisions": records})
}

// handleComplianceReport streams the full log for a window in pages, the
// export surface for the external archiving collaborator.
func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	since := queryTime(r, "since")
	until := queryTime(r, "until")
	pageSize := queryInt(r, "page_size", 500)

	all := make([]*rebac.DecisionRecord, 0)
	for offset := 0; ; offset += pageSize {
		page, err := s.engine.QueryDecisions(r.Context(), rebac.DecisionFilter{
			TenantID: tenant, Since: since, Until: until, Limit: pageSize, Offset: offset,
		})
		if err != nil {
			s.translateError(w, err)
			return
		}
		all = append(all, page...)
		if len(page) < pageSize {
			break
		}
	}
	allowed := 0
	for _, rec := range all {
		if rec.Allowed {
			allowed++
		}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"tenant_id":    tenant,
		"generated_at": time.Now().UTC(),
		"total":        len(all),
		"allowed":      allowed,
		"denied":       len(all) - allowed,
		"decisions":    all,
	})
}

// ============================================================================
// CACHE ADMIN
// ============================================================================

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.engine.CacheStats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	n := s.engine.ClearTenantCache(tenantFrom(r.Context()))
	s.respond(w, http.StatusOK, map[string]any{"ok": true, "namespaces": n})
}

// ============================================================================
// UI PROJECTION
// ============================================================================

func (s *Server) handleSidebar(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		s.writeError(w, http.StatusBadRequest, "missing user query parameter")
		return
	}
	items, err := s.projector.VisibleSidebar(r.Context(), tenantFrom(r.Context()), user, queryRoles(r))
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSidebarAll(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		s.writeError(w, http.StatusBadRequest, "missing user query parameter")
		return
	}
	resolved, err := s.projector.ResolveSidebar(r.Context(), tenantFrom(r.Context()), user, queryRoles(r))
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"items": resolved})
}

func (s *Server) handleItemVisibility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visible bool `json:"visible"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	tenant := tenantFrom(r.Context())
	item, err := s.projector.Item(r.Context(), tenant, chi.URLParam(r, "itemId"))
	if err != nil {
		s.translateError(w, err)
		return
	}
	item.DefaultVisible = req.Visible
	if err := s.projector.UpsertItem(r.Context(), item); err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCheckPage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User  string   `json:"user"`
		Roles []string `json:"roles"`
		Page  string   `json:"page"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	allowed, err := s.projector.CheckPageAccess(r.Context(), tenantFrom(r.Context()), req.User, req.Roles, req.Page)
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (s *Server) handleGetUIConfig(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	items, err := s.projector.Items(r.Context(), tenant)
	if err != nil {
		s.translateError(w, err)
		return
	}
	rules, err := s.projector.PageRules(r.Context(), tenant)
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"sidebar": items, "pages": rules})
}

func (s *Server) handlePutUIConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sidebar []*rebac.SidebarItem    `json:"sidebar"`
		Pages   []*rebac.PageAccessRule `json:"pages"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	tenant := tenantFrom(r.Context())
	for _, item := range req.Sidebar {
		item.TenantID = tenant
		if err := s.projector.UpsertItem(r.Context(), item); err != nil {
			s.translateError(w, err)
			return
		}
	}
	for _, rule := range req.Pages {
		rule.TenantID = tenant
		if err := s.projector.UpsertPageRule(r.Context(), rule); err != nil {
			s.translateError(w, err)
			return
		}
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMatrix(w http.ResponseWriter, r *http.Request) {
	roles := queryRoles(r)
	if len(roles) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one role query parameter is required")
		return
	}
	matrix, err := s.projector.AccessMatrix(r.Context(), tenantFrom(r.Context()), roles)
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"matrix": matrix})
}

func (s *Server) handleRoleBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Visible bool     `json:"visible"`
		ItemIDs []string `json:"item_ids,omitempty"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	updated, err := s.projector.SetRoleVisibility(r.Context(), tenantFrom(r.Context()),
		chi.URLParam(r, "role"), req.Visible, req.ItemIDs)
	if err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"ok": true, "updated": updated})
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		ItemID  string `json:"item_id"`
		Visible bool   `json:"visible"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	ov := &rebac.UserOverride{
		TenantID: tenantFrom(r.Context()),
		UserID:   req.UserID,
		ItemID:   req.ItemID,
		Visible:  req.Visible,
	}
	if err := s.projector.SetOverride(r.Context(), ov); err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClearOverrides(w http.ResponseWriter, r *http.Request) {
	if err := s.projector.ClearOverrides(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "userId")); err != nil {
		s.translateError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}
