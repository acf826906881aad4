package rebac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/rebac/logger"
)

// ============================================================================
// DECISION EVALUATOR
// ============================================================================

// Decision is the outcome of a point check.
type Decision struct {
	Allowed   bool        `json:"allowed"`
	Via       DecisionVia `json:"via"`
	Reason    string      `json:"reason"`
	Depth     int         `json:"depth"`
	Trace     []string    `json:"trace,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// CheckRequest names one (namespace, object, relation) coordinate to test.
type CheckRequest struct {
	Namespace string `json:"namespace"`
	ObjectID  string `json:"object_id"`
	Relation  string `json:"relation"`
}

// UserResource is one row of the "my resources" listing.
type UserResource struct {
	Namespace string `json:"namespace"`
	ObjectID  string `json:"object_id"`
	Relation  string `json:"relation"`
}

// AttributeProvider fetches external subject attributes for policy
// conditions. Lookups are bounded sub-calls: the engine imposes a deadline
// so a slow profile store cannot stall an expansion.
type AttributeProvider interface {
	GetAttributes(ctx context.Context, tenant, userID string) (map[string]any, error)
}

// Engine is the decision evaluator: it answers point and batch checks by
// consulting the decision cache, falling through to tuple expansion plus the
// policy overlay, and appends every decision to the audit log. All state is
// tenant-scoped and passed explicitly; there is no process-wide mutable
// configuration.
type Engine struct {
	relations     RelationStore
	policies      PolicyStore
	decisionStore DecisionStore
	schema        *Schema
	fingerprints  *FingerprintRegistry
	writerLocks   *namespaceLocks
	expander      *Expander
	cache         DecisionCache
	cacheTTL      time.Duration
	writer        *DecisionWriter
	log           logger.Logger
	batchWorkers  int
	maxDepth      int
	attrProvider  AttributeProvider
	attrTimeout   time.Duration
	now           func() time.Time

	distMu      sync.RWMutex
	distributor *ConfigDistributor
}

// EngineOption mutates engine construction.
type EngineOption func(*Engine) error

// WithLogger installs a structured logger.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.log = l
		return nil
	}
}

// WithCache replaces the default per-tenant LRU decision cache.
func WithCache(c DecisionCache) EngineOption {
	return func(e *Engine) error {
		e.cache = c
		return nil
	}
}

// WithCacheTTL bounds how long a cached decision may be served even when its
// fingerprint still matches.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl > 0 {
			e.cacheTTL = ttl
		}
		return nil
	}
}

// WithMaxDepth overrides the expansion depth cap.
func WithMaxDepth(depth int) EngineOption {
	return func(e *Engine) error {
		if depth > 0 {
			e.maxDepth = depth
		}
		return nil
	}
}

// WithBatchWorkers bounds CheckBatch parallelism.
func WithBatchWorkers(n int) EngineOption {
	return func(e *Engine) error {
		if n > 0 {
			e.batchWorkers = n
		}
		return nil
	}
}

// WithAttributeProvider installs an external subject-attribute source for
// policy conditions.
func WithAttributeProvider(p AttributeProvider, timeout time.Duration) EngineOption {
	return func(e *Engine) error {
		e.attrProvider = p
		if timeout > 0 {
			e.attrTimeout = timeout
		}
		return nil
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		e.now = now
		return nil
	}
}

// WithDecisionWriter replaces the default async audit writer (mainly to tune
// buffer/batch sizes via NewDecisionWriter).
func WithDecisionWriter(w *DecisionWriter) EngineOption {
	return func(e *Engine) error {
		e.writer = w
		return nil
	}
}

func NewEngine(relations RelationStore, policies PolicyStore, decisions DecisionStore, schema *Schema, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		relations:     relations,
		policies:      policies,
		decisionStore: decisions,
		schema:        schema,
		fingerprints:  NewFingerprintRegistry(),
		writerLocks:   newNamespaceLocks(),
		cacheTTL:      30 * time.Second,
		log:           logger.NewNullLogger(),
		batchWorkers:  8,
		maxDepth:      DefaultMaxDepth,
		attrTimeout:   2 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.cache == nil {
		e.cache = NewLRUDecisionCache(4096)
	}
	e.expander = NewExpander(relations, e.maxDepth)
	if e.writer == nil {
		e.writer = NewDecisionWriter(decisions, e.log, 1024, 64, 200*time.Millisecond)
	}
	return e, nil
}

// Close flushes the decision writer.
func (e *Engine) Close() {
	e.writer.Close()
}

// Fingerprints exposes the registry to collaborators (the projector and the
// administrative cache surface).
func (e *Engine) Fingerprints() *FingerprintRegistry { return e.fingerprints }

// Schema exposes the declared namespaces/relations.
func (e *Engine) Schema() *Schema { return e.schema }

// CacheStats returns the decision cache counters.
func (e *Engine) CacheStats() CacheStats { return e.cache.Stats() }

// SetConfigDistributor attaches a bundle distributor; every relation or
// policy write then queues a fresh signed bundle for the written tenant.
func (e *Engine) SetConfigDistributor(d *ConfigDistributor) {
	e.distMu.Lock()
	e.distributor = d
	e.distMu.Unlock()
}

func (e *Engine) notifyDistributor(tenant string) {
	e.distMu.RLock()
	d := e.distributor
	e.distMu.RUnlock()
	if d != nil {
		d.NotifyConfigChange(tenant)
	}
}

// ClearTenantCache invalidates every cached decision of a tenant by bumping
// all its namespace fingerprints. O(namespaces), never walks the cache.
func (e *Engine) ClearTenantCache(tenant string) int {
	n := e.fingerprints.BumpTenant(tenant)
	e.log.Info("tenant cache cleared", "tenant", tenant, "namespaces", n)
	return n
}

// ============================================================================
// CHECKS
// ============================================================================

// Check answers "does subject hold relation on object". Fail-closed: any
// error other than ErrUnknownSchema yields Allowed=false alongside the
// error, so callers can distinguish "you may not" from "could not find out".
func (e *Engine) Check(ctx context.Context, tenant, subjectID, namespace, objectID, relation string) (*Decision, error) {
	return e.check(ctx, tenant, subjectID, namespace, objectID, relation, nil)
}

// Explain is Check plus a step-by-step trace for admin debugging.
func (e *Engine) Explain(ctx context.Context, tenant, subjectID, namespace, objectID, relation string) (*Decision, error) {
	trace := make([]string, 0, 8)
	dec, err := e.check(ctx, tenant, subjectID, namespace, objectID, relation, &trace)
	if dec != nil {
		dec.Trace = trace
	}
	return dec, err
}

func (e *Engine) check(ctx context.Context, tenant, subjectID, namespace, objectID, relation string, trace *[]string) (*Decision, error) {
	start := e.now()
	dec := &Decision{Allowed: false, Via: ViaNone, Timestamp: start}

	if err := e.schema.Validate(namespace, relation); err != nil {
		return nil, err
	}

	tracef(trace, "check %s on %s:%s#%s", subjectID, namespace, objectID, relation)

	key := CacheKey{TenantID: tenant, SubjectID: subjectID, Namespace: namespace, ObjectID: objectID, Relation: relation}
	fp := e.fingerprints.Current(tenant, namespace)

	if entry, ok := e.cache.Get(key, fp); ok {
		dec.Allowed = entry.Allowed
		dec.Via = entry.Via
		dec.Depth = entry.Depth
		dec.Reason = "cached"
		tracef(trace, "cache hit fingerprint=%d allowed=%v", fp, entry.Allowed)
		e.record(dec, tenant, subjectID, namespace, objectID, relation, start, nil)
		return dec, nil
	}
	tracef(trace, "cache miss fingerprint=%d", fp)

	policies, err := e.policies.ListPolicies(ctx, tenant, namespace, relation)
	if err != nil {
		uerr := fmt.Errorf("%w: list policies: %v", ErrUnavailable, err)
		dec.Reason = "store unavailable"
		e.record(dec, tenant, subjectID, namespace, objectID, relation, start, uerr)
		return dec, uerr
	}
	tracef(trace, "policies in scope: %d", len(policies))

	// Fast path: with no policies in scope a direct tuple decides outright.
	if len(policies) == 0 {
		direct, err := e.expander.HasDirect(ctx, tenant, namespace, objectID, relation, subjectID)
		if err != nil {
			dec.Reason = "store unavailable"
			e.record(dec, tenant, subjectID, namespace, objectID, relation, start, err)
			return dec, err
		}
		if direct {
			dec.Allowed = true
			dec.Via = ViaTuple
			dec.Reason = "direct tuple"
			tracef(trace, "direct tuple match")
			e.finish(key, fp, dec, tenant, subjectID, namespace, objectID, relation, start)
			return dec, nil
		}
	}

	result, err := e.expander.Expand(ctx, tenant, namespace, objectID, relation)
	if err != nil {
		switch {
		case errors.Is(err, ErrExpansionTooDeep):
			// surfaced as a deny plus the diagnostic, never a silent allow
			dec.Reason = "expansion too deep"
			e.record(dec, tenant, subjectID, namespace, objectID, relation, start, err)
			return dec, err
		case errors.Is(err, ErrDeadlineExceeded):
			dec.Reason = "deadline exceeded"
			e.record(dec, tenant, subjectID, namespace, objectID, relation, start, err)
			return dec, err
		default:
			dec.Reason = "store unavailable"
			e.record(dec, tenant, subjectID, namespace, objectID, relation, start, err)
			return dec, err
		}
	}
	dec.Depth = result.Depth
	tupleAllowed := result.Contains(subjectID)
	tracef(trace, "expansion depth=%d subjects=%d member=%v", result.Depth, len(result.Subjects), tupleAllowed)

	if tupleAllowed {
		// The subject's own path decides the via, not the overall traversal
		// depth: a direct tuple stays a direct tuple even when unrelated
		// userset branches deepened the expansion.
		if result.DepthOf(subjectID) == 0 {
			dec.Via = ViaTuple
			dec.Reason = "direct tuple"
		} else {
			dec.Via = ViaExpansion
			dec.Reason = "userset expansion"
		}
		dec.Allowed = true
	}

	// Policy overlay: the first matching policy for this subject wins over
	// the tuple result in either direction.
	if len(policies) > 0 {
		evalCtx := e.buildEvalContext(ctx, tenant, subjectID, namespace, objectID, relation)
		if effect, policyID, matched := applyPolicyOverlay(policies, evalCtx); matched {
			dec.Allowed = effect == EffectAllow
			dec.Via = ViaPolicy
			dec.Reason = fmt.Sprintf("policy %s (%s)", policyID, effect)
			tracef(trace, "policy overlay matched id=%s effect=%s", policyID, effect)
		} else {
			tracef(trace, "no policy matched, tuple result stands")
		}
	}

	if !dec.Allowed && dec.Reason == "" {
		dec.Reason = "default deny"
	}
	e.finish(key, fp, dec, tenant, subjectID, namespace, objectID, relation, start)
	return dec, nil
}

// finish caches and records a successfully determined decision.
func (e *Engine) finish(key CacheKey, fp uint64, dec *Decision, tenant, subjectID, namespace, objectID, relation string, start time.Time) {
	e.cache.Put(key, CacheEntry{
		Allowed:     dec.Allowed,
		Via:         dec.Via,
		Depth:       dec.Depth,
		Fingerprint: fp,
		ExpiresAt:   e.now().Add(e.cacheTTL),
	})
	e.record(dec, tenant, subjectID, namespace, objectID, relation, start, nil)
}

// record appends exactly one DecisionRecord and emits the audit log line.
func (e *Engine) record(dec *Decision, tenant, subjectID, namespace, objectID, relation string, start time.Time, evalErr error) {
	rec := &DecisionRecord{
		ID:        uuid.NewString(),
		TenantID:  tenant,
		SubjectID: subjectID,
		Namespace: namespace,
		ObjectID:  objectID,
		Relation:  relation,
		Allowed:   dec.Allowed,
		Via:       dec.Via,
		Reason:    dec.Reason,
		Depth:     dec.Depth,
		Timestamp: start,
		LatencyMS: float64(e.now().Sub(start).Microseconds()) / 1000.0,
	}
	if evalErr != nil {
		rec.Error = evalErr.Error()
	}
	e.writer.Enqueue(rec)
	e.log.Debug("decision",
		"tenant", tenant,
		"subject", subjectID,
		"object", namespace+":"+objectID,
		"relation", relation,
		"allowed", dec.Allowed,
		"via", string(dec.Via),
		"reason", dec.Reason)
}

func (e *Engine) buildEvalContext(ctx context.Context, tenant, subjectID, namespace, objectID, relation string) *EvalContext {
	evalCtx := &EvalContext{
		TenantID:  tenant,
		SubjectID: subjectID,
		Namespace: namespace,
		ObjectID:  objectID,
		Relation:  relation,
		Time:      e.now(),
	}
	if e.attrProvider != nil {
		actx, cancel := context.WithTimeout(ctx, e.attrTimeout)
		defer cancel()
		if attrs, err := e.attrProvider.GetAttributes(actx, tenant, subjectID); err == nil {
			evalCtx.SubjectAttrs = attrs
		} else {
			e.log.Error("attribute lookup failed", "tenant", tenant, "subject", subjectID, "error", err.Error())
		}
	}
	return evalCtx
}

// CheckBatch evaluates multiple coordinates for one subject. Results come
// back in input order regardless of internal completion order; identical
// checks are deduplicated so cache/expansion work and the audit record
// happen once per unique coordinate.
func (e *Engine) CheckBatch(ctx context.Context, tenant, subjectID string, checks []CheckRequest) ([]*Decision, error) {
	unique := make(map[CheckRequest]int, len(checks))
	order := make([]CheckRequest, 0, len(checks))
	for _, c := range checks {
		if _, seen := unique[c]; !seen {
			unique[c] = len(order)
			order = append(order, c)
		}
	}

	decisions := make([]*Decision, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchWorkers)
	for i, c := range order {
		g.Go(func() error {
			dec, err := e.Check(gctx, tenant, subjectID, c.Namespace, c.ObjectID, c.Relation)
			if err != nil {
				if errors.Is(err, ErrUnknownSchema) {
					return err
				}
				// fail-closed per item; the decision already says deny
			}
			decisions[i] = dec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*Decision, len(checks))
	for i, c := range checks {
		out[i] = decisions[unique[c]]
	}
	return out, nil
}

// Expand exposes the raw expansion to administrative callers.
func (e *Engine) Expand(ctx context.Context, tenant, namespace, objectID, relation string) ([]string, int, error) {
	if err := e.schema.Validate(namespace, relation); err != nil {
		return nil, 0, err
	}
	result, err := e.expander.Expand(ctx, tenant, namespace, objectID, relation)
	if err != nil {
		return nil, 0, err
	}
	return result.SortedSubjects(), result.Depth, nil
}

// ListUserResources walks the declared schema and returns every object the
// user holds a direct tuple on, for "my resources" style queries.
func (e *Engine) ListUserResources(ctx context.Context, tenant, userID string, page Page) ([]UserResource, error) {
	out := make([]UserResource, 0)
	subject := User(userID)
	for _, ns := range e.schema.Namespaces() {
		for _, rel := range e.schema.Relations(ns) {
			objects, err := e.relations.ListObjectsForSubject(ctx, tenant, subject, ns, rel, page)
			if err != nil {
				return nil, fmt.Errorf("%w: list objects: %v", ErrUnavailable, err)
			}
			for _, obj := range objects {
				out = append(out, UserResource{Namespace: ns, ObjectID: obj, Relation: rel})
			}
		}
	}
	return out, nil
}

// ============================================================================
// RELATION WRITES
// ============================================================================

// Grant inserts a tuple idempotently and bumps the namespace fingerprint.
// Writers on the same (tenant, namespace) serialize so bumps stay monotonic
// and are visible to every subsequent read.
func (e *Engine) Grant(ctx context.Context, t *RelationTuple) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := e.schema.Validate(t.Namespace, t.Relation); err != nil {
		return err
	}
	if t.Subject.IsUserset() {
		if err := e.schema.Validate(t.Subject.Namespace, t.Subject.Relation); err != nil {
			return err
		}
	}
	l := e.writerLocks.lock(t.TenantID, t.Namespace)
	defer l.Unlock()
	if err := e.relations.Grant(ctx, t); err != nil {
		return fmt.Errorf("%w: grant: %v", ErrUnavailable, err)
	}
	fp := e.fingerprints.Bump(t.TenantID, t.Namespace)
	e.log.Info("relation granted", "tenant", t.TenantID, "tuple", t.Key(), "fingerprint", int(fp))
	e.notifyDistributor(t.TenantID)
	return nil
}

// Revoke removes exactly one tuple and bumps the namespace fingerprint.
func (e *Engine) Revoke(ctx context.Context, t *RelationTuple) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := e.schema.Validate(t.Namespace, t.Relation); err != nil {
		return err
	}
	l := e.writerLocks.lock(t.TenantID, t.Namespace)
	defer l.Unlock()
	if err := e.relations.Revoke(ctx, t); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: revoke: %v", ErrUnavailable, err)
	}
	fp := e.fingerprints.Bump(t.TenantID, t.Namespace)
	e.log.Info("relation revoked", "tenant", t.TenantID, "tuple", t.Key(), "fingerprint", int(fp))
	e.notifyDistributor(t.TenantID)
	return nil
}

// ListTuples returns the stored tuples of an object, no expansion.
func (e *Engine) ListTuples(ctx context.Context, tenant, namespace, objectID string) ([]*RelationTuple, error) {
	if !e.schema.HasNamespace(namespace) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, namespace)
	}
	tuples, err := e.relations.ListTuples(ctx, tenant, namespace, objectID)
	if err != nil {
		return nil, fmt.Errorf("%w: list tuples: %v", ErrUnavailable, err)
	}
	return tuples, nil
}

// ============================================================================
// POLICY WRITES
// ============================================================================

// AddPolicy stores a policy and bumps the namespace fingerprint: policies
// affect the same cached decisions as tuples.
func (e *Engine) AddPolicy(ctx context.Context, p *Policy) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if err := e.schema.Validate(p.Namespace, p.Relation); err != nil {
		return "", err
	}
	l := e.writerLocks.lock(p.TenantID, p.Namespace)
	defer l.Unlock()
	id, err := e.policies.AddPolicy(ctx, p)
	if err != nil {
		return "", fmt.Errorf("%w: add policy: %v", ErrUnavailable, err)
	}
	fp := e.fingerprints.Bump(p.TenantID, p.Namespace)
	e.log.Info("policy added", "tenant", p.TenantID, "policy", id, "fingerprint", int(fp))
	e.notifyDistributor(p.TenantID)
	return id, nil
}

// UpdatePolicy replaces a policy under optimistic concurrency: a version
// mismatch propagates ErrVersionConflict unchanged.
func (e *Engine) UpdatePolicy(ctx context.Context, id string, p *Policy, expectedVersion int) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := e.schema.Validate(p.Namespace, p.Relation); err != nil {
		return err
	}
	l := e.writerLocks.lock(p.TenantID, p.Namespace)
	defer l.Unlock()
	if err := e.policies.UpdatePolicy(ctx, id, p, expectedVersion); err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: update policy: %v", ErrUnavailable, err)
	}
	fp := e.fingerprints.Bump(p.TenantID, p.Namespace)
	e.log.Info("policy updated", "tenant", p.TenantID, "policy", id, "fingerprint", int(fp))
	e.notifyDistributor(p.TenantID)
	return nil
}

// DeletePolicy removes a policy and bumps its namespace fingerprint.
func (e *Engine) DeletePolicy(ctx context.Context, tenant, id string) error {
	p, err := e.policies.GetPolicy(ctx, tenant, id)
	if err != nil {
		return err
	}
	l := e.writerLocks.lock(tenant, p.Namespace)
	defer l.Unlock()
	if err := e.policies.DeletePolicy(ctx, tenant, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: delete policy: %v", ErrUnavailable, err)
	}
	fp := e.fingerprints.Bump(tenant, p.Namespace)
	e.log.Info("policy deleted", "tenant", tenant, "policy", id, "fingerprint", int(fp))
	e.notifyDistributor(tenant)
	return nil
}

// ListPolicies returns policies in evaluation order.
func (e *Engine) ListPolicies(ctx context.Context, tenant, namespace, relation string) ([]*Policy, error) {
	return e.policies.ListPolicies(ctx, tenant, namespace, relation)
}

// GetPolicy fetches one policy.
func (e *Engine) GetPolicy(ctx context.Context, tenant, id string) (*Policy, error) {
	return e.policies.GetPolicy(ctx, tenant, id)
}

// ============================================================================
// DECISION LOG SURFACE
// ============================================================================

// QueryDecisions returns audit records matching the filter, tenant-scoped.
func (e *Engine) QueryDecisions(ctx context.Context, filter DecisionFilter) ([]*DecisionRecord, error) {
	return e.decisionStore.Query(ctx, filter)
}

// DecisionStats aggregates allow/deny counts and the top denied subjects.
func (e *Engine) DecisionStats(ctx context.Context, tenant string, since time.Time, topN int) (*DecisionStats, error) {
	allowed, denied, err := e.decisionStore.Counts(ctx, tenant, since)
	if err != nil {
		return nil, fmt.Errorf("%w: decision counts: %v", ErrUnavailable, err)
	}
	if topN <= 0 {
		topN = 10
	}
	top, err := e.decisionStore.TopDeniedSubjects(ctx, tenant, since, topN)
	if err != nil {
		return nil, fmt.Errorf("%w: top denied: %v", ErrUnavailable, err)
	}
	return &DecisionStats{Allowed: allowed, Denied: denied, TopDenied: top}, nil
}

// MarkDecisionsArchived is the retention hook for the external archiving
// job; the log itself never deletes.
func (e *Engine) MarkDecisionsArchived(ctx context.Context, tenant string, before time.Time) (int64, error) {
	return e.decisionStore.MarkArchived(ctx, tenant, before)
}

func tracef(trace *[]string, format string, args ...any) {
	if trace == nil {
		return
	}
	*trace = append(*trace, fmt.Sprintf(format, args...))
}
