package rebac

// Builders provide a fluent API for creating tuples, policies and UI
// configuration.

// TupleBuilder builds a RelationTuple.
type TupleBuilder struct {
	t *RelationTuple
}

func NewTupleBuilder() *TupleBuilder {
	return &TupleBuilder{t: &RelationTuple{}}
}

func (b *TupleBuilder) Tenant(t string) *TupleBuilder    { b.t.TenantID = t; return b }
func (b *TupleBuilder) Namespace(n string) *TupleBuilder { b.t.Namespace = n; return b }
func (b *TupleBuilder) Object(o string) *TupleBuilder    { b.t.ObjectID = o; return b }
func (b *TupleBuilder) Relation(r string) *TupleBuilder  { b.t.Relation = r; return b }
func (b *TupleBuilder) User(id string) *TupleBuilder     { b.t.Subject = User(id); return b }
func (b *TupleBuilder) Userset(namespace, objectID, relation string) *TupleBuilder {
	b.t.Subject = Userset(namespace, objectID, relation)
	return b
}
func (b *TupleBuilder) Build() *RelationTuple { return b.t }

// PolicyBuilder builds a Policy.
type PolicyBuilder struct {
	p *Policy
}

func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{p: &Policy{Effect: EffectAllow, Condition: &TrueExpr{}}}
}

func (b *PolicyBuilder) ID(id string) *PolicyBuilder         { b.p.ID = id; return b }
func (b *PolicyBuilder) Tenant(t string) *PolicyBuilder      { b.p.TenantID = t; return b }
func (b *PolicyBuilder) Namespace(n string) *PolicyBuilder   { b.p.Namespace = n; return b }
func (b *PolicyBuilder) Relation(r string) *PolicyBuilder    { b.p.Relation = r; return b }
func (b *PolicyBuilder) Effect(e Effect) *PolicyBuilder      { b.p.Effect = e; return b }
func (b *PolicyBuilder) Condition(expr Expr) *PolicyBuilder  { b.p.Condition = expr; return b }
func (b *PolicyBuilder) ConditionText(s string) *PolicyBuilder {
	b.p.Condition = MustParseCondition(s)
	return b
}
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder { b.p.Priority = p; return b }
func (b *PolicyBuilder) Build() *Policy                { return b.p }

// SidebarItemBuilder builds a SidebarItem.
type SidebarItemBuilder struct {
	item *SidebarItem
}

func NewSidebarItemBuilder() *SidebarItemBuilder {
	return &SidebarItemBuilder{item: &SidebarItem{RoleOverrides: map[string]bool{}}}
}

func (b *SidebarItemBuilder) ID(id string) *SidebarItemBuilder       { b.item.ID = id; return b }
func (b *SidebarItemBuilder) Tenant(t string) *SidebarItemBuilder    { b.item.TenantID = t; return b }
func (b *SidebarItemBuilder) Label(l string) *SidebarItemBuilder     { b.item.Label = l; return b }
func (b *SidebarItemBuilder) Page(p string) *SidebarItemBuilder      { b.item.Page = p; return b }
func (b *SidebarItemBuilder) Order(o int) *SidebarItemBuilder        { b.item.Order = o; return b }
func (b *SidebarItemBuilder) Requires(r string) *SidebarItemBuilder  { b.item.RequiredRelation = r; return b }
func (b *SidebarItemBuilder) Visible(v bool) *SidebarItemBuilder     { b.item.DefaultVisible = v; return b }
func (b *SidebarItemBuilder) RoleOverride(role string, visible bool) *SidebarItemBuilder {
	b.item.RoleOverrides[role] = visible
	return b
}
func (b *SidebarItemBuilder) Build() *SidebarItem { return b.item }

// ConfigBuilder assembles a full Config fluently.
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version: 1,
			Engine: EngineConfig{
				MaxDepth:           DefaultMaxDepth,
				DecisionCacheTTL:   30000,
				AuditBatchSize:     64,
				AuditFlushInterval: 200,
				BatchWorkerCount:   8,
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddTenant(id, name string) *ConfigBuilder {
	b.cfg.Tenants = append(b.cfg.Tenants, TenantConfig{ID: id, Name: name})
	return b
}

func (b *ConfigBuilder) AddNamespace(name string, relations ...string) *ConfigBuilder {
	b.cfg.Namespaces = append(b.cfg.Namespaces, NamespaceConfig{Name: name, Relations: relations})
	return b
}

func (b *ConfigBuilder) AddTuple(t *RelationTuple) *ConfigBuilder {
	b.cfg.Tuples = append(b.cfg.Tuples, TupleConfig{
		TenantID:  t.TenantID,
		Namespace: t.Namespace,
		ObjectID:  t.ObjectID,
		Relation:  t.Relation,
		Subject:   t.Subject.String(),
	})
	return b
}

func (b *ConfigBuilder) AddPolicy(p *Policy) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, PolicyConfig{
		ID:        p.ID,
		TenantID:  p.TenantID,
		Namespace: p.Namespace,
		Relation:  p.Relation,
		Effect:    string(p.Effect),
		Condition: p.ConditionText(),
		Priority:  p.Priority,
	})
	return b
}

func (b *ConfigBuilder) AddSidebarItem(item *SidebarItem) *ConfigBuilder {
	b.cfg.Sidebar = append(b.cfg.Sidebar, item)
	return b
}

func (b *ConfigBuilder) AddPageRule(rule *PageAccessRule) *ConfigBuilder {
	b.cfg.Pages = append(b.cfg.Pages, rule)
	return b
}

func (b *ConfigBuilder) AddOverride(ov *UserOverride) *ConfigBuilder {
	b.cfg.Overrides = append(b.cfg.Overrides, ov)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
