package rebac

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config is the complete declarative state of an authorization deployment:
// schema, seed tuples/policies, UI projection config and engine tuning.
type Config struct {
	Version    uint16            `json:"version" yaml:"version"`
	Tenants    []TenantConfig    `json:"tenants" yaml:"tenants"`
	Namespaces []NamespaceConfig `json:"namespaces" yaml:"namespaces"`
	Tuples     []TupleConfig     `json:"tuples,omitempty" yaml:"tuples,omitempty"`
	Policies   []PolicyConfig    `json:"policies,omitempty" yaml:"policies,omitempty"`
	Sidebar    []*SidebarItem    `json:"sidebar,omitempty" yaml:"sidebar,omitempty"`
	Pages      []*PageAccessRule `json:"pages,omitempty" yaml:"pages,omitempty"`
	Overrides  []*UserOverride   `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	Engine     EngineConfig      `json:"engine" yaml:"engine"`
}

type TenantConfig struct {
	ID    string         `json:"id" yaml:"id"`
	Name  string         `json:"name" yaml:"name"`
	Attrs map[string]any `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

// NamespaceConfig declares one namespace and its valid relations.
type NamespaceConfig struct {
	Name      string   `json:"name" yaml:"name"`
	Relations []string `json:"relations" yaml:"relations"`
}

// TupleConfig is the flat seed form of a relation tuple; Subject uses the
// compact reference syntax ("user:alice", "team:9#member").
type TupleConfig struct {
	TenantID  string `json:"tenant_id" yaml:"tenant_id"`
	Namespace string `json:"namespace" yaml:"namespace"`
	ObjectID  string `json:"object_id" yaml:"object_id"`
	Relation  string `json:"relation" yaml:"relation"`
	Subject   string `json:"subject" yaml:"subject"`
}

// PolicyConfig is the flat seed form of a policy; Condition uses the text
// grammar accepted by ParseCondition.
type PolicyConfig struct {
	ID        string `json:"id" yaml:"id"`
	TenantID  string `json:"tenant_id" yaml:"tenant_id"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Relation  string `json:"relation" yaml:"relation"`
	Effect    string `json:"effect" yaml:"effect"`
	Condition string `json:"condition" yaml:"condition"`
	Priority  int    `json:"priority" yaml:"priority"`
}

type EngineConfig struct {
	MaxDepth            int    `json:"max_depth" yaml:"max_depth"`
	DecisionCacheTTL    int64  `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	CachePerTenant      int    `json:"cache_per_tenant" yaml:"cache_per_tenant"`
	CacheBackend        string `json:"cache_backend" yaml:"cache_backend"` // lru | ristretto
	AuditBufferSize     int    `json:"audit_buffer_size" yaml:"audit_buffer_size"`
	AuditBatchSize      int    `json:"audit_batch_size" yaml:"audit_batch_size"`
	AuditFlushInterval  int64  `json:"audit_flush_interval_ms" yaml:"audit_flush_interval_ms"`
	BatchWorkerCount    int    `json:"batch_worker_count" yaml:"batch_worker_count"`
	AttributeTimeout    int64  `json:"attribute_timeout_ms" yaml:"attribute_timeout_ms"`
	RistrettoNumCounter int64  `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64  `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64  `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// ConfigLoader loads configuration from the supported formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBinary loads from the compact binary distribution format.
func (l *ConfigLoader) LoadBinary(data []byte) (*Config, error) {
	return decodeBinaryConfig(bytes.NewReader(data))
}

// ToYAML exports config to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to indented JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks internal consistency: every tuple and policy must target a
// declared namespace/relation, conditions must parse, subjects must parse.
func (c *Config) Validate() error {
	schema := NewSchema()
	for _, ns := range c.Namespaces {
		schema.AddNamespace(ns.Name, ns.Relations...)
	}
	for i, t := range c.Tuples {
		if err := schema.Validate(t.Namespace, t.Relation); err != nil {
			return fmt.Errorf("tuple %d: %w", i, err)
		}
		if _, err := ParseSubjectRef(t.Subject); err != nil {
			return fmt.Errorf("tuple %d: %w", i, err)
		}
	}
	for i, p := range c.Policies {
		if err := schema.Validate(p.Namespace, p.Relation); err != nil {
			return fmt.Errorf("policy %d (%s): %w", i, p.ID, err)
		}
		if Effect(p.Effect) != EffectAllow && Effect(p.Effect) != EffectDeny {
			return fmt.Errorf("policy %d (%s): effect must be allow or deny", i, p.ID)
		}
		if _, err := ParseCondition(p.Condition); err != nil {
			return fmt.Errorf("policy %d (%s): %w", i, p.ID, err)
		}
	}
	return nil
}

// ToPolicy materializes the seed form.
func (p PolicyConfig) ToPolicy() (*Policy, error) {
	cond, err := ParseCondition(p.Condition)
	if err != nil {
		return nil, err
	}
	return &Policy{
		ID:        p.ID,
		TenantID:  p.TenantID,
		Namespace: p.Namespace,
		Relation:  p.Relation,
		Effect:    Effect(p.Effect),
		Condition: cond,
		Priority:  p.Priority,
	}, nil
}

// ToTuple materializes the seed form.
func (t TupleConfig) ToTuple() (*RelationTuple, error) {
	subject, err := ParseSubjectRef(t.Subject)
	if err != nil {
		return nil, err
	}
	return &RelationTuple{
		TenantID:  t.TenantID,
		Namespace: t.Namespace,
		ObjectID:  t.ObjectID,
		Relation:  t.Relation,
		Subject:   subject,
	}, nil
}

// ApplyConfig registers the declared schema and seeds tuples, policies and
// UI configuration through the engine/projector write paths so fingerprints
// advance like any other write. Seeding is idempotent: grants upsert,
// policies update in place when the id already exists.
func ApplyConfig(ctx context.Context, e *Engine, p *Projector, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.applyEngineConfig(cfg.Engine)

	for _, ns := range cfg.Namespaces {
		e.schema.AddNamespace(ns.Name, ns.Relations...)
	}
	for _, tc := range cfg.Tuples {
		tuple, err := tc.ToTuple()
		if err != nil {
			return err
		}
		if err := e.Grant(ctx, tuple); err != nil {
			return fmt.Errorf("seed tuple %s: %w", tuple.Key(), err)
		}
	}
	for _, pc := range cfg.Policies {
		pol, err := pc.ToPolicy()
		if err != nil {
			return err
		}
		existing, err := e.GetPolicy(ctx, pol.TenantID, pol.ID)
		switch {
		case err == nil:
			if err := e.UpdatePolicy(ctx, pol.ID, pol, existing.Version); err != nil {
				return fmt.Errorf("seed policy %s: %w", pol.ID, err)
			}
		case errors.Is(err, ErrNotFound) || pol.ID == "":
			if _, err := e.AddPolicy(ctx, pol); err != nil {
				return fmt.Errorf("seed policy %s: %w", pol.ID, err)
			}
		default:
			return fmt.Errorf("seed policy %s: %w", pol.ID, err)
		}
	}
	if p != nil {
		for _, item := range cfg.Sidebar {
			if err := p.UpsertItem(ctx, item); err != nil {
				return fmt.Errorf("seed sidebar item %s: %w", item.ID, err)
			}
		}
		for _, rule := range cfg.Pages {
			if err := p.UpsertPageRule(ctx, rule); err != nil {
				return fmt.Errorf("seed page rule %s: %w", rule.ID, err)
			}
		}
		for _, ov := range cfg.Overrides {
			if err := p.SetOverride(ctx, ov); err != nil {
				return fmt.Errorf("seed override %s/%s: %w", ov.UserID, ov.ItemID, err)
			}
		}
	}
	return nil
}

// applyEngineConfig tunes a constructed engine from config. Zero values
// leave the current setting untouched.
func (e *Engine) applyEngineConfig(cfg EngineConfig) {
	if cfg.DecisionCacheTTL > 0 {
		e.cacheTTL = time.Duration(cfg.DecisionCacheTTL) * time.Millisecond
	}
	if cfg.MaxDepth > 0 {
		e.maxDepth = cfg.MaxDepth
		e.expander = NewExpander(e.relations, cfg.MaxDepth)
	}
	if cfg.BatchWorkerCount > 0 {
		e.batchWorkers = cfg.BatchWorkerCount
	}
	if cfg.AttributeTimeout > 0 {
		e.attrTimeout = time.Duration(cfg.AttributeTimeout) * time.Millisecond
	}
	if cfg.CacheBackend == "ristretto" && cfg.RistrettoNumCounter > 0 {
		if c, err := NewRistrettoDecisionCache(cfg.RistrettoNumCounter, cfg.RistrettoMaxCost, cfg.RistrettoBuffer); err == nil {
			e.cache = c
		} else {
			e.log.Error("ristretto cache setup failed, keeping current backend", "error", err.Error())
		}
	} else if cfg.CachePerTenant > 0 {
		e.cache = NewLRUDecisionCache(cfg.CachePerTenant)
	}
	if cfg.AuditBufferSize > 0 || cfg.AuditBatchSize > 0 || cfg.AuditFlushInterval > 0 {
		old := e.writer
		e.writer = NewDecisionWriter(e.decisionStore, e.log, cfg.AuditBufferSize, cfg.AuditBatchSize, time.Duration(cfg.AuditFlushInterval)*time.Millisecond)
		if old != nil {
			old.Close()
		}
	}
}

// ============================================================================
// BINARY DISTRIBUTION FORMAT
// ============================================================================
// Compact section-tagged encoding for shipping config bundles to edge
// evaluators: header (magic, format version, config version) followed by
// tag/length/payload sections.

const (
	binaryMagic   = 0x5242 // "RB"
	binaryVersion = 1
)

// EncodeBinaryConfig encodes config to the binary distribution format.
func EncodeBinaryConfig(cfg *Config) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeBinaryConfig(cfg, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeBinaryConfig(cfg *Config, w io.Writer) error {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, uint16(binaryMagic))
	binary.Write(buf, binary.LittleEndian, uint16(binaryVersion))
	binary.Write(buf, binary.LittleEndian, cfg.Version)

	writeSection(buf, 0x01, func(b *bytes.Buffer) { encodeTenants(b, cfg.Tenants) })
	writeSection(buf, 0x02, func(b *bytes.Buffer) { encodeNamespaces(b, cfg.Namespaces) })
	writeSection(buf, 0x03, func(b *bytes.Buffer) { encodeTuples(b, cfg.Tuples) })
	writeSection(buf, 0x04, func(b *bytes.Buffer) { encodePolicies(b, cfg.Policies) })
	writeSection(buf, 0x05, func(b *bytes.Buffer) { encodeSidebar(b, cfg.Sidebar) })
	writeSection(buf, 0x06, func(b *bytes.Buffer) { encodePages(b, cfg.Pages) })
	writeSection(buf, 0x07, func(b *bytes.Buffer) { encodeOverrides(b, cfg.Overrides) })
	writeSection(buf, 0x08, func(b *bytes.Buffer) { encodeEngineConfig(b, &cfg.Engine) })

	_, err := w.Write(buf.Bytes())
	return err
}

func decodeBinaryConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}

	var magic, ver, cfgVer uint16
	binary.Read(r, binary.LittleEndian, &magic)
	binary.Read(r, binary.LittleEndian, &ver)
	binary.Read(r, binary.LittleEndian, &cfgVer)

	if magic != binaryMagic {
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}
	if ver != binaryVersion {
		return nil, fmt.Errorf("unsupported format version: %d", ver)
	}
	cfg.Version = cfgVer

	for {
		var tag uint8
		if err := binary.Read(r, binary.LittleEndian, &tag); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		var size uint32
		binary.Read(r, binary.LittleEndian, &size)
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}

		switch tag {
		case 0x01:
			cfg.Tenants = decodeTenants(data)
		case 0x02:
			cfg.Namespaces = decodeNamespaces(data)
		case 0x03:
			cfg.Tuples = decodeTuples(data)
		case 0x04:
			cfg.Policies = decodePoliciesSection(data)
		case 0x05:
			cfg.Sidebar = decodeSidebar(data)
		case 0x06:
			cfg.Pages = decodePages(data)
		case 0x07:
			cfg.Overrides = decodeOverrides(data)
		case 0x08:
			cfg.Engine = decodeEngineConfig(data)
		}
	}

	return cfg, nil
}

func writeSection(buf *bytes.Buffer, tag uint8, fn func(*bytes.Buffer)) {
	tmp := &bytes.Buffer{}
	fn(tmp)
	binary.Write(buf, binary.LittleEndian, tag)
	binary.Write(buf, binary.LittleEndian, uint32(tmp.Len()))
	buf.Write(tmp.Bytes())
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) string {
	var l uint16
	binary.Read(r, binary.LittleEndian, &l)
	b := make([]byte, l)
	r.Read(b)
	return string(b)
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) bool {
	b, _ := r.ReadByte()
	return b == 1
}

func encodeTenants(buf *bytes.Buffer, tenants []TenantConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(len(tenants)))
	for _, t := range tenants {
		writeString(buf, t.ID)
		writeString(buf, t.Name)
	}
}

func decodeTenants(data []byte) []TenantConfig {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	tenants := make([]TenantConfig, count)
	for i := range tenants {
		tenants[i].ID = readString(r)
		tenants[i].Name = readString(r)
	}
	return tenants
}

func encodeNamespaces(buf *bytes.Buffer, namespaces []NamespaceConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(len(namespaces)))
	for _, ns := range namespaces {
		writeString(buf, ns.Name)
		binary.Write(buf, binary.LittleEndian, uint16(len(ns.Relations)))
		for _, rel := range ns.Relations {
			writeString(buf, rel)
		}
	}
}

func decodeNamespaces(data []byte) []NamespaceConfig {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	namespaces := make([]NamespaceConfig, count)
	for i := range namespaces {
		namespaces[i].Name = readString(r)
		var relCount uint16
		binary.Read(r, binary.LittleEndian, &relCount)
		namespaces[i].Relations = make([]string, relCount)
		for j := range namespaces[i].Relations {
			namespaces[i].Relations[j] = readString(r)
		}
	}
	return namespaces
}

func encodeTuples(buf *bytes.Buffer, tuples []TupleConfig) {
	binary.Write(buf, binary.LittleEndian, uint32(len(tuples)))
	for _, t := range tuples {
		writeString(buf, t.TenantID)
		writeString(buf, t.Namespace)
		writeString(buf, t.ObjectID)
		writeString(buf, t.Relation)
		writeString(buf, t.Subject)
	}
}

func decodeTuples(data []byte) []TupleConfig {
	r := bytes.NewReader(data)
	var count uint32
	binary.Read(r, binary.LittleEndian, &count)
	tuples := make([]TupleConfig, count)
	for i := range tuples {
		tuples[i].TenantID = readString(r)
		tuples[i].Namespace = readString(r)
		tuples[i].ObjectID = readString(r)
		tuples[i].Relation = readString(r)
		tuples[i].Subject = readString(r)
	}
	return tuples
}

func encodePolicies(buf *bytes.Buffer, policies []PolicyConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(len(policies)))
	for _, p := range policies {
		writeString(buf, p.ID)
		writeString(buf, p.TenantID)
		writeString(buf, p.Namespace)
		writeString(buf, p.Relation)
		writeString(buf, p.Effect)
		writeString(buf, p.Condition)
		binary.Write(buf, binary.LittleEndian, int32(p.Priority))
	}
}

func decodePoliciesSection(data []byte) []PolicyConfig {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	policies := make([]PolicyConfig, count)
	for i := range policies {
		policies[i].ID = readString(r)
		policies[i].TenantID = readString(r)
		policies[i].Namespace = readString(r)
		policies[i].Relation = readString(r)
		policies[i].Effect = readString(r)
		policies[i].Condition = readString(r)
		var pri int32
		binary.Read(r, binary.LittleEndian, &pri)
		policies[i].Priority = int(pri)
	}
	return policies
}

func encodeSidebar(buf *bytes.Buffer, items []*SidebarItem) {
	binary.Write(buf, binary.LittleEndian, uint16(len(items)))
	for _, item := range items {
		writeString(buf, item.ID)
		writeString(buf, item.TenantID)
		writeString(buf, item.Label)
		writeString(buf, item.Page)
		binary.Write(buf, binary.LittleEndian, int32(item.Order))
		writeString(buf, item.RequiredRelation)
		writeBool(buf, item.DefaultVisible)
		overrides, _ := json.Marshal(item.RoleOverrides)
		writeString(buf, string(overrides))
	}
}

func decodeSidebar(data []byte) []*SidebarItem {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	items := make([]*SidebarItem, count)
	for i := range items {
		item := &SidebarItem{}
		item.ID = readString(r)
		item.TenantID = readString(r)
		item.Label = readString(r)
		item.Page = readString(r)
		var order int32
		binary.Read(r, binary.LittleEndian, &order)
		item.Order = int(order)
		item.RequiredRelation = readString(r)
		item.DefaultVisible = readBool(r)
		if overrides := readString(r); overrides != "" && overrides != "null" {
			json.Unmarshal([]byte(overrides), &item.RoleOverrides)
		}
		items[i] = item
	}
	return items
}

func encodePages(buf *bytes.Buffer, rules []*PageAccessRule) {
	binary.Write(buf, binary.LittleEndian, uint16(len(rules)))
	for _, rule := range rules {
		writeString(buf, rule.ID)
		writeString(buf, rule.TenantID)
		writeString(buf, rule.Pattern)
		writeString(buf, rule.RequiredRelation)
		writeBool(buf, rule.DefaultAllow)
	}
}

func decodePages(data []byte) []*PageAccessRule {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	rules := make([]*PageAccessRule, count)
	for i := range rules {
		rule := &PageAccessRule{}
		rule.ID = readString(r)
		rule.TenantID = readString(r)
		rule.Pattern = readString(r)
		rule.RequiredRelation = readString(r)
		rule.DefaultAllow = readBool(r)
		rules[i] = rule
	}
	return rules
}

func encodeOverrides(buf *bytes.Buffer, overrides []*UserOverride) {
	binary.Write(buf, binary.LittleEndian, uint16(len(overrides)))
	for _, ov := range overrides {
		writeString(buf, ov.TenantID)
		writeString(buf, ov.UserID)
		writeString(buf, ov.ItemID)
		writeBool(buf, ov.Visible)
	}
}

func decodeOverrides(data []byte) []*UserOverride {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	overrides := make([]*UserOverride, count)
	for i := range overrides {
		ov := &UserOverride{}
		ov.TenantID = readString(r)
		ov.UserID = readString(r)
		ov.ItemID = readString(r)
		ov.Visible = readBool(r)
		overrides[i] = ov
	}
	return overrides
}

func encodeEngineConfig(buf *bytes.Buffer, cfg *EngineConfig) {
	binary.Write(buf, binary.LittleEndian, int32(cfg.MaxDepth))
	binary.Write(buf, binary.LittleEndian, cfg.DecisionCacheTTL)
	binary.Write(buf, binary.LittleEndian, int32(cfg.CachePerTenant))
	writeString(buf, cfg.CacheBackend)
	binary.Write(buf, binary.LittleEndian, int32(cfg.AuditBufferSize))
	binary.Write(buf, binary.LittleEndian, int32(cfg.AuditBatchSize))
	binary.Write(buf, binary.LittleEndian, cfg.AuditFlushInterval)
	binary.Write(buf, binary.LittleEndian, int32(cfg.BatchWorkerCount))
	binary.Write(buf, binary.LittleEndian, cfg.AttributeTimeout)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoNumCounter)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoMaxCost)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoBuffer)
}

func decodeEngineConfig(data []byte) EngineConfig {
	r := bytes.NewReader(data)
	cfg := EngineConfig{}
	var maxDepth, perTenant, bufSize, batchSize, workers int32
	binary.Read(r, binary.LittleEndian, &maxDepth)
	binary.Read(r, binary.LittleEndian, &cfg.DecisionCacheTTL)
	binary.Read(r, binary.LittleEndian, &perTenant)
	cfg.CacheBackend = readString(r)
	binary.Read(r, binary.LittleEndian, &bufSize)
	binary.Read(r, binary.LittleEndian, &batchSize)
	binary.Read(r, binary.LittleEndian, &cfg.AuditFlushInterval)
	binary.Read(r, binary.LittleEndian, &workers)
	binary.Read(r, binary.LittleEndian, &cfg.AttributeTimeout)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoNumCounter)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoMaxCost)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoBuffer)
	cfg.MaxDepth = int(maxDepth)
	cfg.CachePerTenant = int(perTenant)
	cfg.AuditBufferSize = int(bufSize)
	cfg.AuditBatchSize = int(batchSize)
	cfg.BatchWorkerCount = int(workers)
	return cfg
}
