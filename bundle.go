package rebac

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/rebac/logger"
)

// ============================================================================
// CONFIG BUNDLE DISTRIBUTION
// ============================================================================
// Edge evaluators run from signed snapshots of a tenant's configuration. The
// distributor encodes a snapshot in the binary distribution format, signs it
// with ed25519 and fans it out to registered subscribers whenever a write
// invalidates the previous bundle.

// SignedConfigBundle is a binary-encoded Config plus its detached signature.
type SignedConfigBundle struct {
	Payload   []byte         `json:"payload"`
	Signature []byte         `json:"signature"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// SignConfigBundle encodes the config and signs the payload.
func SignConfigBundle(priv ed25519.PrivateKey, cfg *Config) (*SignedConfigBundle, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key size: %d", len(priv))
	}
	payload, err := EncodeBinaryConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return &SignedConfigBundle{
		Payload:   payload,
		Signature: ed25519.Sign(priv, payload),
	}, nil
}

// VerifyConfigBundle checks the signature and decodes the payload. A bundle
// that fails verification is never decoded.
func VerifyConfigBundle(pub ed25519.PublicKey, bundle *SignedConfigBundle) (*Config, error) {
	if bundle == nil {
		return nil, fmt.Errorf("nil bundle")
	}
	if !ed25519.Verify(pub, bundle.Payload, bundle.Signature) {
		return nil, fmt.Errorf("bundle signature verification failed")
	}
	return NewConfigLoader().LoadBinary(bundle.Payload)
}

// BundleSource produces the configuration snapshot of one tenant.
type BundleSource interface {
	ConfigSnapshot(ctx context.Context, tenant string) (*Config, error)
}

// BundleSubscriber receives freshly signed bundles.
type BundleSubscriber interface {
	OnBundle(ctx context.Context, tenant string, pub ed25519.PublicKey, bundle *SignedConfigBundle) error
}

// BundleSubscriberFunc adapts a function to BundleSubscriber.
type BundleSubscriberFunc func(ctx context.Context, tenant string, pub ed25519.PublicKey, bundle *SignedConfigBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, tenant string, pub ed25519.PublicKey, bundle *SignedConfigBundle) error {
	return f(ctx, tenant, pub, bundle)
}

// ConfigDistributor watches for change notifications, rebuilds the affected
// tenant's bundle and pushes it to subscribers. The signing key rotates on a
// timer; subscribers always receive the public key alongside the bundle.
type ConfigDistributor struct {
	source           BundleSource
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	notifyCh         chan string
	stopCh           chan struct{}
	subscribers      map[string][]BundleSubscriber
	log              logger.Logger
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

// ConfigDistributorOption mutates distributor construction.
type ConfigDistributorOption func(*ConfigDistributor)

// WithBundleSigningKey installs a fixed signing key instead of a generated
// one.
func WithBundleSigningKey(priv ed25519.PrivateKey) ConfigDistributorOption {
	return func(d *ConfigDistributor) {
		if len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

// WithBundleRotationInterval overrides the signing-key rotation period.
func WithBundleRotationInterval(interval time.Duration) ConfigDistributorOption {
	return func(d *ConfigDistributor) {
		if interval > 0 {
			d.rotationInterval = interval
		}
	}
}

// WithBundleLogger installs a structured logger.
func WithBundleLogger(l logger.Logger) ConfigDistributorOption {
	return func(d *ConfigDistributor) {
		if l != nil {
			d.log = l
		}
	}
}

func NewConfigDistributor(source BundleSource, opts ...ConfigDistributorOption) (*ConfigDistributor, error) {
	if source == nil {
		return nil, fmt.Errorf("bundle source is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	d := &ConfigDistributor{
		source:           source,
		priv:             priv,
		pub:              pub,
		rotationInterval: 24 * time.Hour,
		notifyCh:         make(chan string, 1024),
		stopCh:           make(chan struct{}),
		subscribers:      make(map[string][]BundleSubscriber),
		log:              logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start launches the distribution worker. Idempotent.
func (d *ConfigDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case tenant := <-d.notifyCh:
				if tenant == "" {
					continue
				}
				if err := d.distributeTenant(ctx, tenant); err != nil {
					d.log.Error("bundle distribution failed", "tenant", tenant, "error", err.Error())
				}
			case <-ticker.C:
				if err := d.RotateSigningKey(); err != nil {
					d.log.Error("bundle key rotation failed", "error", err.Error())
				}
			}
		}
	}()
}

// Stop shuts the worker down, bounded by ctx.
func (d *ConfigDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyConfigChange queues a rebuild of the tenant's bundle. Non-blocking; a
// full queue drops the notification since a later one supersedes it.
func (d *ConfigDistributor) NotifyConfigChange(tenant string) {
	if tenant == "" {
		return
	}
	select {
	case d.notifyCh <- tenant:
	default:
	}
}

// RegisterSubscriber adds a subscriber for one tenant, or "*" for all.
func (d *ConfigDistributor) RegisterSubscriber(tenant string, sub BundleSubscriber) {
	if sub == nil {
		return
	}
	if tenant == "" {
		tenant = "*"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[tenant] = append(d.subscribers[tenant], sub)
}

// RotateSigningKey replaces the signing key pair.
func (d *ConfigDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	d.log.Info("bundle signing key rotated")
	return nil
}

// CurrentPublicKey returns a copy of the active verification key.
func (d *ConfigDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

func (d *ConfigDistributor) distributeTenant(ctx context.Context, tenant string) error {
	cfg, err := d.source.ConfigSnapshot(ctx, tenant)
	if err != nil {
		return err
	}
	d.mu.RLock()
	priv := d.priv
	pub := d.pub
	d.mu.RUnlock()

	bundle, err := SignConfigBundle(priv, cfg)
	if err != nil {
		return err
	}
	bundle.Meta = map[string]any{
		"tenant_id":    tenant,
		"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
		"signing_key":  base64.StdEncoding.EncodeToString(pub),
	}

	for _, sub := range d.collectSubscribers(tenant) {
		if err := sub.OnBundle(ctx, tenant, append(ed25519.PublicKey(nil), pub...), bundle); err != nil {
			d.log.Error("bundle subscriber error", "tenant", tenant, "error", err.Error())
		}
	}
	return nil
}

func (d *ConfigDistributor) collectSubscribers(tenant string) []BundleSubscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	subs := make([]BundleSubscriber, 0, len(d.subscribers[tenant])+len(d.subscribers["*"]))
	subs = append(subs, d.subscribers[tenant]...)
	subs = append(subs, d.subscribers["*"]...)
	return subs
}
