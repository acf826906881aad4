package rebac_test

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/oarkflow/rebac"
)

type staticBundleSource struct {
	cfg *rebac.Config
}

func (s *staticBundleSource) ConfigSnapshot(_ context.Context, tenant string) (*rebac.Config, error) {
	return s.cfg, nil
}

func TestSignAndVerifyConfigBundle(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := sampleConfig()

	bundle, err := rebac.SignConfigBundle(priv, cfg)
	if err != nil {
		t.Fatalf("SignConfigBundle: %v", err)
	}
	decoded, err := rebac.VerifyConfigBundle(pub, bundle)
	if err != nil {
		t.Fatalf("VerifyConfigBundle: %v", err)
	}
	if decoded.Version != cfg.Version || len(decoded.Policies) != len(cfg.Policies) {
		t.Fatalf("decoded bundle diverges: %+v", decoded)
	}

	// Tampering breaks verification.
	bundle.Payload[0] ^= 0xFF
	if _, err := rebac.VerifyConfigBundle(pub, bundle); err == nil {
		t.Fatalf("expected verification failure on tampered payload")
	}

	// A foreign key fails verification.
	bundle.Payload[0] ^= 0xFF
	otherPub, _, _ := ed25519.GenerateKey(nil)
	if _, err := rebac.VerifyConfigBundle(otherPub, bundle); err == nil {
		t.Fatalf("expected verification failure with wrong key")
	}
}

func TestConfigDistributorPublishesOnWrite(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)

	dist, err := rebac.NewConfigDistributor(&staticBundleSource{cfg: sampleConfig()})
	if err != nil {
		t.Fatalf("NewConfigDistributor: %v", err)
	}
	received := make(chan *rebac.SignedConfigBundle, 1)
	dist.RegisterSubscriber("t1", rebac.BundleSubscriberFunc(func(_ context.Context, tenant string, pub ed25519.PublicKey, bundle *rebac.SignedConfigBundle) error {
		if tenant != "t1" {
			t.Errorf("unexpected tenant %s", tenant)
		}
		if _, err := rebac.VerifyConfigBundle(pub, bundle); err != nil {
			t.Errorf("published bundle does not verify: %v", err)
		}
		select {
		case received <- bundle:
		default:
		}
		return nil
	}))
	dist.Start(ctx)
	env.engine.SetConfigDistributor(dist)

	// Any relation write queues a fresh bundle.
	mustGrant(t, env.engine, rebac.NewTupleBuilder().
		Tenant("t1").Namespace("document").Object("a").Relation("viewer").
		User("alice").Build())

	select {
	case bundle := <-received:
		if bundle.Meta["tenant_id"] != "t1" {
			t.Fatalf("expected tenant meta, got %v", bundle.Meta)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for bundle")
	}

	if err := dist.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestConfigDistributorKeyRotation(t *testing.T) {
	dist, err := rebac.NewConfigDistributor(&staticBundleSource{cfg: sampleConfig()})
	if err != nil {
		t.Fatalf("NewConfigDistributor: %v", err)
	}
	before := dist.CurrentPublicKey()
	if err := dist.RotateSigningKey(); err != nil {
		t.Fatalf("RotateSigningKey: %v", err)
	}
	after := dist.CurrentPublicKey()
	if string(before) == string(after) {
		t.Fatalf("expected a new key after rotation")
	}
}
