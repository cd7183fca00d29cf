package directory

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/conn"
	"github.com/opd-ai/go-anonnet/pkg/dht"
	"github.com/opd-ai/go-anonnet/pkg/errors"
	"github.com/opd-ai/go-anonnet/pkg/identity"
	"github.com/opd-ai/go-anonnet/pkg/transport"
)

// newLocalDirectory builds a directory over an isolated single-node DHT.
func newLocalDirectory(t *testing.T) (*Directory, *dht.DHT) {
	t.Helper()

	id, err := identity.Generate(4)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	tr, err := transport.New(transport.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	cfg := conn.DefaultConfig()
	cfg.Difficulty = 4
	mgr := conn.NewManager(cfg, id, tr, nil)

	d := dht.New(dht.DefaultConfig(), mgr, nil)
	t.Cleanup(d.Close)
	return New(d, nil), d
}

func TestPublishThenLookup(t *testing.T) {
	dir, _ := newLocalDirectory(t)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	intros := []IntroPoint{{NodeID: identity.NodeID{7}, PublicKey: priv.Public().(ed25519.PublicKey)}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	published, err := dir.Publish(ctx, priv, intros, time.Hour)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// Drop the cache so Lookup exercises the DHT path.
	dir.Evict(published.Address)

	got, err := dir.Lookup(ctx, published.Address)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.Address != published.Address {
		t.Error("lookup returned a different address")
	}
	if len(got.Intros) != 1 || got.Intros[0].NodeID != intros[0].NodeID {
		t.Error("lookup lost the intro points")
	}
}

func TestPublishRequiresIntroPoints(t *testing.T) {
	dir, _ := newLocalDirectory(t)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	_, err = dir.Publish(context.Background(), priv, nil, time.Hour)
	if err == nil {
		t.Fatal("Publish() accepted zero intro points")
	}
	if !errors.IsKind(err, errors.KindServiceUnreachable) {
		t.Errorf("error kind = %v", errors.KindOf(err))
	}
}

func TestLookupRejectsExpired(t *testing.T) {
	dir, _ := newLocalDirectory(t)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	intros := []IntroPoint{{NodeID: identity.NodeID{7}, PublicKey: priv.Public().(ed25519.PublicKey)}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	published, err := dir.Publish(ctx, priv, intros, 10*time.Second)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	dir.Evict(published.Address)

	// Before expiry the descriptor resolves.
	if _, err := dir.Lookup(ctx, published.Address); err != nil {
		t.Fatalf("Lookup() before expiry error = %v", err)
	}

	// After expiry the local cache copy must be rejected too.
	dir.mu.Lock()
	dir.cache[published.Address].expiresAt = time.Now().Add(-time.Second)
	dir.mu.Unlock()

	// The DHT store evicts on its own TTL; simulate expiry by
	// validating the published descriptor against a later clock.
	if err := published.Validate(time.Now().Add(11 * time.Second)); err == nil {
		t.Error("descriptor validated past its ttl")
	}
}

func TestStoreRefusesOlderDescriptor(t *testing.T) {
	dir, d := newLocalDirectory(t)
	_ = dir

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	addr := DeriveAddress(pub)

	build := func(created time.Time) []byte {
		desc := &Descriptor{
			Version:    DescriptorVersion,
			Address:    addr,
			ServiceKey: pub,
			Intros:     []IntroPoint{{NodeID: identity.NodeID{1}, PublicKey: pub}},
			CreatedAt:  created.UTC().Truncate(time.Second),
			TTL:        time.Hour,
		}
		desc.Sign(priv)
		raw, err := desc.Encode()
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		return raw
	}

	newer := build(time.Now())
	older := build(time.Now().Add(-time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.Store(ctx, addr.Key(), newer, time.Hour); err != nil {
		t.Fatalf("Store(newer) error = %v", err)
	}
	// Storing the older descriptor must not displace the newer one.
	d.Store(ctx, addr.Key(), older, time.Hour) // nolint:errcheck

	raw, err := d.FindValue(ctx, addr.Key())
	if err != nil {
		t.Fatalf("FindValue() error = %v", err)
	}
	got, err := DecodeDescriptor(raw)
	if err != nil {
		t.Fatalf("DecodeDescriptor() error = %v", err)
	}
	wantDesc, _ := DecodeDescriptor(newer)
	if !got.CreatedAt.Equal(wantDesc.CreatedAt) {
		t.Error("an older descriptor replaced a newer one")
	}
}
