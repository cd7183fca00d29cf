package directory

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/dht"
	"github.com/opd-ai/go-anonnet/pkg/errors"
	"github.com/opd-ai/go-anonnet/pkg/logger"
)

// cachedDescriptor is one validated descriptor held until expiry.
type cachedDescriptor struct {
	desc      *Descriptor
	expiresAt time.Time
}

// Directory publishes and retrieves service descriptors through the DHT.
type Directory struct {
	dht    *dht.DHT
	logger *logger.Logger

	mu    sync.RWMutex
	cache map[Address]*cachedDescriptor
}

// New creates a directory over the given DHT. It installs the store
// replacement policy: an incoming descriptor must validate and must not
// be older than the one it replaces.
func New(d *dht.DHT, log *logger.Logger) *Directory {
	if log == nil {
		log = logger.NewDefault()
	}

	dir := &Directory{
		dht:    d,
		logger: log.Component("directory"),
		cache:  make(map[Address]*cachedDescriptor),
	}

	d.SetReplaceFunc(func(key string, old, incoming []byte) bool {
		newDesc, err := DecodeDescriptor(incoming)
		if err != nil || newDesc.Validate(time.Now()) != nil {
			return false
		}
		oldDesc, err := DecodeDescriptor(old)
		if err != nil {
			return true
		}
		// Never replace a descriptor whose signed created_at is newer.
		return !newDesc.CreatedAt.Before(oldDesc.CreatedAt)
	})

	return dir
}

// Lookup returns the first validated descriptor for an address, from the
// local cache if fresh, otherwise from the DHT.
func (dir *Directory) Lookup(ctx context.Context, addr Address) (*Descriptor, error) {
	dir.mu.RLock()
	cached, ok := dir.cache[addr]
	dir.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.desc, nil
	}

	raw, err := dir.dht.FindValue(ctx, addr.Key())
	if err != nil {
		return nil, errors.Wrap(errors.KindServiceUnreachable, "descriptor not found", err)
	}

	desc, err := DecodeDescriptor(raw)
	if err != nil {
		return nil, errors.Wrap(errors.KindServiceUnreachable, "malformed descriptor", err)
	}
	if err := desc.Validate(time.Now()); err != nil {
		return nil, errors.Wrap(errors.KindServiceUnreachable, "invalid descriptor", err)
	}
	if desc.Address != addr {
		return nil, errors.New(errors.KindServiceUnreachable, "descriptor address mismatch")
	}

	dir.mu.Lock()
	dir.cache[addr] = &cachedDescriptor{desc: desc, expiresAt: desc.ExpiresAt()}
	dir.mu.Unlock()

	return desc, nil
}

// Evict drops a cached descriptor, forcing the next Lookup to the DHT.
// Used when every intro point in a cached descriptor turned out dead.
func (dir *Directory) Evict(addr Address) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	delete(dir.cache, addr)
}

// Publish signs a descriptor over the given intro points and stores it in
// the DHT under the service address. The caller re-publishes at ttl/2.
func (dir *Directory) Publish(ctx context.Context, priv ed25519.PrivateKey, intros []IntroPoint, ttl time.Duration) (*Descriptor, error) {
	if len(intros) < 1 {
		return nil, errors.New(errors.KindServiceUnreachable, "no intro points established")
	}
	if len(intros) > MaxIntroPoints {
		intros = intros[:MaxIntroPoints]
	}
	if ttl <= 0 {
		ttl = DefaultDescriptorTTL
	}

	pub := priv.Public().(ed25519.PublicKey)
	desc := &Descriptor{
		Version:    DescriptorVersion,
		Address:    DeriveAddress(pub),
		ServiceKey: pub,
		Intros:     intros,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
		TTL:        ttl,
	}
	desc.Sign(priv)

	raw, err := desc.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode descriptor: %w", err)
	}

	if err := dir.dht.Store(ctx, desc.Address.Key(), raw, ttl); err != nil {
		return nil, err
	}

	dir.logger.Info("Descriptor published",
		"address", desc.Address.String(),
		"intros", len(intros),
		"ttl", ttl)
	return desc, nil
}

// serviceKeyDir is the directory under data_dir holding service keypairs.
const serviceKeyDir = "service_keys"

// LoadOrCreateServiceKey returns the persisted keypair for a hosted
// service, generating one on first use. Keys are stored under
// data_dir/service_keys/<address>.key.
func LoadOrCreateServiceKey(dataDir string) (ed25519.PrivateKey, error) {
	keyDir := filepath.Join(dataDir, serviceKeyDir)
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create service key dir: %w", err)
	}

	entries, err := os.ReadDir(keyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read service key dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".key" {
			continue
		}
		seed, err := os.ReadFile(filepath.Join(keyDir, e.Name()))
		if err != nil || len(seed) != ed25519.SeedSize {
			continue
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}

	// First run: create a fresh service key.
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate service key: %w", err)
	}
	addr := DeriveAddress(priv.Public().(ed25519.PublicKey))
	name := addr.String() + ".key"
	if err := os.WriteFile(filepath.Join(keyDir, name), priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist service key: %w", err)
	}
	return priv, nil
}
