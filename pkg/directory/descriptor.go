package directory

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/identity"
)

const (
	// DescriptorVersion is the current descriptor format version.
	DescriptorVersion = 1

	// MaxIntroPoints bounds the intro-point list of a descriptor.
	MaxIntroPoints = 8

	// DefaultDescriptorTTL is the lifetime of a published descriptor.
	DefaultDescriptorTTL = time.Hour
)

// IntroPoint names one relay serving introductions for a service.
type IntroPoint struct {
	NodeID    identity.NodeID
	PublicKey ed25519.PublicKey // the intro circuit's service-side key
}

// Descriptor is the signed record a service publishes to make itself
// discoverable. Descriptors live in the DHT keyed by service address.
type Descriptor struct {
	Version    byte
	Address    Address
	ServiceKey ed25519.PublicKey
	Intros     []IntroPoint
	CreatedAt  time.Time
	TTL        time.Duration
	Signature  []byte
}

// signedBytes returns the canonical encoding of every field except the
// signature, in a fixed order. Both signing and verification hash exactly
// these bytes.
func (d *Descriptor) signedBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(d.Version)
	buf.Write(d.Address[:])
	buf.Write(d.ServiceKey)
	buf.WriteByte(byte(len(d.Intros)))
	for _, ip := range d.Intros {
		buf.Write(ip.NodeID[:])
		buf.Write(ip.PublicKey)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(d.CreatedAt.Unix()))
	buf.Write(ts[:])
	binary.BigEndian.PutUint64(ts[:], uint64(d.TTL/time.Second))
	buf.Write(ts[:])
	return buf.Bytes()
}

// Sign signs the descriptor with the service's private key.
func (d *Descriptor) Sign(priv ed25519.PrivateKey) {
	d.Signature = ed25519.Sign(priv, d.signedBytes())
}

// ExpiresAt returns the descriptor's expiry instant.
func (d *Descriptor) ExpiresAt() time.Time {
	return d.CreatedAt.Add(d.TTL)
}

// Validate checks everything a node must verify before accepting a
// descriptor from the network: signature, address derivation, expiry,
// and intro-point bounds.
func (d *Descriptor) Validate(now time.Time) error {
	if d.Version != DescriptorVersion {
		return fmt.Errorf("unsupported descriptor version %d", d.Version)
	}
	if len(d.Intros) < 1 || len(d.Intros) > MaxIntroPoints {
		return fmt.Errorf("descriptor has %d intro points", len(d.Intros))
	}
	if err := VerifyServiceKey(d.ServiceKey, d.Address); err != nil {
		return fmt.Errorf("descriptor service key invalid: %w", err)
	}
	if !ed25519.Verify(d.ServiceKey, d.signedBytes(), d.Signature) {
		return fmt.Errorf("descriptor signature verification failed")
	}
	if !d.ExpiresAt().After(now) {
		return fmt.Errorf("descriptor expired at %s", d.ExpiresAt())
	}
	return nil
}

// Encode serialises the descriptor: the signed bytes followed by the
// signature.
func (d *Descriptor) Encode() ([]byte, error) {
	if len(d.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("descriptor is not signed")
	}
	if len(d.ServiceKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("descriptor has malformed service key")
	}
	for _, ip := range d.Intros {
		if len(ip.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("intro point has malformed key")
		}
	}
	return append(d.signedBytes(), d.Signature...), nil
}

// DecodeDescriptor parses a descriptor, rejecting any truncation or
// trailing garbage. Callers must still Validate.
func DecodeDescriptor(raw []byte) (*Descriptor, error) {
	r := bytes.NewReader(raw)

	var version byte
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("truncated descriptor: %w", err)
	}

	d := &Descriptor{Version: version}
	if _, err := readFull(r, d.Address[:]); err != nil {
		return nil, err
	}

	d.ServiceKey = make(ed25519.PublicKey, ed25519.PublicKeySize)
	if _, err := readFull(r, d.ServiceKey); err != nil {
		return nil, err
	}

	var count byte
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("truncated descriptor: %w", err)
	}
	if int(count) > MaxIntroPoints {
		return nil, fmt.Errorf("descriptor has %d intro points", count)
	}
	for i := 0; i < int(count); i++ {
		var ip IntroPoint
		if _, err := readFull(r, ip.NodeID[:]); err != nil {
			return nil, err
		}
		ip.PublicKey = make(ed25519.PublicKey, ed25519.PublicKeySize)
		if _, err := readFull(r, ip.PublicKey); err != nil {
			return nil, err
		}
		d.Intros = append(d.Intros, ip)
	}

	var ts uint64
	if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
		return nil, fmt.Errorf("truncated descriptor: %w", err)
	}
	d.CreatedAt = time.Unix(int64(ts), 0).UTC()

	if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
		return nil, fmt.Errorf("truncated descriptor: %w", err)
	}
	d.TTL = time.Duration(ts) * time.Second

	d.Signature = make([]byte, ed25519.SignatureSize)
	if _, err := readFull(r, d.Signature); err != nil {
		return nil, err
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("descriptor has %d trailing bytes", r.Len())
	}
	return d, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n, err := r.Read(buf)
	if err != nil || n != len(buf) {
		return n, fmt.Errorf("truncated descriptor")
	}
	return n, nil
}
