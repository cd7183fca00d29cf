package directory

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/identity"
)

func TestAddressRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	addr := DeriveAddress(pub)
	rendered := addr.String()

	if !strings.HasSuffix(rendered, Suffix) {
		t.Fatalf("address %q missing suffix", rendered)
	}
	encoded := strings.TrimSuffix(rendered, Suffix)
	if len(encoded) != EncodedAddressLen {
		t.Fatalf("encoded length = %d, want %d", len(encoded), EncodedAddressLen)
	}

	parsed, err := ParseAddress(rendered)
	if err != nil {
		t.Fatalf("ParseAddress() error = %v", err)
	}
	if parsed != addr {
		t.Error("ParseAddress round trip mismatch")
	}
}

func TestParseAddressRejections(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	valid := DeriveAddress(pub).String()

	tests := []struct {
		name string
		host string
	}{
		{"clearnet domain", "example.com"},
		{"loopback", "127.0.0.1"},
		{"localhost", "localhost"},
		{"wrong suffix", strings.TrimSuffix(valid, Suffix) + ".onion"},
		{"too short", "abc" + Suffix},
		{"uppercase", strings.ToUpper(valid)},
		{"bad alphabet", strings.Repeat("1", EncodedAddressLen) + Suffix},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAddress(tt.host); err == nil {
				t.Errorf("ParseAddress(%q) accepted an invalid host", tt.host)
			}
			if IsAnonHost(tt.host) {
				t.Errorf("IsAnonHost(%q) = true", tt.host)
			}
		})
	}

	if !IsAnonHost(valid) {
		t.Errorf("IsAnonHost(%q) = false for a valid address", valid)
	}
}

// makeDescriptor builds a signed descriptor for tests.
func makeDescriptor(t *testing.T, ttl time.Duration) (*Descriptor, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	d := &Descriptor{
		Version:    DescriptorVersion,
		Address:    DeriveAddress(pub),
		ServiceKey: pub,
		Intros: []IntroPoint{
			{NodeID: identity.NodeID{1}, PublicKey: pub},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		TTL:       ttl,
	}
	d.Sign(priv)
	return d, priv
}

func TestDescriptorEncodeDecodeRoundTrip(t *testing.T) {
	d, _ := makeDescriptor(t, time.Hour)

	raw, err := d.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := DecodeDescriptor(raw)
	if err != nil {
		t.Fatalf("DecodeDescriptor() error = %v", err)
	}

	if decoded.Address != d.Address {
		t.Error("address changed in round trip")
	}
	if !decoded.CreatedAt.Equal(d.CreatedAt) {
		t.Errorf("created_at = %v, want %v", decoded.CreatedAt, d.CreatedAt)
	}
	if decoded.TTL != d.TTL {
		t.Errorf("ttl = %v, want %v", decoded.TTL, d.TTL)
	}
	if len(decoded.Intros) != 1 || decoded.Intros[0].NodeID != d.Intros[0].NodeID {
		t.Error("intro points changed in round trip")
	}
	if err := decoded.Validate(time.Now()); err != nil {
		t.Errorf("Validate() after round trip: %v", err)
	}
}

func TestDecodeDescriptorRejectsTampering(t *testing.T) {
	d, _ := makeDescriptor(t, time.Hour)
	raw, err := d.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	for _, offset := range []int{0, 10, 40, len(raw) - 1} {
		tampered := append([]byte{}, raw...)
		tampered[offset] ^= 0x01

		decoded, err := DecodeDescriptor(tampered)
		if err != nil {
			continue // structural rejection is fine too
		}
		if err := decoded.Validate(time.Now()); err == nil {
			t.Errorf("tampering at offset %d went undetected", offset)
		}
	}

	if _, err := DecodeDescriptor(raw[:len(raw)-3]); err == nil {
		t.Error("DecodeDescriptor() accepted a truncated descriptor")
	}
	if _, err := DecodeDescriptor(append(raw, 0)); err == nil {
		t.Error("DecodeDescriptor() accepted trailing bytes")
	}
}

func TestDescriptorValidateExpiry(t *testing.T) {
	d, _ := makeDescriptor(t, 10*time.Second)

	if err := d.Validate(time.Now()); err != nil {
		t.Errorf("Validate() of a fresh descriptor: %v", err)
	}
	if err := d.Validate(time.Now().Add(11 * time.Second)); err == nil {
		t.Error("Validate() accepted an expired descriptor")
	}
}

func TestDescriptorValidateWrongAddress(t *testing.T) {
	d, priv := makeDescriptor(t, time.Hour)

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	d.Address = DeriveAddress(otherPub)
	d.Sign(priv)

	if err := d.Validate(time.Now()); err == nil {
		t.Error("Validate() accepted a descriptor whose key does not derive to its address")
	}
}

func TestDescriptorValidateIntroBounds(t *testing.T) {
	d, priv := makeDescriptor(t, time.Hour)

	d.Intros = nil
	d.Sign(priv)
	if err := d.Validate(time.Now()); err == nil {
		t.Error("Validate() accepted zero intro points")
	}

	d.Intros = make([]IntroPoint, MaxIntroPoints+1)
	for i := range d.Intros {
		d.Intros[i] = IntroPoint{PublicKey: d.ServiceKey}
	}
	d.Sign(priv)
	if err := d.Validate(time.Now()); err == nil {
		t.Error("Validate() accepted too many intro points")
	}
}
