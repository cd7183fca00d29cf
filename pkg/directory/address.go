// Package directory manages service descriptors: the .anon address
// scheme, canonical descriptor encoding and signing, publication to the
// DHT, and lookup with validation. Re-publishing before expiry is left to
// the caller of Publish.
package directory

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"

	anoncrypto "github.com/opd-ai/go-anonnet/pkg/crypto"
)

const (
	// Suffix is the synthetic top-level domain for service addresses.
	Suffix = ".anon"

	// AddressHashLen is the length of the address hash in bytes.
	AddressHashLen = 32

	// EncodedAddressLen is the length of the base-32 address text.
	EncodedAddressLen = 52

	// addressDomain separates address hashes from other uses of the
	// service key hash.
	addressDomain = "anon-service-address"
)

// addressEncoding is the RFC 4648 lowercase base-32 alphabet, unpadded.
var addressEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Address is a service address: the domain-separated hash of a service
// signing public key.
type Address [AddressHashLen]byte

// DeriveAddress computes the address for a service public key.
func DeriveAddress(pub ed25519.PublicKey) Address {
	h := sha256.New()
	h.Write([]byte(addressDomain))
	h.Write(pub)
	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// String renders the address with the .anon suffix.
func (a Address) String() string {
	return addressEncoding.EncodeToString(a[:]) + Suffix
}

// Key returns the DHT key under which this address's descriptor lives.
func (a Address) Key() string {
	return string(a[:])
}

// ParseAddress parses and validates a hostname of the form
// <52-char-base32>.anon. No DNS resolution is ever performed on these.
func ParseAddress(host string) (Address, error) {
	var a Address

	if !strings.HasSuffix(host, Suffix) {
		return a, fmt.Errorf("not an anon address: %q", host)
	}
	encoded := strings.TrimSuffix(host, Suffix)
	if len(encoded) != EncodedAddressLen {
		return a, fmt.Errorf("invalid address length: %d", len(encoded))
	}
	if encoded != strings.ToLower(encoded) {
		return a, fmt.Errorf("address must be lowercase")
	}

	raw, err := addressEncoding.DecodeString(encoded)
	if err != nil {
		return a, fmt.Errorf("invalid base32 address: %w", err)
	}
	if len(raw) != AddressHashLen {
		return a, fmt.Errorf("invalid decoded address length: %d", len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// IsAnonHost reports whether host is a syntactically valid .anon address.
func IsAnonHost(host string) bool {
	_, err := ParseAddress(host)
	return err == nil
}

// VerifyServiceKey checks that a service public key is a canonical curve
// point and derives to the expected address.
func VerifyServiceKey(pub ed25519.PublicKey, expected Address) error {
	if err := anoncrypto.ValidateServiceKey(pub); err != nil {
		return err
	}
	if DeriveAddress(pub) != expected {
		return fmt.Errorf("service key does not derive to address")
	}
	return nil
}
