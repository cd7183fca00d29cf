// Package crypto provides the cryptographic primitives for the overlay:
// ephemeral key exchanges for circuit hops, the per-hop layer keystreams,
// and the hybrid encryption used for introduction payloads.
//
// Security considerations:
//   - All random number generation uses crypto/rand (CSPRNG)
//   - Key comparisons use constant-time operations (see pkg/security)
//   - Key material is zeroed when a hop is released
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Key and value sizes
const (
	// KeyLen is the length of symmetric and curve25519 keys
	KeyLen = 32
	// ConfirmLen is the length of the key-confirmation hash
	ConfirmLen = 32
	// CookieLen is the length of a rendezvous cookie
	CookieLen = 20
)

// Domain-separation strings for the KDF
const (
	hopKDFSalt    = "anon-hop-kdf-v1"
	endToEndSalt  = "anon-e2e-kdf-v1"
	introSealSalt = "anon-intro-seal-v1"
	confirmLabel  = "anon-handshake-confirm"
)

// RandomBytes generates n random bytes using crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// NewCookie generates a fresh rendezvous cookie.
func NewCookie() ([CookieLen]byte, error) {
	var c [CookieLen]byte
	if _, err := rand.Read(c[:]); err != nil {
		return c, fmt.Errorf("failed to generate cookie: %w", err)
	}
	return c, nil
}

// EphemeralKey is a curve25519 keypair used for one key exchange.
type EphemeralKey struct {
	Private [KeyLen]byte
	Public  [KeyLen]byte
}

// GenerateEphemeral creates a fresh curve25519 keypair.
func GenerateEphemeral() (*EphemeralKey, error) {
	var k EphemeralKey
	if _, err := rand.Read(k.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(k.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(k.Public[:], pub)
	return &k, nil
}

// sharedSecret computes the X25519 shared secret.
func sharedSecret(priv, peerPub []byte) ([]byte, error) {
	secret, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("key exchange failed: %w", err)
	}
	return secret, nil
}

// deriveHop derives a HopState from a shared secret and the exchange
// transcript. The binding material ties the keys to the hop's identity.
func deriveHop(secret, salt []byte, transcript ...[]byte) (*HopState, []byte, error) {
	var info []byte
	for _, t := range transcript {
		info = append(info, t...)
	}

	r := hkdf.New(sha256.New, secret, salt, info)
	hs := &HopState{}
	material := make([]byte, KeyLen+KeyLen+SaltLen+SaltLen+KeyLen)
	if _, err := io.ReadFull(r, material); err != nil {
		return nil, nil, fmt.Errorf("key derivation failed: %w", err)
	}

	off := 0
	copy(hs.fwdKey[:], material[off:off+KeyLen])
	off += KeyLen
	copy(hs.bwdKey[:], material[off:off+KeyLen])
	off += KeyLen
	copy(hs.fwdSalt[:], material[off:off+SaltLen])
	off += SaltLen
	copy(hs.bwdSalt[:], material[off:off+SaltLen])
	off += SaltLen
	verifyKey := material[off : off+KeyLen]

	mac := hmac.New(sha256.New, verifyKey)
	mac.Write([]byte(confirmLabel))
	confirm := mac.Sum(nil)

	return hs, confirm, nil
}

// HandshakeRespond is the relay side of the hop key exchange: given the
// originator's ephemeral public value and our binding material (NodeID),
// produce our ephemeral public value, a key-confirmation hash, and the
// derived hop state.
func HandshakeRespond(clientPub [KeyLen]byte, binding []byte) (*EphemeralKey, []byte, *HopState, error) {
	eph, err := GenerateEphemeral()
	if err != nil {
		return nil, nil, nil, err
	}

	secret, err := sharedSecret(eph.Private[:], clientPub[:])
	if err != nil {
		return nil, nil, nil, err
	}

	hs, confirm, err := deriveHop(secret, []byte(hopKDFSalt), clientPub[:], eph.Public[:], binding)
	if err != nil {
		return nil, nil, nil, err
	}
	return eph, confirm, hs, nil
}

// HandshakeFinish is the originator side: verify the relay's confirmation
// hash and derive the matching hop state.
func HandshakeFinish(eph *EphemeralKey, serverPub [KeyLen]byte, confirm, binding []byte) (*HopState, error) {
	secret, err := sharedSecret(eph.Private[:], serverPub[:])
	if err != nil {
		return nil, err
	}

	hs, expected, err := deriveHop(secret, []byte(hopKDFSalt), eph.Public[:], serverPub[:], binding)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(expected, confirm) {
		return nil, fmt.Errorf("key confirmation mismatch")
	}
	return hs, nil
}

// DeriveEndToEnd derives the end-to-end hop state shared by a client and a
// hidden service after rendezvous. The client passes flip=false, the
// service flip=true, so each side's forward direction points at the other.
func DeriveEndToEnd(priv [KeyLen]byte, clientPub, servicePub [KeyLen]byte, flip bool) (*HopState, error) {
	var peer [KeyLen]byte
	if flip {
		peer = clientPub
	} else {
		peer = servicePub
	}

	secret, err := sharedSecret(priv[:], peer[:])
	if err != nil {
		return nil, err
	}

	hs, _, err := deriveHop(secret, []byte(endToEndSalt), clientPub[:], servicePub[:])
	if err != nil {
		return nil, err
	}
	if flip {
		hs.flip()
	}
	return hs, nil
}

// ValidateServiceKey checks that an ed25519 service public key decodes to
// a canonical curve point.
func ValidateServiceKey(pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid service key length: %d", len(pub))
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return fmt.Errorf("service key is not a valid curve point: %w", err)
	}
	return nil
}

// montgomeryFromEd converts an ed25519 public key to its x25519 form.
func montgomeryFromEd(pub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// x25519FromEdPrivate derives the x25519 private scalar from an ed25519
// private key. curve25519.X25519 clamps the scalar itself.
func x25519FromEdPrivate(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	return h[:KeyLen]
}

// SealToServiceKey encrypts plaintext to a service's ed25519 public key:
// a fresh x25519 ephemeral plus chacha20poly1305 over an HKDF-derived key.
// Output layout: ephemeral_public(32) || ciphertext.
func SealToServiceKey(servicePub ed25519.PublicKey, plaintext []byte) ([]byte, error) {
	mont, err := montgomeryFromEd(servicePub)
	if err != nil {
		return nil, err
	}

	eph, err := GenerateEphemeral()
	if err != nil {
		return nil, err
	}

	secret, err := sharedSecret(eph.Private[:], mont)
	if err != nil {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, []byte(introSealSalt), append(eph.Public[:], servicePub...))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return append(eph.Public[:], sealed...), nil
}

// OpenWithServiceKey decrypts a payload sealed with SealToServiceKey using
// the service's ed25519 private key.
func OpenWithServiceKey(servicePriv ed25519.PrivateKey, sealed []byte) ([]byte, error) {
	if len(sealed) < KeyLen+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("sealed payload too short: %d bytes", len(sealed))
	}

	ephPub := sealed[:KeyLen]
	scalar := x25519FromEdPrivate(servicePriv)

	secret, err := sharedSecret(scalar, ephPub)
	if err != nil {
		return nil, err
	}

	servicePub := servicePriv.Public().(ed25519.PublicKey)
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, []byte(introSealSalt), append(append([]byte{}, ephPub...), servicePub...))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	plaintext, err := aead.Open(nil, nonce, sealed[KeyLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed payload: %w", err)
	}
	return plaintext, nil
}
