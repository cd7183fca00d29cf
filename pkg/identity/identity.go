// Package identity provides the node's long-term identity: an ed25519
// signing keypair, the node identifier derived from the public key, and the
// proof-of-work witness that gates acceptance by other peers.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
)

const (
	// NodeIDLen is the length of a node identifier in bytes.
	NodeIDLen = 16
	// DefaultDifficulty is the number of leading zero bits required of
	// hash(public_key || witness).
	DefaultDifficulty = 16
	// identityFileName is the file under data_dir holding the keypair.
	identityFileName = "identity.key"
)

// NodeID is a 128-bit node identifier, the first 16 bytes of the SHA-256
// hash of the node's long-term signing public key. NodeIDs compare by XOR
// distance (Kademlia metric).
type NodeID [NodeIDLen]byte

// DeriveNodeID computes the NodeID for a signing public key.
func DeriveNodeID(pub ed25519.PublicKey) NodeID {
	h := sha256.Sum256(pub)
	var id NodeID
	copy(id[:], h[:NodeIDLen])
	return id
}

// String returns the hex form of the NodeID.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// XOR returns the XOR distance between two NodeIDs.
func (id NodeID) XOR(other NodeID) NodeID {
	var d NodeID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Less reports whether id sorts lexicographically before other. Used as the
// deterministic tie-break throughout the node.
func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// LeadingZeros returns the number of leading zero bits in the NodeID.
// For an XOR distance this is 128 minus the bit length of the distance.
func (id NodeID) LeadingZeros() int {
	n := 0
	for _, b := range id {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}

// IsZero reports whether the NodeID is all zero.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// ParseNodeID parses a hex-encoded NodeID.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid node id: %w", err)
	}
	if len(b) != NodeIDLen {
		return id, fmt.Errorf("invalid node id length: %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Identity is a long-lived signing keypair with its derived NodeID and
// proof-of-work witness.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	NodeID     NodeID
	Witness    uint64
}

// powHash computes hash(public_key || witness).
func powHash(pub ed25519.PublicKey, witness uint64) [32]byte {
	buf := make([]byte, 0, len(pub)+8)
	buf = append(buf, pub...)
	buf = binary.BigEndian.AppendUint64(buf, witness)
	return sha256.Sum256(buf)
}

// leadingZeroBits counts leading zero bits of a hash.
func leadingZeroBits(h [32]byte) int {
	n := 0
	for _, b := range h {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}

// Verify checks that the witness satisfies the proof-of-work predicate for
// the given public key at the given difficulty.
func Verify(pub ed25519.PublicKey, witness uint64, difficulty int) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	h := powHash(pub, witness)
	return leadingZeroBits(h) >= difficulty
}

// Generate produces a fresh identity: an ed25519 keypair and a witness
// found by linear search over a counter. The search is unbounded but
// deterministic; the only observable side-effect is CPU time.
func Generate(difficulty int) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	var witness uint64
	for !Verify(pub, witness, difficulty) {
		witness++
	}

	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		NodeID:     DeriveNodeID(pub),
		Witness:    witness,
	}, nil
}

// Sign signs the message with the identity's long-term key.
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.PrivateKey, message)
}

// Save persists the identity to data_dir/identity.key (seed and witness),
// readable only by the owner.
func (i *Identity) Save(dataDir string) error {
	buf := make([]byte, 0, ed25519.SeedSize+8)
	buf = append(buf, i.PrivateKey.Seed()...)
	buf = binary.BigEndian.AppendUint64(buf, i.Witness)

	path := filepath.Join(dataDir, identityFileName)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// Load reads a persisted identity from data_dir. The stored witness is
// re-verified; a corrupted file is an error, never silently regenerated.
func Load(dataDir string, difficulty int) (*Identity, error) {
	path := filepath.Join(dataDir, identityFileName)
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(buf) != ed25519.SeedSize+8 {
		return nil, fmt.Errorf("corrupted identity file: %d bytes", len(buf))
	}

	priv := ed25519.NewKeyFromSeed(buf[:ed25519.SeedSize])
	pub := priv.Public().(ed25519.PublicKey)
	witness := binary.BigEndian.Uint64(buf[ed25519.SeedSize:])

	if !Verify(pub, witness, difficulty) {
		return nil, fmt.Errorf("corrupted identity file: witness does not validate")
	}

	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		NodeID:     DeriveNodeID(pub),
		Witness:    witness,
	}, nil
}

// LoadOrGenerate loads the persisted identity, generating and saving a new
// one on first run.
func LoadOrGenerate(dataDir string, difficulty int) (*Identity, error) {
	id, err := Load(dataDir, difficulty)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	id, err = Generate(difficulty)
	if err != nil {
		return nil, err
	}
	if err := id.Save(dataDir); err != nil {
		return nil, err
	}
	return id, nil
}
