package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

// testDifficulty keeps the PoW search fast in tests.
const testDifficulty = 4

func TestGenerateAndVerify(t *testing.T) {
	id, err := Generate(testDifficulty)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if !Verify(id.PublicKey, id.Witness, testDifficulty) {
		t.Error("Verify() = false for a freshly generated identity")
	}
	if id.NodeID != DeriveNodeID(id.PublicKey) {
		t.Error("NodeID does not match derivation from public key")
	}
}

func TestVerifyRejectsWrongWitness(t *testing.T) {
	id, err := Generate(testDifficulty)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// A witness for one key must not validate for another.
	pub2, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if Verify(pub2, id.Witness, 16) {
		t.Error("Verify() accepted a witness for the wrong key at difficulty 16")
	}

	if Verify(id.PublicKey[:16], id.Witness, testDifficulty) {
		t.Error("Verify() accepted a truncated public key")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	id, err := Generate(testDifficulty)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if err := id.Save(dir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(dir, testDifficulty)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.NodeID != id.NodeID {
		t.Errorf("loaded NodeID = %s, want %s", loaded.NodeID, id.NodeID)
	}
	if loaded.Witness != id.Witness {
		t.Errorf("loaded Witness = %d, want %d", loaded.Witness, id.Witness)
	}
}

func TestLoadOrGenerateIsStable(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir, testDifficulty)
	if err != nil {
		t.Fatalf("LoadOrGenerate() error = %v", err)
	}
	second, err := LoadOrGenerate(dir, testDifficulty)
	if err != nil {
		t.Fatalf("LoadOrGenerate() second call error = %v", err)
	}
	if first.NodeID != second.NodeID {
		t.Error("LoadOrGenerate() returned a different identity on second run")
	}
}

func TestNodeIDXORAndLess(t *testing.T) {
	a := NodeID{0x01}
	b := NodeID{0x02}

	d := a.XOR(b)
	if d != (NodeID{0x03}) {
		t.Errorf("XOR = %v, want first byte 0x03", d)
	}
	if a.XOR(a) != (NodeID{}) {
		t.Error("XOR with self should be zero")
	}
	if !a.Less(b) || b.Less(a) {
		t.Error("Less ordering wrong")
	}
}

func TestNodeIDLeadingZeros(t *testing.T) {
	tests := []struct {
		name string
		id   NodeID
		want int
	}{
		{"zero", NodeID{}, 128},
		{"first bit set", NodeID{0x80}, 0},
		{"ninth bit set", NodeID{0x00, 0x80}, 8},
		{"low bit of first byte", NodeID{0x01}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.LeadingZeros(); got != tt.want {
				t.Errorf("LeadingZeros() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseNodeID(t *testing.T) {
	id := NodeID{0xde, 0xad, 0xbe, 0xef}
	parsed, err := ParseNodeID(id.String())
	if err != nil {
		t.Fatalf("ParseNodeID() error = %v", err)
	}
	if parsed != id {
		t.Errorf("ParseNodeID round trip = %v, want %v", parsed, id)
	}

	if _, err := ParseNodeID("zz"); err == nil {
		t.Error("ParseNodeID accepted invalid hex")
	}
	if _, err := ParseNodeID("abcd"); err == nil {
		t.Error("ParseNodeID accepted short input")
	}
}
