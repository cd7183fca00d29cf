package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

// handshakePair runs both sides of a hop key exchange and returns the
// originator and relay states.
func handshakePair(t *testing.T, binding []byte) (*HopState, *HopState) {
	t.Helper()

	client, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("GenerateEphemeral() error = %v", err)
	}

	// Responder side, capturing its ephemeral via the returned key.
	serverEph, confirm, relayHS, err := HandshakeRespond(client.Public, binding)
	if err != nil {
		t.Fatalf("HandshakeRespond() error = %v", err)
	}

	clientHS, err := HandshakeFinish(client, serverEph.Public, confirm, binding)
	if err != nil {
		t.Fatalf("HandshakeFinish() error = %v", err)
	}
	return clientHS, relayHS
}

func TestHandshakeFinishRejectsBadConfirm(t *testing.T) {
	binding := []byte("node")
	client, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("GenerateEphemeral() error = %v", err)
	}
	serverEph, confirm, _, err := HandshakeRespond(client.Public, binding)
	if err != nil {
		t.Fatalf("HandshakeRespond() error = %v", err)
	}

	bad := append([]byte{}, confirm...)
	bad[0] ^= 0xff
	if _, err := HandshakeFinish(client, serverEph.Public, bad, binding); err == nil {
		t.Error("HandshakeFinish() accepted a corrupted confirmation")
	}

	// A different binding must also fail confirmation.
	if _, err := HandshakeFinish(client, serverEph.Public, confirm, []byte("other")); err == nil {
		t.Error("HandshakeFinish() accepted a mismatched binding")
	}
}

func TestLayerRoundTrip(t *testing.T) {
	clientHS, relayHS := handshakePair(t, []byte("hop-1"))

	body := make([]byte, 501)
	copy(body, []byte("the quick brown fox"))
	original := append([]byte{}, body...)

	if err := clientHS.ForwardLayer(body); err != nil {
		t.Fatalf("ForwardLayer() error = %v", err)
	}
	if bytes.Equal(body, original) {
		t.Fatal("ForwardLayer did not change the body")
	}
	if err := relayHS.ForwardLayer(body); err != nil {
		t.Fatalf("relay ForwardLayer() error = %v", err)
	}
	if !bytes.Equal(body, original) {
		t.Error("one layer applied at each end did not cancel")
	}
}

func TestOnionLayersPeelInOrder(t *testing.T) {
	// Build a 3-hop circuit's worth of paired states.
	var originator, relays []*HopState
	for i := 0; i < 3; i++ {
		o, r := handshakePair(t, []byte{byte(i)})
		originator = append(originator, o)
		relays = append(relays, r)
	}

	body := make([]byte, 501)
	copy(body, []byte("inner plaintext"))
	original := append([]byte{}, body...)

	// Originator wraps hN..h1 so hop 1 peels the outermost.
	for i := len(originator) - 1; i >= 0; i-- {
		if err := originator[i].ForwardLayer(body); err != nil {
			t.Fatalf("wrap layer %d: %v", i, err)
		}
	}

	// Each relay peels exactly one layer, in path order.
	for i, r := range relays {
		if err := r.ForwardLayer(body); err != nil {
			t.Fatalf("peel at hop %d: %v", i, err)
		}
		if i < len(relays)-1 && bytes.Equal(body, original) {
			t.Fatalf("plaintext appeared early at hop %d", i)
		}
	}
	if !bytes.Equal(body, original) {
		t.Error("full peel did not recover the plaintext")
	}
}

func TestDigestRecognisesExactlyOnce(t *testing.T) {
	clientHS, relayHS := handshakePair(t, []byte("hop"))

	payload := make([]byte, 64)
	digest := clientHS.SealForwardDigest(payload)

	if !relayHS.VerifyForwardDigest(payload, digest) {
		t.Fatal("relay did not recognise a sealed cell")
	}
	// Replaying the same digest must fail: the chain advanced.
	if relayHS.VerifyForwardDigest(payload, digest) {
		t.Error("relay recognised the same cell twice")
	}
}

func TestDigestDetectsCounterGap(t *testing.T) {
	clientHS, relayHS := handshakePair(t, []byte("hop"))

	cellA := make([]byte, 32)
	cellA[0] = 'a'
	cellB := make([]byte, 32)
	cellB[0] = 'b'

	// The originator seals two cells but the first never reaches the
	// relay: the relay's chain is behind, so cell B must not verify.
	clientHS.SealForwardDigest(cellA)
	digestB := clientHS.SealForwardDigest(cellB)

	if relayHS.VerifyForwardDigest(cellB, digestB) {
		t.Error("digest verified across a gap in the cell sequence")
	}
}

func TestBackwardDigestIndependentOfForward(t *testing.T) {
	clientHS, relayHS := handshakePair(t, []byte("hop"))

	payload := make([]byte, 16)
	fwd := clientHS.SealForwardDigest(payload)
	bwd := relayHS.SealBackwardDigest(payload)

	if !relayHS.VerifyForwardDigest(payload, fwd) {
		t.Error("forward digest did not verify")
	}
	if !clientHS.VerifyBackwardDigest(payload, bwd) {
		t.Error("backward digest did not verify")
	}
}

func TestCountersAdvancePerDirection(t *testing.T) {
	hs, _ := handshakePair(t, []byte("hop"))

	body := make([]byte, 8)
	if err := hs.ForwardLayer(body); err != nil {
		t.Fatalf("ForwardLayer() error = %v", err)
	}
	if err := hs.ForwardLayer(body); err != nil {
		t.Fatalf("ForwardLayer() error = %v", err)
	}
	if err := hs.BackwardLayer(body); err != nil {
		t.Fatalf("BackwardLayer() error = %v", err)
	}

	fwd, bwd := hs.Counters()
	if fwd != 2 || bwd != 1 {
		t.Errorf("Counters() = (%d, %d), want (2, 1)", fwd, bwd)
	}
}

func TestEndToEndDerivationMatches(t *testing.T) {
	clientEph, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("GenerateEphemeral() error = %v", err)
	}
	serviceEph, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("GenerateEphemeral() error = %v", err)
	}

	clientHS, err := DeriveEndToEnd(clientEph.Private, clientEph.Public, serviceEph.Public, false)
	if err != nil {
		t.Fatalf("client DeriveEndToEnd() error = %v", err)
	}
	serviceHS, err := DeriveEndToEnd(serviceEph.Private, clientEph.Public, serviceEph.Public, true)
	if err != nil {
		t.Fatalf("service DeriveEndToEnd() error = %v", err)
	}

	// Client forward must cancel against service forward (flipped).
	body := make([]byte, 100)
	copy(body, []byte("end to end"))
	original := append([]byte{}, body...)

	if err := clientHS.ForwardLayer(body); err != nil {
		t.Fatalf("ForwardLayer() error = %v", err)
	}
	if err := serviceHS.BackwardLayer(body); err != nil {
		t.Fatalf("BackwardLayer() error = %v", err)
	}
	if !bytes.Equal(body, original) {
		t.Error("end-to-end layers did not cancel")
	}
}

func TestSealToServiceKeyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	plaintext := []byte("introduction payload")
	sealed, err := SealToServiceKey(pub, plaintext)
	if err != nil {
		t.Fatalf("SealToServiceKey() error = %v", err)
	}

	opened, err := OpenWithServiceKey(priv, sealed)
	if err != nil {
		t.Fatalf("OpenWithServiceKey() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("opened = %q, want %q", opened, plaintext)
	}
}

func TestOpenWithServiceKeyRejectsTampering(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	sealed, err := SealToServiceKey(pub, []byte("payload"))
	if err != nil {
		t.Fatalf("SealToServiceKey() error = %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff

	if _, err := OpenWithServiceKey(priv, sealed); err == nil {
		t.Error("OpenWithServiceKey() accepted a tampered payload")
	}

	// The wrong service key must not open it either.
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff // restore
	if _, err := OpenWithServiceKey(otherPriv, sealed); err == nil {
		t.Error("OpenWithServiceKey() opened with the wrong key")
	}
}

func TestValidateServiceKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	if err := ValidateServiceKey(pub); err != nil {
		t.Errorf("ValidateServiceKey() rejected a valid key: %v", err)
	}
	if err := ValidateServiceKey(pub[:16]); err == nil {
		t.Error("ValidateServiceKey() accepted a truncated key")
	}
}

func TestNewCookieIsRandom(t *testing.T) {
	a, err := NewCookie()
	if err != nil {
		t.Fatalf("NewCookie() error = %v", err)
	}
	b, err := NewCookie()
	if err != nil {
		t.Fatalf("NewCookie() error = %v", err)
	}
	if a == b {
		t.Error("two cookies were identical")
	}
}
