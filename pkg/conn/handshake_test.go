package conn

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/opd-ai/go-anonnet/pkg/identity"
)

const testDifficulty = 4

func testHello(t *testing.T) (*identity.Identity, *helloMessage) {
	t.Helper()
	id, err := identity.Generate(testDifficulty)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	nonce := make([]byte, challengeNonceLen)
	return id, buildHello(id, nonce, "127.0.0.1:9000")
}

func TestVerifyHelloAccepts(t *testing.T) {
	id, hello := testHello(t)

	result, reason, err := verifyHello(hello, testDifficulty)
	if err != nil {
		t.Fatalf("verifyHello() error = %v (reason %d)", err, reason)
	}
	if result.nodeID != id.NodeID {
		t.Error("verifyHello returned the wrong node id")
	}
	if result.listenAddr != "127.0.0.1:9000" {
		t.Errorf("listenAddr = %q", result.listenAddr)
	}
}

func TestVerifyHelloRejections(t *testing.T) {
	otherID, err := identity.Generate(testDifficulty)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(h *helloMessage)
		reason byte
	}{
		{
			"unsupported version",
			func(h *helloMessage) { h.Version = 99 },
			ReasonBadVersion,
		},
		{
			"node id does not match key",
			func(h *helloMessage) { h.NodeID = otherID.NodeID.String() },
			ReasonBadNodeID,
		},
		{
			"malformed node id",
			func(h *helloMessage) { h.NodeID = "zz" },
			ReasonBadNodeID,
		},
		{
			"malformed public key",
			func(h *helloMessage) { h.PublicKey = "!!!" },
			ReasonBadNodeID,
		},
		{
			"wrong witness",
			func(h *helloMessage) { h.Witness += 1 << 40 },
			ReasonBadPoW,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, hello := testHello(t)
			tt.mutate(hello)

			_, reason, err := verifyHello(hello, testDifficulty)
			if err == nil {
				t.Fatal("verifyHello() accepted an invalid hello")
			}
			if reason != tt.reason {
				t.Errorf("reason = %d, want %d", reason, tt.reason)
			}
		})
	}
}

func TestVerifyHelloEnforcesDifficulty(t *testing.T) {
	// A witness valid at low difficulty is overwhelmingly unlikely to
	// satisfy a much higher one.
	_, hello := testHello(t)
	if _, _, err := verifyHello(hello, 60); err == nil {
		t.Error("verifyHello() accepted a low-difficulty witness at difficulty 60")
	}
}

func TestSigningMaterialOrder(t *testing.T) {
	own := []byte("aaaa")
	peer := []byte("bbbb")
	binding := []byte("cccc")

	mine := signingMaterial(own, peer, binding)
	theirs := signingMaterial(peer, own, binding)

	if bytes.Equal(mine, theirs) {
		t.Error("both roles signing identical material defeats the nonce exchange")
	}
	if !bytes.Equal(mine, append(append(append([]byte{}, own...), peer...), binding...)) {
		t.Error("material layout changed")
	}
}

func TestBuildHelloEncodesKeys(t *testing.T) {
	id, hello := testHello(t)

	pub, err := base64.StdEncoding.DecodeString(hello.PublicKey)
	if err != nil {
		t.Fatalf("public key not base64: %v", err)
	}
	if !bytes.Equal(pub, id.PublicKey) {
		t.Error("hello carries the wrong public key")
	}
	if hello.Witness != id.Witness {
		t.Error("hello carries the wrong witness")
	}
}
