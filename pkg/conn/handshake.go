// Package conn manages authenticated connections to peers: the identity
// handshake over the transport, the per-peer connection dictionary, and
// framed message dispatch to the DHT, circuit engine and directory.
package conn

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/errors"
	"github.com/opd-ai/go-anonnet/pkg/identity"
	"github.com/opd-ai/go-anonnet/pkg/transport"
)

// ProtocolVersion is the overlay protocol version spoken on the wire.
const ProtocolVersion = 1

// DefaultHandshakeTimeout bounds each handshake step.
const DefaultHandshakeTimeout = 10 * time.Second

// challengeNonceLen is the length of the handshake challenge nonce.
const challengeNonceLen = 32

// One-byte close reasons sent when a handshake is refused.
const (
	ReasonBadVersion   byte = 1
	ReasonBadNodeID    byte = 2
	ReasonBadPoW       byte = 3
	ReasonBadSignature byte = 4
	ReasonTimeout      byte = 5
	ReasonDuplicate    byte = 6
	ReasonShutdown     byte = 7
)

// helloMessage is the first handshake frame from each side.
type helloMessage struct {
	Version   int    `json:"version"`
	NodeID    string `json:"node_id"`
	PublicKey string `json:"public_key"`
	Witness   uint64 `json:"witness"`
	Ephemeral string `json:"ephemeral"`
	Nonce     string `json:"nonce"`
	// ListenAddr is the address this side accepts inbound connections
	// on, empty for proxy-only nodes.
	ListenAddr string `json:"listen_addr,omitempty"`
}

// authMessage carries the signature binding the handshake to the session.
type authMessage struct {
	Signature string `json:"signature"`
}

// handshakeResult is what a completed handshake yields.
type handshakeResult struct {
	nodeID     identity.NodeID
	publicKey  ed25519.PublicKey
	listenAddr string
}

// buildHello assembles our hello frame.
func buildHello(id *identity.Identity, nonce []byte, listenAddr string) *helloMessage {
	return &helloMessage{
		Version:    ProtocolVersion,
		NodeID:     id.NodeID.String(),
		PublicKey:  base64.StdEncoding.EncodeToString(id.PublicKey),
		Witness:    id.Witness,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		ListenAddr: listenAddr,
	}
}

// verifyHello validates a peer's hello: version, NodeID derivation and the
// proof-of-work witness. Returns the close reason on failure.
func verifyHello(hello *helloMessage, difficulty int) (*handshakeResult, byte, error) {
	if hello.Version != ProtocolVersion {
		return nil, ReasonBadVersion, fmt.Errorf("unsupported version %d", hello.Version)
	}

	pub, err := base64.StdEncoding.DecodeString(hello.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, ReasonBadNodeID, fmt.Errorf("malformed public key")
	}

	claimed, err := identity.ParseNodeID(hello.NodeID)
	if err != nil {
		return nil, ReasonBadNodeID, fmt.Errorf("malformed node id: %w", err)
	}
	if identity.DeriveNodeID(pub) != claimed {
		return nil, ReasonBadNodeID, fmt.Errorf("node id does not match public key")
	}

	if !identity.Verify(pub, hello.Witness, difficulty) {
		return nil, ReasonBadPoW, fmt.Errorf("proof-of-work witness does not validate")
	}

	return &handshakeResult{
		nodeID:     claimed,
		publicKey:  ed25519.PublicKey(pub),
		listenAddr: hello.ListenAddr,
	}, 0, nil
}

// signingMaterial builds the bytes each side signs: its own challenge
// nonce, the peer's challenge nonce, and the transport channel binding.
func signingMaterial(ownNonce, peerNonce, binding []byte) []byte {
	buf := make([]byte, 0, len(ownNonce)+len(peerNonce)+len(binding))
	buf = append(buf, ownNonce...)
	buf = append(buf, peerNonce...)
	buf = append(buf, binding...)
	return buf
}

// performHandshake runs the authenticated handshake on the first stream of
// a fresh connection. Both roles run the same frame sequence; the dialer
// writes first. On failure the returned reason is sent as the close code.
func performHandshake(
	stream *transport.Stream,
	tconn *transport.Conn,
	id *identity.Identity,
	difficulty int,
	listenAddr string,
	outbound bool,
	timeout time.Duration,
) (*handshakeResult, byte, error) {
	if err := stream.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, ReasonTimeout, fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	defer stream.SetDeadline(time.Time{}) // nolint:errcheck

	nonce := make([]byte, challengeNonceLen)
	if err := fillRandom(nonce); err != nil {
		return nil, ReasonShutdown, err
	}

	binding, err := tconn.ChannelBinding()
	if err != nil {
		return nil, ReasonShutdown, err
	}

	ownHello, err := json.Marshal(buildHello(id, nonce, listenAddr))
	if err != nil {
		return nil, ReasonShutdown, fmt.Errorf("failed to encode hello: %w", err)
	}

	var peerHello helloMessage
	if outbound {
		if err := stream.WriteFrame(ownHello); err != nil {
			return nil, ReasonTimeout, fmt.Errorf("failed to send hello: %w", err)
		}
		frame, err := stream.ReadFrame()
		if err != nil {
			return nil, ReasonTimeout, fmt.Errorf("failed to read hello: %w", err)
		}
		if err := json.Unmarshal(frame, &peerHello); err != nil {
			return nil, ReasonBadVersion, fmt.Errorf("malformed hello: %w", err)
		}
	} else {
		frame, err := stream.ReadFrame()
		if err != nil {
			return nil, ReasonTimeout, fmt.Errorf("failed to read hello: %w", err)
		}
		if err := json.Unmarshal(frame, &peerHello); err != nil {
			return nil, ReasonBadVersion, fmt.Errorf("malformed hello: %w", err)
		}
		if err := stream.WriteFrame(ownHello); err != nil {
			return nil, ReasonTimeout, fmt.Errorf("failed to send hello: %w", err)
		}
	}

	result, reason, err := verifyHello(&peerHello, difficulty)
	if err != nil {
		return nil, reason, err
	}

	peerNonce, err := base64.StdEncoding.DecodeString(peerHello.Nonce)
	if err != nil || len(peerNonce) != challengeNonceLen {
		return nil, ReasonBadSignature, fmt.Errorf("malformed challenge nonce")
	}

	sig := id.Sign(signingMaterial(nonce, peerNonce, binding))
	ownAuth, err := json.Marshal(&authMessage{Signature: base64.StdEncoding.EncodeToString(sig)})
	if err != nil {
		return nil, ReasonShutdown, fmt.Errorf("failed to encode auth: %w", err)
	}

	var peerAuth authMessage
	if outbound {
		if err := stream.WriteFrame(ownAuth); err != nil {
			return nil, ReasonTimeout, fmt.Errorf("failed to send auth: %w", err)
		}
		frame, err := stream.ReadFrame()
		if err != nil {
			return nil, ReasonTimeout, fmt.Errorf("failed to read auth: %w", err)
		}
		if err := json.Unmarshal(frame, &peerAuth); err != nil {
			return nil, ReasonBadSignature, fmt.Errorf("malformed auth: %w", err)
		}
	} else {
		frame, err := stream.ReadFrame()
		if err != nil {
			return nil, ReasonTimeout, fmt.Errorf("failed to read auth: %w", err)
		}
		if err := json.Unmarshal(frame, &peerAuth); err != nil {
			return nil, ReasonBadSignature, fmt.Errorf("malformed auth: %w", err)
		}
		if err := stream.WriteFrame(ownAuth); err != nil {
			return nil, ReasonTimeout, fmt.Errorf("failed to send auth: %w", err)
		}
	}

	peerSig, err := base64.StdEncoding.DecodeString(peerAuth.Signature)
	if err != nil {
		return nil, ReasonBadSignature, fmt.Errorf("malformed signature")
	}
	if !ed25519.Verify(result.publicKey, signingMaterial(peerNonce, nonce, binding), peerSig) {
		return nil, ReasonBadSignature, errors.New(errors.KindPeerFault, "handshake signature verification failed")
	}

	return result, 0, nil
}
