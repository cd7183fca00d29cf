package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20"

	"github.com/opd-ai/go-anonnet/pkg/security"
)

// SaltLen is the length of the per-hop per-direction nonce salt.
const SaltLen = 4

// HopState is the per-hop symmetric state shared between a circuit's
// originator and one relay: layer keys, nonce counters, and the running
// digests used for the recognised-marker check. The originator holds one
// HopState per hop; a relay holds exactly one per circuit.
//
// Forward means "from originator", backward means "to originator". Each
// direction has an independent, strictly monotone cell counter; the
// counter combined with the per-direction salt forms the layer nonce, so
// any desynchronisation garbles the keystream and is caught by the digest
// check at the recognising endpoint.
type HopState struct {
	mu sync.Mutex

	fwdKey  [KeyLen]byte
	bwdKey  [KeyLen]byte
	fwdSalt [SaltLen]byte
	bwdSalt [SaltLen]byte

	fwdCounter uint64
	bwdCounter uint64

	fwdChain [sha256.Size]byte
	bwdChain [sha256.Size]byte
}

// flip swaps the forward and backward halves. Used for the end-to-end
// rendezvous state, where the two sides derive identical material but face
// opposite directions.
func (h *HopState) flip() {
	h.fwdKey, h.bwdKey = h.bwdKey, h.fwdKey
	h.fwdSalt, h.bwdSalt = h.bwdSalt, h.fwdSalt
}

// keystreamXOR applies the ChaCha20 keystream for (key, salt, counter)
// over buf in place.
func keystreamXOR(key [KeyLen]byte, salt [SaltLen]byte, counter uint64, buf []byte) error {
	nonce := make([]byte, chacha20.NonceSize)
	copy(nonce[:SaltLen], salt[:])
	binary.BigEndian.PutUint64(nonce[SaltLen:], counter)

	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		return fmt.Errorf("failed to create layer cipher: %w", err)
	}
	c.XORKeyStream(buf, buf)
	return nil
}

// ForwardLayer applies one forward-direction layer over the body in place
// and advances the forward counter. Applying the same operation at both
// ends peels what the other added.
func (h *HopState) ForwardLayer(body []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fwdCounter == ^uint64(0) {
		return fmt.Errorf("forward nonce counter exhausted")
	}
	if err := keystreamXOR(h.fwdKey, h.fwdSalt, h.fwdCounter, body); err != nil {
		return err
	}
	h.fwdCounter++
	return nil
}

// BackwardLayer applies one backward-direction layer over the body in
// place and advances the backward counter.
func (h *HopState) BackwardLayer(body []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.bwdCounter == ^uint64(0) {
		return fmt.Errorf("backward nonce counter exhausted")
	}
	if err := keystreamXOR(h.bwdKey, h.bwdSalt, h.bwdCounter, body); err != nil {
		return err
	}
	h.bwdCounter++
	return nil
}

// chainNext computes the next running-digest chain value over the
// canonical (digest-zeroed) cell bytes.
func chainNext(chain [sha256.Size]byte, zeroed []byte) [sha256.Size]byte {
	hsh := sha256.New()
	hsh.Write(chain[:])
	hsh.Write(zeroed)
	var next [sha256.Size]byte
	copy(next[:], hsh.Sum(nil))
	return next
}

// SealForwardDigest advances the forward running digest over the zeroed
// body and returns the 4-byte digest for this cell. Called by the sender
// whose peer will recognise the cell in the forward direction.
func (h *HopState) SealForwardDigest(zeroed []byte) [4]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.fwdChain = chainNext(h.fwdChain, zeroed)
	var d [4]byte
	copy(d[:], h.fwdChain[:4])
	return d
}

// SealBackwardDigest advances the backward running digest and returns the
// digest for a backward cell.
func (h *HopState) SealBackwardDigest(zeroed []byte) [4]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.bwdChain = chainNext(h.bwdChain, zeroed)
	var d [4]byte
	copy(d[:], h.bwdChain[:4])
	return d
}

// VerifyForwardDigest checks a forward cell's digest against the running
// chain. On match the chain advances; on mismatch the state is untouched
// so the cell can be forwarded onward without desynchronising us.
func (h *HopState) VerifyForwardDigest(zeroed []byte, digest [4]byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := chainNext(h.fwdChain, zeroed)
	if !security.ConstantTimeCompare(next[:4], digest[:]) {
		return false
	}
	h.fwdChain = next
	return true
}

// VerifyBackwardDigest checks a backward cell's digest against the running
// chain, advancing it on match.
func (h *HopState) VerifyBackwardDigest(zeroed []byte, digest [4]byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := chainNext(h.bwdChain, zeroed)
	if !security.ConstantTimeCompare(next[:4], digest[:]) {
		return false
	}
	h.bwdChain = next
	return true
}

// Counters returns the current (forward, backward) counter values.
func (h *HopState) Counters() (uint64, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fwdCounter, h.bwdCounter
}

// Destroy zeroes the hop's key material. The state must not be used
// afterwards.
func (h *HopState) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()

	security.Zero(h.fwdKey[:])
	security.Zero(h.bwdKey[:])
	security.Zero(h.fwdSalt[:])
	security.Zero(h.bwdSalt[:])
	security.Zero(h.fwdChain[:])
	security.Zero(h.bwdChain[:])
}
