// Package circuit implements the circuit engine: telescoping circuit
// construction, the onion layer cryptography, relay-cell forwarding at
// intermediate hops, path selection and the pre-built circuit pool. All
// cross-network traffic rides on circuits built here.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/cell"
	"github.com/opd-ai/go-anonnet/pkg/conn"
	anoncrypto "github.com/opd-ai/go-anonnet/pkg/crypto"
	"github.com/opd-ai/go-anonnet/pkg/errors"
	"github.com/opd-ai/go-anonnet/pkg/identity"
)

// State represents the current state of a circuit
type State int

const (
	// StateBuilding indicates the circuit is being built
	StateBuilding State = iota
	// StateOpen indicates the circuit is ready for use
	StateOpen
	// StateClosing indicates teardown has begun
	StateClosing
	// StateClosed indicates the circuit has been closed
	StateClosed
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateBuilding:
		return "BUILDING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Purpose tags what a circuit is used for.
type Purpose int

const (
	// PurposeGeneral is an untargeted pooled circuit
	PurposeGeneral Purpose = iota
	// PurposeIntro is a circuit ending at an introduction point
	PurposeIntro
	// PurposeRendezvous is a client circuit ending at a rendezvous point
	PurposeRendezvous
	// PurposeService is a service-side circuit
	PurposeService
)

// String returns a string representation of the purpose
func (p Purpose) String() string {
	switch p {
	case PurposeGeneral:
		return "general"
	case PurposeIntro:
		return "intro"
	case PurposeRendezvous:
		return "rendezvous"
	case PurposeService:
		return "service"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// Hop is one relay in an originator's circuit with its symmetric state.
type Hop struct {
	NodeID identity.NodeID
	Addr   string
	HS     *anoncrypto.HopState
}

// Circuit is the originator's view of a built circuit: one HopState per
// hop, plus an optional end-to-end state appended after rendezvous.
type Circuit struct {
	ID   uint64 // circuit id on the first link
	peer *conn.Peer

	mu       sync.Mutex
	hops     []*Hop
	virtual  *anoncrypto.HopState
	state    State
	purpose  Purpose
	weakened bool
	created  time.Time
	lastUse  time.Time

	// incoming carries relay cells recognised at any of our layers.
	incoming chan *cell.RelayCell
	destroy  func(reason byte) // installed by the engine
	charge   func(bytes int)   // accounting charge per originated cell

	closeCh   chan struct{}
	closeOnce sync.Once
}

// newCircuit is called by the engine during a build.
func newCircuit(id uint64, peer *conn.Peer, purpose Purpose) *Circuit {
	now := time.Now()
	return &Circuit{
		ID:       id,
		peer:     peer,
		state:    StateBuilding,
		purpose:  purpose,
		created:  now,
		lastUse:  now,
		incoming: make(chan *cell.RelayCell, 64),
		closeCh:  make(chan struct{}),
	}
}

// State returns the current circuit state.
func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Purpose returns the circuit's purpose tag.
func (c *Circuit) Purpose() Purpose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purpose
}

// SetPurpose retags a pooled circuit before use.
func (c *Circuit) SetPurpose(p Purpose) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purpose = p
}

// Weakened reports whether the circuit was built with fewer than the
// preferred number of hops, so callers can warn the user.
func (c *Circuit) Weakened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weakened
}

// Length returns the number of hops (the virtual end-to-end hop excluded).
func (c *Circuit) Length() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hops)
}

// LastHop returns the final relay of the circuit.
func (c *Circuit) LastHop() (*Hop, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.hops) == 0 {
		return nil, false
	}
	return c.hops[len(c.hops)-1], true
}

// Age returns how long the circuit has existed.
func (c *Circuit) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.created)
}

// Idle returns how long since the circuit last carried traffic.
func (c *Circuit) Idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUse)
}

// touch records activity.
func (c *Circuit) touch() {
	c.mu.Lock()
	c.lastUse = time.Now()
	c.mu.Unlock()
}

// IsOpen reports whether the circuit is usable.
func (c *Circuit) IsOpen() bool {
	return c.State() == StateOpen
}

// Closed returns a channel closed when the circuit is destroyed.
func (c *Circuit) Closed() <-chan struct{} {
	return c.closeCh
}

// AttachEndToEnd appends the end-to-end hop state derived after a
// rendezvous, so subsequent cells are sealed for the far endpoint.
func (c *Circuit) AttachEndToEnd(hs *anoncrypto.HopState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.virtual = hs
}

// SendRelay onion-encrypts a relay cell and sends it down the circuit.
// Layers are applied in reverse hop order so the first hop peels the
// outermost.
func (c *Circuit) SendRelay(rc *cell.RelayCell) error {
	c.mu.Lock()
	if c.state != StateOpen && c.state != StateBuilding {
		c.mu.Unlock()
		return errors.New(errors.KindCircuitFault, fmt.Sprintf("circuit not open: %s", c.state))
	}
	hops := make([]*Hop, len(c.hops))
	copy(hops, c.hops)
	virtual := c.virtual
	peer := c.peer
	id := c.ID
	c.mu.Unlock()

	if len(hops) == 0 {
		return errors.New(errors.KindCircuitFault, "circuit has no hops")
	}

	body, err := rc.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode relay cell: %w", err)
	}

	// Seal the digest at the recognising endpoint's layer.
	seal := hops[len(hops)-1].HS
	if virtual != nil {
		seal = virtual
	}
	digest := seal.SealForwardDigest(cell.ZeroDigest(body))
	cell.SetDigest(body, digest)

	if virtual != nil {
		if err := virtual.ForwardLayer(body); err != nil {
			return errors.Wrap(errors.KindCircuitFault, "end-to-end layer failed", err)
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if err := hops[i].HS.ForwardLayer(body); err != nil {
			return errors.Wrap(errors.KindCircuitFault, "onion layer failed", err)
		}
	}

	out := &cell.Cell{CircID: id, Command: cell.CmdRelay, Body: body}
	if err := peer.SendCell(out); err != nil {
		if errors.IsKind(err, errors.KindExhaustion) {
			// The link queue dropped our newest cell; the hop counters
			// are now ahead of the relay's, so the circuit is dead.
			// Failure-fast over silent loss.
			c.Destroy(DestroyReasonOverflow)
		}
		return err
	}
	if c.charge != nil {
		c.charge(cell.CellLen)
	}
	c.touch()
	return nil
}

// handleBackward peels an inbound cell body layer by layer. Exactly one
// layer may recognise the cell; anything else is a protocol violation
// that destroys the circuit.
func (c *Circuit) handleBackward(body []byte) error {
	c.mu.Lock()
	hops := make([]*Hop, len(c.hops))
	copy(hops, c.hops)
	virtual := c.virtual
	c.mu.Unlock()

	for _, h := range hops {
		if err := h.HS.BackwardLayer(body); err != nil {
			return errors.Wrap(errors.KindCircuitFault, "onion peel failed", err)
		}
		if cell.Recognised(body) && h.HS.VerifyBackwardDigest(cell.ZeroDigest(body), cell.PeekDigest(body)) {
			return c.deliver(body)
		}
	}

	if virtual != nil {
		if err := virtual.BackwardLayer(body); err != nil {
			return errors.Wrap(errors.KindCircuitFault, "end-to-end peel failed", err)
		}
		if cell.Recognised(body) && virtual.VerifyBackwardDigest(cell.ZeroDigest(body), cell.PeekDigest(body)) {
			return c.deliver(body)
		}
	}

	return errors.New(errors.KindCircuitFault, "backward cell recognised by no layer")
}

// deliver decodes a recognised body onto the incoming channel.
func (c *Circuit) deliver(body []byte) error {
	rc, err := cell.DecodeRelayCell(body)
	if err != nil {
		return errors.Wrap(errors.KindCircuitFault, "malformed recognised cell", err)
	}
	c.touch()

	select {
	case c.incoming <- rc:
		return nil
	case <-c.closeCh:
		return errors.New(errors.KindCircuitFault, "circuit closed")
	default:
		// The reader has fallen behind; failure-fast over silent loss.
		return errors.New(errors.KindExhaustion, "circuit receive queue full")
	}
}

// Recv returns the channel of relay cells recognised at our layers.
func (c *Circuit) Recv() <-chan *cell.RelayCell {
	return c.incoming
}

// Destroy tears the circuit down, releasing every HopState immediately
// and failing any waiters.
func (c *Circuit) Destroy(reason byte) {
	if c.destroy != nil {
		c.destroy(reason)
		return
	}
	c.teardown()
}

// teardown releases local state. The engine calls this after sending the
// DESTROY cell; no HopState may linger afterwards.
func (c *Circuit) teardown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		hops := c.hops
		virtual := c.virtual
		c.hops = nil
		c.virtual = nil
		c.mu.Unlock()

		for _, h := range hops {
			h.HS.Destroy()
		}
		if virtual != nil {
			virtual.Destroy()
		}
		close(c.closeCh)
	})
}
