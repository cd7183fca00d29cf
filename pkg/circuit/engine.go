package circuit

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/accounting"
	"github.com/opd-ai/go-anonnet/pkg/cell"
	"github.com/opd-ai/go-anonnet/pkg/conn"
	anoncrypto "github.com/opd-ai/go-anonnet/pkg/crypto"
	"github.com/opd-ai/go-anonnet/pkg/errors"
	"github.com/opd-ai/go-anonnet/pkg/identity"
	"github.com/opd-ai/go-anonnet/pkg/logger"
)

// Destroy reasons carried in DESTROY cells.
const (
	DestroyReasonNone      byte = 0
	DestroyReasonProtocol  byte = 1
	DestroyReasonTimeout   byte = 2
	DestroyReasonRefused   byte = 3
	DestroyReasonIdle      byte = 4
	DestroyReasonShutdown  byte = 5
	DestroyReasonOverflow  byte = 6
	DestroyReasonExhausted byte = 7
)

// Config holds circuit-engine configuration.
type Config struct {
	// IdleTimeout destroys circuits with no traffic for this long.
	IdleTimeout time.Duration
	// MaxAge destroys circuits older than this regardless of use.
	MaxAge time.Duration
	// HopTimeout bounds each hop of a telescoping build.
	HopTimeout time.Duration
	// AcceptRelay enables serving CREATE/EXTEND for other nodes.
	AcceptRelay bool
	// MaxCircuits bounds locally-originated circuits.
	MaxCircuits int
}

// DefaultConfig returns an engine config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		IdleTimeout: 10 * time.Minute,
		MaxAge:      time.Hour,
		HopTimeout:  10 * time.Second,
		AcceptRelay: true,
		MaxCircuits: 1024,
	}
}

// entryKey addresses circuit state by (peer, link-local circuit id).
type entryKey struct {
	peer identity.NodeID
	circ uint64
}

// relayEntry is the state a relay holds for one circuit passing through
// it: exactly one HopState, the upstream link it was created on, and
// either a paired downstream link (mid-circuit), a splice partner
// (rendezvous point), or nothing (terminal hop).
type relayEntry struct {
	hs     *anoncrypto.HopState
	upPeer *conn.Peer
	upID   uint64

	mu       sync.Mutex
	downPeer *conn.Peer
	downID   uint64
	spliced  *relayEntry

	created time.Time
	lastUse time.Time
	gone    bool
}

func (e *relayEntry) touch() {
	e.mu.Lock()
	e.lastUse = time.Now()
	e.mu.Unlock()
}

// RecognisedHandler processes a relay command recognised at this node as
// a circuit endpoint. Handlers run on their own goroutine and may block.
type RecognisedHandler func(t *Terminal, rc *cell.RelayCell)

// Engine is the circuit engine. It owns both roles: originator circuits
// built from here, and relay state for circuits passing through.
type Engine struct {
	cfg    *Config
	mgr    *conn.Manager
	hook   accounting.Hook
	logger *logger.Logger

	mu       sync.Mutex
	circuits map[entryKey]*Circuit
	entries  map[entryKey]*relayEntry
	pending  map[entryKey]chan []byte

	handlers map[cell.RelayCommand]RecognisedHandler

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a circuit engine and registers its cell handler with the
// connection manager.
func New(cfg *Config, mgr *conn.Manager, hook accounting.Hook, log *logger.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if hook == nil {
		hook = accounting.Noop{}
	}
	if log == nil {
		log = logger.NewDefault()
	}

	e := &Engine{
		cfg:      cfg,
		mgr:      mgr,
		hook:     hook,
		logger:   log.Component("circuit"),
		circuits: make(map[entryKey]*Circuit),
		entries:  make(map[entryKey]*relayEntry),
		pending:  make(map[entryKey]chan []byte),
		handlers: make(map[cell.RelayCommand]RecognisedHandler),
		closeCh:  make(chan struct{}),
	}
	mgr.OnCell(e.HandleCell)
	return e
}

// RegisterHandler installs the handler for a recognised relay command.
// The rendezvous subsystem registers its commands here.
func (e *Engine) RegisterHandler(cmd cell.RelayCommand, h RecognisedHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[cmd] = h
}

// Start launches the reaper that scans for idle and aged circuits at 1 Hz.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reapLoop()
	}()
}

// Close destroys all circuit state.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closeCh)
		e.mu.Lock()
		circuits := make([]*Circuit, 0, len(e.circuits))
		for _, c := range e.circuits {
			circuits = append(circuits, c)
		}
		entries := make(map[*relayEntry]bool)
		for _, en := range e.entries {
			entries[en] = true
		}
		e.mu.Unlock()

		for _, c := range circuits {
			c.Destroy(DestroyReasonShutdown)
		}
		for en := range entries {
			e.releaseEntry(en, DestroyReasonShutdown, true, true)
		}
	})
	e.wg.Wait()
}

// CircuitCount returns the number of locally-originated circuits.
func (e *Engine) CircuitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.circuits)
}

// newCircID picks a link-local circuit id not in use on the connection.
func (e *Engine) newCircID(peer identity.NodeID) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			continue
		}
		id := binary.BigEndian.Uint64(buf[:])
		if id == 0 {
			continue
		}
		key := entryKey{peer, id}
		if _, ok := e.circuits[key]; ok {
			continue
		}
		if _, ok := e.entries[key]; ok {
			continue
		}
		if _, ok := e.pending[key]; ok {
			continue
		}
		return id
	}
}

// HandleCell dispatches every inbound cell. It never blocks the peer's
// ingress loop: long work is handed to per-circuit goroutines.
func (e *Engine) HandleCell(p *conn.Peer, c *cell.Cell) {
	switch c.Command {
	case cell.CmdPadding:
		// Link padding; nothing to do.
	case cell.CmdCreate:
		e.handleCreate(p, c)
	case cell.CmdCreated:
		e.handleCreated(p, c)
	case cell.CmdRelay:
		e.handleRelay(p, c)
	case cell.CmdDestroy:
		e.handleDestroy(p, c)
	default:
		e.logger.Debug("Unknown cell command", "command", c.Command)
		e.mgr.DropPeer(p.ID, conn.ReasonBadVersion)
	}
}

// handleCreate serves the responder side of a hop key exchange.
func (e *Engine) handleCreate(p *conn.Peer, c *cell.Cell) {
	refuse := func(reason byte) {
		out, _ := cell.New(c.CircID, cell.CmdDestroy, []byte{reason})
		p.SendCell(out) // nolint:errcheck
	}

	if !e.cfg.AcceptRelay {
		refuse(DestroyReasonRefused)
		return
	}
	if !e.hook.CanRelay(p.ID) {
		refuse(DestroyReasonExhausted)
		return
	}

	var clientPub [anoncrypto.KeyLen]byte
	copy(clientPub[:], c.Body[:anoncrypto.KeyLen])

	localID := e.mgr.LocalID()
	eph, confirm, hs, err := anoncrypto.HandshakeRespond(clientPub, localID[:])
	if err != nil {
		e.logger.Debug("CREATE handshake failed", "error", err)
		refuse(DestroyReasonProtocol)
		return
	}

	key := entryKey{p.ID, c.CircID}
	now := time.Now()
	entry := &relayEntry{hs: hs, upPeer: p, upID: c.CircID, created: now, lastUse: now}

	e.mu.Lock()
	if _, exists := e.entries[key]; exists {
		e.mu.Unlock()
		refuse(DestroyReasonProtocol)
		return
	}
	e.entries[key] = entry
	e.mu.Unlock()

	body := make([]byte, 0, anoncrypto.KeyLen+anoncrypto.ConfirmLen)
	body = append(body, eph.Public[:]...)
	body = append(body, confirm...)
	out, err := cell.New(c.CircID, cell.CmdCreated, body)
	if err != nil {
		return
	}
	if err := p.SendCell(out); err != nil {
		e.removeEntry(entry)
	}
}

// handleCreated resolves a pending CREATE we issued, either for a build
// or on behalf of an EXTEND.
func (e *Engine) handleCreated(p *conn.Peer, c *cell.Cell) {
	key := entryKey{p.ID, c.CircID}
	e.mu.Lock()
	ch, ok := e.pending[key]
	if ok {
		delete(e.pending, key)
	}
	e.mu.Unlock()
	if !ok {
		e.logger.Debug("Unexpected CREATED", "circuit_id", c.CircID)
		return
	}
	select {
	case ch <- c.Body:
	default:
	}
}

// handleRelay routes a RELAY cell: to an originator circuit of ours, or
// through the relay state table.
func (e *Engine) handleRelay(p *conn.Peer, c *cell.Cell) {
	key := entryKey{p.ID, c.CircID}

	e.mu.Lock()
	circ, isOurs := e.circuits[key]
	entry, isRelay := e.entries[key]
	e.mu.Unlock()

	if isOurs {
		e.hook.Charge(p.ID, cell.CellLen, accounting.Inbound)
		if err := circ.handleBackward(c.Body); err != nil {
			e.logger.Debug("Backward cell failed", "circuit_id", c.CircID, "error", err)
			circ.Destroy(DestroyReasonProtocol)
		}
		return
	}

	if isRelay {
		e.relayCell(p, entry, c)
		return
	}

	// Unknown circuit id is fatal to the circuit.
	out, _ := cell.New(c.CircID, cell.CmdDestroy, []byte{DestroyReasonProtocol})
	p.SendCell(out) // nolint:errcheck
}

// relayCell processes a RELAY cell at an intermediate or terminal hop.
func (e *Engine) relayCell(p *conn.Peer, entry *relayEntry, c *cell.Cell) {
	entry.touch()

	entry.mu.Lock()
	fromUp := p == entry.upPeer && c.CircID == entry.upID
	downPeer, downID := entry.downPeer, entry.downID
	spliced := entry.spliced
	entry.mu.Unlock()

	if !fromUp {
		// Backward path: add our layer and forward toward the originator.
		if err := entry.hs.BackwardLayer(c.Body); err != nil {
			e.destroyRelay(entry, DestroyReasonProtocol)
			return
		}
		out := &cell.Cell{CircID: entry.upID, Command: cell.CmdRelay, Body: c.Body}
		if err := entry.upPeer.SendCell(out); err != nil {
			e.destroyRelay(entry, DestroyReasonOverflow)
			return
		}
		e.hook.Credit(entry.upPeer.ID, cell.CellLen, accounting.Outbound)
		return
	}

	// Forward path: peel one layer.
	if err := entry.hs.ForwardLayer(c.Body); err != nil {
		e.destroyRelay(entry, DestroyReasonProtocol)
		return
	}

	if cell.Recognised(c.Body) &&
		entry.hs.VerifyForwardDigest(cell.ZeroDigest(c.Body), cell.PeekDigest(c.Body)) {
		rc, err := cell.DecodeRelayCell(c.Body)
		if err != nil {
			e.destroyRelay(entry, DestroyReasonProtocol)
			return
		}
		e.hook.Charge(p.ID, cell.CellLen, accounting.Inbound)
		e.dispatchRecognised(entry, rc)
		return
	}

	switch {
	case downPeer != nil:
		out := &cell.Cell{CircID: downID, Command: cell.CmdRelay, Body: c.Body}
		if err := downPeer.SendCell(out); err != nil {
			e.destroyRelay(entry, DestroyReasonOverflow)
			return
		}
		e.hook.Credit(p.ID, cell.CellLen, accounting.Inbound)

	case spliced != nil:
		// Rendezvous splice: the cell continues into the partner
		// circuit as backward traffic toward its originator.
		if err := spliced.hs.BackwardLayer(c.Body); err != nil {
			e.destroyRelay(entry, DestroyReasonProtocol)
			return
		}
		out := &cell.Cell{CircID: spliced.upID, Command: cell.CmdRelay, Body: c.Body}
		if err := spliced.upPeer.SendCell(out); err != nil {
			e.destroyRelay(entry, DestroyReasonOverflow)
			return
		}
		spliced.touch()
		e.hook.Credit(p.ID, cell.CellLen, accounting.Inbound)

	default:
		// End of circuit and not recognised: drop and destroy.
		e.destroyRelay(entry, DestroyReasonProtocol)
	}
}

// dispatchRecognised hands a recognised relay command to its handler on
// a fresh goroutine so the ingress loop never blocks.
func (e *Engine) dispatchRecognised(entry *relayEntry, rc *cell.RelayCell) {
	term := &Terminal{engine: e, entry: entry}

	if rc.Command == cell.RelayExtend {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleExtend(term, rc)
		}()
		return
	}

	e.mu.Lock()
	handler, ok := e.handlers[rc.Command]
	e.mu.Unlock()

	if !ok {
		switch rc.Command {
		case cell.RelayBegin:
			// No exit policy: this overlay carries traffic only to
			// hidden services, never to arbitrary hosts.
			end := cell.NewRelayCell(rc.StreamID, cell.RelayEnd, []byte{cell.EndReasonRefused})
			term.ReplyBackward(end) // nolint:errcheck
		default:
			e.logger.Debug("Unhandled recognised command", "command", rc.Command)
		}
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		handler(term, rc)
	}()
}

// handleExtend serves a telescoping EXTEND: open (or reuse) a connection
// to the requested node, perform CREATE on a fresh circuit id, pair the
// links, and relay the CREATED back as an EXTENDED.
func (e *Engine) handleExtend(term *Terminal, rc *cell.RelayCell) {
	entry := term.entry

	entry.mu.Lock()
	alreadyExtended := entry.downPeer != nil || entry.spliced != nil
	entry.mu.Unlock()
	if alreadyExtended {
		e.destroyRelay(entry, DestroyReasonProtocol)
		return
	}

	if !e.hook.CanRelay(entry.upPeer.ID) {
		e.destroyRelay(entry, DestroyReasonExhausted)
		return
	}

	target, addr, clientPub, err := decodeExtendPayload(rc.Data)
	if err != nil {
		e.destroyRelay(entry, DestroyReasonProtocol)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HopTimeout)
	defer cancel()

	next, ok := e.mgr.Peer(target)
	if !ok {
		next, err = e.mgr.Connect(ctx, addr)
		if err != nil {
			e.logger.Debug("EXTEND dial failed", "target", target.String(), "error", err)
			e.destroyRelay(entry, DestroyReasonTimeout)
			return
		}
	}
	if next.ID != target {
		e.destroyRelay(entry, DestroyReasonProtocol)
		return
	}

	newID := e.newCircID(next.ID)
	waitCh := make(chan []byte, 1)
	key := entryKey{next.ID, newID}
	e.mu.Lock()
	e.pending[key] = waitCh
	e.mu.Unlock()

	create, _ := cell.New(newID, cell.CmdCreate, clientPub[:])
	if err := next.SendCell(create); err != nil {
		e.clearPending(key)
		e.destroyRelay(entry, DestroyReasonOverflow)
		return
	}

	var created []byte
	select {
	case created = <-waitCh:
	case <-time.After(e.cfg.HopTimeout):
		e.clearPending(key)
		e.destroyRelay(entry, DestroyReasonTimeout)
		return
	case <-e.closeCh:
		return
	}

	entry.mu.Lock()
	entry.downPeer = next
	entry.downID = newID
	entry.mu.Unlock()

	e.mu.Lock()
	e.entries[key] = entry
	e.mu.Unlock()

	extended := cell.NewRelayCell(0, cell.RelayExtended, created[:anoncrypto.KeyLen+anoncrypto.ConfirmLen])
	if err := term.ReplyBackward(extended); err != nil {
		e.destroyRelay(entry, DestroyReasonOverflow)
	}
}

// decodeExtendPayload parses target node id, address and client ephemeral
// from an EXTEND payload.
func decodeExtendPayload(data []byte) (identity.NodeID, string, [anoncrypto.KeyLen]byte, error) {
	var id identity.NodeID
	var pub [anoncrypto.KeyLen]byte

	if len(data) < identity.NodeIDLen+1 {
		return id, "", pub, fmt.Errorf("extend payload too short")
	}
	copy(id[:], data[:identity.NodeIDLen])
	addrLen := int(data[identity.NodeIDLen])
	rest := data[identity.NodeIDLen+1:]
	if len(rest) < addrLen+anoncrypto.KeyLen {
		return id, "", pub, fmt.Errorf("extend payload truncated")
	}
	addr := string(rest[:addrLen])
	copy(pub[:], rest[addrLen:addrLen+anoncrypto.KeyLen])
	return id, addr, pub, nil
}

// encodeExtendPayload builds an EXTEND payload.
func encodeExtendPayload(id identity.NodeID, addr string, pub [anoncrypto.KeyLen]byte) []byte {
	buf := make([]byte, 0, identity.NodeIDLen+1+len(addr)+anoncrypto.KeyLen)
	buf = append(buf, id[:]...)
	buf = append(buf, byte(len(addr)))
	buf = append(buf, addr...)
	buf = append(buf, pub[:]...)
	return buf
}

// handleDestroy forwards a DESTROY and releases local state immediately.
func (e *Engine) handleDestroy(p *conn.Peer, c *cell.Cell) {
	key := entryKey{p.ID, c.CircID}

	e.mu.Lock()
	circ, isOurs := e.circuits[key]
	entry, isRelay := e.entries[key]
	if isOurs {
		delete(e.circuits, key)
	}
	e.mu.Unlock()

	if isOurs {
		circ.teardown()
		return
	}
	if !isRelay {
		return
	}

	entry.mu.Lock()
	fromUp := p == entry.upPeer && c.CircID == entry.upID
	entry.mu.Unlock()

	reason := DestroyReasonNone
	if len(c.Body) > 0 {
		reason = c.Body[0]
	}
	e.releaseEntry(entry, reason, !fromUp, fromUp)
}

// destroyRelay tears down a relay entry from the middle: DESTROY is sent
// both ways and state released immediately.
func (e *Engine) destroyRelay(entry *relayEntry, reason byte) {
	e.releaseEntry(entry, reason, true, true)
}

// releaseEntry removes a relay entry, optionally notifying each side, and
// propagates through a splice partner.
func (e *Engine) releaseEntry(entry *relayEntry, reason byte, notifyUp, notifyDown bool) {
	entry.mu.Lock()
	if entry.gone {
		entry.mu.Unlock()
		return
	}
	entry.gone = true
	upPeer, upID := entry.upPeer, entry.upID
	downPeer, downID := entry.downPeer, entry.downID
	spliced := entry.spliced
	entry.spliced = nil
	entry.mu.Unlock()

	e.mu.Lock()
	delete(e.entries, entryKey{upPeer.ID, upID})
	if downPeer != nil {
		delete(e.entries, entryKey{downPeer.ID, downID})
	}
	e.mu.Unlock()

	if notifyUp {
		out, _ := cell.New(upID, cell.CmdDestroy, []byte{reason})
		upPeer.SendCell(out) // nolint:errcheck
	}
	if notifyDown && downPeer != nil {
		out, _ := cell.New(downID, cell.CmdDestroy, []byte{reason})
		downPeer.SendCell(out) // nolint:errcheck
	}

	entry.hs.Destroy()

	if spliced != nil {
		spliced.mu.Lock()
		spliced.spliced = nil
		spliced.mu.Unlock()
		e.releaseEntry(spliced, reason, true, true)
	}
}

// removeEntry drops an entry without notifications (send failure paths).
func (e *Engine) removeEntry(entry *relayEntry) {
	e.releaseEntry(entry, DestroyReasonNone, false, false)
}

func (e *Engine) clearPending(key entryKey) {
	e.mu.Lock()
	delete(e.pending, key)
	e.mu.Unlock()
}

// BuildCircuit performs a telescoping build along the given path. The
// first node is contacted directly; every further hop is reached with an
// onion-wrapped EXTEND through the already-built prefix.
func (e *Engine) BuildCircuit(ctx context.Context, path []PathNode, purpose Purpose) (*Circuit, error) {
	if len(path) == 0 {
		return nil, errors.New(errors.KindExhaustion, "empty path")
	}

	e.mu.Lock()
	if len(e.circuits) >= e.cfg.MaxCircuits {
		e.mu.Unlock()
		return nil, errors.New(errors.KindExhaustion, "circuit limit reached")
	}
	e.mu.Unlock()

	first := path[0]
	peer, ok := e.mgr.Peer(first.ID)
	if !ok {
		var err error
		peer, err = e.mgr.Connect(ctx, first.Addr)
		if err != nil {
			return nil, errors.Wrap(errors.KindCircuitFault, "first hop unreachable", err)
		}
	}

	circID := e.newCircID(peer.ID)
	c := newCircuit(circID, peer, purpose)
	c.destroy = func(reason byte) { e.destroyOriginator(c, reason) }
	c.charge = func(n int) { e.hook.Charge(peer.ID, n, accounting.Outbound) }

	// First hop: CREATE/CREATED directly on the link.
	eph, err := anoncrypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}

	waitCh := make(chan []byte, 1)
	key := entryKey{peer.ID, circID}
	e.mu.Lock()
	e.pending[key] = waitCh
	e.mu.Unlock()

	create, _ := cell.New(circID, cell.CmdCreate, eph.Public[:])
	if err := peer.SendCell(create); err != nil {
		e.clearPending(key)
		return nil, err
	}
	e.hook.Charge(peer.ID, cell.CellLen, accounting.Outbound)

	var created []byte
	select {
	case created = <-waitCh:
	case <-time.After(e.cfg.HopTimeout):
		e.clearPending(key)
		return nil, errors.New(errors.KindCircuitFault, "CREATE timed out")
	case <-ctx.Done():
		e.clearPending(key)
		return nil, ctx.Err()
	}

	hs, err := finishHop(eph, created, first.ID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.hops = append(c.hops, &Hop{NodeID: first.ID, Addr: first.Addr, HS: hs})
	c.mu.Unlock()

	// Register so backward cells route to this circuit.
	e.mu.Lock()
	e.circuits[key] = c
	e.mu.Unlock()

	// Telescope the remaining hops.
	for _, node := range path[1:] {
		if err := e.extendCircuit(ctx, c, node); err != nil {
			c.Destroy(DestroyReasonTimeout)
			return nil, err
		}
	}

	c.mu.Lock()
	c.state = StateOpen
	c.weakened = len(c.hops) < 3
	weakened := c.weakened
	c.mu.Unlock()

	e.logger.Info("Circuit built",
		"circuit_id", circID,
		"hops", len(path),
		"purpose", purpose.String(),
		"weakened", weakened)
	return c, nil
}

// extendCircuit adds one hop to a partially-built circuit.
func (e *Engine) extendCircuit(ctx context.Context, c *Circuit, node PathNode) error {
	eph, err := anoncrypto.GenerateEphemeral()
	if err != nil {
		return err
	}

	payload := encodeExtendPayload(node.ID, node.Addr, eph.Public)
	extend := cell.NewRelayCell(0, cell.RelayExtend, payload)
	if err := c.SendRelay(extend); err != nil {
		return err
	}

	timer := time.NewTimer(e.cfg.HopTimeout)
	defer timer.Stop()

	for {
		select {
		case rc := <-c.incoming:
			if rc.Command != cell.RelayExtended {
				// Anything else during a build is a protocol violation.
				return errors.New(errors.KindCircuitFault,
					fmt.Sprintf("unexpected %s during extend", rc.Command))
			}
			hs, err := finishHop(eph, rc.Data, node.ID)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.hops = append(c.hops, &Hop{NodeID: node.ID, Addr: node.Addr, HS: hs})
			c.mu.Unlock()
			return nil
		case <-timer.C:
			return errors.New(errors.KindCircuitFault, "EXTEND timed out")
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return errors.New(errors.KindCircuitFault, "circuit destroyed during build")
		}
	}
}

// finishHop completes the originator side of a hop key exchange.
func finishHop(eph *anoncrypto.EphemeralKey, created []byte, node identity.NodeID) (*anoncrypto.HopState, error) {
	if len(created) < anoncrypto.KeyLen+anoncrypto.ConfirmLen {
		return nil, errors.New(errors.KindCircuitFault, "short CREATED payload")
	}
	var serverPub [anoncrypto.KeyLen]byte
	copy(serverPub[:], created[:anoncrypto.KeyLen])
	confirm := created[anoncrypto.KeyLen : anoncrypto.KeyLen+anoncrypto.ConfirmLen]

	hs, err := anoncrypto.HandshakeFinish(eph, serverPub, confirm, node[:])
	if err != nil {
		return nil, errors.Wrap(errors.KindCircuitFault, "hop key exchange failed", err)
	}
	return hs, nil
}

// destroyOriginator sends DESTROY down the circuit's link and releases
// all HopStates at once.
func (e *Engine) destroyOriginator(c *Circuit, reason byte) {
	key := entryKey{c.peer.ID, c.ID}
	e.mu.Lock()
	delete(e.circuits, key)
	e.mu.Unlock()

	out, _ := cell.New(c.ID, cell.CmdDestroy, []byte{reason})
	c.peer.SendCell(out) // nolint:errcheck
	c.teardown()
}

// reapLoop scans at 1 Hz for circuits past their idle timeout or max age.
func (e *Engine) reapLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.reapOnce()
		case <-e.closeCh:
			return
		}
	}
}

func (e *Engine) reapOnce() {
	// Snapshot under the engine lock, inspect after releasing it; entry
	// locks are never taken inside the engine lock.
	e.mu.Lock()
	circuits := make([]*Circuit, 0, len(e.circuits))
	for _, c := range e.circuits {
		circuits = append(circuits, c)
	}
	entries := make([]*relayEntry, 0, len(e.entries))
	seen := make(map[*relayEntry]bool)
	for _, en := range e.entries {
		if !seen[en] {
			seen[en] = true
			entries = append(entries, en)
		}
	}
	e.mu.Unlock()

	var stale []*Circuit
	for _, c := range circuits {
		if c.Idle() > e.cfg.IdleTimeout || c.Age() > e.cfg.MaxAge {
			stale = append(stale, c)
		}
	}
	var staleEntries []*relayEntry
	for _, en := range entries {
		en.mu.Lock()
		idle := time.Since(en.lastUse)
		age := time.Since(en.created)
		en.mu.Unlock()
		if idle > e.cfg.IdleTimeout || age > e.cfg.MaxAge {
			staleEntries = append(staleEntries, en)
		}
	}

	for _, c := range stale {
		e.logger.Debug("Reaping circuit", "circuit_id", c.ID, "idle", c.Idle())
		c.Destroy(DestroyReasonIdle)
	}
	for _, en := range staleEntries {
		e.releaseEntry(en, DestroyReasonIdle, true, true)
	}
}

// Terminal is the handle a recognised-command handler gets to the circuit
// terminating at this node: it can answer the originator, splice to a
// partner circuit at a rendezvous, or destroy the circuit.
type Terminal struct {
	engine *Engine
	entry  *relayEntry
}

// PeerID returns the upstream link peer. This is the adjacent hop, not
// the originator, which remains unknown by design.
func (t *Terminal) PeerID() identity.NodeID {
	return t.entry.upPeer.ID
}

// ReplyBackward seals a relay cell with this hop's backward state and
// sends it toward the originator.
func (t *Terminal) ReplyBackward(rc *cell.RelayCell) error {
	body, err := rc.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode relay cell: %w", err)
	}

	digest := t.entry.hs.SealBackwardDigest(cell.ZeroDigest(body))
	cell.SetDigest(body, digest)
	if err := t.entry.hs.BackwardLayer(body); err != nil {
		return errors.Wrap(errors.KindCircuitFault, "backward layer failed", err)
	}

	out := &cell.Cell{CircID: t.entry.upID, Command: cell.CmdRelay, Body: body}
	if err := t.entry.upPeer.SendCell(out); err != nil {
		return err
	}
	t.entry.touch()
	t.engine.hook.Charge(t.entry.upPeer.ID, cell.CellLen, accounting.Outbound)
	return nil
}

// Splice pairs this terminal with another so unrecognised cells flow
// between the two circuits. Used by the rendezvous point.
func (t *Terminal) Splice(other *Terminal) {
	t.entry.mu.Lock()
	t.entry.spliced = other.entry
	t.entry.mu.Unlock()

	other.entry.mu.Lock()
	other.entry.spliced = t.entry
	other.entry.mu.Unlock()
}

// Destroy tears down the circuit terminating here.
func (t *Terminal) Destroy(reason byte) {
	t.engine.destroyRelay(t.entry, reason)
}

// Alive reports whether the underlying circuit state still exists.
func (t *Terminal) Alive() bool {
	t.entry.mu.Lock()
	defer t.entry.mu.Unlock()
	return !t.entry.gone
}
