package conn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/cell"
	"github.com/opd-ai/go-anonnet/pkg/errors"
	"github.com/opd-ai/go-anonnet/pkg/identity"
	"github.com/opd-ai/go-anonnet/pkg/logger"
	"github.com/opd-ai/go-anonnet/pkg/transport"
)

// DefaultMaxPendingCells bounds the per-peer outbound cell queue.
// Overflow drops the newest cell: failure-fast over silent loss.
const DefaultMaxPendingCells = 1024

// CellHandler receives every cell arriving from a peer. It must not
// block; long work is off-loaded to tasks keyed by circuit or stream.
type CellHandler func(p *Peer, c *cell.Cell)

// RPCHandler serves one request frame and returns the response frame.
type RPCHandler func(ctx context.Context, p *Peer, request []byte) ([]byte, error)

// PeerEventHandler observes peers entering or leaving the dictionary.
type PeerEventHandler func(p *Peer)

// Peer is one authenticated connection to a remote node.
type Peer struct {
	ID         identity.NodeID
	PublicKey  ed25519.PublicKey
	Addr       string // observed remote address
	ListenAddr string // address the peer accepts inbound connections on

	conn       *transport.Conn
	cellStream *transport.Stream
	outbound   bool
	connected  time.Time

	sendQ     chan *cell.Cell
	closeCh   chan struct{}
	closeOnce sync.Once

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	// score is a reliability score: successes increment, failures
	// decrement. Feeds path and intro-point selection.
	score atomic.Int64

	logger *logger.Logger
}

// Outbound reports whether we initiated this connection.
func (p *Peer) Outbound() bool { return p.outbound }

// ConnectedAt returns when the handshake completed.
func (p *Peer) ConnectedAt() time.Time { return p.connected }

// Uptime returns how long the connection has been up.
func (p *Peer) Uptime() time.Duration { return time.Since(p.connected) }

// BytesObserved returns total bytes moved in both directions.
func (p *Peer) BytesObserved() uint64 { return p.bytesIn.Load() + p.bytesOut.Load() }

// Score returns the peer's reliability score.
func (p *Peer) Score() int64 { return p.score.Load() }

// RecordSuccess bumps the reliability score.
func (p *Peer) RecordSuccess() { p.score.Add(1) }

// RecordFailure penalises the reliability score.
func (p *Peer) RecordFailure() { p.score.Add(-2) }

// Closed returns a channel closed when the peer disconnects.
func (p *Peer) Closed() <-chan struct{} { return p.closeCh }

// IsLive reports whether the connection is still up.
func (p *Peer) IsLive() bool {
	select {
	case <-p.closeCh:
		return false
	default:
		return true
	}
}

// SendCell enqueues a cell for this peer. The queue is bounded; overflow
// drops the cell and returns an Exhaustion error so the caller can
// schedule a DESTROY for affected circuits.
func (p *Peer) SendCell(c *cell.Cell) error {
	select {
	case <-p.closeCh:
		return errors.New(errors.KindPeerFault, "peer disconnected")
	default:
	}

	select {
	case p.sendQ <- c:
		return nil
	default:
		return errors.New(errors.KindExhaustion, "peer send queue full")
	}
}

// Call performs one request/response RPC on a fresh stream.
func (p *Peer) Call(ctx context.Context, request []byte) ([]byte, error) {
	stream, err := p.conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open rpc stream: %w", err)
	}
	defer stream.Close() // nolint:errcheck

	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set rpc deadline: %w", err)
		}
	}

	if err := stream.WriteFrame(request); err != nil {
		return nil, fmt.Errorf("failed to send rpc request: %w", err)
	}
	response, err := stream.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("failed to read rpc response: %w", err)
	}
	p.bytesOut.Add(uint64(len(request)))
	p.bytesIn.Add(uint64(len(response)))
	return response, nil
}

// close tears the connection down with a reason code.
func (p *Peer) close(reason byte) {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		p.conn.Close(reason) // nolint:errcheck
		p.logger.Debug("Peer connection closed", "reason", reason)
	})
}

// Config holds connection-manager configuration.
type Config struct {
	// Difficulty is the proof-of-work difficulty required of peers.
	Difficulty int
	// MaxPeers bounds the peer dictionary.
	MaxPeers int
	// MaxPendingCells bounds the per-peer send queue.
	MaxPendingCells int
	// HandshakeTimeout bounds each handshake step.
	HandshakeTimeout time.Duration
	// ListenAddr is advertised to peers for re-connection, empty for
	// proxy-only nodes.
	ListenAddr string
}

// DefaultConfig returns a manager config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Difficulty:       identity.DefaultDifficulty,
		MaxPeers:         256,
		MaxPendingCells:  DefaultMaxPendingCells,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Manager is the per-peer connection dictionary. It enforces one live
// connection per peer and dispatches inbound traffic to the registered
// handlers.
type Manager struct {
	cfg       *Config
	id        *identity.Identity
	transport *transport.Transport

	mu    sync.RWMutex
	peers map[identity.NodeID]*Peer

	cellHandler CellHandler
	rpcHandler  RPCHandler
	onPeerUp    PeerEventHandler
	onPeerDown  PeerEventHandler

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger *logger.Logger
}

// NewManager creates a connection manager.
func NewManager(cfg *Config, id *identity.Identity, t *transport.Transport, log *logger.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Manager{
		cfg:       cfg,
		id:        id,
		transport: t,
		peers:     make(map[identity.NodeID]*Peer),
		closeCh:   make(chan struct{}),
		logger:    log.Component("conn"),
	}
}

// LocalID returns the local node identifier.
func (m *Manager) LocalID() identity.NodeID { return m.id.NodeID }

// SetListenAddr updates the address advertised during handshakes, once
// the transport has bound its final port.
func (m *Manager) SetListenAddr(addr string) { m.cfg.ListenAddr = addr }

// OnCell registers the handler for inbound cells.
func (m *Manager) OnCell(h CellHandler) { m.cellHandler = h }

// OnRPC registers the handler for inbound RPC requests.
func (m *Manager) OnRPC(h RPCHandler) { m.rpcHandler = h }

// OnPeerUp registers the handler invoked exactly once per completed
// handshake, after the peer enters the dictionary.
func (m *Manager) OnPeerUp(h PeerEventHandler) { m.onPeerUp = h }

// OnPeerDown registers the handler invoked when a peer disconnects.
func (m *Manager) OnPeerDown(h PeerEventHandler) { m.onPeerDown = h }

// Peer returns the live peer with the given ID, if any.
func (m *Manager) Peer(id identity.NodeID) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	if !ok || !p.IsLive() {
		return nil, false
	}
	return p, true
}

// Peers returns all live peers.
func (m *Manager) Peers() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		if p.IsLive() {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of live peers.
func (m *Manager) Count() int {
	return len(m.Peers())
}

// Connect dials a peer address, runs the handshake, and registers the
// peer. If the handshake reveals an already-connected peer, the duplicate
// race is resolved deterministically and the surviving peer is returned.
func (m *Manager) Connect(ctx context.Context, addr string) (*Peer, error) {
	tconn, err := m.transport.Dial(ctx, addr)
	if err != nil {
		return nil, errors.Wrap(errors.KindLocal, "dial failed", err)
	}

	stream, err := tconn.OpenStream(ctx)
	if err != nil {
		tconn.Close(ReasonTimeout) // nolint:errcheck
		return nil, errors.Wrap(errors.KindLocal, "failed to open handshake stream", err)
	}

	return m.finishHandshake(tconn, stream, addr, true)
}

// AcceptLoop accepts inbound connections until the context is cancelled.
func (m *Manager) AcceptLoop(ctx context.Context) {
	for {
		tconn, err := m.transport.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-m.closeCh:
				return
			default:
				m.logger.Debug("Accept failed", "error", err)
				continue
			}
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(ctx, tconn)
		}()
	}
}

// handleInbound runs the responder side of the handshake.
func (m *Manager) handleInbound(ctx context.Context, tconn *transport.Conn) {
	stream, err := tconn.AcceptStream(ctx)
	if err != nil {
		tconn.Close(ReasonTimeout) // nolint:errcheck
		return
	}

	if _, err := m.finishHandshake(tconn, stream, tconn.RemoteAddr().String(), false); err != nil {
		m.logger.Debug("Inbound handshake failed", "error", err)
	}
}

// finishHandshake completes the handshake on a stream, resolves duplicate
// connections, registers the peer and starts its I/O loops.
func (m *Manager) finishHandshake(tconn *transport.Conn, stream *transport.Stream, addr string, outbound bool) (*Peer, error) {
	result, reason, err := performHandshake(stream, tconn, m.id, m.cfg.Difficulty, m.cfg.ListenAddr, outbound, m.cfg.HandshakeTimeout)
	if err != nil {
		tconn.Close(reason) // nolint:errcheck
		return nil, errors.Wrap(errors.KindPeerFault, "handshake failed", err)
	}

	if result.nodeID == m.id.NodeID {
		tconn.Close(ReasonDuplicate) // nolint:errcheck
		return nil, errors.New(errors.KindPeerFault, "connected to self")
	}

	p := &Peer{
		ID:         result.nodeID,
		PublicKey:  result.publicKey,
		Addr:       addr,
		ListenAddr: result.listenAddr,
		conn:       tconn,
		cellStream: stream,
		outbound:   outbound,
		connected:  time.Now(),
		sendQ:      make(chan *cell.Cell, m.cfg.MaxPendingCells),
		closeCh:    make(chan struct{}),
		logger:     m.logger.With("peer", result.nodeID.String()),
	}

	if survivor, replaced := m.register(p); !replaced {
		return survivor, nil
	}

	m.wg.Add(3)
	go func() { defer m.wg.Done(); m.sendLoop(p) }()
	go func() { defer m.wg.Done(); m.recvLoop(p) }()
	go func() { defer m.wg.Done(); m.rpcAcceptLoop(p) }()

	if m.onPeerUp != nil {
		m.onPeerUp(p)
	}
	p.logger.Info("Peer connected", "outbound", outbound, "addr", addr)
	return p, nil
}

// register inserts the peer into the dictionary exactly once, resolving
// the duplicate-connection race: the connection initiated by the
// lexicographically lower NodeID wins. Returns (survivor, whether the new
// peer was kept).
func (m *Manager) register(p *Peer) (*Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.peers[p.ID]
	if ok && existing.IsLive() {
		// Two live connections to the same peer: keep the one whose
		// initiator has the lower NodeID.
		preferOutbound := m.id.NodeID.Less(p.ID)
		if p.outbound == preferOutbound {
			existing.close(ReasonDuplicate)
			m.peers[p.ID] = p
			return p, true
		}
		p.close(ReasonDuplicate)
		return existing, false
	}

	if len(m.peers) >= m.cfg.MaxPeers {
		// Evict a dead entry if any; otherwise refuse.
		evicted := false
		for id, old := range m.peers {
			if !old.IsLive() {
				delete(m.peers, id)
				evicted = true
				break
			}
		}
		if !evicted {
			p.close(ReasonShutdown)
			return p, false
		}
	}

	m.peers[p.ID] = p
	return p, true
}

// sendLoop drains the peer's send queue onto the cell stream.
func (m *Manager) sendLoop(p *Peer) {
	for {
		select {
		case c := <-p.sendQ:
			buf, err := c.Marshal()
			if err != nil {
				p.logger.Error("Failed to marshal cell", "error", err)
				continue
			}
			if err := p.cellStream.WriteFrame(buf); err != nil {
				p.logger.Debug("Cell write failed", "error", err)
				m.disconnect(p, ReasonTimeout)
				return
			}
			p.bytesOut.Add(cell.CellLen)
		case <-p.closeCh:
			return
		case <-m.closeCh:
			return
		}
	}
}

// recvLoop reads cells from the peer and hands them to the cell handler.
// The handler must not block this loop.
func (m *Manager) recvLoop(p *Peer) {
	for {
		frame, err := p.cellStream.ReadFrame()
		if err != nil {
			m.disconnect(p, ReasonTimeout)
			return
		}
		p.bytesIn.Add(uint64(len(frame)))

		c, err := cell.Unmarshal(frame)
		if err != nil {
			p.logger.Debug("Malformed cell", "error", err)
			m.disconnect(p, ReasonBadVersion)
			return
		}

		if m.cellHandler != nil {
			m.cellHandler(p, c)
		}
	}
}

// rpcAcceptLoop serves inbound RPC streams, one goroutine per request.
func (m *Manager) rpcAcceptLoop(p *Peer) {
	ctx := p.conn.Context()
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			m.disconnect(p, ReasonTimeout)
			return
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer stream.Close() // nolint:errcheck

			request, err := stream.ReadFrame()
			if err != nil {
				return
			}
			p.bytesIn.Add(uint64(len(request)))

			if m.rpcHandler == nil {
				return
			}
			response, err := m.rpcHandler(ctx, p, request)
			if err != nil {
				p.logger.Debug("RPC handler failed", "error", err)
				return
			}
			if err := stream.WriteFrame(response); err != nil {
				return
			}
			p.bytesOut.Add(uint64(len(response)))
		}()
	}
}

// disconnect removes the peer's live status but keeps its dictionary
// entry so recently-seen peers can be re-contacted.
func (m *Manager) disconnect(p *Peer, reason byte) {
	wasLive := p.IsLive()
	p.close(reason)
	if wasLive && m.onPeerDown != nil {
		m.onPeerDown(p)
	}
}

// DropPeer closes a peer connection for a protocol violation, penalising
// its reliability score but keeping the routing entry.
func (m *Manager) DropPeer(id identity.NodeID, reason byte) {
	m.mu.RLock()
	p, ok := m.peers[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	p.RecordFailure()
	m.disconnect(p, reason)
}

// Close shuts down all connections.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closeCh)
		m.mu.Lock()
		for _, p := range m.peers {
			p.close(ReasonShutdown)
		}
		m.mu.Unlock()
	})
	m.wg.Wait()
	return nil
}

// fillRandom fills buf with cryptographically random bytes.
func fillRandom(buf []byte) error {
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return nil
}
