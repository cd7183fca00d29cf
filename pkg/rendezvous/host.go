package rendezvous

import (
	"context"
	"crypto/ed25519"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/cell"
	"github.com/opd-ai/go-anonnet/pkg/circuit"
	"github.com/opd-ai/go-anonnet/pkg/conn"
	anoncrypto "github.com/opd-ai/go-anonnet/pkg/crypto"
	"github.com/opd-ai/go-anonnet/pkg/directory"
	"github.com/opd-ai/go-anonnet/pkg/errors"
	"github.com/opd-ai/go-anonnet/pkg/identity"
	"github.com/opd-ai/go-anonnet/pkg/logger"
	"github.com/opd-ai/go-anonnet/pkg/stream"
)

// DefaultIntroPoints is how many introduction points a service keeps.
const DefaultIntroPoints = 3

// HostConfig configures a hosted hidden service.
type HostConfig struct {
	// LocalAddr is the published endpoint introductions connect to,
	// for example "127.0.0.1:8080".
	LocalAddr string
	// IntroPoints is how many introduction points to establish.
	IntroPoints int
	// DescriptorTTL is the published descriptor lifetime; re-publish
	// happens at half of it.
	DescriptorTTL time.Duration
}

// DefaultHostConfig returns hosting defaults.
func DefaultHostConfig(localAddr string) *HostConfig {
	return &HostConfig{
		LocalAddr:     localAddr,
		IntroPoints:   DefaultIntroPoints,
		DescriptorTTL: directory.DefaultDescriptorTTL,
	}
}

// introCircuit is one live circuit to an introduction point.
type introCircuit struct {
	node circuit.PathNode
	circ *circuit.Circuit
}

// Host publishes a hidden service: it establishes introduction circuits,
// keeps the descriptor fresh in the DHT, and turns INTRODUCE2 cells into
// service-side rendezvous circuits serving the local endpoint.
type Host struct {
	cfg      *HostConfig
	priv     ed25519.PrivateKey
	engine   *circuit.Engine
	selector *circuit.Selector
	dir      *directory.Directory
	mgr      *conn.Manager
	logger   *logger.Logger

	mu     sync.Mutex
	intros []*introCircuit

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHost creates a hidden-service host for the given service keypair.
func NewHost(cfg *HostConfig, priv ed25519.PrivateKey, engine *circuit.Engine, selector *circuit.Selector, dir *directory.Directory, mgr *conn.Manager, log *logger.Logger) *Host {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Host{
		cfg:      cfg,
		priv:     priv,
		engine:   engine,
		selector: selector,
		dir:      dir,
		mgr:      mgr,
		logger:   log.Component("service-host"),
		closeCh:  make(chan struct{}),
	}
}

// Address returns the service's .anon address.
func (h *Host) Address() directory.Address {
	return directory.DeriveAddress(h.priv.Public().(ed25519.PublicKey))
}

// Start establishes intro points and publishes the first descriptor,
// retrying publication with backoff, then keeps both fresh until Stop.
func (h *Host) Start(ctx context.Context) error {
	err := errors.Retry(ctx, errors.PublishRetryPolicy(), func() error {
		return h.publish(ctx)
	})
	if err != nil {
		return err
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.maintainLoop(ctx)
	}()

	h.logger.Info("Service published", "address", h.Address().String())
	return nil
}

// Stop tears down the service's circuits.
func (h *Host) Stop() {
	h.closeOnce.Do(func() {
		close(h.closeCh)
		h.mu.Lock()
		for _, ic := range h.intros {
			ic.circ.Destroy(circuit.DestroyReasonShutdown)
		}
		h.intros = nil
		h.mu.Unlock()
	})
	h.wg.Wait()
}

// chooseIntroNodes picks the intro-point candidates: connected peers with
// the highest reliability score, ties broken by lower NodeID.
func (h *Host) chooseIntroNodes(exclude map[identity.NodeID]bool) []circuit.PathNode {
	peers := h.mgr.Peers()
	sort.Slice(peers, func(a, b int) bool {
		if peers[a].Score() != peers[b].Score() {
			return peers[a].Score() > peers[b].Score()
		}
		return peers[a].ID.Less(peers[b].ID)
	})

	var out []circuit.PathNode
	for _, p := range peers {
		if p.ListenAddr == "" || exclude[p.ID] {
			continue
		}
		out = append(out, circuit.PathNode{ID: p.ID, Addr: p.ListenAddr})
		if len(out) == h.cfg.IntroPoints {
			break
		}
	}
	return out
}

// establishIntro builds a circuit to one intro node and claims it with a
// signed ESTABLISH_INTRO.
func (h *Host) establishIntro(ctx context.Context, node circuit.PathNode) (*introCircuit, error) {
	path, _, err := h.selector.SelectPathTo(node)
	if err != nil {
		return nil, err
	}

	circ, err := h.engine.BuildCircuit(ctx, path, circuit.PurposeIntro)
	if err != nil {
		return nil, err
	}

	pub := h.priv.Public().(ed25519.PublicKey)
	msg := append([]byte(establishIntroContext), pub...)
	sig := ed25519.Sign(h.priv, msg)

	payload := append(append([]byte{}, pub...), sig...)
	estab := cell.NewRelayCell(0, cell.RelayEstablishIntro, payload)
	if err := circ.SendRelay(estab); err != nil {
		circ.Destroy(circuit.DestroyReasonTimeout)
		return nil, err
	}

	if _, err := awaitReply(ctx, circ, cell.RelayIntroEstablished); err != nil {
		circ.Destroy(circuit.DestroyReasonTimeout)
		return nil, err
	}

	ic := &introCircuit{node: node, circ: circ}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.introLoop(ic)
	}()
	return ic, nil
}

// publish (re)establishes missing intro circuits and pushes a fresh
// descriptor to the DHT. Publication fails when no intro circuit could
// be established.
func (h *Host) publish(ctx context.Context) error {
	h.mu.Lock()
	live := h.intros[:0]
	exclude := make(map[identity.NodeID]bool)
	for _, ic := range h.intros {
		if ic.circ.IsOpen() {
			live = append(live, ic)
			exclude[ic.node.ID] = true
		}
	}
	h.intros = live
	need := h.cfg.IntroPoints - len(live)
	h.mu.Unlock()

	if need > 0 {
		for _, node := range h.chooseIntroNodes(exclude) {
			if need == 0 {
				break
			}
			ic, err := h.establishIntro(ctx, node)
			if err != nil {
				h.logger.Warn("Intro point establishment failed",
					"node", node.ID.String(), "error", err)
				continue
			}
			h.mu.Lock()
			h.intros = append(h.intros, ic)
			h.mu.Unlock()
			need--
		}
	}

	h.mu.Lock()
	var points []directory.IntroPoint
	for _, ic := range h.intros {
		points = append(points, directory.IntroPoint{
			NodeID:    ic.node.ID,
			PublicKey: h.priv.Public().(ed25519.PublicKey),
		})
	}
	h.mu.Unlock()

	if len(points) == 0 {
		return errors.New(errors.KindServiceUnreachable, "no intro circuit established")
	}

	_, err := h.dir.Publish(ctx, h.priv, points, h.cfg.DescriptorTTL)
	return err
}

// maintainLoop re-publishes at ttl/2 and replaces dropped intro points.
func (h *Host) maintainLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.DescriptorTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := h.publish(ctx); err != nil {
				h.logger.Warn("Republish failed", "error", err)
			}
		case <-h.closeCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// introLoop consumes INTRODUCE2 cells arriving on one intro circuit.
func (h *Host) introLoop(ic *introCircuit) {
	for {
		select {
		case rc := <-ic.circ.Recv():
			if rc.Command != cell.RelayIntroduce2 {
				h.logger.Debug("Unexpected cell on intro circuit", "command", rc.Command)
				continue
			}
			h.wg.Add(1)
			go func(sealed []byte) {
				defer h.wg.Done()
				h.answerIntroduction(sealed)
			}(rc.Data)
		case <-ic.circ.Closed():
			return
		case <-h.closeCh:
			return
		}
	}
}

// answerIntroduction opens the sealed introduction, builds the service
// half of the rendezvous, and serves streams on the joined circuit.
func (h *Host) answerIntroduction(sealed []byte) {
	plaintext, err := anoncrypto.OpenWithServiceKey(h.priv, sealed)
	if err != nil {
		h.logger.Debug("Undecryptable introduction", "error", err)
		return
	}

	rendNode, cookie, clientPub, err := decodeIntroPayload(plaintext)
	if err != nil {
		h.logger.Debug("Malformed introduction", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	path, _, err := h.selector.SelectPathTo(rendNode)
	if err != nil {
		h.logger.Warn("No path to rendezvous point", "error", err)
		return
	}

	cs, err := h.engine.BuildCircuit(ctx, path, circuit.PurposeService)
	if err != nil {
		h.logger.Warn("Service rendezvous circuit failed", "error", err)
		return
	}

	serviceEph, err := anoncrypto.GenerateEphemeral()
	if err != nil {
		cs.Destroy(circuit.DestroyReasonProtocol)
		return
	}

	payload := append(append([]byte{}, cookie[:]...), serviceEph.Public[:]...)
	rend1 := cell.NewRelayCell(0, cell.RelayRendezvous1, payload)
	if err := cs.SendRelay(rend1); err != nil {
		cs.Destroy(circuit.DestroyReasonTimeout)
		return
	}

	e2e, err := anoncrypto.DeriveEndToEnd(serviceEph.Private, clientPub, serviceEph.Public, true)
	if err != nil {
		cs.Destroy(circuit.DestroyReasonProtocol)
		return
	}
	cs.AttachEndToEnd(e2e)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.serveCircuit(cs)
	}()
}

// serveCircuit accepts streams on a joined rendezvous circuit and pipes
// each to the local endpoint.
func (h *Host) serveCircuit(cs *circuit.Circuit) {
	mux := stream.NewManager(cs, h.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		mux.Run(ctx)
	}()

	for {
		st, err := mux.Accept(ctx)
		if err != nil {
			return
		}

		h.wg.Add(1)
		go func(st *stream.Stream) {
			defer h.wg.Done()
			h.serveStream(st)
		}(st)
	}
}

// serveStream connects one inbound stream to the local endpoint.
func (h *Host) serveStream(st *stream.Stream) {
	local, err := net.DialTimeout("tcp", h.cfg.LocalAddr, 10*time.Second)
	if err != nil {
		h.logger.Warn("Local endpoint unreachable", "addr", h.cfg.LocalAddr, "error", err)
		st.Reject(cell.EndReasonUnreachable)
		return
	}
	defer local.Close() // nolint:errcheck

	if err := st.AcceptConnected(); err != nil {
		return
	}
	defer st.Close() // nolint:errcheck

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(local, st) // nolint:errcheck
		done <- struct{}{}
	}()
	go func() {
		io.Copy(st, local) // nolint:errcheck
		done <- struct{}{}
	}()
	<-done
}
