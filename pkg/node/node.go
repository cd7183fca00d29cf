// Package node is the composition root: it wires identity, transport,
// connections, DHT, directory, circuit engine, rendezvous, streams,
// SOCKS ingress and the accounting hook into one runnable node.
package node

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/accounting"
	"github.com/opd-ai/go-anonnet/pkg/circuit"
	"github.com/opd-ai/go-anonnet/pkg/config"
	"github.com/opd-ai/go-anonnet/pkg/conn"
	"github.com/opd-ai/go-anonnet/pkg/dht"
	"github.com/opd-ai/go-anonnet/pkg/directory"
	"github.com/opd-ai/go-anonnet/pkg/errors"
	"github.com/opd-ai/go-anonnet/pkg/identity"
	"github.com/opd-ai/go-anonnet/pkg/logger"
	"github.com/opd-ai/go-anonnet/pkg/rendezvous"
	"github.com/opd-ai/go-anonnet/pkg/socks"
	"github.com/opd-ai/go-anonnet/pkg/stream"
	"github.com/opd-ai/go-anonnet/pkg/transport"
)

// snapshotFileName is the periodic routing-table dump for warm restart.
const snapshotFileName = "routing_table.snapshot"

// serviceConn is one live rendezvous circuit with its stream mux, shared
// by all SOCKS connections to the same address.
type serviceConn struct {
	circ *circuit.Circuit
	mux  *stream.Manager
}

// Node is a running overlay node.
type Node struct {
	cfg    *config.Config
	mode   string
	logger *logger.Logger

	id        *identity.Identity
	transport *transport.Transport
	mgr       *conn.Manager
	dht       *dht.DHT
	dir       *directory.Directory
	engine    *circuit.Engine
	selector  *circuit.Selector
	pool      *circuit.Pool
	point     *rendezvous.Point
	rclient   *rendezvous.Client
	socks     *socks.Server
	host      *rendezvous.Host
	hook      accounting.Hook

	mu       sync.Mutex
	services map[directory.Address]*serviceConn

	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a node for the given mode (config.ModeNode or
// config.ModeProxy) without touching the network yet.
func New(cfg *config.Config, mode string, log *logger.Logger) (*Node, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.KindFatal, "invalid configuration", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, errors.Wrap(errors.KindFatal, "cannot create data dir", err)
	}

	id, err := identity.LoadOrGenerate(cfg.DataDir, cfg.PowDifficulty)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "identity unavailable", err)
	}
	log.Info("Identity loaded", "node_id", id.NodeID.String())

	t, err := transport.New(transport.DefaultConfig(), log)
	if err != nil {
		return nil, err
	}

	acceptRelay := cfg.AcceptRelay && mode == config.ModeNode

	mgrCfg := conn.DefaultConfig()
	mgrCfg.Difficulty = cfg.PowDifficulty
	mgrCfg.MaxPeers = cfg.MaxPeers
	mgr := conn.NewManager(mgrCfg, id, t, log)

	hook, err := newHook(cfg, log)
	if err != nil {
		return nil, err
	}

	engCfg := circuit.DefaultConfig()
	engCfg.AcceptRelay = acceptRelay
	engCfg.IdleTimeout = cfg.CircuitIdleTimeout.Duration
	engCfg.MaxAge = cfg.CircuitMaxAge.Duration
	engine := circuit.New(engCfg, mgr, hook, log)

	d := dht.New(dht.DefaultConfig(), mgr, log)
	mgr.OnRPC(d.HandleRPC)
	mgr.OnPeerUp(d.HandlePeerUp)
	mgr.OnPeerDown(d.HandlePeerDown)

	dir := directory.New(d, log)
	selector := circuit.NewSelector(mgr)
	point := rendezvous.NewPoint(engine, log)
	rclient := rendezvous.NewClient(engine, selector, dir, d, mgr, log)

	n := &Node{
		cfg:       cfg,
		mode:      mode,
		logger:    log.Component("node"),
		id:        id,
		transport: t,
		mgr:       mgr,
		dht:       d,
		dir:       dir,
		engine:    engine,
		selector:  selector,
		point:     point,
		rclient:   rclient,
		hook:      hook,
		services:  make(map[directory.Address]*serviceConn),
	}

	poolCfg := circuit.DefaultPoolConfig()
	poolCfg.Size = cfg.CircuitPoolSize
	n.pool = circuit.NewPool(poolCfg, n.buildCircuit, log)

	n.socks = socks.New(socks.DefaultConfig(cfg.DataDir), n, log)
	return n, nil
}

// newHook builds the configured accounting backend. The core behaves
// identically under the no-op hook.
func newHook(cfg *config.Config, log *logger.Logger) (accounting.Hook, error) {
	switch cfg.LedgerBackend {
	case "", "none":
		return accounting.Noop{}, nil
	case "memory":
		return accounting.NewMemoryLedger(cfg.LedgerBudget), nil
	case "sqlite":
		return accounting.OpenSQLiteLedger(cfg.DataDir, cfg.LedgerBudget, log)
	default:
		return nil, errors.New(errors.KindFatal, fmt.Sprintf("unknown ledger backend %q", cfg.LedgerBackend))
	}
}

// buildCircuit is the pool's builder: select a path, telescope it.
func (n *Node) buildCircuit(ctx context.Context, purpose circuit.Purpose) (*circuit.Circuit, error) {
	path, weakened, err := n.selector.SelectPath()
	if err != nil {
		return nil, err
	}
	if weakened {
		n.logger.Warn("Building weakened circuit", "hops", len(path))
	}
	return n.engine.BuildCircuit(ctx, path, purpose)
}

// Start brings the node up: listening (node mode), bootstrap, background
// maintenance, and the SOCKS ingress.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)

	if n.mode == config.ModeNode {
		if err := n.transport.Listen(n.cfg.NetworkListenAddr()); err != nil {
			return errors.Wrap(errors.KindFatal, "cannot listen", err)
		}
		// Advertise our listen address to peers for re-connection.
		n.mgrAdvertise()

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.mgr.AcceptLoop(ctx)
		}()
	}

	// Warm restart from the last routing-table snapshot, then bootstrap.
	snapshotPath := filepath.Join(n.cfg.DataDir, snapshotFileName)
	if err := n.dht.Table().LoadSnapshot(snapshotPath); err == nil {
		n.logger.Info("Routing table restored", "records", n.dht.Table().Size())
	}
	if err := n.dht.Bootstrap(ctx, n.cfg.BootstrapNodes); err != nil {
		n.logger.Warn("Bootstrap incomplete", "error", err)
	}

	n.dht.Start()
	n.engine.Start()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.snapshotLoop(ctx, snapshotPath)
	}()

	if err := n.socks.Start(); err != nil {
		return errors.Wrap(errors.KindFatal, "socks ingress failed", err)
	}

	// Host a hidden service when a local endpoint is configured.
	if n.cfg.ServiceLocalAddr != "" {
		priv, err := directory.LoadOrCreateServiceKey(n.cfg.DataDir)
		if err != nil {
			return errors.Wrap(errors.KindFatal, "service key unavailable", err)
		}
		hostCfg := rendezvous.DefaultHostConfig(n.cfg.ServiceLocalAddr)
		if n.cfg.DescriptorTTL.Duration > 0 {
			hostCfg.DescriptorTTL = n.cfg.DescriptorTTL.Duration
		}
		n.host = rendezvous.NewHost(hostCfg, priv, n.engine, n.selector, n.dir, n.mgr, n.logger)
		if err := n.host.Start(ctx); err != nil {
			n.logger.Warn("Service publication failed, will not host", "error", err)
			n.host = nil
		}
	}

	n.logger.Info("Node started", "mode", n.mode, "node_id", n.id.NodeID.String())
	return nil
}

// mgrAdvertise records the final listen address in the handshake config.
func (n *Node) mgrAdvertise() {
	if addr := n.transport.Addr(); addr != nil {
		n.mgr.SetListenAddr(addr.String())
	}
}

// SocksAddr returns the bound SOCKS address (pkg/helpers uses this).
func (n *Node) SocksAddr() net.Addr {
	return n.socks.Addr()
}

// NodeID returns the local node identifier.
func (n *Node) NodeID() identity.NodeID {
	return n.id.NodeID
}

// HostedAddress returns the hosted service's address, if hosting.
func (n *Node) HostedAddress() (directory.Address, bool) {
	if n.host == nil {
		return directory.Address{}, false
	}
	return n.host.Address(), true
}

// DialService satisfies socks.Dialer: it reuses or creates a rendezvous
// circuit to the address and opens one stream on it.
func (n *Node) DialService(ctx context.Context, addr directory.Address, port uint16) (io.ReadWriteCloser, error) {
	sc, err := n.serviceCircuit(ctx, addr)
	if err != nil {
		return nil, err
	}

	st, err := sc.mux.Open(ctx, port)
	if err != nil {
		// The circuit may have died underneath us; drop it and retry
		// once on a fresh rendezvous.
		n.dropService(addr, sc)
		sc, err2 := n.serviceCircuit(ctx, addr)
		if err2 != nil {
			return nil, err
		}
		return sc.mux.Open(ctx, port)
	}
	return st, nil
}

// serviceCircuit returns the live rendezvous circuit for an address,
// establishing one when needed.
func (n *Node) serviceCircuit(ctx context.Context, addr directory.Address) (*serviceConn, error) {
	n.mu.Lock()
	sc, ok := n.services[addr]
	if ok && sc.circ.IsOpen() {
		n.mu.Unlock()
		return sc, nil
	}
	delete(n.services, addr)
	n.mu.Unlock()

	circ, err := n.rclient.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}

	mux := stream.NewManager(circ, n.logger)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		mux.Run(context.Background())
	}()

	sc = &serviceConn{circ: circ, mux: mux}
	n.mu.Lock()
	n.services[addr] = sc
	n.mu.Unlock()
	return sc, nil
}

// dropService forgets a dead rendezvous circuit.
func (n *Node) dropService(addr directory.Address, sc *serviceConn) {
	n.mu.Lock()
	if cur, ok := n.services[addr]; ok && cur == sc {
		delete(n.services, addr)
	}
	n.mu.Unlock()
	sc.circ.Destroy(circuit.DestroyReasonTimeout)
}

// snapshotLoop periodically dumps the routing table for warm restart.
func (n *Node) snapshotLoop(ctx context.Context, path string) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := n.dht.Table().Snapshot(path); err != nil {
				n.logger.Debug("Snapshot failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop shuts the node down in dependency order.
func (n *Node) Stop() {
	n.closeOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		if n.host != nil {
			n.host.Stop()
		}
		n.socks.Close() // nolint:errcheck
		n.pool.Close()
		n.engine.Close()
		n.dht.Close()
		n.mgr.Close()       // nolint:errcheck
		n.transport.Close() // nolint:errcheck
		if closer, ok := n.hook.(io.Closer); ok {
			closer.Close() // nolint:errcheck
		}
	})
	n.wg.Wait()
}
