package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/conn"
	"github.com/opd-ai/go-anonnet/pkg/errors"
	"github.com/opd-ai/go-anonnet/pkg/identity"
	"github.com/opd-ai/go-anonnet/pkg/logger"
)

// DefaultRefreshInterval is how long a bucket may go untouched before a
// refresh lookup is issued for it.
const DefaultRefreshInterval = time.Hour

// rpcTimeout bounds one DHT RPC round trip.
const rpcTimeout = 10 * time.Second

// RPC message types
const (
	rpcPing      = "ping"
	rpcFindNode  = "find_node"
	rpcStore     = "store"
	rpcFindValue = "find_value"
)

// request is a DHT RPC request frame.
type request struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
	Key    string `json:"key,omitempty"`
	Value  []byte `json:"value,omitempty"`
	TTLSec int64  `json:"ttl_sec,omitempty"`
}

// nodeInfo is one peer in a response's closest-node set.
type nodeInfo struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// response is a DHT RPC response frame.
type response struct {
	Nodes  []nodeInfo `json:"nodes,omitempty"`
	Value  []byte     `json:"value,omitempty"`
	Stored bool       `json:"stored,omitempty"`
}

// Config holds DHT configuration.
type Config struct {
	MaxLocalStore   int
	RefreshInterval time.Duration
}

// DefaultConfig returns a DHT config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxLocalStore:   DefaultMaxLocalStore,
		RefreshInterval: DefaultRefreshInterval,
	}
}

// DHT ties the routing table, the local store and the RPC layer together.
type DHT struct {
	cfg    *Config
	self   identity.NodeID
	table  *Table
	store  *Store
	mgr    *conn.Manager
	logger *logger.Logger

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a DHT over the given connection manager.
func New(cfg *Config, mgr *conn.Manager, log *logger.Logger) *DHT {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.NewDefault()
	}

	d := &DHT{
		cfg:     cfg,
		self:    mgr.LocalID(),
		table:   NewTable(mgr.LocalID()),
		store:   NewStore(cfg.MaxLocalStore),
		mgr:     mgr,
		logger:  log.Component("dht"),
		closeCh: make(chan struct{}),
	}
	d.table.SetPinger(d.pingRecord)
	return d
}

// Table exposes the routing table (shared with path selection).
func (d *DHT) Table() *Table { return d.table }

// SetReplaceFunc installs the local-store replacement policy.
func (d *DHT) SetReplaceFunc(f ReplaceFunc) { d.store.SetReplaceFunc(f) }

// Start launches the bucket refresh loop.
func (d *DHT) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.refreshLoop()
	}()
}

// Close stops background work.
func (d *DHT) Close() {
	d.closeOnce.Do(func() {
		close(d.closeCh)
		d.store.Close()
	})
	d.wg.Wait()
}

// HandlePeerUp inserts a freshly-connected peer into the routing table.
// Called exactly once per completed handshake.
func (d *DHT) HandlePeerUp(p *conn.Peer) {
	addrs := []string{}
	if p.ListenAddr != "" {
		addrs = append(addrs, p.ListenAddr)
	}
	d.table.Update(&PeerRecord{
		ID:        p.ID,
		Addrs:     addrs,
		Connected: true,
		Score:     p.Score(),
	})
}

// HandlePeerDown marks a disconnected peer without evicting it.
func (d *DHT) HandlePeerDown(p *conn.Peer) {
	d.table.MarkDisconnected(p.ID)
}

// HandleRPC serves one inbound DHT request. Registered with the
// connection manager's dispatch table.
func (d *DHT) HandleRPC(ctx context.Context, p *conn.Peer, raw []byte) ([]byte, error) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errors.Wrap(errors.KindPeerFault, "malformed dht request", err)
	}

	var resp response
	switch req.Type {
	case rpcPing:
		// Liveness only; the empty response is the answer.

	case rpcFindNode:
		target, err := identity.ParseNodeID(req.Target)
		if err != nil {
			return nil, errors.Wrap(errors.KindPeerFault, "malformed find_node target", err)
		}
		resp.Nodes = d.closestInfo(target)

	case rpcStore:
		ttl := time.Duration(req.TTLSec) * time.Second
		if ttl <= 0 {
			return nil, errors.New(errors.KindPeerFault, "store with non-positive ttl")
		}
		resp.Stored = d.store.Put(req.Key, req.Value, ttl)

	case rpcFindValue:
		if value, ok := d.store.Get(req.Key); ok {
			resp.Value = value
		} else {
			target := keyToTarget(req.Key)
			resp.Nodes = d.closestInfo(target)
		}

	default:
		return nil, errors.New(errors.KindPeerFault, fmt.Sprintf("unknown dht rpc %q", req.Type))
	}

	return json.Marshal(&resp)
}

// closestInfo builds the wire form of our closest-node set for a target.
func (d *DHT) closestInfo(target identity.NodeID) []nodeInfo {
	recs := d.table.Closest(target, K)
	out := make([]nodeInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, nodeInfo{ID: rec.ID.String(), Addrs: rec.Addrs})
	}
	return out
}

// keyToTarget maps a store key into NodeID space for routing purposes.
func keyToTarget(key string) identity.NodeID {
	var target identity.NodeID
	copy(target[:], key)
	return target
}

// call sends one RPC to a peer and decodes the response.
func (d *DHT) call(ctx context.Context, p *conn.Peer, req *request) (*response, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	respRaw, err := p.Call(ctx, raw)
	if err != nil {
		p.RecordFailure()
		return nil, err
	}

	var resp response
	if err := json.Unmarshal(respRaw, &resp); err != nil {
		p.RecordFailure()
		return nil, errors.Wrap(errors.KindPeerFault, "malformed dht response", err)
	}
	p.RecordSuccess()
	return &resp, nil
}

// pingRecord probes a routing-table entry for liveness, dialing it if it
// is not currently connected.
func (d *DHT) pingRecord(rec *PeerRecord) bool {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	p, err := d.peerFor(ctx, rec.ID, rec.Addrs)
	if err != nil {
		return false
	}
	_, err = d.call(ctx, p, &request{Type: rpcPing})
	return err == nil
}

// peerFor returns a live connection to a node, dialing when necessary.
func (d *DHT) peerFor(ctx context.Context, id identity.NodeID, addrs []string) (*conn.Peer, error) {
	if p, ok := d.mgr.Peer(id); ok {
		return p, nil
	}
	var lastErr error
	for _, addr := range addrs {
		p, err := d.mgr.Connect(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		return p, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no known address for %s", id)
	}
	return nil, lastErr
}

// candidate is one entry in an iterative lookup's shortlist.
type candidate struct {
	id      identity.NodeID
	addrs   []string
	queried bool
	failed  bool
}

// lookup runs the iterative Kademlia lookup. findValue short-circuits as
// soon as a peer returns a value.
func (d *DHT) lookup(ctx context.Context, target identity.NodeID, key string, findValue bool) ([]byte, []*candidate, error) {
	shortlist := make(map[identity.NodeID]*candidate)
	for _, rec := range d.table.Closest(target, K) {
		shortlist[rec.ID] = &candidate{id: rec.ID, addrs: rec.Addrs}
	}

	sorted := func() []*candidate {
		out := make([]*candidate, 0, len(shortlist))
		for _, c := range shortlist {
			out = append(out, c)
		}
		sort.Slice(out, func(a, b int) bool {
			return out[a].id.XOR(target).Less(out[b].id.XOR(target))
		})
		return out
	}

	for {
		// Pick the alpha best untried candidates among the K closest;
		// the lookup stops when no closer untried node remains.
		var batch []*candidate
		ranked := sorted()
		if len(ranked) > K {
			ranked = ranked[:K]
		}
		for _, c := range ranked {
			if c.queried || c.failed {
				continue
			}
			batch = append(batch, c)
			if len(batch) == Alpha {
				break
			}
		}
		if len(batch) == 0 {
			break
		}

		type result struct {
			from *candidate
			resp *response
			err  error
		}
		results := make(chan result, len(batch))

		for _, c := range batch {
			c.queried = true
			go func(c *candidate) {
				p, err := d.peerFor(ctx, c.id, c.addrs)
				if err != nil {
					results <- result{from: c, err: err}
					return
				}
				req := &request{Type: rpcFindNode, Target: target.String()}
				if findValue {
					req = &request{Type: rpcFindValue, Key: key}
				}
				resp, err := d.call(ctx, p, req)
				results <- result{from: c, resp: resp, err: err}
			}(c)
		}

		for range batch {
			select {
			case r := <-results:
				if r.err != nil {
					r.from.failed = true
					continue
				}
				if findValue && len(r.resp.Value) > 0 {
					return r.resp.Value, sorted(), nil
				}
				for _, ni := range r.resp.Nodes {
					id, err := identity.ParseNodeID(ni.ID)
					if err != nil || id == d.self {
						continue
					}
					if _, ok := shortlist[id]; !ok {
						shortlist[id] = &candidate{id: id, addrs: ni.Addrs}
					}
				}
			case <-ctx.Done():
				return nil, sorted(), ctx.Err()
			}
		}

	}

	return nil, sorted(), nil
}

// FindNode returns up to K peers closest to target.
func (d *DHT) FindNode(ctx context.Context, target identity.NodeID) ([]*PeerRecord, error) {
	_, shortlist, err := d.lookup(ctx, target, "", false)
	if err != nil {
		return nil, err
	}
	out := make([]*PeerRecord, 0, K)
	for _, c := range shortlist {
		if c.failed {
			continue
		}
		out = append(out, &PeerRecord{ID: c.id, Addrs: c.addrs})
		if len(out) == K {
			break
		}
	}
	return out, nil
}

// Store replicates a value on the closest live peers and keeps a local
// replica. Reaching fewer than ReplicationFactor peers is a warning, not
// an error, provided at least one store succeeded; a node whose lookup
// finds no peers at all keeps only the local replica and returns nil.
func (d *DHT) Store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	target := keyToTarget(key)
	_, shortlist, err := d.lookup(ctx, target, "", false)
	if err != nil {
		return err
	}

	req := &request{Type: rpcStore, Key: key, Value: value, TTLSec: int64(ttl / time.Second)}
	stored := 0
	for _, c := range shortlist {
		if stored >= ReplicationFactor {
			break
		}
		if c.failed {
			continue
		}
		p, err := d.peerFor(ctx, c.id, c.addrs)
		if err != nil {
			continue
		}
		resp, err := d.call(ctx, p, req)
		if err != nil || !resp.Stored {
			continue
		}
		stored++
	}

	// Always keep a local replica too.
	d.store.Put(key, value, ttl)

	if stored == 0 {
		if len(shortlist) == 0 {
			// Alone in the network: the local replica is the store.
			return nil
		}
		return errors.New(errors.KindServiceUnreachable, "store reached no peers")
	}
	if stored < ReplicationFactor {
		d.logger.Warn("Store under-replicated", "key", key, "replicas", stored)
	}
	return nil
}

// FindValue retrieves a value by key, checking the local store first and
// the network only on a local miss.
func (d *DHT) FindValue(ctx context.Context, key string) ([]byte, error) {
	if value, ok := d.store.Get(key); ok {
		return value, nil
	}

	value, _, err := d.lookup(ctx, keyToTarget(key), key, true)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, errors.New(errors.KindServiceUnreachable, "value not found")
	}
	return value, nil
}

// Bootstrap connects to the configured bootstrap nodes and populates the
// table with a self-lookup.
func (d *DHT) Bootstrap(ctx context.Context, addrs []string) error {
	connected := 0
	for _, addr := range addrs {
		if _, err := d.mgr.Connect(ctx, addr); err != nil {
			d.logger.Warn("Bootstrap node unreachable", "addr", addr, "error", err)
			continue
		}
		connected++
	}
	if connected == 0 && len(addrs) > 0 {
		return errors.New(errors.KindServiceUnreachable, "no bootstrap node reachable")
	}

	if _, err := d.FindNode(ctx, d.self); err != nil {
		d.logger.Warn("Bootstrap self-lookup failed", "error", err)
	}
	return nil
}

// refreshLoop re-looks-up a random ID in every bucket that has gone
// unused for the refresh interval.
func (d *DHT) refreshLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, idx := range d.table.StaleBuckets(d.cfg.RefreshInterval) {
				target := d.table.RandomIDInBucket(idx)
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if _, err := d.FindNode(ctx, target); err != nil {
					d.logger.Debug("Bucket refresh failed", "bucket", idx, "error", err)
				}
				cancel()
			}
		case <-d.closeCh:
			return
		}
	}
}
