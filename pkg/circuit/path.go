package circuit

import (
	"net"
	"sort"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/conn"
	"github.com/opd-ai/go-anonnet/pkg/errors"
	"github.com/opd-ai/go-anonnet/pkg/identity"
)

// MaxHops is the preferred circuit length. Shorter circuits are built
// when fewer relays are connected, and marked weakened.
const MaxHops = 3

// DefaultMinUptime is how long a peer should have been connected before
// it is preferred as a hop.
const DefaultMinUptime = 30 * time.Minute

// PathNode names one relay chosen for a circuit.
type PathNode struct {
	ID   identity.NodeID
	Addr string
}

// Selector chooses circuit paths from the currently connected relays.
type Selector struct {
	mgr       *conn.Manager
	minUptime time.Duration
}

// NewSelector creates a path selector over the connection manager.
func NewSelector(mgr *conn.Manager) *Selector {
	return &Selector{mgr: mgr, minUptime: DefaultMinUptime}
}

// SetMinUptime overrides the uptime preference threshold.
func (s *Selector) SetMinUptime(d time.Duration) {
	s.minUptime = d
}

// pathCandidate carries the ranking inputs for one peer.
type pathCandidate struct {
	node     PathNode
	eligible bool // meets uptime and bandwidth preferences
}

// candidates lists relay-capable peers, preferred ones first, with the
// deterministic lexicographic-NodeID tie-break within each class.
func (s *Selector) candidates(exclude map[identity.NodeID]bool) []pathCandidate {
	var out []pathCandidate
	for _, p := range s.mgr.Peers() {
		if p.ListenAddr == "" {
			continue // proxy-only peers cannot relay
		}
		if exclude[p.ID] {
			continue
		}
		out = append(out, pathCandidate{
			node:     PathNode{ID: p.ID, Addr: p.ListenAddr},
			eligible: p.Uptime() >= s.minUptime && p.BytesObserved() > 0,
		})
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].eligible != out[b].eligible {
			return out[a].eligible
		}
		return out[a].node.ID.Less(out[b].node.ID)
	})
	return out
}

// prefix16 returns the upper 16 bits of a node's address for the
// network-diversity heuristic, or "" when unavailable.
func prefix16(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return string(v4[:2])
	}
	return string(ip[:2])
}

// pick greedily selects count distinct nodes, avoiding two hops that
// share an address /16 prefix whenever an alternative exists.
func pick(cands []pathCandidate, count int, usedPrefixes map[string]bool, used map[identity.NodeID]bool) []PathNode {
	var out []PathNode
	for pass := 0; pass < 2 && len(out) < count; pass++ {
		for _, c := range cands {
			if len(out) == count {
				break
			}
			if used[c.node.ID] {
				continue
			}
			prefix := prefix16(c.node.Addr)
			if pass == 0 && prefix != "" && usedPrefixes[prefix] {
				continue // first pass honours the diversity heuristic
			}
			used[c.node.ID] = true
			if prefix != "" {
				usedPrefixes[prefix] = true
			}
			out = append(out, c.node)
		}
	}
	return out
}

// SelectPath chooses a general-purpose path of up to MaxHops distinct
// relays. With fewer connected relays the path shortens and the second
// return value reports it as weakened; with none, Exhaustion is returned.
func (s *Selector) SelectPath() ([]PathNode, bool, error) {
	cands := s.candidates(nil)
	if len(cands) == 0 {
		return nil, false, errors.New(errors.KindExhaustion, "no connected relays")
	}

	n := MaxHops
	if len(cands) < n {
		n = len(cands)
	}

	path := pick(cands, n, make(map[string]bool), make(map[identity.NodeID]bool))
	return path, len(path) < MaxHops, nil
}

// SelectPathTo chooses a path whose final hop is the given target,
// preceded by up to MaxHops-1 distinct other relays.
func (s *Selector) SelectPathTo(target PathNode) ([]PathNode, bool, error) {
	exclude := map[identity.NodeID]bool{target.ID: true}
	cands := s.candidates(exclude)

	n := MaxHops - 1
	if len(cands) < n {
		n = len(cands)
	}

	usedPrefixes := map[string]bool{}
	if p := prefix16(target.Addr); p != "" {
		usedPrefixes[p] = true
	}

	path := pick(cands, n, usedPrefixes, map[identity.NodeID]bool{target.ID: true})
	path = append(path, target)
	return path, len(path) < MaxHops, nil
}
