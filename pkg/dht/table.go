// Package dht implements the Kademlia distributed hash table the overlay
// uses for peer discovery and service-descriptor storage: a 128-bucket
// routing table over NodeIDs, iterative find_node/find_value lookups, and
// replicated stores. RPC responses are bound to the authenticated
// connection that carries them; no per-RPC signatures are used.
package dht

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/identity"
)

// Kademlia parameters
const (
	// K is the bucket size and the result-set size of lookups.
	K = 20
	// Alpha is the lookup parallelism.
	Alpha = 3
	// ReplicationFactor is how many peers a value is stored on.
	ReplicationFactor = 3
	// NumBuckets is one bucket per bit of the NodeID space.
	NumBuckets = identity.NodeIDLen * 8
)

// PeerRecord describes one known peer in the routing table.
type PeerRecord struct {
	ID        identity.NodeID `json:"-"`
	IDHex     string          `json:"id"`
	Addrs     []string        `json:"addrs"`
	LastSeen  time.Time       `json:"last_seen"`
	Score     int64           `json:"score"`
	Connected bool            `json:"-"`
}

// Pinger checks liveness of a peer record before eviction.
type Pinger func(rec *PeerRecord) bool

// Table is the Kademlia routing table: NumBuckets k-buckets ordered by
// XOR distance from the local NodeID. A single writer lock protects it;
// readers share it during iterative lookups.
type Table struct {
	mu      sync.RWMutex
	self    identity.NodeID
	buckets [NumBuckets][]*PeerRecord
	touched [NumBuckets]time.Time
	pinger  Pinger
}

// NewTable creates a routing table centred on the local NodeID.
func NewTable(self identity.NodeID) *Table {
	return &Table{self: self}
}

// SetPinger installs the liveness probe used for full-bucket eviction.
func (t *Table) SetPinger(p Pinger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pinger = p
}

// bucketIndex returns the bucket for a NodeID, or -1 for the local ID.
func (t *Table) bucketIndex(id identity.NodeID) int {
	dist := t.self.XOR(id)
	lz := dist.LeadingZeros()
	if lz == NumBuckets {
		return -1
	}
	return NumBuckets - 1 - lz
}

// Update inserts or refreshes a peer record. In a full bucket the
// least-recently-seen entry is pinged first: responsive entries are kept
// and the newcomer dropped, unresponsive ones are evicted.
func (t *Table) Update(rec *PeerRecord) bool {
	idx := t.bucketIndex(rec.ID)
	if idx < 0 {
		return false
	}
	rec.IDHex = rec.ID.String()

	t.mu.Lock()
	bucket := t.buckets[idx]
	t.touched[idx] = time.Now()

	for i, existing := range bucket {
		if existing.ID == rec.ID {
			existing.Addrs = rec.Addrs
			existing.LastSeen = time.Now()
			existing.Connected = rec.Connected
			if rec.Score != 0 {
				existing.Score = rec.Score
			}
			// Move to the tail: most recently seen.
			bucket = append(append(bucket[:i], bucket[i+1:]...), existing)
			t.buckets[idx] = bucket
			t.mu.Unlock()
			return true
		}
	}

	if len(bucket) < K {
		rec.LastSeen = time.Now()
		t.buckets[idx] = append(bucket, rec)
		t.mu.Unlock()
		return true
	}

	// Full bucket: ping the least-recently-seen entry without holding
	// the lock across the network operation.
	lru := bucket[0]
	pinger := t.pinger
	t.mu.Unlock()

	if pinger != nil && pinger(lru) {
		t.mu.Lock()
		if len(t.buckets[idx]) > 0 && t.buckets[idx][0].ID == lru.ID {
			b := t.buckets[idx]
			lru.LastSeen = time.Now()
			t.buckets[idx] = append(b[1:], lru)
		}
		t.mu.Unlock()
		return false
	}

	t.mu.Lock()
	b := t.buckets[idx]
	if len(b) > 0 && b[0].ID == lru.ID {
		rec.LastSeen = time.Now()
		t.buckets[idx] = append(b[1:], rec)
	}
	t.mu.Unlock()
	return true
}

// MarkDisconnected flags a peer as disconnected without evicting it, so
// recently-seen peers can be re-contacted.
func (t *Table) MarkDisconnected(id identity.NodeID) {
	idx := t.bucketIndex(id)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.buckets[idx] {
		if rec.ID == id {
			rec.Connected = false
			return
		}
	}
}

// Remove evicts a peer record entirely.
func (t *Table) Remove(id identity.NodeID) {
	idx := t.bucketIndex(id)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.buckets[idx]
	for i, rec := range bucket {
		if rec.ID == id {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Closest returns up to n records closest to target by XOR distance.
func (t *Table) Closest(target identity.NodeID, n int) []*PeerRecord {
	t.mu.RLock()
	var all []*PeerRecord
	for i := range t.buckets {
		all = append(all, t.buckets[i]...)
	}
	t.mu.RUnlock()

	sort.Slice(all, func(a, b int) bool {
		da := all[a].ID.XOR(target)
		db := all[b].ID.XOR(target)
		return da.Less(db)
	})

	if len(all) > n {
		all = all[:n]
	}
	out := make([]*PeerRecord, len(all))
	copy(out, all)
	return out
}

// Get returns the record for a NodeID, if known.
func (t *Table) Get(id identity.NodeID) (*PeerRecord, bool) {
	idx := t.bucketIndex(id)
	if idx < 0 {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rec := range t.buckets[idx] {
		if rec.ID == id {
			return rec, true
		}
	}
	return nil, false
}

// Size returns the number of records in the table.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i])
	}
	return n
}

// StaleBuckets returns the indices of non-empty buckets untouched for
// longer than maxAge; these are due for a refresh lookup.
func (t *Table) StaleBuckets(maxAge time.Duration) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []int
	now := time.Now()
	for i := range t.buckets {
		if len(t.buckets[i]) == 0 {
			continue
		}
		if now.Sub(t.touched[i]) > maxAge {
			out = append(out, i)
		}
	}
	return out
}

// RandomIDInBucket builds a NodeID that falls into the given bucket,
// used as the target of a refresh lookup.
func (t *Table) RandomIDInBucket(idx int) identity.NodeID {
	// Flip the bit that defines the bucket and copy the prefix.
	var target identity.NodeID
	copy(target[:], t.self[:])
	bit := NumBuckets - 1 - idx
	byteIdx := bit / 8
	mask := byte(0x80) >> (bit % 8)
	target[byteIdx] ^= mask
	return target
}

// Snapshot writes the table to a file for warm restart.
func (t *Table) Snapshot(path string) error {
	t.mu.RLock()
	var all []*PeerRecord
	for i := range t.buckets {
		all = append(all, t.buckets[i]...)
	}
	t.mu.RUnlock()

	buf, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o600)
}

// LoadSnapshot reads a previously-written snapshot back into the table.
func (t *Table) LoadSnapshot(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var all []*PeerRecord
	if err := json.Unmarshal(buf, &all); err != nil {
		return err
	}
	for _, rec := range all {
		id, err := identity.ParseNodeID(rec.IDHex)
		if err != nil {
			continue
		}
		rec.ID = id
		rec.Connected = false
		t.Update(rec)
	}
	return nil
}
