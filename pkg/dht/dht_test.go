package dht

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/conn"
	"github.com/opd-ai/go-anonnet/pkg/identity"
	"github.com/opd-ai/go-anonnet/pkg/transport"
)

// newLocalDHT builds a DHT whose manager never touches the network.
func newLocalDHT(t *testing.T) *DHT {
	t.Helper()

	id, err := identity.Generate(4)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	tr, err := transport.New(transport.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	cfg := conn.DefaultConfig()
	cfg.Difficulty = 4
	mgr := conn.NewManager(cfg, id, tr, nil)

	d := New(DefaultConfig(), mgr, nil)
	t.Cleanup(d.Close)
	return d
}

func callRPC(t *testing.T, d *DHT, req *request) *response {
	t.Helper()

	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	respRaw, err := d.HandleRPC(context.Background(), nil, raw)
	if err != nil {
		t.Fatalf("HandleRPC() error = %v", err)
	}
	var resp response
	if err := json.Unmarshal(respRaw, &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return &resp
}

func TestHandleRPCPing(t *testing.T) {
	d := newLocalDHT(t)
	resp := callRPC(t, d, &request{Type: rpcPing})
	if resp.Value != nil || len(resp.Nodes) != 0 {
		t.Error("ping response should be empty")
	}
}

func TestHandleRPCStoreAndFindValue(t *testing.T) {
	d := newLocalDHT(t)

	key := "descriptor-key"
	resp := callRPC(t, d, &request{Type: rpcStore, Key: key, Value: []byte("payload"), TTLSec: 60})
	if !resp.Stored {
		t.Fatal("store was refused")
	}

	resp = callRPC(t, d, &request{Type: rpcFindValue, Key: key})
	if string(resp.Value) != "payload" {
		t.Errorf("find_value = %q, want %q", resp.Value, "payload")
	}
}

func TestHandleRPCFindValueMissReturnsNodes(t *testing.T) {
	d := newLocalDHT(t)

	d.table.Update(&PeerRecord{ID: identity.NodeID{0x22}, Addrs: []string{"127.0.0.1:1"}})

	resp := callRPC(t, d, &request{Type: rpcFindValue, Key: "absent"})
	if resp.Value != nil {
		t.Error("miss returned a value")
	}
	if len(resp.Nodes) != 1 {
		t.Errorf("miss returned %d nodes, want 1", len(resp.Nodes))
	}
}

func TestHandleRPCFindNode(t *testing.T) {
	d := newLocalDHT(t)

	for i := byte(1); i <= 5; i++ {
		d.table.Update(&PeerRecord{ID: identity.NodeID{i}, Addrs: []string{"127.0.0.1:1"}})
	}

	target := identity.NodeID{3}
	resp := callRPC(t, d, &request{Type: rpcFindNode, Target: target.String()})
	if len(resp.Nodes) != 5 {
		t.Fatalf("find_node returned %d nodes, want 5", len(resp.Nodes))
	}
	// Closest first.
	if resp.Nodes[0].ID != target.String() {
		t.Errorf("closest node = %s, want %s", resp.Nodes[0].ID, target)
	}
}

func TestHandleRPCRejectsMalformed(t *testing.T) {
	d := newLocalDHT(t)

	if _, err := d.HandleRPC(context.Background(), nil, []byte("not json")); err == nil {
		t.Error("HandleRPC accepted malformed json")
	}

	raw, _ := json.Marshal(&request{Type: "bogus"})
	if _, err := d.HandleRPC(context.Background(), nil, raw); err == nil {
		t.Error("HandleRPC accepted an unknown rpc type")
	}

	raw, _ = json.Marshal(&request{Type: rpcStore, Key: "k", Value: []byte("v"), TTLSec: 0})
	if _, err := d.HandleRPC(context.Background(), nil, raw); err == nil {
		t.Error("HandleRPC accepted a store with zero ttl")
	}
}

func TestStoreAloneKeepsLocalReplica(t *testing.T) {
	d := newLocalDHT(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.Store(ctx, "solo-key", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Store() on an isolated node error = %v", err)
	}
	got, err := d.FindValue(ctx, "solo-key")
	if err != nil {
		t.Fatalf("FindValue() error = %v", err)
	}
	if string(got) != "v" {
		t.Errorf("FindValue() = %q", got)
	}
}
