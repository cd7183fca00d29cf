package rendezvous

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/cell"
	"github.com/opd-ai/go-anonnet/pkg/circuit"
	"github.com/opd-ai/go-anonnet/pkg/conn"
	anoncrypto "github.com/opd-ai/go-anonnet/pkg/crypto"
	"github.com/opd-ai/go-anonnet/pkg/dht"
	"github.com/opd-ai/go-anonnet/pkg/directory"
	"github.com/opd-ai/go-anonnet/pkg/errors"
	"github.com/opd-ai/go-anonnet/pkg/identity"
	"github.com/opd-ai/go-anonnet/pkg/logger"
)

// DefaultConnectRetries is how many rendezvous attempts are made, each
// with a freshly-chosen rendezvous node, before giving up.
const DefaultConnectRetries = 3

// replyTimeout bounds each wait for a protocol reply on a circuit.
const replyTimeout = 30 * time.Second

// Client connects to hidden services: it resolves descriptors, arranges a
// rendezvous point, introduces itself through one of the service's intro
// points, and returns a circuit spliced end-to-end to the service.
type Client struct {
	engine   *circuit.Engine
	selector *circuit.Selector
	dir      *directory.Directory
	dht      *dht.DHT
	mgr      *conn.Manager
	logger   *logger.Logger
}

// NewClient creates a hidden-service client.
func NewClient(engine *circuit.Engine, selector *circuit.Selector, dir *directory.Directory, d *dht.DHT, mgr *conn.Manager, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Client{
		engine:   engine,
		selector: selector,
		dir:      dir,
		dht:      d,
		mgr:      mgr,
		logger:   log.Component("rendezvous-client"),
	}
}

// resolveNode finds a dialable address for a node, preferring live
// connections and falling back to a DHT lookup.
func (c *Client) resolveNode(ctx context.Context, id identity.NodeID) (circuit.PathNode, error) {
	if p, ok := c.mgr.Peer(id); ok && p.ListenAddr != "" {
		return circuit.PathNode{ID: id, Addr: p.ListenAddr}, nil
	}
	recs, err := c.dht.FindNode(ctx, id)
	if err != nil {
		return circuit.PathNode{}, err
	}
	for _, rec := range recs {
		if rec.ID == id && len(rec.Addrs) > 0 {
			return circuit.PathNode{ID: id, Addr: rec.Addrs[0]}, nil
		}
	}
	return circuit.PathNode{}, errors.New(errors.KindServiceUnreachable,
		fmt.Sprintf("no address known for node %s", id))
}

// awaitReply waits for one recognised relay cell of the wanted command.
func awaitReply(ctx context.Context, circ *circuit.Circuit, want cell.RelayCommand) (*cell.RelayCell, error) {
	timer := time.NewTimer(replyTimeout)
	defer timer.Stop()
	for {
		select {
		case rc := <-circ.Recv():
			if rc.Command == want {
				return rc, nil
			}
			if rc.Command == cell.RelayRendezvousNack {
				return nil, errors.New(errors.KindCircuitFault, "rendezvous refused")
			}
			// Stray cell during setup is a protocol violation.
			return nil, errors.New(errors.KindCircuitFault,
				fmt.Sprintf("unexpected %s awaiting %s", rc.Command, want))
		case <-circ.Closed():
			return nil, errors.New(errors.KindCircuitFault, "circuit destroyed")
		case <-timer.C:
			return nil, errors.New(errors.KindCircuitFault, "reply timed out")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Connect returns a circuit spliced through a rendezvous point to the
// service at addr. Failed attempts retry with a new rendezvous node after
// backoff; an exhausted intro-point list is ServiceUnreachable.
func (c *Client) Connect(ctx context.Context, addr directory.Address) (*circuit.Circuit, error) {
	desc, err := c.dir.Lookup(ctx, addr)
	if err != nil {
		return nil, err
	}

	var circ *circuit.Circuit
	err = errors.Retry(ctx, &errors.RetryPolicy{
		MaxAttempts:  DefaultConnectRetries,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}, func() error {
		var attemptErr error
		circ, attemptErr = c.attempt(ctx, desc)
		return attemptErr
	})
	if err != nil {
		c.dir.Evict(addr)
		return nil, errors.Wrap(errors.KindServiceUnreachable, "all rendezvous attempts failed", err)
	}
	return circ, nil
}

// attempt runs one full rendezvous: establish a cookie at a fresh
// rendezvous node, introduce through one intro point, wait for the
// service to arrive.
func (c *Client) attempt(ctx context.Context, desc *directory.Descriptor) (*circuit.Circuit, error) {
	// Choose the rendezvous node: the last hop of a fresh path pick;
	// building the circuit to it makes it the terminal hop.
	rendPath, _, err := c.selector.SelectPath()
	if err != nil {
		return nil, err
	}
	rendNode := rendPath[len(rendPath)-1]

	path, weakened, err := c.selector.SelectPathTo(rendNode)
	if err != nil {
		return nil, err
	}
	if weakened {
		c.logger.Warn("Rendezvous circuit weakened", "hops", len(path))
	}

	cc, err := c.engine.BuildCircuit(ctx, path, circuit.PurposeRendezvous)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			cc.Destroy(circuit.DestroyReasonTimeout)
		}
	}()

	cookie, err := anoncrypto.NewCookie()
	if err != nil {
		return nil, err
	}

	estab := cell.NewRelayCell(0, cell.RelayEstablishRendezvous, cookie[:])
	if err := cc.SendRelay(estab); err != nil {
		return nil, err
	}
	if _, err := awaitReply(ctx, cc, cell.RelayRendezvousEstablished); err != nil {
		return nil, err
	}

	clientEph, err := anoncrypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}

	if err := c.introduce(ctx, desc, rendNode, cookie, clientEph); err != nil {
		return nil, err
	}

	rend2, err := awaitReply(ctx, cc, cell.RelayRendezvous2)
	if err != nil {
		return nil, err
	}
	if len(rend2.Data) < anoncrypto.KeyLen {
		return nil, errors.New(errors.KindCircuitFault, "short RENDEZVOUS2")
	}
	var serviceEph [anoncrypto.KeyLen]byte
	copy(serviceEph[:], rend2.Data[:anoncrypto.KeyLen])

	e2e, err := anoncrypto.DeriveEndToEnd(clientEph.Private, clientEph.Public, serviceEph, false)
	if err != nil {
		return nil, errors.Wrap(errors.KindCircuitFault, "end-to-end key derivation failed", err)
	}
	cc.AttachEndToEnd(e2e)

	ok = true
	return cc, nil
}

// introduce walks the descriptor's intro points until one accepts the
// sealed introduction. The intro circuit is torn down after the ack.
func (c *Client) introduce(ctx context.Context, desc *directory.Descriptor, rend circuit.PathNode, cookie [anoncrypto.CookieLen]byte, clientEph *anoncrypto.EphemeralKey) error {
	plaintext := encodeIntroPayload(rend, cookie, clientEph.Public)
	sealed, err := anoncrypto.SealToServiceKey(desc.ServiceKey, plaintext)
	if err != nil {
		return fmt.Errorf("failed to seal introduction: %w", err)
	}

	data := append(append([]byte{}, desc.ServiceKey...), sealed...)

	var lastErr error
	for _, ip := range desc.Intros {
		introNode, err := c.resolveNode(ctx, ip.NodeID)
		if err != nil {
			lastErr = err
			continue
		}

		path, _, err := c.selector.SelectPathTo(introNode)
		if err != nil {
			lastErr = err
			continue
		}

		ci, err := c.engine.BuildCircuit(ctx, path, circuit.PurposeIntro)
		if err != nil {
			lastErr = err
			continue
		}

		intro1 := cell.NewRelayCell(0, cell.RelayIntroduce1, data)
		if err := ci.SendRelay(intro1); err != nil {
			ci.Destroy(circuit.DestroyReasonTimeout)
			lastErr = err
			continue
		}

		ack, err := awaitReply(ctx, ci, cell.RelayIntroduceAck)
		ci.Destroy(circuit.DestroyReasonNone)
		if err != nil {
			lastErr = err
			continue
		}
		if len(ack.Data) < 1 || ack.Data[0] != 0 {
			lastErr = errors.New(errors.KindServiceUnreachable, "intro point does not serve this service")
			continue
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New(errors.KindServiceUnreachable, "descriptor has no usable intro points")
	}
	return errors.Wrap(errors.KindServiceUnreachable, "introduction failed", lastErr)
}

// encodeIntroPayload builds the plaintext sealed to the service:
// rendezvous node id, its address, the cookie, and the client ephemeral.
func encodeIntroPayload(rend circuit.PathNode, cookie [anoncrypto.CookieLen]byte, clientPub [anoncrypto.KeyLen]byte) []byte {
	buf := make([]byte, 0, identity.NodeIDLen+1+len(rend.Addr)+anoncrypto.CookieLen+anoncrypto.KeyLen)
	buf = append(buf, rend.ID[:]...)
	buf = append(buf, byte(len(rend.Addr)))
	buf = append(buf, rend.Addr...)
	buf = append(buf, cookie[:]...)
	buf = append(buf, clientPub[:]...)
	return buf
}

// decodeIntroPayload is the service-side inverse of encodeIntroPayload.
func decodeIntroPayload(data []byte) (circuit.PathNode, [anoncrypto.CookieLen]byte, [anoncrypto.KeyLen]byte, error) {
	var rend circuit.PathNode
	var cookie [anoncrypto.CookieLen]byte
	var clientPub [anoncrypto.KeyLen]byte

	if len(data) < identity.NodeIDLen+1 {
		return rend, cookie, clientPub, fmt.Errorf("intro payload too short")
	}
	copy(rend.ID[:], data[:identity.NodeIDLen])
	addrLen := int(data[identity.NodeIDLen])
	rest := data[identity.NodeIDLen+1:]
	if len(rest) < addrLen+anoncrypto.CookieLen+anoncrypto.KeyLen {
		return rend, cookie, clientPub, fmt.Errorf("intro payload truncated")
	}
	rend.Addr = string(rest[:addrLen])
	rest = rest[addrLen:]
	copy(cookie[:], rest[:anoncrypto.CookieLen])
	copy(clientPub[:], rest[anoncrypto.CookieLen:anoncrypto.CookieLen+anoncrypto.KeyLen])
	return rend, cookie, clientPub, nil
}
