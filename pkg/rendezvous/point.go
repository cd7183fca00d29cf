// Package rendezvous implements the hidden-service protocols: the
// introduction and rendezvous relay roles every node serves, the client
// side that joins two half-circuits at a mutually untrusted meeting
// node, and the service host that publishes and answers introductions.
package rendezvous

import (
	"crypto/ed25519"
	"sync"

	"github.com/opd-ai/go-anonnet/pkg/cell"
	"github.com/opd-ai/go-anonnet/pkg/circuit"
	anoncrypto "github.com/opd-ai/go-anonnet/pkg/crypto"
	"github.com/opd-ai/go-anonnet/pkg/logger"
)

// establishIntroContext is the domain label signed by services when
// claiming an introduction point.
const establishIntroContext = "anon-establish-intro"

// Point is the relay-side state for the introduction and rendezvous
// roles. Every relaying node runs one; its handlers are registered with
// the circuit engine's recognised-command dispatch.
type Point struct {
	logger *logger.Logger

	mu      sync.Mutex
	intros  map[string]*circuit.Terminal                     // service pubkey -> service circuit
	cookies map[[anoncrypto.CookieLen]byte]*circuit.Terminal // cookie -> client circuit
}

// NewPoint creates the relay point state and registers its handlers.
func NewPoint(engine *circuit.Engine, log *logger.Logger) *Point {
	if log == nil {
		log = logger.NewDefault()
	}

	p := &Point{
		logger:  log.Component("rendezvous-point"),
		intros:  make(map[string]*circuit.Terminal),
		cookies: make(map[[anoncrypto.CookieLen]byte]*circuit.Terminal),
	}

	engine.RegisterHandler(cell.RelayEstablishIntro, p.handleEstablishIntro)
	engine.RegisterHandler(cell.RelayIntroduce1, p.handleIntroduce1)
	engine.RegisterHandler(cell.RelayEstablishRendezvous, p.handleEstablishRendezvous)
	engine.RegisterHandler(cell.RelayRendezvous1, p.handleRendezvous1)
	return p
}

// handleEstablishIntro records {service key -> intro circuit} after
// verifying the service's claim signature. The record lives until the
// circuit drops.
func (p *Point) handleEstablishIntro(t *circuit.Terminal, rc *cell.RelayCell) {
	if len(rc.Data) < ed25519.PublicKeySize+ed25519.SignatureSize {
		t.Destroy(circuit.DestroyReasonProtocol)
		return
	}

	servicePub := rc.Data[:ed25519.PublicKeySize]
	sig := rc.Data[ed25519.PublicKeySize : ed25519.PublicKeySize+ed25519.SignatureSize]

	msg := append([]byte(establishIntroContext), servicePub...)
	if !ed25519.Verify(servicePub, msg, sig) {
		p.logger.Debug("ESTABLISH_INTRO with bad signature")
		t.Destroy(circuit.DestroyReasonProtocol)
		return
	}

	p.mu.Lock()
	p.intros[string(servicePub)] = t
	p.mu.Unlock()

	ack := cell.NewRelayCell(0, cell.RelayIntroEstablished, nil)
	if err := t.ReplyBackward(ack); err != nil {
		p.mu.Lock()
		delete(p.intros, string(servicePub))
		p.mu.Unlock()
	}
	p.logger.Debug("Introduction point established")
}

// handleIntroduce1 relays a client's sealed introduction to the service
// over the service's intro circuit and acknowledges the client.
func (p *Point) handleIntroduce1(t *circuit.Terminal, rc *cell.RelayCell) {
	if len(rc.Data) < ed25519.PublicKeySize {
		t.Destroy(circuit.DestroyReasonProtocol)
		return
	}
	servicePub := rc.Data[:ed25519.PublicKeySize]
	sealed := rc.Data[ed25519.PublicKeySize:]

	p.mu.Lock()
	svc, ok := p.intros[string(servicePub)]
	if ok && !svc.Alive() {
		delete(p.intros, string(servicePub))
		ok = false
	}
	p.mu.Unlock()

	status := byte(0)
	if !ok {
		status = 1
	} else {
		intro2 := cell.NewRelayCell(0, cell.RelayIntroduce2, sealed)
		if err := svc.ReplyBackward(intro2); err != nil {
			p.logger.Debug("INTRODUCE2 relay failed", "error", err)
			status = 1
		}
	}

	ack := cell.NewRelayCell(0, cell.RelayIntroduceAck, []byte{status})
	t.ReplyBackward(ack) // nolint:errcheck
}

// handleEstablishRendezvous records {cookie -> client circuit}.
func (p *Point) handleEstablishRendezvous(t *circuit.Terminal, rc *cell.RelayCell) {
	if len(rc.Data) < anoncrypto.CookieLen {
		t.Destroy(circuit.DestroyReasonProtocol)
		return
	}
	var cookie [anoncrypto.CookieLen]byte
	copy(cookie[:], rc.Data[:anoncrypto.CookieLen])

	p.mu.Lock()
	p.cookies[cookie] = t
	p.mu.Unlock()

	ack := cell.NewRelayCell(0, cell.RelayRendezvousEstablished, nil)
	if err := t.ReplyBackward(ack); err != nil {
		p.mu.Lock()
		delete(p.cookies, cookie)
		p.mu.Unlock()
	}
}

// handleRendezvous1 matches a service's cookie to a waiting client
// circuit, forwards RENDEZVOUS2 with the service's ephemeral, and
// splices the two circuits: from now on unrecognised cells flow across.
func (p *Point) handleRendezvous1(t *circuit.Terminal, rc *cell.RelayCell) {
	if len(rc.Data) < anoncrypto.CookieLen+anoncrypto.KeyLen {
		t.Destroy(circuit.DestroyReasonProtocol)
		return
	}
	var cookie [anoncrypto.CookieLen]byte
	copy(cookie[:], rc.Data[:anoncrypto.CookieLen])
	serviceEph := rc.Data[anoncrypto.CookieLen : anoncrypto.CookieLen+anoncrypto.KeyLen]

	p.mu.Lock()
	client, ok := p.cookies[cookie]
	if ok {
		delete(p.cookies, cookie)
	}
	p.mu.Unlock()

	if !ok || !client.Alive() {
		nack := cell.NewRelayCell(0, cell.RelayRendezvousNack, nil)
		t.ReplyBackward(nack) // nolint:errcheck
		t.Destroy(circuit.DestroyReasonProtocol)
		return
	}

	rend2 := cell.NewRelayCell(0, cell.RelayRendezvous2, serviceEph)
	if err := client.ReplyBackward(rend2); err != nil {
		t.Destroy(circuit.DestroyReasonOverflow)
		return
	}

	client.Splice(t)
	p.logger.Debug("Rendezvous spliced")
}
