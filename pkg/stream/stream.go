// Package stream multiplexes byte streams over a circuit. Each circuit
// carries up to 65535 independent streams created by BEGIN and torn down
// by END, with cooperative window-based back-pressure: windows are the
// only long-term back-pressure in the system, because cells from many
// streams share one transport connection and transport-level flow control
// cannot keep one stream from starving the others.
package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/cell"
	"github.com/opd-ai/go-anonnet/pkg/errors"
	"github.com/opd-ai/go-anonnet/pkg/logger"
)

// Window defaults
const (
	// DefaultSendWindow is how many DATA cells may be in flight.
	DefaultSendWindow = 1000
	// DefaultRecvWindow is how many DATA cells a peer may send us.
	DefaultRecvWindow = 500
	// SendmeIncrement is the window granted by one SENDME cell. SENDMEs
	// are issued only for prefix-consumed windows.
	SendmeIncrement = 100
)

// State represents the current state of a stream
type State int

const (
	// StateOpening indicates BEGIN was sent and no reply received yet
	StateOpening State = iota
	// StateOpen indicates the stream is connected
	StateOpen
	// StateHalfClosed indicates one side has sent END
	StateHalfClosed
	// StateClosed indicates both sides have finished
	StateClosed
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateHalfClosed:
		return "HALF_CLOSED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// destroyReasonProtocol matches the circuit engine's protocol-violation
// destroy reason.
const destroyReasonProtocol = 1

// Circuit is the slice of the circuit API the mux needs.
type Circuit interface {
	SendRelay(rc *cell.RelayCell) error
	Recv() <-chan *cell.RelayCell
	Closed() <-chan struct{}
	Destroy(reason byte)
}

// Stream is one byte channel multiplexed over a circuit.
type Stream struct {
	ID   uint16
	Port uint16

	mgr *Manager

	mu         sync.Mutex
	state      State
	sendWindow int
	sendCond   *sync.Cond
	consumed   int

	recvQ     chan []byte
	readRest  []byte
	connected chan error

	closeCh   chan struct{}
	closeOnce sync.Once
}

func newStream(id, port uint16, mgr *Manager) *Stream {
	s := &Stream{
		ID:         id,
		Port:       port,
		mgr:        mgr,
		state:      StateOpening,
		sendWindow: DefaultSendWindow,
		recvQ:      make(chan []byte, DefaultRecvWindow+16),
		connected:  make(chan error, 1),
		closeCh:    make(chan struct{}),
	}
	s.sendCond = sync.NewCond(&s.mu)
	return s
}

// State returns the stream state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState transitions the stream state.
func (s *Stream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Write sends bytes down the stream, chunked into DATA cells. It blocks
// when the send window is exhausted until the peer acknowledges with
// SENDME cells.
func (s *Stream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > cell.MaxRelayPayload {
			n = cell.MaxRelayPayload
		}

		if err := s.waitSendWindow(); err != nil {
			return total, err
		}

		rc := cell.NewRelayCell(s.ID, cell.RelayData, p[:n])
		if err := s.mgr.circ.SendRelay(rc); err != nil {
			return total, err
		}
		p = p[n:]
		total += n
	}
	return total, nil
}

// waitSendWindow blocks until a DATA cell may be sent.
func (s *Stream) waitSendWindow() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.sendWindow <= 0 {
		if s.state == StateClosed {
			return io.ErrClosedPipe
		}
		select {
		case <-s.closeCh:
			return io.ErrClosedPipe
		default:
		}
		s.sendCond.Wait()
	}
	if s.state == StateClosed {
		return io.ErrClosedPipe
	}
	s.sendWindow--
	return nil
}

// grantSendWindow is called when a SENDME for this stream arrives.
func (s *Stream) grantSendWindow() {
	s.mu.Lock()
	s.sendWindow += SendmeIncrement
	s.mu.Unlock()
	s.sendCond.Broadcast()
}

// Read returns bytes in order, cell-boundary-aligned internally but
// byte-oriented to the caller. It returns io.EOF once the remote side has
// ended the stream and the buffer is drained.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.readRest) > 0 {
		n := copy(p, s.readRest)
		s.readRest = s.readRest[n:]
		return n, nil
	}

	select {
	case data, ok := <-s.recvQ:
		if !ok {
			return 0, io.EOF
		}
		s.noteConsumed()
		n := copy(p, data)
		s.readRest = data[n:]
		return n, nil
	case <-s.closeCh:
		// Drain anything already queued before reporting EOF.
		select {
		case data, ok := <-s.recvQ:
			if ok {
				s.noteConsumed()
				n := copy(p, data)
				s.readRest = data[n:]
				return n, nil
			}
		default:
		}
		return 0, io.EOF
	}
}

// noteConsumed counts prefix-consumed cells and acknowledges a window
// once enough have been consumed in order.
func (s *Stream) noteConsumed() {
	s.mu.Lock()
	s.consumed++
	ack := s.consumed >= SendmeIncrement
	if ack {
		s.consumed -= SendmeIncrement
	}
	s.mu.Unlock()

	if ack {
		sendme := cell.NewRelayCell(s.ID, cell.RelaySendme, nil)
		s.mgr.circ.SendRelay(sendme) // nolint:errcheck
	}
}

// deliver queues inbound DATA. A peer exceeding our advertised window is
// a protocol violation that destroys the circuit.
func (s *Stream) deliver(data []byte) error {
	select {
	case s.recvQ <- data:
		return nil
	default:
		return errors.New(errors.KindPeerFault, "stream receive window exceeded")
	}
}

// Close ends the stream: the first END half-closes, the remote END (or a
// prior one) completes the close.
func (s *Stream) Close() error {
	s.mu.Lock()
	st := s.state
	switch st {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateHalfClosed:
		s.state = StateClosed
	default:
		s.state = StateHalfClosed
	}
	s.mu.Unlock()

	end := cell.NewRelayCell(s.ID, cell.RelayEnd, []byte{cell.EndReasonDone})
	s.mgr.circ.SendRelay(end) // nolint:errcheck

	if s.State() == StateClosed {
		s.shutdown()
		s.mgr.remove(s.ID)
	}
	s.sendCond.Broadcast()
	return nil
}

// remoteEnd handles an END from the peer.
func (s *Stream) remoteEnd() {
	s.mu.Lock()
	switch s.state {
	case StateHalfClosed:
		s.state = StateClosed
	case StateClosed:
	default:
		s.state = StateHalfClosed
	}
	closed := s.state == StateClosed
	s.mu.Unlock()

	s.shutdown()
	if closed {
		s.mgr.remove(s.ID)
	}
	s.sendCond.Broadcast()
}

// shutdown wakes readers; idempotent.
func (s *Stream) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
}

// Manager demultiplexes relay cells on one circuit into streams.
type Manager struct {
	circ   Circuit
	logger *logger.Logger

	mu      sync.Mutex
	streams map[uint16]*Stream
	nextID  uint16

	acceptQ chan *Stream

	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewManager creates a stream manager over a circuit. Call Run to start
// demultiplexing.
func NewManager(circ Circuit, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Manager{
		circ:    circ,
		logger:  log.Component("stream"),
		streams: make(map[uint16]*Stream),
		nextID:  1,
		acceptQ: make(chan *Stream, 16),
		closeCh: make(chan struct{}),
	}
}

// Run demultiplexes until the circuit closes or ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case rc := <-m.circ.Recv():
			m.handle(rc)
		case <-m.circ.Closed():
			m.Close()
			return
		case <-m.closeCh:
			return
		case <-ctx.Done():
			m.Close()
			return
		}
	}
}

// handle routes one recognised relay cell.
func (m *Manager) handle(rc *cell.RelayCell) {
	m.mu.Lock()
	s, known := m.streams[rc.StreamID]
	m.mu.Unlock()

	switch rc.Command {
	case cell.RelayBegin:
		if known || rc.StreamID == 0 || len(rc.Data) < 2 {
			m.logger.Debug("Bad BEGIN", "stream_id", rc.StreamID)
			return
		}
		port := binary.BigEndian.Uint16(rc.Data[:2])
		s = newStream(rc.StreamID, port, m)
		m.mu.Lock()
		m.streams[rc.StreamID] = s
		m.mu.Unlock()
		select {
		case m.acceptQ <- s:
		default:
			// No acceptor: refuse.
			end := cell.NewRelayCell(rc.StreamID, cell.RelayEnd, []byte{cell.EndReasonRefused})
			m.circ.SendRelay(end) // nolint:errcheck
			m.remove(rc.StreamID)
		}

	case cell.RelayConnected:
		if !known {
			return
		}
		s.setState(StateOpen)
		select {
		case s.connected <- nil:
		default:
		}

	case cell.RelayData:
		if !known {
			return
		}
		if err := s.deliver(rc.Data); err != nil {
			m.logger.Warn("Stream window violation", "stream_id", rc.StreamID)
			m.circ.Destroy(destroyReasonProtocol)
			return
		}

	case cell.RelaySendme:
		if rc.StreamID == 0 || !known {
			return
		}
		s.grantSendWindow()

	case cell.RelayEnd:
		if !known {
			return
		}
		select {
		case s.connected <- io.EOF:
		default:
		}
		s.remoteEnd()

	default:
		m.logger.Debug("Unexpected relay command on stream", "command", rc.Command)
	}
}

// Open opens a new stream to the far endpoint's given port: BEGIN is
// sent, and the call blocks until CONNECTED or END arrives.
func (m *Manager) Open(ctx context.Context, port uint16) (*Stream, error) {
	m.mu.Lock()
	// Allocate the next unused stream id.
	start := m.nextID
	for {
		if _, used := m.streams[m.nextID]; !used && m.nextID != 0 {
			break
		}
		m.nextID++
		if m.nextID == start {
			m.mu.Unlock()
			return nil, errors.New(errors.KindExhaustion, "no free stream ids")
		}
	}
	id := m.nextID
	m.nextID++
	if m.nextID == 0 {
		m.nextID = 1
	}
	s := newStream(id, port, m)
	m.streams[id] = s
	m.mu.Unlock()

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	begin := cell.NewRelayCell(id, cell.RelayBegin, portBuf[:])
	if err := m.circ.SendRelay(begin); err != nil {
		m.remove(id)
		return nil, err
	}

	select {
	case err := <-s.connected:
		if err != nil {
			m.remove(id)
			return nil, errors.New(errors.KindCircuitFault, "stream refused by peer")
		}
		return s, nil
	case <-ctx.Done():
		m.remove(id)
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		m.remove(id)
		return nil, errors.New(errors.KindCircuitFault, "stream open timed out")
	}
}

// Accept returns the next inbound stream (service side). The acceptor
// must call AcceptConnected or Reject on it.
func (m *Manager) Accept(ctx context.Context) (*Stream, error) {
	select {
	case s := <-m.acceptQ:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closeCh:
		return nil, io.EOF
	}
}

// AcceptConnected confirms an inbound stream.
func (s *Stream) AcceptConnected() error {
	rc := cell.NewRelayCell(s.ID, cell.RelayConnected, nil)
	if err := s.mgr.circ.SendRelay(rc); err != nil {
		return err
	}
	s.setState(StateOpen)
	return nil
}

// Reject refuses an inbound stream.
func (s *Stream) Reject(reason byte) {
	end := cell.NewRelayCell(s.ID, cell.RelayEnd, []byte{reason})
	s.mgr.circ.SendRelay(end) // nolint:errcheck
	s.shutdown()
	s.mgr.remove(s.ID)
}

// remove drops a stream from the table.
func (m *Manager) remove(id uint16) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// Count returns the number of live streams.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Close shuts down all streams on the circuit.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closeCh)
		m.mu.Lock()
		for id, s := range m.streams {
			s.shutdown()
			delete(m.streams, id)
		}
		m.mu.Unlock()
	})
}
