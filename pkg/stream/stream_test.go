package stream

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/cell"
)

// fakeCircuit connects two Managers back to back: relay cells sent on
// one side appear as recognised cells on the other.
type fakeCircuit struct {
	out     chan<- *cell.RelayCell
	in      chan *cell.RelayCell
	closeCh chan struct{}
}

func newFakePair() (*fakeCircuit, *fakeCircuit) {
	aToB := make(chan *cell.RelayCell, 4096)
	bToA := make(chan *cell.RelayCell, 4096)
	a := &fakeCircuit{out: aToB, in: bToA, closeCh: make(chan struct{})}
	b := &fakeCircuit{out: bToA, in: aToB, closeCh: make(chan struct{})}
	return a, b
}

func (f *fakeCircuit) SendRelay(rc *cell.RelayCell) error {
	select {
	case f.out <- rc:
		return nil
	case <-f.closeCh:
		return io.ErrClosedPipe
	}
}

func (f *fakeCircuit) Recv() <-chan *cell.RelayCell { return f.in }
func (f *fakeCircuit) Closed() <-chan struct{}      { return f.closeCh }
func (f *fakeCircuit) Destroy(reason byte) {
	select {
	case <-f.closeCh:
	default:
		close(f.closeCh)
	}
}

// pair starts two managers over a fake circuit pair.
func pair(t *testing.T) (*Manager, *Manager, context.CancelFunc) {
	t.Helper()

	ca, cb := newFakePair()
	ma := NewManager(ca, nil)
	mb := NewManager(cb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go ma.Run(ctx)
	go mb.Run(ctx)
	return ma, mb, cancel
}

func TestOpenAcceptAndTransfer(t *testing.T) {
	ma, mb, cancel := pair(t)
	defer cancel()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	type openResult struct {
		st  *Stream
		err error
	}
	opened := make(chan openResult, 1)
	go func() {
		st, err := ma.Open(ctx, 8080)
		opened <- openResult{st, err}
	}()

	serverSt, err := mb.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if serverSt.Port != 8080 {
		t.Errorf("accepted port = %d, want 8080", serverSt.Port)
	}
	if err := serverSt.AcceptConnected(); err != nil {
		t.Fatalf("AcceptConnected() error = %v", err)
	}

	res := <-opened
	if res.err != nil {
		t.Fatalf("Open() error = %v", res.err)
	}
	clientSt := res.st

	// Client to server.
	msg := []byte("hello over the circuit")
	if _, err := clientSt.Write(msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(serverSt, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("received %q, want %q", buf, msg)
	}

	// Server to client.
	reply := []byte("reply bytes")
	if _, err := serverSt.Write(reply); err != nil {
		t.Fatalf("server Write() error = %v", err)
	}
	buf = make([]byte, len(reply))
	if _, err := io.ReadFull(clientSt, buf); err != nil {
		t.Fatalf("client ReadFull() error = %v", err)
	}
	if string(buf) != string(reply) {
		t.Errorf("client received %q, want %q", buf, reply)
	}
}

func TestLargeWriteIsChunked(t *testing.T) {
	ma, mb, cancel := pair(t)
	defer cancel()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	go func() {
		st, err := mb.Accept(ctx)
		if err != nil {
			return
		}
		st.AcceptConnected()    // nolint:errcheck
		io.Copy(io.Discard, st) // nolint:errcheck
	}()

	clientSt, err := ma.Open(ctx, 80)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// More than one cell's worth, fewer than a window's worth.
	payload := make([]byte, cell.MaxRelayPayload*3+17)
	n, err := clientSt.Write(payload)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != len(payload) {
		t.Errorf("Write() = %d, want %d", n, len(payload))
	}
}

func TestEndClosesStream(t *testing.T) {
	ma, mb, cancel := pair(t)
	defer cancel()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	accepted := make(chan *Stream, 1)
	go func() {
		st, err := mb.Accept(ctx)
		if err != nil {
			return
		}
		st.AcceptConnected() // nolint:errcheck
		accepted <- st
	}()

	clientSt, err := ma.Open(ctx, 80)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	serverSt := <-accepted

	if err := clientSt.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	buf := make([]byte, 8)
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := serverSt.Read(buf)
		if err == io.EOF {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never saw EOF after client END")
		}
	}
	if st := clientSt.State(); st != StateHalfClosed && st != StateClosed {
		t.Errorf("client state after Close = %v", st)
	}
}

func TestOpenRefusedByPeer(t *testing.T) {
	ma, mb, cancel := pair(t)
	defer cancel()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	go func() {
		st, err := mb.Accept(ctx)
		if err != nil {
			return
		}
		st.Reject(cell.EndReasonRefused)
	}()

	if _, err := ma.Open(ctx, 80); err == nil {
		t.Error("Open() succeeded against a rejecting peer")
	}
}

func TestSendmeGrantsWindow(t *testing.T) {
	ma, _, cancel := pair(t)
	defer cancel()

	// Build a stream by hand and exhaust its window.
	s := newStream(9, 80, ma)
	ma.mu.Lock()
	ma.streams[9] = s
	ma.mu.Unlock()
	s.setState(StateOpen)

	s.mu.Lock()
	s.sendWindow = 0
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.waitSendWindow()
	}()

	select {
	case <-done:
		t.Fatal("waitSendWindow returned with an empty window")
	case <-time.After(50 * time.Millisecond):
	}

	s.grantSendWindow()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("waitSendWindow() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SENDME did not unblock the sender")
	}

	s.mu.Lock()
	window := s.sendWindow
	s.mu.Unlock()
	if window != SendmeIncrement-1 {
		t.Errorf("window after grant and one send = %d, want %d", window, SendmeIncrement-1)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateOpening, "OPENING"},
		{StateOpen, "OPEN"},
		{StateHalfClosed, "HALF_CLOSED"},
		{StateClosed, "CLOSED"},
		{State(42), "UNKNOWN(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("String() = %v, want %v", got, tt.expected)
			}
		})
	}
}
