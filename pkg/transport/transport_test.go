package transport

import (
	"bytes"
	"context"
	"testing"
	"time"
)

// loopbackPair brings up a listener and a dialer on loopback.
func loopbackPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()

	server, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { server.Close() }) // nolint:errcheck

	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	client, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) // nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan *Conn, 1)
	go func() {
		conn, err := server.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()

	clientConn, err := client.Dial(ctx, server.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	select {
	case serverConn := <-accepted:
		return clientConn, serverConn
	case <-ctx.Done():
		t.Fatal("accept timed out")
		return nil, nil
	}
}

func TestFrameRoundTrip(t *testing.T) {
	clientConn, serverConn := loopbackPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cs, err := clientConn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	msg := []byte("framed message payload")
	if err := cs.WriteFrame(msg); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	ss, err := serverConn.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream() error = %v", err)
	}
	got, err := ss.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("ReadFrame() = %q, want %q", got, msg)
	}

	// And back the other way on the same stream.
	reply := []byte("reply")
	if err := ss.WriteFrame(reply); err != nil {
		t.Fatalf("server WriteFrame() error = %v", err)
	}
	got, err = cs.ReadFrame()
	if err != nil {
		t.Fatalf("client ReadFrame() error = %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Errorf("client ReadFrame() = %q, want %q", got, reply)
	}
}

func TestWriteFrameRejectsOversized(t *testing.T) {
	clientConn, _ := loopbackPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cs, err := clientConn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if err := cs.WriteFrame(make([]byte, MaxFrameLen+1)); err == nil {
		t.Error("WriteFrame() accepted an oversized frame")
	}
}

func TestChannelBindingMatchesAcrossPeers(t *testing.T) {
	clientConn, serverConn := loopbackPair(t)

	cb, err := clientConn.ChannelBinding()
	if err != nil {
		t.Fatalf("client ChannelBinding() error = %v", err)
	}
	sb, err := serverConn.ChannelBinding()
	if err != nil {
		t.Fatalf("server ChannelBinding() error = %v", err)
	}

	if len(cb) != BindingLen {
		t.Errorf("binding length = %d, want %d", len(cb), BindingLen)
	}
	if !bytes.Equal(cb, sb) {
		t.Error("both ends must export the same channel binding")
	}
}
