package socks

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/directory"
	"github.com/opd-ai/go-anonnet/pkg/errors"
)

// echoStream is a loopback stream returned by the fake dialer.
type echoStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newEchoStream() *echoStream {
	r, w := io.Pipe()
	return &echoStream{r: r, w: w}
}

func (e *echoStream) Read(p []byte) (int, error)  { return e.r.Read(p) }
func (e *echoStream) Write(p []byte) (int, error) { return e.w.Write(p) }
func (e *echoStream) Close() error {
	e.r.Close() // nolint:errcheck
	return e.w.Close()
}

// fakeDialer records dials and can be told to fail.
type fakeDialer struct {
	dialed   int
	lastAddr directory.Address
	lastPort uint16
	err      error
}

func (f *fakeDialer) DialService(ctx context.Context, addr directory.Address, port uint16) (io.ReadWriteCloser, error) {
	f.dialed++
	f.lastAddr = addr
	f.lastPort = port
	if f.err != nil {
		return nil, f.err
	}
	return newEchoStream(), nil
}

// startServer runs a SOCKS server over the dialer and returns its addr.
func startServer(t *testing.T, dialer Dialer) (*Server, string) {
	t.Helper()

	cfg := DefaultConfig(t.TempDir())
	s := New(cfg, dialer, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Close() }) // nolint:errcheck
	return s, s.Addr().String()
}

// connect runs the method negotiation and returns the open connection.
func connect(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial socks: %v", err)
	}
	t.Cleanup(func() { conn.Close() }) // nolint:errcheck

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("greeting write: %v", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("greeting read: %v", err)
	}
	if resp[0] != 0x05 || resp[1] != 0x00 {
		t.Fatalf("method selection = %v", resp)
	}
	return conn
}

// sendConnect issues a CONNECT for a domain and returns the reply code.
func sendConnect(t *testing.T, conn net.Conn, host string, port uint16) byte {
	t.Helper()

	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, host...)
	req = append(req, byte(port>>8), byte(port))
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("request write: %v", err)
	}

	resp := make([]byte, 10)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("reply read: %v", err)
	}
	return resp[1]
}

func validAddress(t *testing.T) directory.Address {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return directory.DeriveAddress(pub)
}

func TestConnectToAnonAddressSucceeds(t *testing.T) {
	dialer := &fakeDialer{}
	_, addr := startServer(t, dialer)

	conn := connect(t, addr)
	target := validAddress(t)
	code := sendConnect(t, conn, target.String(), 8080)
	if code != ReplySuccess {
		t.Fatalf("reply = %#02x, want success", code)
	}
	if dialer.dialed != 1 {
		t.Errorf("dialed %d times, want 1", dialer.dialed)
	}
	if dialer.lastAddr != target {
		t.Error("dialer saw the wrong address")
	}
	if dialer.lastPort != 8080 {
		t.Errorf("dialer saw port %d, want 8080", dialer.lastPort)
	}

	// Bytes flow through to the stream (the fake echoes writes).
	msg := []byte("GET / HTTP/1.0\r\n\r\n")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("payload write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("payload read: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Errorf("echo = %q, want %q", buf, msg)
	}
}

func TestClearnetHostsAreRefused(t *testing.T) {
	tests := []string{
		"example.com",
		"localhost",
		"127.0.0.1",
		"www.google.com",
	}
	for _, host := range tests {
		t.Run(host, func(t *testing.T) {
			dialer := &fakeDialer{}
			_, addr := startServer(t, dialer)

			conn := connect(t, addr)
			code := sendConnect(t, conn, host, 80)
			if code != ReplyNotAllowed {
				t.Errorf("reply = %#02x, want 0x02 (not allowed)", code)
			}
			// The invariant: nothing non-.anon reaches circuit
			// construction, and no lookup is issued.
			if dialer.dialed != 0 {
				t.Errorf("dialer invoked %d times for a clearnet host", dialer.dialed)
			}
		})
	}
}

func TestServiceUnreachableMapsTo0x04(t *testing.T) {
	dialer := &fakeDialer{err: errors.New(errors.KindServiceUnreachable, "no descriptor")}
	_, addr := startServer(t, dialer)

	conn := connect(t, addr)
	code := sendConnect(t, conn, validAddress(t).String(), 80)
	if code != ReplyHostUnreachable {
		t.Errorf("reply = %#02x, want 0x04", code)
	}
}

func TestExhaustionMapsToGeneralFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New(errors.KindExhaustion, "no peers")}
	_, addr := startServer(t, dialer)

	conn := connect(t, addr)
	code := sendConnect(t, conn, validAddress(t).String(), 80)
	if code != ReplyGeneralFailure {
		t.Errorf("reply = %#02x, want 0x01", code)
	}
}

func TestUnsupportedCommandsRejected(t *testing.T) {
	dialer := &fakeDialer{}
	_, addr := startServer(t, dialer)

	// BIND (0x02) and UDP ASSOCIATE (0x03) get 0x07.
	for _, cmd := range []byte{0x02, 0x03} {
		conn := connect(t, addr)
		req := []byte{0x05, cmd, 0x00, 0x03, 1, 'x', 0, 80}
		if _, err := conn.Write(req); err != nil {
			t.Fatalf("request write: %v", err)
		}
		resp := make([]byte, 10)
		if _, err := io.ReadFull(conn, resp); err != nil {
			t.Fatalf("reply read: %v", err)
		}
		if resp[1] != ReplyCmdNotSupported {
			t.Errorf("cmd %#02x reply = %#02x, want 0x07", cmd, resp[1])
		}
	}
}

func TestRawAddressTypesRejected(t *testing.T) {
	dialer := &fakeDialer{}
	_, addr := startServer(t, dialer)

	conn := connect(t, addr)
	// CONNECT to an IPv4 literal: address type not supported.
	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 80}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("request write: %v", err)
	}
	resp := make([]byte, 10)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("reply read: %v", err)
	}
	if resp[1] != ReplyAddrNotSupported {
		t.Errorf("reply = %#02x, want 0x08", resp[1])
	}
	if dialer.dialed != 0 {
		t.Error("dialer invoked for a raw address")
	}
}

func TestPortFileWritten(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	s := New(cfg, &fakeDialer{}, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Close() // nolint:errcheck

	raw, err := os.ReadFile(filepath.Join(dir, PortFileName))
	if err != nil {
		t.Fatalf("port file missing: %v", err)
	}
	port, err := strconv.Atoi(string(raw))
	if err != nil {
		t.Fatalf("port file not decimal: %q", raw)
	}
	if port != s.Addr().(*net.TCPAddr).Port {
		t.Errorf("port file = %d, listener = %d", port, s.Addr().(*net.TCPAddr).Port)
	}
}
