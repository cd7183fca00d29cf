// Package socks implements the local SOCKS5 ingress (RFC 1928). It
// accepts CONNECT requests for .anon addresses only, resolves them
// through the directory, and relays bytes over rendezvous circuits.
// Clearnet blocking is an invariant, not a policy: no request for a
// non-.anon host ever reaches circuit construction, and no DNS
// resolution is performed for any name.
package socks

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/go-anonnet/pkg/directory"
	"github.com/opd-ai/go-anonnet/pkg/errors"
	"github.com/opd-ai/go-anonnet/pkg/logger"
)

// SOCKS5 protocol constants (RFC 1928)
const (
	socksVersion = 0x05

	methodNoAuth       = 0x00
	methodNoAcceptable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	// Reply codes
	ReplySuccess          = 0x00
	ReplyGeneralFailure   = 0x01
	ReplyNotAllowed       = 0x02
	ReplyHostUnreachable  = 0x04
	ReplyCmdNotSupported  = 0x07
	ReplyAddrNotSupported = 0x08
)

// PortFileName is the file under data_dir advertising the bound port.
const PortFileName = "socks5_port.txt"

// Dialer opens a stream to a hidden service. The node wires this to the
// rendezvous client and stream mux.
type Dialer interface {
	DialService(ctx context.Context, addr directory.Address, port uint16) (io.ReadWriteCloser, error)
}

// Config holds SOCKS server configuration.
type Config struct {
	// ListenAddr is the loopback address to bind; port 0 picks a free
	// port, which is written to the data directory for discovery.
	ListenAddr string
	// DataDir receives the port-advertisement file.
	DataDir string
	// HandshakeTimeout bounds the SOCKS negotiation.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns SOCKS defaults.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		ListenAddr:       "127.0.0.1:0",
		DataDir:          dataDir,
		HandshakeTimeout: 30 * time.Second,
	}
}

// Server is the local SOCKS5 server.
type Server struct {
	cfg    *Config
	dialer Dialer
	logger *logger.Logger

	ln        net.Listener
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a SOCKS server over the given service dialer.
func New(cfg *Config, dialer Dialer, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Server{
		cfg:     cfg,
		dialer:  dialer,
		logger:  log.Component("socks"),
		closeCh: make(chan struct{}),
	}
}

// Start binds the listener and writes the port-advertisement file.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind socks listener: %w", err)
	}
	s.ln = ln

	port := ln.Addr().(*net.TCPAddr).Port
	if s.cfg.DataDir != "" {
		path := filepath.Join(s.cfg.DataDir, PortFileName)
		if err := os.WriteFile(path, []byte(strconv.Itoa(port)), 0o600); err != nil {
			ln.Close() // nolint:errcheck
			return fmt.Errorf("failed to write port file: %w", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info("SOCKS5 listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the server.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		if s.ln != nil {
			s.ln.Close() // nolint:errcheck
		}
	})
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close() // nolint:errcheck
			s.handle(conn)
		}()
	}
}

// handle negotiates one SOCKS connection and relays it.
func (s *Server) handle(conn net.Conn) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	conn.SetDeadline(deadline) // nolint:errcheck

	if err := s.negotiateMethod(conn); err != nil {
		s.logger.Debug("Method negotiation failed", "error", err)
		return
	}

	host, port, replyCode := s.readRequest(conn)
	if replyCode != ReplySuccess {
		s.reply(conn, replyCode) // nolint:errcheck
		return
	}

	// The clearnet gate: the hostname must be a syntactically valid
	// .anon address before anything else happens. No exceptions, not
	// even for loopback-shaped names.
	addr, err := directory.ParseAddress(host)
	if err != nil {
		s.logger.Debug("Refusing non-anon target", "host", host)
		s.reply(conn, ReplyNotAllowed) // nolint:errcheck
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	stream, err := s.dialer.DialService(ctx, addr, port)
	if err != nil {
		s.logger.Debug("Service dial failed", "address", addr.String(), "error", err)
		s.reply(conn, replyCodeFor(err)) // nolint:errcheck
		return
	}
	defer stream.Close() // nolint:errcheck

	if err := s.reply(conn, ReplySuccess); err != nil {
		return
	}
	conn.SetDeadline(time.Time{}) // nolint:errcheck

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(stream, conn) // nolint:errcheck
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, stream) // nolint:errcheck
		done <- struct{}{}
	}()
	select {
	case <-done:
	case <-s.closeCh:
	}
}

// negotiateMethod handles the method-selection exchange; only NO AUTH is
// offered back.
func (s *Server) negotiateMethod(conn net.Conn) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	if hdr[0] != socksVersion {
		return fmt.Errorf("unsupported socks version %d", hdr[0])
	}

	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("failed to read methods: %w", err)
	}

	for _, m := range methods {
		if m == methodNoAuth {
			_, err := conn.Write([]byte{socksVersion, methodNoAuth})
			return err
		}
	}

	conn.Write([]byte{socksVersion, methodNoAcceptable}) // nolint:errcheck
	return fmt.Errorf("no acceptable auth method")
}

// readRequest parses the CONNECT request. Only CMD=CONNECT with a DOMAIN
// address is supported; everything else maps to its RFC 1928 reply code.
func (s *Server) readRequest(conn net.Conn) (string, uint16, byte) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", 0, ReplyGeneralFailure
	}
	if hdr[0] != socksVersion {
		return "", 0, ReplyGeneralFailure
	}
	if hdr[1] != cmdConnect {
		// UDP ASSOCIATE and BIND are rejected.
		return "", 0, ReplyCmdNotSupported
	}

	switch hdr[3] {
	case atypDomain:
	case atypIPv4, atypIPv6:
		// Raw addresses can never name a hidden service.
		return "", 0, ReplyAddrNotSupported
	default:
		return "", 0, ReplyAddrNotSupported
	}

	var dlen [1]byte
	if _, err := io.ReadFull(conn, dlen[:]); err != nil {
		return "", 0, ReplyGeneralFailure
	}
	host := make([]byte, dlen[0])
	if _, err := io.ReadFull(conn, host); err != nil {
		return "", 0, ReplyGeneralFailure
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(conn, portBuf[:]); err != nil {
		return "", 0, ReplyGeneralFailure
	}
	return string(host), binary.BigEndian.Uint16(portBuf[:]), ReplySuccess
}

// reply writes a SOCKS reply with a zero bind address.
func (s *Server) reply(conn net.Conn, code byte) error {
	_, err := conn.Write([]byte{socksVersion, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// replyCodeFor maps an error's kind to its SOCKS reply code.
func replyCodeFor(err error) byte {
	switch errors.KindOf(err) {
	case errors.KindPolicyRefusal:
		return ReplyNotAllowed
	case errors.KindServiceUnreachable:
		return ReplyHostUnreachable
	case errors.KindExhaustion:
		return ReplyGeneralFailure
	default:
		return ReplyGeneralFailure
	}
}
