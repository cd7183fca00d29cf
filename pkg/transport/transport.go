// Package transport provides encrypted datagram connections between peers
// over QUIC. Every connection carries bidirectional streams; each stream
// frames length-prefixed messages with a 10 MiB upper bound.
//
// The TLS layer uses ephemeral self-signed certificates: it provides the
// encrypted channel, while peer identity is established by the
// authenticated handshake in pkg/conn, bound to this channel via the TLS
// keying-material exporter.
package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/opd-ai/go-anonnet/pkg/logger"
)

const (
	// MaxFrameLen is the upper bound on a framed message.
	MaxFrameLen = 10 << 20 // 10 MiB

	// alpnProtocol identifies the overlay protocol in the TLS handshake.
	alpnProtocol = "anon/1"

	// exporterLabel is the TLS keying-material exporter label used to
	// bind the identity handshake to this transport session.
	exporterLabel = "anon-transport-binding"

	// BindingLen is the length of the exported channel binding.
	BindingLen = 32
)

// Conn is an encrypted datagram connection to one peer.
type Conn struct {
	qconn  quic.Connection
	logger *logger.Logger
}

// Stream is one bidirectional framed stream within a connection.
type Stream struct {
	qs quic.Stream
}

// Config holds transport configuration.
type Config struct {
	// HandshakeTimeout bounds connection establishment.
	HandshakeTimeout time.Duration
	// MaxIdleTimeout closes connections with no activity.
	MaxIdleTimeout time.Duration
}

// DefaultConfig returns a transport config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 10 * time.Second,
		MaxIdleTimeout:   5 * time.Minute,
	}
}

func (c *Config) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: c.HandshakeTimeout,
		MaxIdleTimeout:       c.MaxIdleTimeout,
		KeepAlivePeriod:      30 * time.Second,
	}
}

// generateCert creates the ephemeral self-signed certificate for the TLS
// layer. It is regenerated at every startup; it carries no identity.
func generateCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate TLS key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "anon"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// newTLSConfig builds the TLS config for both roles. Certificates are not
// the identity mechanism, so verification is skipped; the pkg/conn
// handshake authenticates the peer and binds to the session.
func newTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // #nosec G402 - identity is bound post-handshake, see package doc
		ClientAuth:         tls.RequireAnyClientCert,
	}
}

// Transport owns the local QUIC endpoint.
type Transport struct {
	cfg      *Config
	tlsConf  *tls.Config
	listener *quic.Listener
	logger   *logger.Logger
}

// New creates a transport with a fresh ephemeral certificate.
func New(cfg *Config, log *logger.Logger) (*Transport, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.NewDefault()
	}

	cert, err := generateCert()
	if err != nil {
		return nil, err
	}

	return &Transport{
		cfg:     cfg,
		tlsConf: newTLSConfig(cert),
		logger:  log.Component("transport"),
	}, nil
}

// Listen starts accepting inbound connections on addr.
func (t *Transport) Listen(addr string) error {
	ln, err := quic.ListenAddr(addr, t.tlsConf, t.cfg.quicConfig())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	t.listener = ln
	t.logger.Info("Listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the local listening address, or nil if not listening.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Accept waits for the next inbound connection.
func (t *Transport) Accept(ctx context.Context) (*Conn, error) {
	if t.listener == nil {
		return nil, fmt.Errorf("transport is not listening")
	}
	qconn, err := t.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept failed: %w", err)
	}
	return &Conn{qconn: qconn, logger: t.logger}, nil
}

// Dial opens a connection to a peer address.
func (t *Transport) Dial(ctx context.Context, addr string) (*Conn, error) {
	qconn, err := quic.DialAddr(ctx, addr, t.tlsConf, t.cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Conn{qconn: qconn, logger: t.logger}, nil
}

// Close shuts down the listener.
func (t *Transport) Close() error {
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// OpenStream opens a new bidirectional stream on the connection.
func (c *Conn) OpenStream(ctx context.Context) (*Stream, error) {
	qs, err := c.qconn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return &Stream{qs: qs}, nil
}

// AcceptStream waits for the peer to open a stream.
func (c *Conn) AcceptStream(ctx context.Context) (*Stream, error) {
	qs, err := c.qconn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept stream: %w", err)
	}
	return &Stream{qs: qs}, nil
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.qconn.RemoteAddr()
}

// ChannelBinding exports keying material that uniquely identifies this TLS
// session. Both sides sign it during the identity handshake.
func (c *Conn) ChannelBinding() ([]byte, error) {
	state := c.qconn.ConnectionState().TLS
	binding, err := state.ExportKeyingMaterial(exporterLabel, nil, BindingLen)
	if err != nil {
		return nil, fmt.Errorf("failed to export channel binding: %w", err)
	}
	return binding, nil
}

// Close closes the connection with the given one-byte reason code.
func (c *Conn) Close(reason byte) error {
	return c.qconn.CloseWithError(quic.ApplicationErrorCode(reason), "")
}

// Context returns a context that is cancelled when the connection closes.
func (c *Conn) Context() context.Context {
	return c.qconn.Context()
}

// WriteFrame writes one length-prefixed message to the stream.
func (s *Stream) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("frame too large: %d > %d", len(payload), MaxFrameLen)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := s.qs.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := s.qs.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message from the stream.
func (s *Stream) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(s.qs, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("frame too large: %d > %d", n, MaxFrameLen)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(s.qs, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return payload, nil
}

// Close closes the stream.
func (s *Stream) Close() error {
	return s.qs.Close()
}

// SetDeadline sets the read and write deadline on the stream.
func (s *Stream) SetDeadline(t time.Time) error {
	return s.qs.SetDeadline(t)
}
