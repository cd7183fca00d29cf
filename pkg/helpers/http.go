// Package helpers provides convenience functions for using the overlay
// from standard Go programs, such as an http.Client that dials .anon
// hosts through the node's local SOCKS port.
package helpers

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyAddrProvider exposes the local SOCKS address. The running node
// satisfies this interface.
type ProxyAddrProvider interface {
	SocksAddr() net.Addr
}

// HTTPClientConfig configures the HTTP client built over the proxy.
type HTTPClientConfig struct {
	// Timeout for whole HTTP requests (default: 60s; rendezvous setup
	// is slower than a direct dial)
	Timeout time.Duration

	// DialTimeout for establishing the proxied connection (default: 45s)
	DialTimeout time.Duration

	// MaxIdleConns controls idle connection reuse (default: 10)
	MaxIdleConns int

	// IdleConnTimeout controls how long idle connections are kept
	// (default: 90s)
	IdleConnTimeout time.Duration
}

// DefaultHTTPClientConfig returns sensible defaults.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:         60 * time.Second,
		DialTimeout:     45 * time.Second,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
}

// NewHTTPClient creates an http.Client that routes every request through
// the node's SOCKS proxy, so URLs like http://<address>.anon/ just work.
func NewHTTPClient(node ProxyAddrProvider, config *HTTPClientConfig) (*http.Client, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if config == nil {
		config = DefaultHTTPClientConfig()
	}

	addr := node.SocksAddr()
	if addr == nil {
		return nil, fmt.Errorf("node has no socks listener")
	}

	proxyURL, err := url.Parse("socks5://" + addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy URL: %w", err)
	}

	dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, target string) (net.Conn, error) {
			if config.DialTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, config.DialTimeout)
				defer cancel()
			}

			type result struct {
				conn net.Conn
				err  error
			}
			ch := make(chan result, 1)
			go func() {
				conn, err := dialer.Dial(network, target)
				ch <- result{conn, err}
			}()

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case res := <-ch:
				return res.conn, res.err
			}
		},
		MaxIdleConns:    config.MaxIdleConns,
		IdleConnTimeout: config.IdleConnTimeout,
		// .anon hosts resolve inside the overlay, never via DNS.
		DisableKeepAlives: false,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}, nil
}
