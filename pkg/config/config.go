// Package config holds the node's configuration: one table of defaults,
// a TOML file loader, validation, and a file watcher for hot reload.
// Nothing here is a process-wide singleton; the loaded Config is passed
// explicitly to every subsystem.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Mode selects how much of the overlay the node participates in.
const (
	// ModeNode is full participation: relaying is accepted.
	ModeNode = "node"
	// ModeProxy is client-only: no inbound relay requests are served.
	ModeProxy = "proxy"
)

// Config is the node configuration. TOML keys use snake_case.
type Config struct {
	// Network
	ListenAddr     string   `toml:"listen_addr"`
	ListenPort     int      `toml:"listen_port"`
	BootstrapNodes []string `toml:"bootstrap_nodes"`
	AcceptRelay    bool     `toml:"accept_relay"`
	MaxPeers       int      `toml:"max_peers"`

	// Local state
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`

	// SOCKS ingress
	SocksAddr string `toml:"socks_addr"`

	// Identity
	PowDifficulty int `toml:"pow_difficulty"`

	// Circuits
	CircuitPoolSize    int      `toml:"circuit_pool_size"`
	CircuitIdleTimeout duration `toml:"circuit_idle_timeout"`
	CircuitMaxAge      duration `toml:"circuit_max_age"`

	// Hidden service hosting (optional)
	ServiceLocalAddr string   `toml:"service_local_addr"`
	DescriptorTTL    duration `toml:"descriptor_ttl"`

	// Accounting
	LedgerBackend string `toml:"ledger_backend"` // "none", "memory" or "sqlite"
	LedgerBudget  int64  `toml:"ledger_budget"`
}

// duration lets TOML carry values like "10m" or "1h".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns the single table of default values. Defaults
// live here and nowhere else.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:         "0.0.0.0",
		ListenPort:         0,
		BootstrapNodes:     nil,
		AcceptRelay:        true,
		MaxPeers:           256,
		DataDir:            defaultDataDir(),
		LogLevel:           "info",
		SocksAddr:          "127.0.0.1:0",
		PowDifficulty:      16,
		CircuitPoolSize:    5,
		CircuitIdleTimeout: duration{10 * time.Minute},
		CircuitMaxAge:      duration{time.Hour},
		DescriptorTTL:      duration{time.Hour},
		LedgerBackend:      "none",
		LedgerBudget:       0,
	}
}

// defaultDataDir places state under the user config dir, falling back to
// the working directory.
func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".anonnet"
	}
	return filepath.Join(base, "anonnet")
}

// NetworkListenAddr returns the transport bind address.
func (c *Config) NetworkListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port out of range: %d", c.ListenPort)
	}
	if c.MaxPeers < 1 {
		return fmt.Errorf("max_peers must be at least 1")
	}
	if c.PowDifficulty < 1 || c.PowDifficulty > 64 {
		return fmt.Errorf("pow_difficulty out of range: %d", c.PowDifficulty)
	}
	if c.CircuitPoolSize < 0 {
		return fmt.Errorf("circuit_pool_size must not be negative")
	}
	switch c.LedgerBackend {
	case "", "none", "memory", "sqlite":
	default:
		return fmt.Errorf("unknown ledger_backend %q", c.LedgerBackend)
	}
	if c.DescriptorTTL.Duration != 0 && c.DescriptorTTL.Duration < 10*time.Second {
		// A ttl shorter than twice the typical republish latency can
		// never stay replicated across a republish interval.
		return fmt.Errorf("descriptor_ttl too short: %s", c.DescriptorTTL.Duration)
	}
	return nil
}
