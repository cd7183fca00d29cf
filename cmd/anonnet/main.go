// Package main provides the anonnet executable: a node of the anonymous
// overlay network with a local SOCKS5 ingress for .anon services.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opd-ai/go-anonnet/pkg/config"
	"github.com/opd-ai/go-anonnet/pkg/logger"
	"github.com/opd-ai/go-anonnet/pkg/node"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "anonnet",
		Short: "Anonymous overlay network node",
		Long: `anonnet runs a node of the anonymous overlay network: it joins the
peer overlay, relays onion-encrypted circuits, and serves a local SOCKS5
proxy that resolves .anon hidden-service addresses.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to TOML configuration file")

	root.AddCommand(
		newRunCommand(config.ModeNode, "node", "Run a full node (relays circuits for others)"),
		newRunCommand(config.ModeProxy, "proxy", "Run a client-only proxy (no inbound relaying)"),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newRunCommand builds the node and proxy subcommands, which differ only
// in participation mode.
func newRunCommand(mode, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(mode)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("anonnet version %s (built %s)\n", version, buildTime)
		},
	}
}

// run loads configuration, starts the node and blocks until a signal.
func run(mode string) error {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFile(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log := logger.New(level, os.Stderr)

	n, err := node.New(cfg, mode, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return err
	}

	if addr, ok := n.HostedAddress(); ok {
		log.Info("Hosting hidden service", "address", addr.String())
	}

	// Hot-reload the log level while running.
	if configFile != "" {
		watcher, err := config.NewWatcher(configFile, log)
		if err != nil {
			log.Warn("Config watcher unavailable", "error", err)
		} else {
			defer watcher.Close() // nolint:errcheck
			watcher.OnReload(func(cfg *config.Config) {
				newLevel, err := logger.ParseLevel(cfg.LogLevel)
				if err == nil {
					log.SetLevel(newLevel)
				}
			})
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", "signal", sig.String())

	n.Stop()
	return nil
}
