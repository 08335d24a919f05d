package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/s2p/internal/agent"
	"github.com/postalsys/s2p/internal/config"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept carriers and proxy their sessions",
		Long: `Start the server side: accept QUIC carriers from peers and connect
the TCP and UDP sessions they open to targets reachable from this host.

SIGHUP reloads server.allowed_peers from the configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}

			a, err := agent.New(cfg, agent.Roles{Server: true})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			fmt.Printf("Starting s2p server...\n")
			fmt.Printf("Fingerprint: %s\n", a.ServerFingerprint())

			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}
			fmt.Printf("Listening on %s\n", a.ServerAddr())

			return waitForShutdown(a, func() {
				if configPath == "" {
					fmt.Println("No configuration file to reload.")
					return
				}
				reloaded, err := config.Load(configPath)
				if err != nil {
					fmt.Printf("Reload failed: %v\n", err)
					return
				}
				if err := a.UpdateAllowedPeers(reloaded.Server.AllowedPeers); err != nil {
					fmt.Printf("Reload failed: %v\n", err)
					return
				}
				fmt.Printf("Reloaded %d allowed peers.\n", len(reloaded.Server.AllowedPeers))
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override server.listen")

	return cmd
}

func forwardCmd() *cobra.Command {
	var (
		configPath  string
		serverAddr  string
		fingerprint string
		forwards    []string
	)

	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Expose remote targets as local TCP ports",
		Long: `Start the client side: connect to an s2p server and proxy every
connection accepted on a local port to a fixed target reachable from the
server.

Forwards are given as LISTEN=TARGET, for example:

  s2p forward --server relay.example.com:4433 \
    --fingerprint sha256:... \
    --forward 127.0.0.1:2222=db.internal:22`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if serverAddr != "" {
				cfg.Client.Server = serverAddr
			}
			if fingerprint != "" {
				cfg.Client.ServerFingerprint = fingerprint
			}
			for _, f := range forwards {
				fc, err := parseForward(f)
				if err != nil {
					return err
				}
				cfg.Client.Forwards = append(cfg.Client.Forwards, fc)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if len(cfg.Client.Forwards) == 0 {
				return fmt.Errorf("no forwards configured")
			}

			a, err := agent.New(cfg, agent.Roles{Client: true})
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			fmt.Printf("Starting s2p forwarder to %s...\n", cfg.Client.Server)
			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start client: %w", err)
			}
			for i, addr := range a.ForwardAddrs() {
				fmt.Printf("Forward: %s -> %s\n", addr, cfg.Client.Forwards[i].Target)
			}

			return waitForShutdown(a, nil)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&serverAddr, "server", "s", "", "Server address (host:port)")
	cmd.Flags().StringVarP(&fingerprint, "fingerprint", "f", "", "Expected server certificate fingerprint")
	cmd.Flags().StringArrayVarP(&forwards, "forward", "L", nil, "Forward LISTEN=TARGET (repeatable)")

	return cmd
}

// loadConfig loads path, or returns defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// parseForward parses LISTEN=TARGET. A bare port as LISTEN binds loopback.
func parseForward(s string) (config.ForwardConfig, error) {
	listen, target, ok := strings.Cut(s, "=")
	if !ok || listen == "" || target == "" {
		return config.ForwardConfig{}, fmt.Errorf("invalid forward %q: want LISTEN=TARGET", s)
	}
	if !strings.Contains(listen, ":") {
		listen = "127.0.0.1:" + listen
	}
	return config.ForwardConfig{Listen: listen, Target: target}, nil
}

// waitForShutdown blocks until SIGINT or SIGTERM and stops a. SIGHUP runs
// reload when set.
func waitForShutdown(a *agent.Agent, reload func()) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var sig os.Signal
	for sig = range sigCh {
		if sig != syscall.SIGHUP {
			break
		}
		if reload != nil {
			reload()
		}
	}
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.StopWithContext(ctx); err != nil {
		fmt.Printf("Shutdown error: %v\n", err)
		return err
	}

	fmt.Println("Stopped.")
	return nil
}
