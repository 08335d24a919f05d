// Package agent assembles the configured s2p roles into one process: the
// server accepting carriers, the client link with its port forwards, and
// the health and control endpoints.
package agent

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/s2p/internal/client"
	"github.com/postalsys/s2p/internal/config"
	"github.com/postalsys/s2p/internal/control"
	"github.com/postalsys/s2p/internal/dialer"
	"github.com/postalsys/s2p/internal/forward"
	"github.com/postalsys/s2p/internal/health"
	"github.com/postalsys/s2p/internal/logging"
	"github.com/postalsys/s2p/internal/metrics"
	"github.com/postalsys/s2p/internal/protocol"
	"github.com/postalsys/s2p/internal/relay"
	"github.com/postalsys/s2p/internal/server"
	"github.com/postalsys/s2p/internal/transport"
)

// ErrNoAllowlist is returned when peers are updated on a server that was
// started without allowed_peers.
var ErrNoAllowlist = errors.New("server admits every peer; allowed_peers is not configured")

// Roles selects which parts of the configuration an agent runs.
type Roles struct {
	Server bool
	Client bool
}

// Agent runs the s2p roles of one process.
type Agent struct {
	cfg      *config.Config
	roles    Roles
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	server    *server.Server
	allowlist *server.Allowlist
	serverID  *transport.Identity

	link     *Link
	forwards []*forward.Listener

	healthServer  *health.Server
	controlServer *control.Server

	running  atomic.Bool
	stopOnce sync.Once
}

// New creates an agent. Identities are loaded (or generated) here so that
// fingerprints are known before Start.
func New(cfg *config.Config, roles Roles) (*Agent, error) {
	return NewWithLogger(cfg, roles, logging.NewLogger(cfg.Log.Level, cfg.Log.Format))
}

// NewWithLogger is New with an explicit logger.
func NewWithLogger(cfg *config.Config, roles Roles, logger *slog.Logger) (*Agent, error) {
	if !roles.Server && !roles.Client {
		return nil, fmt.Errorf("no role selected")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &Agent{
		cfg:      cfg,
		roles:    roles,
		logger:   logging.Component(logger, "agent"),
		registry: reg,
		metrics:  metrics.NewMetricsWithRegistry(reg),
	}

	if roles.Server {
		if err := a.initServer(logger); err != nil {
			return nil, err
		}
	}
	if roles.Client {
		if err := a.initClient(logger); err != nil {
			return nil, err
		}
	}

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     reg,
		}, a)
	}
	if cfg.Control.Socket != "" {
		cc := control.DefaultServerConfig()
		cc.SocketPath = cfg.Control.Socket
		a.controlServer = control.NewServer(cc, a)
	}

	return a, nil
}

func (a *Agent) initServer(logger *slog.Logger) error {
	sc := a.cfg.Server

	id, err := transport.LoadIdentity(sc.TLS.Cert, sc.TLS.Key, "s2p-server")
	if err != nil {
		return fmt.Errorf("load server identity: %w", err)
	}
	if id.Ephemeral {
		a.logger.Warn("no server certificate configured, using an ephemeral one",
			"fingerprint", id.Fingerprint)
	}
	a.serverID = id

	var clientCAs *x509.CertPool
	if sc.TLS.ClientCA != "" {
		if clientCAs, err = transport.LoadCAPool(sc.TLS.ClientCA); err != nil {
			return fmt.Errorf("load client CA: %w", err)
		}
	}

	var auth server.PeerAuthenticator = server.AllowAll{}
	if len(sc.AllowedPeers) > 0 {
		al, err := server.NewAllowlist(sc.AllowedPeers...)
		if err != nil {
			return err
		}
		a.allowlist = al
		auth = al
	}

	routes, err := dialer.ParseAllowedRoutes(sc.AllowedRoutes)
	if err != nil {
		return err
	}
	sockets := dialer.New(dialer.Config{
		AllowedRoutes:  routes,
		ConnectTimeout: sc.ConnectTimeout,
		DNS: dialer.DNSConfig{
			Servers: sc.DNS.Servers,
			Timeout: sc.DNS.Timeout,
			MaxTTL:  sc.DNS.MaxTTL,
		},
		Metrics: a.metrics,
		Logger:  logger,
	})

	srv, err := server.New(server.Config{
		ListenAddr:       sc.Listen,
		TLSConfig:        transport.ServerTLSConfig(id, clientCAs),
		ALPN:             sc.ALPN,
		Authenticator:    auth,
		MaxSessions:      sc.MaxSessions,
		HandshakeTimeout: sc.HandshakeTimeout,
		AllowUDP:         sc.UDP.Enabled,
		Datagrams:        sc.UDP.Datagrams,
		TCP: relay.TCPConfig{
			BufferSize: int(sc.BufferSize),
			RateLimit:  int64(sc.RateLimit),
		},
		UDP: relay.UDPConfig{
			IdleTimeout:  sc.UDP.IdleTimeout,
			MaxFlows:     sc.UDP.MaxFlows,
			AllowedPorts: sc.UDP.AllowedPorts,
		},
		Dialer:  sockets,
		Metrics: a.metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

func (a *Agent) initClient(logger *slog.Logger) error {
	cc := a.cfg.Client
	if cc.Server == "" {
		return fmt.Errorf("client.server is required")
	}

	id, err := transport.LoadIdentity(cc.TLS.Cert, cc.TLS.Key, "s2p-client")
	if err != nil {
		return fmt.Errorf("load client identity: %w", err)
	}
	if id.Ephemeral {
		a.logger.Info("no client certificate configured, using an ephemeral one",
			"fingerprint", id.Fingerprint)
	}

	verify := transport.ClientVerify{PinnedFingerprint: cc.ServerFingerprint}
	if cc.TLS.CA != "" {
		if verify.RootCAs, err = transport.LoadCAPool(cc.TLS.CA); err != nil {
			return fmt.Errorf("load server CA: %w", err)
		}
		if host, _, err := net.SplitHostPort(cc.Server); err == nil {
			verify.ServerName = host
		}
	}
	if verify.RootCAs == nil && verify.PinnedFingerprint == "" {
		a.logger.Warn("server certificate is not verified; set client.server_fingerprint or client.tls.ca")
	}
	tlsCfg, err := transport.ClientTLSConfig(id, verify)
	if err != nil {
		return err
	}

	opts := transport.DefaultDialOptions()
	opts.TLSConfig = tlsCfg
	opts.ALPN = cc.ALPN

	a.link = NewLink(LinkConfig{
		Address:     cc.Server,
		DialOptions: opts,
		Client: client.Config{
			HandshakeTimeout: cc.HandshakeTimeout,
			Logger:           logger,
		},
		Logger: logger,
	})

	for _, f := range cc.Forwards {
		target, err := protocol.ParseTarget(f.Target)
		if err != nil {
			return fmt.Errorf("forward %s: %w", f.Listen, err)
		}
		a.forwards = append(a.forwards, forward.NewListener(forward.ListenerConfig{
			Address:        f.Listen,
			Target:         target,
			MaxConnections: f.MaxConnections,
			Logger:         logger,
		}, a.link))
	}
	return nil
}

// Start starts every configured role. On error, anything already started
// is stopped again.
func (a *Agent) Start() error {
	if a.running.Load() {
		return fmt.Errorf("agent already running")
	}

	if a.server != nil {
		if err := a.server.Start(); err != nil {
			return fmt.Errorf("start server: %w", err)
		}
	}

	if a.link != nil {
		// An unreachable server is not fatal; forwards redial on demand.
		ctx, cancel := context.WithTimeout(context.Background(), a.link.cfg.DialOptions.Timeout)
		if _, err := a.link.Client(ctx); err != nil {
			a.logger.Warn("initial carrier dial failed",
				logging.KeyAddress, a.cfg.Client.Server,
				logging.KeyError, err)
		}
		cancel()
	}

	for _, l := range a.forwards {
		if err := l.Start(); err != nil {
			a.Stop()
			return fmt.Errorf("start forward %s: %w", l.Target(), err)
		}
		a.logger.Info("forward started",
			logging.KeyAddress, l.Address().String(),
			logging.KeyTarget, l.Target().String())
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			a.Stop()
			return fmt.Errorf("start health server: %w", err)
		}
		a.logger.Info("health server started",
			logging.KeyAddress, a.healthServer.Address().String())
	}

	if a.controlServer != nil {
		if err := a.controlServer.Start(); err != nil {
			a.Stop()
			return fmt.Errorf("start control server: %w", err)
		}
		a.logger.Info("control server started", "socket", a.controlServer.SocketPath())
	}

	a.running.Store(true)
	a.logger.Info("agent started",
		"server", a.server != nil,
		"forwards", len(a.forwards))
	return nil
}

// Stop stops every role in reverse start order.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.running.Store(false)

		if a.controlServer != nil {
			a.controlServer.Stop()
		}
		if a.healthServer != nil {
			a.healthServer.Stop()
		}
		for _, l := range a.forwards {
			l.Stop()
		}
		if a.link != nil {
			a.link.Close()
		}
		if a.server != nil {
			err = a.server.Stop()
		}

		a.logger.Info("agent stopped")
	})
	return err
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Stats reports server statistics. A client-only agent reports its carrier
// as its single peer.
func (a *Agent) Stats() server.Stats {
	if a.server != nil {
		return a.server.Stats()
	}
	var st server.Stats
	if a.link != nil && a.link.Connected() {
		st.Peers = 1
	}
	return st
}

// Sessions returns the server's active sessions.
func (a *Agent) Sessions() []server.SessionInfo {
	if a.server == nil {
		return nil
	}
	return a.server.Sessions()
}

// CloseSession closes one server session.
func (a *Agent) CloseSession(id uint64) bool {
	if a.server == nil {
		return false
	}
	return a.server.CloseSession(id)
}

// UpdateAllowedPeers replaces the fingerprints admitted by the server.
// Connected peers are not disconnected.
func (a *Agent) UpdateAllowedPeers(fingerprints []string) error {
	if a.allowlist == nil {
		return ErrNoAllowlist
	}
	if err := a.allowlist.Set(fingerprints); err != nil {
		return err
	}
	a.logger.Info("allowed peers updated", logging.KeyCount, a.allowlist.Len())
	return nil
}

// ServerFingerprint returns the fingerprint of the server certificate, or
// "" without a server role.
func (a *Agent) ServerFingerprint() string {
	if a.serverID == nil {
		return ""
	}
	return a.serverID.Fingerprint
}

// ServerAddr returns the carrier listen address.
func (a *Agent) ServerAddr() net.Addr {
	if a.server == nil {
		return nil
	}
	return a.server.Addr()
}

// ForwardAddrs returns the local addresses of the port forwards.
func (a *Agent) ForwardAddrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(a.forwards))
	for _, l := range a.forwards {
		addrs = append(addrs, l.Address())
	}
	return addrs
}

// HealthAddr returns the health endpoint address.
func (a *Agent) HealthAddr() net.Addr {
	if a.healthServer == nil {
		return nil
	}
	return a.healthServer.Address()
}

// Registry returns the registry backing /metrics.
func (a *Agent) Registry() *prometheus.Registry {
	return a.registry
}
