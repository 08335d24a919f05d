// Package dialer opens the local sockets a responder needs: outbound TCP
// connections for connect requests and UDP sockets for associations. It
// applies the route allow list, resolves domain targets, and classifies
// dial failures into protocol status codes.
package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/postalsys/s2p/internal/handshake"
	"github.com/postalsys/s2p/internal/logging"
	"github.com/postalsys/s2p/internal/metrics"
	"github.com/postalsys/s2p/internal/protocol"
)

// DefaultConnectTimeout bounds a single outbound TCP dial.
const DefaultConnectTimeout = 10 * time.Second

// Config contains dialer configuration.
type Config struct {
	// AllowedRoutes limits destinations to these prefixes. Empty allows
	// every destination.
	AllowedRoutes []netip.Prefix

	// ConnectTimeout for outbound TCP connections.
	ConnectTimeout time.Duration

	DNS DNSConfig

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: DefaultConnectTimeout,
		DNS:            DefaultDNSConfig(),
	}
}

// SocketFactory dials TCP targets and binds UDP sockets on the local host.
type SocketFactory struct {
	cfg      Config
	resolver *Resolver
	logger   *slog.Logger
}

// New creates a SocketFactory.
func New(cfg Config) *SocketFactory {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &SocketFactory{
		cfg:      cfg,
		resolver: NewResolver(cfg.DNS, cfg.Metrics),
		logger:   logging.Component(cfg.Logger, "dialer"),
	}
}

// Resolver returns the factory's resolver.
func (f *SocketFactory) Resolver() *Resolver {
	return f.resolver
}

// Resolve returns the socket address of target, resolving domains. It
// satisfies relay.Resolver.
func (f *SocketFactory) Resolve(ctx context.Context, target protocol.TargetAddress) (netip.AddrPort, error) {
	if ap, ok := target.AddrPort(); ok {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	addr, err := f.resolver.Lookup(ctx, target.Domain)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, target.Port), nil
}

// DialTCP connects to target. A destination outside the allow list fails
// with a *protocol.ConnectError carrying ConnectionNotAllowed; other
// failures are returned as-is for StatusFor to classify.
func (f *SocketFactory) DialTCP(ctx context.Context, target protocol.TargetAddress) (handshake.Local, error) {
	dst, err := f.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	if !f.Allowed(dst.Addr()) {
		return nil, fmt.Errorf("dial %s: %w", target, &protocol.ConnectError{Status: protocol.StatusConnectionNotAllowed})
	}

	start := time.Now()
	d := &net.Dialer{Timeout: f.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", dst.String())
	if f.cfg.Metrics != nil {
		f.cfg.Metrics.RecordDial(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	f.logger.Debug("dialed target",
		slog.String(logging.KeyTarget, target.String()),
		slog.String(logging.KeyRemoteAddr, dst.String()),
		slog.Duration(logging.KeyDuration, time.Since(start)))
	return conn.(*net.TCPConn), nil
}

// BindUDP opens an unconnected UDP socket for sending to dst. It satisfies
// relay.Binder.
func (f *SocketFactory) BindUDP(ctx context.Context, dst netip.AddrPort) (*net.UDPConn, error) {
	if !f.Allowed(dst.Addr()) {
		return nil, &protocol.ConnectError{Status: protocol.StatusConnectionNotAllowed}
	}
	network := "udp6"
	if dst.Addr().Unmap().Is4() {
		network = "udp4"
	}
	return net.ListenUDP(network, nil)
}

// Allowed reports whether addr is inside the configured routes.
func (f *SocketFactory) Allowed(addr netip.Addr) bool {
	if len(f.cfg.AllowedRoutes) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, route := range f.cfg.AllowedRoutes {
		if route.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseAllowedRoutes parses a list of CIDR strings into prefixes.
func ParseAllowedRoutes(routes []string) ([]netip.Prefix, error) {
	var result []netip.Prefix
	for _, r := range routes {
		p, err := netip.ParsePrefix(r)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", r, err)
		}
		result = append(result, p.Masked())
	}
	return result, nil
}
