// Package client is the initiating side of s2p: it opens proxy sessions
// to targets reachable from a remote peer over a carrier connection.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/s2p/internal/handshake"
	"github.com/postalsys/s2p/internal/logging"
	"github.com/postalsys/s2p/internal/protocol"
	"github.com/postalsys/s2p/internal/relay"
	"github.com/postalsys/s2p/internal/stream"
	"github.com/postalsys/s2p/internal/transport"
)

// ErrDatagramsInUse is returned when a datagram association is already
// active on the carrier.
var ErrDatagramsInUse = errors.New("client: carrier datagrams already associated")

// StreamOpener opens carrier streams. transport.Conn satisfies it.
type StreamOpener interface {
	OpenStream(ctx context.Context) (transport.Stream, error)
}

// DialCarrier connects to a server with the s2p ALPN.
func DialCarrier(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	opts := transport.DefaultDialOptions()
	opts.TLSConfig = tlsConfig
	return transport.NewQUICTransport().Dial(ctx, addr, opts)
}

// Connect opens a stream on carrier and performs the initiator handshake
// for a TCP connection to target. The returned stream carries the proxied
// connection's bytes. Errors are a *protocol.ConnectError when the peer
// refused, a *protocol.TransportError, or wrap protocol.ErrTimeout.
func Connect(ctx context.Context, carrier StreamOpener, target protocol.TargetAddress, timeout time.Duration) (*stream.Conn, error) {
	req, err := protocol.NewTCPConnectRequest(target)
	if err != nil {
		return nil, err
	}
	sc, _, err := open(ctx, carrier, req, timeout)
	return sc, err
}

func open(ctx context.Context, carrier StreamOpener, req *protocol.ConnectRequest, timeout time.Duration) (*stream.Conn, *protocol.ConnectResponse, error) {
	st, err := carrier.OpenStream(ctx)
	if err != nil {
		return nil, nil, &protocol.TransportError{Op: "open stream", Err: err}
	}
	sc := stream.New(st)
	resp, err := handshake.Initiate(ctx, sc, req, timeout)
	if err != nil {
		return nil, nil, err
	}
	return sc, resp, nil
}

// Config contains client configuration.
type Config struct {
	// HandshakeTimeout bounds each initiator handshake.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// Client opens sessions over one carrier connection.
type Client struct {
	carrier transport.Conn
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	datagrams *UDPAssociation
}

// New creates a client on an established carrier connection.
func New(carrier transport.Conn, cfg Config) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = handshake.DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{
		carrier: carrier,
		timeout: cfg.HandshakeTimeout,
		logger: logger.With(
			slog.String(logging.KeyComponent, "client"),
			slog.String(logging.KeyPeerID, carrier.PeerID())),
	}
}

// Carrier returns the underlying carrier connection.
func (c *Client) Carrier() transport.Conn {
	return c.carrier
}

// Connect opens a proxied TCP connection to target.
func (c *Client) Connect(ctx context.Context, target protocol.TargetAddress) (*stream.Conn, error) {
	start := time.Now()
	sc, err := Connect(ctx, c.carrier, target, c.timeout)
	if err != nil {
		c.logger.Debug("connect failed",
			slog.String(logging.KeyTarget, target.String()),
			logging.KeyError, err)
		return nil, err
	}
	c.logger.Debug("connected",
		slog.String(logging.KeyTarget, target.String()),
		slog.Uint64(logging.KeyStreamID, sc.ID()),
		slog.Duration(logging.KeyDuration, time.Since(start)))
	return sc, nil
}

// ConnectAddr is Connect with a "host:port" target.
func (c *Client) ConnectAddr(ctx context.Context, addr string) (*stream.Conn, error) {
	target, err := protocol.ParseTarget(addr)
	if err != nil {
		return nil, err
	}
	return c.Connect(ctx, target)
}

// AssociateUDP opens a UDP association framed on its own carrier stream.
// target names the first destination; every datagram carries its own.
func (c *Client) AssociateUDP(ctx context.Context, target protocol.TargetAddress) (*UDPAssociation, error) {
	req, err := protocol.NewUDPAssociateRequest(target)
	if err != nil {
		return nil, err
	}
	sc, resp, err := open(ctx, c.carrier, req, c.timeout)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("udp associated", slog.Uint64(logging.KeyStreamID, sc.ID()))
	return &UDPAssociation{ch: relay.NewStreamChannel(sc), bound: resp.BoundAddress, streamed: true}, nil
}

// AssociateDatagrams exchanges datagrams over the carrier's unreliable
// datagrams, one frame per carrier datagram. The server must run in
// datagram mode. Only one such association may be open per carrier.
func (c *Client) AssociateDatagrams() (*UDPAssociation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.datagrams != nil {
		return nil, ErrDatagramsInUse
	}
	a := &UDPAssociation{ch: relay.NewDatagramChannel(c.carrier, c.logger)}
	a.onClose = func() {
		c.mu.Lock()
		if c.datagrams == a {
			c.datagrams = nil
		}
		c.mu.Unlock()
	}
	c.datagrams = a
	return a, nil
}

// Close closes the carrier connection and every session on it.
func (c *Client) Close() error {
	return c.carrier.Close()
}

// UDPAssociation sends and receives datagrams through the remote peer.
type UDPAssociation struct {
	ch       relay.PacketChannel
	bound    *protocol.TargetAddress
	streamed bool

	closeOnce sync.Once
	onClose   func()
}

// Bound returns the address the server reported, if any.
func (a *UDPAssociation) Bound() *protocol.TargetAddress {
	return a.bound
}

// Send relays payload to target.
func (a *UDPAssociation) Send(target protocol.TargetAddress, payload []byte) error {
	d, err := protocol.NewUDPDatagram(target, payload)
	if err != nil {
		return err
	}
	if err := a.ch.WriteDatagram(d); err != nil {
		return fmt.Errorf("send datagram: %w", err)
	}
	return nil
}

// Receive waits for the next reply. Its Target is the source the reply
// came from. A stream association cannot abandon a partly read frame, so
// cancelling ctx closes it.
func (a *UDPAssociation) Receive(ctx context.Context) (*protocol.UDPDatagram, error) {
	if a.streamed {
		stop := context.AfterFunc(ctx, func() { a.Close() })
		defer stop()
	}
	d, err := a.ch.ReadDatagram(ctx)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return d, err
}

// Close ends the association.
func (a *UDPAssociation) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.ch.Close()
		if a.onClose != nil {
			a.onClose()
		}
	})
	return err
}
