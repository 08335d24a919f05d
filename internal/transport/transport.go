// Package transport provides the carrier s2p runs on: authenticated QUIC
// connections offering multiplexed streams and unreliable datagrams.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/postalsys/s2p/internal/protocol"
)

// Application error codes sent when closing a carrier connection.
const (
	CodeNoError      uint64 = 0x0
	CodeUnauthorized uint64 = 0x1
	CodeShutdown     uint64 = 0x2
	CodeInternal     uint64 = 0x3
)

// ErrNoPeerIdentity is returned when the remote side presented no certificate.
var ErrNoPeerIdentity = errors.New("peer presented no certificate")

// Listener accepts incoming carrier connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (Conn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// Conn is one authenticated carrier connection to a peer.
type Conn interface {
	// OpenStream creates a new outgoing stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for an incoming stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// SendDatagram sends one unreliable datagram. A payload too large for
	// the path fails with an error wrapping protocol.ErrDatagramTooLarge.
	SendDatagram(payload []byte) error

	// ReceiveDatagram waits for the next datagram.
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	// PeerID returns the fingerprint of the peer's certificate.
	PeerID() string

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address.
	RemoteAddr() net.Addr

	// IsDialer returns true if this side initiated the connection.
	IsDialer() bool

	// Done is closed when the connection has ended.
	Done() <-chan struct{}

	// CloseWithError terminates the connection with an application code.
	CloseWithError(code uint64, reason string) error

	// Close terminates the connection with CodeNoError.
	Close() error
}

// Stream is a bidirectional byte stream with half-close support.
type Stream interface {
	io.Reader
	io.Writer

	// StreamID returns the stream identifier.
	StreamID() uint64

	// CloseRead stops accepting data; the peer's writes fail.
	CloseRead() error

	// CloseWrite sends a half-close (FIN) - signals done sending.
	CloseWrite() error

	// Close fully closes the stream in both directions.
	Close() error

	// SetDeadline sets read and write deadlines.
	SetDeadline(t time.Time) error
}

// DialOptions contains options for dialing a peer.
type DialOptions struct {
	// TLSConfig is the TLS configuration for the connection. It must carry
	// a client certificate; see ClientTLSConfig.
	TLSConfig *tls.Config

	// Timeout is the connection timeout.
	Timeout time.Duration

	// ALPN overrides the protocol identifier. Empty uses protocol.ALPN.
	ALPN string

	// KeepAlive is the keep-alive period (0 uses the default).
	KeepAlive time.Duration
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener; see
	// ServerTLSConfig.
	TLSConfig *tls.Config

	// MaxStreams is the maximum number of concurrent streams per connection.
	MaxStreams int

	// ALPN overrides the protocol identifier. Empty uses protocol.ALPN.
	ALPN string

	// KeepAlive is the keep-alive period (0 uses the default).
	KeepAlive time.Duration
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 30 * time.Second,
		ALPN:    protocol.ALPN,
	}
}

// DefaultListenOptions returns ListenOptions with sensible defaults.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{
		MaxStreams: DefaultMaxIncomingStreams,
		ALPN:       protocol.ALPN,
	}
}

func alpnOrDefault(alpn string) string {
	if alpn == "" {
		return protocol.ALPN
	}
	return alpn
}
