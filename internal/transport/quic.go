package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/s2p/internal/certutil"
	"github.com/postalsys/s2p/internal/protocol"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout     = 60 * time.Second
	DefaultKeepAlivePeriod    = 15 * time.Second
	DefaultMaxIncomingStreams = 10000
)

// QUICTransport dials and listens for QUIC carrier connections.
type QUICTransport struct {
	mu        sync.Mutex
	listeners []*QUICListener
	closed    bool
}

// NewQUICTransport creates a new QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

func quicConfig(maxStreams int, keepAlive time.Duration) *quic.Config {
	if maxStreams <= 0 {
		maxStreams = DefaultMaxIncomingStreams
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlivePeriod
	}
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       keepAlive,
		MaxIncomingStreams:    int64(maxStreams),
		MaxIncomingUniStreams: -1, // unidirectional streams are unused
		EnableDatagrams:       true,
	}
}

// Dial connects to a remote peer.
func (t *QUICTransport) Dial(ctx context.Context, addr string, opts DialOptions) (*QUICConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC dial")
	}
	tlsConfig := opts.TLSConfig.Clone()
	tlsConfig.NextProtos = []string{alpnOrDefault(opts.ALPN)}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig(DefaultMaxIncomingStreams, opts.KeepAlive))
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	qc, err := newQUICConn(conn, true)
	if err != nil {
		conn.CloseWithError(quic.ApplicationErrorCode(CodeUnauthorized), err.Error())
		return nil, err
	}
	return qc, nil
}

// Listen creates a QUIC listener.
func (t *QUICTransport) Listen(addr string, opts ListenOptions) (*QUICListener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}
	tlsConfig := opts.TLSConfig.Clone()
	tlsConfig.NextProtos = []string{alpnOrDefault(opts.ALPN)}

	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig(opts.MaxStreams, opts.KeepAlive))
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	ql := &QUICListener{listener: listener}
	t.listeners = append(t.listeners, ql)
	return ql, nil
}

// Close shuts down the transport and all listeners.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil

	return lastErr
}

// QUICListener implements Listener for QUIC.
type QUICListener struct {
	listener *quic.Listener
	closed   bool
	mu       sync.Mutex
}

// Accept waits for and returns the next QUIC connection. Connections whose
// peer presented no certificate are refused and skipped.
func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	for {
		conn, err := l.listener.Accept(ctx)
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, fmt.Errorf("%w: %v", net.ErrClosed, err)
		}
		if err != nil {
			return nil, err
		}
		qc, err := newQUICConn(conn, false)
		if err != nil {
			conn.CloseWithError(quic.ApplicationErrorCode(CodeUnauthorized), err.Error())
			continue
		}
		return qc, nil
	}
}

// Addr returns the listener's address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *QUICListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	return l.listener.Close()
}

// QUICConn implements Conn for QUIC.
type QUICConn struct {
	conn     quic.Connection
	isDialer bool
	peerID   string
}

func newQUICConn(conn quic.Connection, isDialer bool) (*QUICConn, error) {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return nil, ErrNoPeerIdentity
	}
	return &QUICConn{
		conn:     conn,
		isDialer: isDialer,
		peerID:   certutil.Fingerprint(certs[0]),
	}, nil
}

// OpenStream creates a new outgoing QUIC stream.
func (c *QUICConn) OpenStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	return &QUICStream{stream: stream}, nil
}

// AcceptStream waits for an incoming QUIC stream.
func (c *QUICConn) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &QUICStream{stream: stream}, nil
}

// SendDatagram sends an unreliable datagram.
func (c *QUICConn) SendDatagram(payload []byte) error {
	err := c.conn.SendDatagram(payload)
	var tooLarge *quic.DatagramTooLargeError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: %d bytes, path allows %d", protocol.ErrDatagramTooLarge, len(payload), tooLarge.MaxDatagramPayloadSize)
	}
	return err
}

// ReceiveDatagram waits for the next datagram.
func (c *QUICConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

// PeerID returns the SHA-256 fingerprint of the peer certificate.
func (c *QUICConn) PeerID() string {
	return c.peerID
}

// LocalAddr returns the local address.
func (c *QUICConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote address.
func (c *QUICConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsDialer returns true if this side initiated the connection.
func (c *QUICConn) IsDialer() bool {
	return c.isDialer
}

// Done is closed when the connection ends.
func (c *QUICConn) Done() <-chan struct{} {
	return c.conn.Context().Done()
}

// CloseWithError terminates the connection with an application code.
func (c *QUICConn) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// Close terminates the QUIC connection.
func (c *QUICConn) Close() error {
	return c.CloseWithError(CodeNoError, "connection closed")
}

// QUICStream implements Stream for QUIC.
type QUICStream struct {
	stream quic.Stream
}

// StreamID returns the QUIC stream ID.
func (s *QUICStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

// Read reads data from the stream.
func (s *QUICStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

// Write writes data to the stream.
func (s *QUICStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// CloseRead aborts the receive side.
func (s *QUICStream) CloseRead() error {
	s.stream.CancelRead(0)
	return nil
}

// CloseWrite sends a half-close (FIN) on the write side.
func (s *QUICStream) CloseWrite() error {
	return s.stream.Close()
}

// Close fully closes the stream.
func (s *QUICStream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}

// SetDeadline sets read and write deadlines.
func (s *QUICStream) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}
