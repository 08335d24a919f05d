package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/postalsys/s2p/internal/client"
	"github.com/postalsys/s2p/internal/logging"
	"github.com/postalsys/s2p/internal/protocol"
	"github.com/postalsys/s2p/internal/stream"
	"github.com/postalsys/s2p/internal/transport"
)

// ErrLinkClosed is returned by a Link after Close.
var ErrLinkClosed = errors.New("link closed")

// LinkConfig configures a Link.
type LinkConfig struct {
	// Address of the server (host:port).
	Address string

	DialOptions transport.DialOptions
	Client      client.Config
	Logger      *slog.Logger
}

// Link keeps one carrier connection to a server and redials it on demand
// once it is lost. It satisfies forward.Connector.
type Link struct {
	cfg       LinkConfig
	transport *transport.QUICTransport
	logger    *slog.Logger

	mu     sync.Mutex
	client *client.Client
	closed bool
}

// NewLink creates a link. No connection is made until first use.
func NewLink(cfg LinkConfig) *Link {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Link{
		cfg:       cfg,
		transport: transport.NewQUICTransport(),
		logger: logger.With(
			slog.String(logging.KeyComponent, "link"),
			slog.String(logging.KeyAddress, cfg.Address)),
	}
}

// Client returns a client on a live carrier, dialing a new carrier if there
// is none or the previous one has closed.
func (l *Link) Client(ctx context.Context) (*client.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLinkClosed
	}
	if l.client != nil {
		select {
		case <-l.client.Carrier().Done():
			l.logger.Info("carrier lost, redialing")
			l.client.Close()
			l.client = nil
		default:
			return l.client, nil
		}
	}

	conn, err := l.transport.Dial(ctx, l.cfg.Address, l.cfg.DialOptions)
	if err != nil {
		return nil, err
	}
	l.client = client.New(conn, l.cfg.Client)
	l.logger.Info("carrier connected",
		logging.KeyPeerID, conn.PeerID(),
		logging.KeyLocalAddr, conn.LocalAddr().String())
	return l.client, nil
}

// Connect opens a proxied TCP connection to target, dialing the carrier
// first if needed.
func (l *Link) Connect(ctx context.Context, target protocol.TargetAddress) (*stream.Conn, error) {
	c, err := l.Client(ctx)
	if err != nil {
		return nil, &protocol.TransportError{Op: "dial carrier", Err: err}
	}
	return c.Connect(ctx, target)
}

// Connected reports whether a carrier is currently up.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return false
	}
	select {
	case <-l.client.Carrier().Done():
		return false
	default:
		return true
	}
}

// Close closes the carrier and prevents further dials.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.client != nil {
		l.client.Close()
		l.client = nil
	}
	return l.transport.Close()
}
