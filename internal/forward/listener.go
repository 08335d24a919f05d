// Package forward exposes a remote target as a local TCP port: every
// connection accepted locally is proxied to the target through a peer.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/s2p/internal/logging"
	"github.com/postalsys/s2p/internal/protocol"
	"github.com/postalsys/s2p/internal/recovery"
	"github.com/postalsys/s2p/internal/relay"
	"github.com/postalsys/s2p/internal/stream"
)

// Connector opens proxied TCP connections. *client.Client satisfies it.
type Connector interface {
	Connect(ctx context.Context, target protocol.TargetAddress) (*stream.Conn, error)
}

// ListenerConfig holds listener configuration.
type ListenerConfig struct {
	// Address is the local address to listen on.
	Address string

	// Target is the remote destination every connection is proxied to.
	Target protocol.TargetAddress

	// MaxConnections limits concurrent connections (0 = unlimited).
	MaxConnections int

	// Relay configures the copy loop of each connection.
	Relay relay.TCPConfig

	// Logger for logging.
	Logger *slog.Logger
}

// Listener is a local TCP listener that forwards connections to a remote
// target.
type Listener struct {
	cfg       ListenerConfig
	connector Connector
	relay     *relay.TCP
	listener  net.Listener
	logger    *slog.Logger

	mu          sync.Mutex
	connections map[net.Conn]struct{}
	connCount   atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates a new port forward listener.
func NewListener(cfg ListenerConfig, connector Connector) *Listener {
	logger := logging.Component(cfg.Logger, "forward").With(
		slog.String(logging.KeyTarget, cfg.Target.String()))

	relayCfg := cfg.Relay
	relayCfg.Logger = logger

	return &Listener{
		cfg:         cfg,
		connector:   connector,
		relay:       relay.NewTCP(relayCfg),
		logger:      logger,
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start starts the forward listener.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}
	if err := l.cfg.Target.Validate(); err != nil {
		return fmt.Errorf("invalid forward target: %w", err)
	}

	listener, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Address, err)
	}

	l.listener = listener
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("forward listener started",
		logging.KeyAddress, l.listener.Addr().String())

	return nil
}

// Stop gracefully stops the listener.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)

		if l.listener != nil {
			err = l.listener.Close()
		}

		// Close all active connections
		l.mu.Lock()
		for conn := range l.connections {
			conn.Close()
		}
		l.mu.Unlock()

		l.logger.Info("forward listener stopped")
	})

	l.wg.Wait()
	return err
}

// Address returns the listening address.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Target returns the remote destination.
func (l *Listener) Target() protocol.TargetAddress {
	return l.cfg.Target
}

// ConnectionCount returns the number of active connections.
func (l *Listener) ConnectionCount() int64 {
	return l.connCount.Load()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}

		if l.cfg.MaxConnections > 0 && l.connCount.Load() >= int64(l.cfg.MaxConnections) {
			l.logger.Debug("connection limit reached",
				"limit", l.cfg.MaxConnections)
			conn.Close()
			continue
		}

		l.mu.Lock()
		l.connections[conn] = struct{}{}
		l.mu.Unlock()
		l.connCount.Add(1)

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "forward.Listener.handleConnection")
	defer func() {
		conn.Close()
		l.mu.Lock()
		delete(l.connections, conn)
		l.mu.Unlock()
		l.connCount.Add(-1)
	}()

	log := l.logger.With(logging.KeyRemoteAddr, conn.RemoteAddr().String())
	log.Debug("new forward connection")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	remote, err := l.connector.Connect(ctx, l.cfg.Target)
	if err != nil {
		log.Debug("connect failed", logging.KeyError, err)
		return
	}

	local, ok := conn.(*net.TCPConn)
	if !ok {
		remote.Close()
		return
	}

	stats, err := l.relay.Run(ctx, remote, stream.New(local))
	log.Debug("forward connection closed",
		logging.Bytes(logging.KeyBytesUp, stats.Downstream),
		logging.Bytes(logging.KeyBytesDown, stats.Upstream),
		logging.KeyError, err)
}
