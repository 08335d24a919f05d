// Package server accepts carrier connections from peers and serves the
// proxy sessions they open: every incoming stream runs a handshake and then
// a TCP or UDP relay against the local network.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/s2p/internal/dialer"
	"github.com/postalsys/s2p/internal/handshake"
	"github.com/postalsys/s2p/internal/logging"
	"github.com/postalsys/s2p/internal/metrics"
	"github.com/postalsys/s2p/internal/protocol"
	"github.com/postalsys/s2p/internal/recovery"
	"github.com/postalsys/s2p/internal/relay"
	"github.com/postalsys/s2p/internal/stream"
	"github.com/postalsys/s2p/internal/transport"
)

// Session modes reported by Sessions.
const (
	ModeTCP         = "tcp"
	ModeUDP         = "udp"
	ModeUDPDatagram = "udp_datagram"
)

// Config contains server configuration.
type Config struct {
	// ListenAddr is the QUIC listen address (host:port).
	ListenAddr string

	// TLSConfig must request client certificates; see
	// transport.ServerTLSConfig.
	TLSConfig *tls.Config

	// ALPN overrides the carrier protocol identifier.
	ALPN string

	// Authenticator admits carrier peers. Nil admits every peer.
	Authenticator PeerAuthenticator

	// MaxSessions caps concurrent stream sessions across all peers
	// (0 = unlimited). Requests over the cap are answered with
	// ConnectionNotAllowed.
	MaxSessions int

	// HandshakeTimeout bounds each responder handshake.
	HandshakeTimeout time.Duration

	// AllowUDP enables UDP associate requests.
	AllowUDP bool

	// Datagrams serves a UDP association over the carrier's datagrams
	// for every connected peer. Requires AllowUDP.
	Datagrams bool

	TCP relay.TCPConfig
	UDP relay.UDPConfig

	// Dialer opens local sockets. Nil uses dialer.DefaultConfig.
	Dialer *dialer.SocketFactory

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// SessionInfo describes an active session.
type SessionInfo struct {
	ID         uint64    `json:"id"`
	PeerID     string    `json:"peer_id"`
	RemoteAddr string    `json:"remote_addr"`
	Mode       string    `json:"mode"`
	Target     string    `json:"target"`
	Bound      string    `json:"bound,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	BytesIn    uint64    `json:"bytes_in"`
	BytesOut   uint64    `json:"bytes_out"`
}

type session struct {
	info   SessionInfo
	conn   *stream.Conn
	cancel context.CancelFunc
}

// Stats contains server statistics.
type Stats struct {
	Peers       int `json:"peers"`
	Sessions    int `json:"sessions"`
	TCPSessions int `json:"tcp_sessions"`
	UDPSessions int `json:"udp_sessions"`
}

// Server is the responding side of s2p.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	dialer    *dialer.SocketFactory
	responder handshake.Responder
	tcp       *relay.TCP
	udp       *relay.UDP

	transport *transport.QUICTransport
	listener  transport.Listener

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conns    map[transport.Conn]struct{}
	sessions map[uint64]*session
	stopping bool

	nextID   atomic.Uint64
	reserved atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a server. Call Start or Serve to accept peers.
func New(cfg Config) (*Server, error) {
	if cfg.Datagrams && !cfg.AllowUDP {
		return nil, fmt.Errorf("datagram mode requires UDP to be allowed")
	}
	if cfg.Authenticator == nil {
		cfg.Authenticator = AllowAll{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = handshake.DefaultTimeout
	}
	logger := logging.Component(cfg.Logger, "server")

	d := cfg.Dialer
	if d == nil {
		dcfg := dialer.DefaultConfig()
		dcfg.Metrics = cfg.Metrics
		dcfg.Logger = cfg.Logger
		d = dialer.New(dcfg)
	}

	tcpCfg := cfg.TCP
	tcpCfg.Logger = logger
	udpCfg := cfg.UDP
	udpCfg.Resolver = d
	udpCfg.Binder = d
	udpCfg.Metrics = cfg.Metrics
	udpCfg.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger,
		dialer: d,
		responder: handshake.Responder{
			Dialer:   d,
			MapError: dialer.StatusFor,
			AllowUDP: cfg.AllowUDP,
			Timeout:  cfg.HandshakeTimeout,
		},
		tcp:      relay.NewTCP(tcpCfg),
		udp:      relay.NewUDP(udpCfg),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[transport.Conn]struct{}),
		sessions: make(map[uint64]*session),
	}, nil
}

// Start listens on the configured QUIC address and accepts peers in the
// background.
func (s *Server) Start() error {
	if s.cfg.TLSConfig == nil {
		return fmt.Errorf("TLS config required")
	}
	s.transport = transport.NewQUICTransport()
	ln, err := s.transport.Listen(s.cfg.ListenAddr, transport.ListenOptions{
		TLSConfig: s.cfg.TLSConfig,
		ALPN:      s.cfg.ALPN,
	})
	if err != nil {
		s.transport.Close()
		return err
	}
	return s.Serve(ln)
}

// Serve accepts peers from ln in the background. The server owns ln.
func (s *Server) Serve(ln transport.Listener) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("server stopped")
	}
	s.listener = ln
	s.mu.Unlock()

	s.running.Store(true)
	s.logger.Info("listening", slog.String(logging.KeyAddress, ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning returns true while the server accepts peers.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Stop closes every carrier connection, every session and the listener,
// then waits for all goroutines to finish.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping server")
		s.running.Store(false)

		s.mu.Lock()
		s.stopping = true
		ln := s.listener
		conns := make([]transport.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		// Carriers close first: the listener owns the UDP socket, and
		// closing it would drop the CONNECTION_CLOSE frames.
		for _, c := range conns {
			c.CloseWithError(transport.CodeShutdown, "server shutting down")
		}
		s.cancel()
		if ln != nil {
			ln.Close()
		}
		if s.transport != nil {
			s.transport.Close()
		}

		s.wg.Wait()
		s.logger.Info("server stopped")
	})
	return nil
}

// StopWithContext stops with a timeout.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns a snapshot of the active sessions ordered by ID.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		info := sess.info
		if sess.conn != nil {
			info.BytesIn = sess.conn.BytesRead()
			info.BytesOut = sess.conn.BytesWritten()
		}
		out = append(out, info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseSession ends one session. It reports whether the session existed.
func (s *Server) CloseSession(id uint64) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		sess.cancel()
	}
	return ok
}

// Stats returns server statistics.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Peers: len(s.conns), Sessions: len(s.sessions)}
	for _, sess := range s.sessions {
		if sess.info.Mode == ModeTCP {
			st.TCPSessions++
		} else {
			st.UDPSessions++
		}
	}
	return st
}

func (s *Server) acceptLoop(ln transport.Listener) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "server.acceptLoop")

	for {
		conn, err := ln.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("accept error",
				logging.KeyLocalAddr, ln.Addr(),
				logging.KeyError, err)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) trackConn(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn transport.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handleConn serves one carrier connection until it ends.
func (s *Server) handleConn(conn transport.Conn) {
	defer s.wg.Done()
	defer recovery.RecoverWithCallback(s.logger, "server.handleConn", func(*recovery.PanicError) {
		conn.CloseWithError(transport.CodeInternal, "internal error")
	})

	peerID := conn.PeerID()
	log := s.logger.With(
		slog.String(logging.KeyPeerID, peerID),
		slog.String(logging.KeyRemoteAddr, conn.RemoteAddr().String()))

	if !s.cfg.Authenticator.Authorize(peerID) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordPeerRejected()
		}
		log.Warn("peer not authorized")
		conn.CloseWithError(transport.CodeUnauthorized, "peer not authorized")
		return
	}
	if !s.trackConn(conn) {
		conn.CloseWithError(transport.CodeShutdown, "server shutting down")
		return
	}
	defer s.untrackConn(conn)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordPeerConnect()
		defer s.cfg.Metrics.RecordPeerDisconnect()
	}
	log.Info("peer connected")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if s.cfg.Datagrams {
		s.wg.Add(1)
		go s.serveDatagrams(ctx, conn, log)
	}

	for {
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("carrier closed", logging.KeyError, err)
			}
			break
		}
		s.wg.Add(1)
		go s.handleStream(ctx, conn, st, log)
	}

	log.Info("peer disconnected")
}

// reserve claims a session slot.
func (s *Server) reserve() bool {
	n := s.reserved.Add(1)
	if s.cfg.MaxSessions > 0 && n > int64(s.cfg.MaxSessions) {
		s.reserved.Add(-1)
		return false
	}
	return true
}

// modeName maps a handshake mode to the session mode label.
func modeName(m handshake.Mode) string {
	if m == handshake.ModeUDP {
		return ModeUDP
	}
	return ModeTCP
}

func (s *Server) release() {
	s.reserved.Add(-1)
}

// handleStream runs the handshake and relay for one carrier stream.
func (s *Server) handleStream(ctx context.Context, conn transport.Conn, st transport.Stream, log *slog.Logger) {
	defer s.wg.Done()

	sc := stream.New(st)
	log = log.With(slog.Uint64(logging.KeyStreamID, sc.ID()))

	reserved := false
	defer recovery.RecoverWithCallback(log, "server.handleStream", func(*recovery.PanicError) {
		sc.Close()
	})

	r := s.responder
	r.Logger = log
	r.Admit = func(*protocol.ConnectRequest) protocol.StatusCode {
		if !s.reserve() {
			return protocol.StatusConnectionNotAllowed
		}
		reserved = true
		return protocol.StatusSuccess
	}

	start := time.Now()
	res, err := r.Respond(ctx, sc)
	if err != nil {
		if reserved {
			s.release()
		}
		mode := "unknown"
		if res != nil {
			mode = modeName(res.Mode)
		}
		s.recordHandshake(mode, err, time.Since(start))
		log.Debug("handshake failed", logging.KeyError, err)
		return
	}

	mode := modeName(res.Mode)
	s.recordHandshake(mode, nil, res.Duration)

	sctx, scancel := context.WithCancel(ctx)
	defer scancel()

	info := SessionInfo{
		PeerID:     conn.PeerID(),
		RemoteAddr: conn.RemoteAddr().String(),
		Mode:       mode,
		Target:     res.Request.Target.String(),
	}
	if res.Bound != nil {
		info.Bound = res.Bound.String()
	}
	id := s.register(info, sc, scancel)
	defer s.unregister(id, mode)
	// The slot is free before the session disappears from Sessions.
	defer s.release()

	log = log.With(
		slog.Uint64(logging.KeySessionID, id),
		slog.String(logging.KeyMode, mode),
		slog.String(logging.KeyTarget, info.Target))
	log.Debug("session started")

	switch res.Mode {
	case handshake.ModeTCP:
		stats, err := s.tcp.Run(sctx, sc, res.Local)
		if m := s.cfg.Metrics; m != nil {
			m.RecordBytes("upstream", stats.Upstream)
			m.RecordBytes("downstream", stats.Downstream)
		}
		log.Info("tcp session closed",
			logging.Bytes(logging.KeyBytesUp, stats.Upstream),
			logging.Bytes(logging.KeyBytesDown, stats.Downstream),
			slog.Duration(logging.KeyDuration, stats.Duration),
			logging.KeyError, err)

	case handshake.ModeUDP:
		stats, err := s.udp.Serve(sctx, relay.NewStreamChannel(sc))
		s.logUDPStats(log, stats, err)
	}
}

// serveDatagrams runs the association carried by conn's datagrams.
func (s *Server) serveDatagrams(ctx context.Context, conn transport.Conn, log *slog.Logger) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(log, "server.serveDatagrams")

	ch := relay.NewDatagramChannel(conn, log)
	ch.OnMalformed = func(error) {
		if m := s.cfg.Metrics; m != nil {
			m.RecordDatagramDropped("malformed")
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	id := s.register(SessionInfo{
		PeerID:     conn.PeerID(),
		RemoteAddr: conn.RemoteAddr().String(),
		Mode:       ModeUDPDatagram,
		Target:     "*",
	}, nil, cancel)
	defer s.unregister(id, ModeUDPDatagram)

	stats, err := s.udp.Serve(sctx, ch)
	if ctx.Err() != nil {
		err = nil
	}
	s.logUDPStats(log.With(slog.Uint64(logging.KeySessionID, id), slog.String(logging.KeyMode, ModeUDPDatagram)), stats, err)
}

func (s *Server) logUDPStats(log *slog.Logger, stats relay.UDPStats, err error) {
	log.Info("udp association closed",
		slog.Uint64("datagrams_out", stats.Outbound),
		slog.Uint64("datagrams_in", stats.Inbound),
		slog.Uint64("dropped", stats.Dropped),
		slog.Uint64("flows", stats.Flows),
		slog.Duration(logging.KeyDuration, stats.Duration),
		logging.KeyError, err)
}

func (s *Server) register(info SessionInfo, conn *stream.Conn, cancel context.CancelFunc) uint64 {
	info.ID = s.nextID.Add(1)
	info.StartedAt = time.Now()

	s.mu.Lock()
	s.sessions[info.ID] = &session{info: info, conn: conn, cancel: cancel}
	s.mu.Unlock()

	if m := s.cfg.Metrics; m != nil {
		m.RecordSessionOpen(info.Mode)
	}
	return info.ID
}

func (s *Server) unregister(id uint64, mode string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	if m := s.cfg.Metrics; m != nil {
		m.RecordSessionClose(mode)
	}
}

func (s *Server) recordHandshake(mode string, err error, d time.Duration) {
	if m := s.cfg.Metrics; m != nil {
		m.RecordHandshake(mode, handshakeOutcome(err), d.Seconds())
	}
}

// handshakeOutcome labels a responder handshake result for metrics.
func handshakeOutcome(err error) string {
	if err == nil {
		return protocol.StatusName(protocol.StatusSuccess)
	}
	if status, ok := protocol.StatusOf(err); ok {
		return protocol.StatusName(status)
	}
	var de *protocol.DecodeError
	switch {
	case errors.As(err, &de):
		return "DECODE_ERROR"
	case errors.Is(err, protocol.ErrTimeout):
		return "TIMEOUT"
	default:
		return "TRANSPORT_ERROR"
	}
}
