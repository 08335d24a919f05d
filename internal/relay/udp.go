package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/s2p/internal/logging"
	"github.com/postalsys/s2p/internal/metrics"
	"github.com/postalsys/s2p/internal/protocol"
	"github.com/postalsys/s2p/internal/recovery"
)

// DefaultIdleTimeout is how long a UDP flow may go without traffic in
// either direction before its socket is closed.
const DefaultIdleTimeout = 60 * time.Second

// Datagram drop reasons, used as metric labels.
const (
	dropPortNotAllowed = "port_not_allowed"
	dropFlowLimit      = "flow_limit"
	dropResolve        = "resolve_failed"
	dropBind           = "bind_failed"
	dropSend           = "send_failed"
	dropUnknownSource  = "unknown_source"
	dropTooLarge       = "too_large"
	dropInvalidTarget  = "invalid_target"
	dropPendingFull    = "pending_full"
)

// maxPending bounds the datagrams held for one target while its name is
// being resolved.
const maxPending = 16

// Resolver turns a target into the socket address datagrams are sent to.
type Resolver interface {
	Resolve(ctx context.Context, target protocol.TargetAddress) (netip.AddrPort, error)
}

// Binder opens the local UDP socket of a flow.
type Binder interface {
	BindUDP(ctx context.Context, dst netip.AddrPort) (*net.UDPConn, error)
}

// UDPConfig configures UDP associations.
type UDPConfig struct {
	// IdleTimeout evicts flows without traffic (default 60s, negative
	// disables eviction).
	IdleTimeout time.Duration

	// MaxFlows caps the distinct targets of one association. 0 means
	// unlimited. Datagrams for new targets past the cap are dropped.
	MaxFlows int

	// AllowedPorts restricts destination ports. Empty allows every port,
	// as does "*". Otherwise entries are decimal port numbers.
	AllowedPorts []string

	Resolver Resolver
	Binder   Binder
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// IsPortAllowed reports whether datagrams may be sent to port.
func (c *UDPConfig) IsPortAllowed(port uint16) bool {
	if len(c.AllowedPorts) == 0 {
		return true
	}

	portStr := strconv.Itoa(int(port))
	for _, allowed := range c.AllowedPorts {
		if allowed == "*" || allowed == portStr {
			return true
		}
	}
	return false
}

// UDPStats summarizes a finished association.
type UDPStats struct {
	Outbound uint64 // datagrams sent to targets
	Inbound  uint64 // datagrams returned to the peer
	Dropped  uint64
	Flows    uint64 // flows created, including re-created ones
	Duration time.Duration
}

// UDP relays datagrams between a PacketChannel and per-target sockets.
type UDP struct {
	cfg    UDPConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewUDP creates a UDP relay.
func NewUDP(cfg UDPConfig) *UDP {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Resolver == nil {
		cfg.Resolver = systemResolver{}
	}
	if cfg.Binder == nil {
		cfg.Binder = systemBinder{}
	}
	return &UDP{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "udp"),
		now:    time.Now,
	}
}

// Serve runs one association until the channel ends, a channel write
// fails, or ctx is cancelled. Every flow socket and the channel are closed
// when Serve returns. A clean end of the channel yields a nil error.
func (u *UDP) Serve(ctx context.Context, ch PacketChannel) (UDPStats, error) {
	start := u.now()
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &udpSession{
		u:       u,
		ch:      ch,
		flows:   make(map[string]*flow),
		pending: make(map[string]*pendingFlow),
	}
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	if u.cfg.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.sweepLoop(ctx)
	}

	var err error
loop:
	for {
		d, rerr := ch.ReadDatagram(ctx)
		if rerr != nil {
			switch {
			case parent.Err() != nil:
				err = parent.Err()
			case s.failure() != nil:
				err = s.failure()
			case !errors.Is(rerr, io.EOF):
				err = rerr
			}
			break loop
		}
		s.outbound(ctx, d)
	}

	cancel()
	ch.Close()
	s.closeAll()
	s.wg.Wait()

	stats := s.stats()
	stats.Duration = u.now().Sub(start)
	return stats, err
}

type flow struct {
	key    string
	target protocol.TargetAddress
	peer   netip.AddrPort
	conn   *net.UDPConn

	lastActivity atomic.Int64 // unix nanos
}

func (f *flow) touch(now time.Time) {
	f.lastActivity.Store(now.UnixNano())
}

func (f *flow) idle(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(time.Unix(0, f.lastActivity.Load())) > timeout
}

type udpSession struct {
	u  *UDP
	ch PacketChannel

	mu      sync.Mutex
	flows   map[string]*flow
	pending map[string]*pendingFlow
	closed  bool

	wg     sync.WaitGroup
	failed error

	outboundCount atomic.Uint64
	inboundCount  atomic.Uint64
	droppedCount  atomic.Uint64
	flowCount     atomic.Uint64
}

func (s *udpSession) fail(err error) {
	s.mu.Lock()
	if s.failed == nil {
		s.failed = err
	}
	s.mu.Unlock()
	s.ch.Close()
}

func (s *udpSession) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *udpSession) stats() UDPStats {
	return UDPStats{
		Outbound: s.outboundCount.Load(),
		Inbound:  s.inboundCount.Load(),
		Dropped:  s.droppedCount.Load(),
		Flows:    s.flowCount.Load(),
	}
}

func (s *udpSession) drop(reason string, target protocol.TargetAddress, err error) {
	s.droppedCount.Add(1)
	if m := s.u.cfg.Metrics; m != nil {
		m.RecordDatagramDropped(reason)
	}
	s.u.logger.Debug("datagram dropped",
		slog.String("reason", reason),
		slog.String(logging.KeyTarget, target.String()),
		logging.KeyError, err)
}

// pendingFlow holds datagrams for a domain target until its flow exists.
type pendingFlow struct {
	queue [][]byte
}

// outbound sends one datagram from the peer to its target, creating the
// flow on first use. Only the channel reader calls it, so flows for a key
// are never created concurrently. Domain targets resolve off the reader:
// their datagrams queue until the flow is installed.
func (s *udpSession) outbound(ctx context.Context, d *protocol.UDPDatagram) {
	if err := d.Target.Validate(); err != nil {
		s.drop(dropInvalidTarget, d.Target, err)
		return
	}
	if !s.u.cfg.IsPortAllowed(d.Target.Port) {
		s.drop(dropPortNotAllowed, d.Target, nil)
		return
	}

	now := s.u.now()
	key := d.Target.Key()

	s.mu.Lock()
	if p := s.pending[key]; p != nil {
		full := len(p.queue) >= maxPending
		if !full {
			p.queue = append(p.queue, clonePayload(d.Payload))
		}
		s.mu.Unlock()
		if full {
			s.drop(dropPendingFull, d.Target, nil)
		}
		return
	}
	f := s.flows[key]
	var stale *flow
	if f != nil && f.idle(now, s.u.cfg.IdleTimeout) {
		delete(s.flows, key)
		stale, f = f, nil
	}
	count := len(s.flows) + len(s.pending)
	if f == nil && d.Target.Kind == protocol.KindDomain {
		if limit := s.u.cfg.MaxFlows; limit == 0 || count < limit {
			s.pending[key] = &pendingFlow{queue: [][]byte{clonePayload(d.Payload)}}
			s.wg.Add(1)
			go s.openPending(ctx, d.Target)
			s.mu.Unlock()
			if stale != nil {
				s.closeFlow(stale, true)
			}
			return
		}
	}
	s.mu.Unlock()

	if stale != nil {
		s.closeFlow(stale, true)
	}

	if f == nil {
		if limit := s.u.cfg.MaxFlows; limit > 0 && count >= limit {
			s.drop(dropFlowLimit, d.Target, nil)
			return
		}
		var reason string
		var err error
		f, reason, err = s.openFlow(ctx, d.Target, now)
		if err != nil {
			s.drop(reason, d.Target, err)
			return
		}
		if !s.install(f) {
			s.drop(dropBind, d.Target, errAssociationClosed)
			return
		}
	}

	s.send(f, d.Payload)
}

var errAssociationClosed = errors.New("association closed")

// openPending resolves and binds a domain flow, then drains the datagrams
// queued for it in arrival order before making the flow visible to the
// reader.
func (s *udpSession) openPending(ctx context.Context, target protocol.TargetAddress) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.u.logger, "udp.openPending")

	key := target.Key()
	f, reason, err := s.openFlow(ctx, target, s.u.now())

	for {
		s.mu.Lock()
		p := s.pending[key]
		batch := p.queue
		p.queue = nil
		if err == nil && s.closed {
			reason, err = dropBind, errAssociationClosed
		}
		done := err != nil || len(batch) == 0
		if done {
			delete(s.pending, key)
			if err == nil {
				s.flows[key] = f
			}
		}
		s.mu.Unlock()

		if err != nil {
			for range batch {
				s.drop(reason, target, err)
			}
			if f != nil {
				f.conn.Close()
			}
			return
		}
		if done {
			break
		}
		for _, payload := range batch {
			s.send(f, payload)
		}
	}
	s.started(f)
}

func clonePayload(b []byte) []byte {
	return append([]byte(nil), b...)
}

// send writes one payload to f's target.
func (s *udpSession) send(f *flow, payload []byte) {
	f.touch(s.u.now())
	if _, err := f.conn.WriteToUDPAddrPort(payload, f.peer); err != nil {
		s.drop(dropSend, f.target, err)
		return
	}
	s.outboundCount.Add(1)
	if m := s.u.cfg.Metrics; m != nil {
		m.RecordDatagram("outbound")
	}
}

// openFlow resolves target and binds the flow socket. The flow is not yet
// in the table.
func (s *udpSession) openFlow(ctx context.Context, target protocol.TargetAddress, now time.Time) (*flow, string, error) {
	peer, err := s.resolve(ctx, target)
	if err != nil {
		return nil, dropResolve, err
	}
	conn, err := s.u.cfg.Binder.BindUDP(ctx, peer)
	if err != nil {
		return nil, dropBind, err
	}

	f := &flow{key: target.Key(), target: target, peer: peer, conn: conn}
	f.touch(now)
	return f, "", nil
}

// install adds f to the table and starts its reply loop. It fails once the
// association is closing.
func (s *udpSession) install(f *flow) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f.conn.Close()
		return false
	}
	s.flows[f.key] = f
	s.mu.Unlock()

	s.started(f)
	return true
}

// started accounts for a flow that just entered the table.
func (s *udpSession) started(f *flow) {
	s.flowCount.Add(1)
	if m := s.u.cfg.Metrics; m != nil {
		m.RecordFlowOpen()
	}
	s.u.logger.Debug("udp flow opened",
		slog.String(logging.KeyTarget, f.target.String()),
		slog.String(logging.KeyLocalAddr, f.conn.LocalAddr().String()))

	s.wg.Add(1)
	go s.readLoop(f)
}

func (s *udpSession) resolve(ctx context.Context, target protocol.TargetAddress) (netip.AddrPort, error) {
	if target.Kind != protocol.KindDomain {
		return netip.AddrPortFrom(target.IP.Unmap(), target.Port), nil
	}
	ap, err := s.u.cfg.Resolver.Resolve(ctx, target)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// readLoop returns replies from one flow's socket to the peer, labelled
// with the target the peer originally used.
func (s *udpSession) readLoop(f *flow) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.u.logger, "udp.readLoop")

	buf := make([]byte, protocol.MaxUDPPayload+1)
	for {
		n, from, err := f.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.remove(f) {
				s.closeFlow(f, false)
			}
			return
		}
		if netip.AddrPortFrom(from.Addr().Unmap(), from.Port()) != f.peer {
			s.drop(dropUnknownSource, f.target, fmt.Errorf("reply from %s", from))
			continue
		}
		if n > protocol.MaxUDPPayload {
			s.drop(dropTooLarge, f.target, fmt.Errorf("reply of %d bytes", n))
			continue
		}

		f.touch(s.u.now())
		err = s.ch.WriteDatagram(&protocol.UDPDatagram{Target: f.target, Payload: buf[:n]})
		if errors.Is(err, protocol.ErrDatagramTooLarge) {
			s.drop(dropTooLarge, f.target, err)
			continue
		}
		if err != nil {
			// The peer side is gone; end the association.
			s.fail(&protocol.TransportError{Op: "write datagram", Err: err})
			return
		}
		s.inboundCount.Add(1)
		if m := s.u.cfg.Metrics; m != nil {
			m.RecordDatagram("inbound")
		}
	}
}

// remove deletes f from the table if it is still the current flow for its
// key. It reports whether the caller now owns closing f.
func (s *udpSession) remove(f *flow) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flows[f.key] != f {
		return false
	}
	delete(s.flows, f.key)
	return true
}

func (s *udpSession) closeFlow(f *flow, evicted bool) {
	f.conn.Close()
	if m := s.u.cfg.Metrics; m != nil {
		m.RecordFlowClose(evicted)
	}
	if evicted {
		s.u.logger.Debug("udp flow evicted", slog.String(logging.KeyTarget, f.target.String()))
	}
}

func (s *udpSession) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.u.logger, "udp.sweepLoop")

	ticker := time.NewTicker(s.u.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(s.u.now())
		}
	}
}

// sweep evicts every flow idle at now and returns how many it removed.
func (s *udpSession) sweep(now time.Time) int {
	s.mu.Lock()
	var expired []*flow
	for key, f := range s.flows {
		if f.idle(now, s.u.cfg.IdleTimeout) {
			delete(s.flows, key)
			expired = append(expired, f)
		}
	}
	s.mu.Unlock()

	for _, f := range expired {
		s.closeFlow(f, true)
	}
	return len(expired)
}

func (s *udpSession) closeAll() {
	s.mu.Lock()
	s.closed = true
	flows := s.flows
	s.flows = make(map[string]*flow)
	s.mu.Unlock()

	for _, f := range flows {
		s.closeFlow(f, false)
	}
}

// systemResolver resolves domains with the Go resolver. Servers wire in
// dialer.Resolver instead.
type systemResolver struct{}

func (systemResolver) Resolve(ctx context.Context, target protocol.TargetAddress) (netip.AddrPort, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", target.Domain)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses for %s", target.Domain)
	}
	return netip.AddrPortFrom(addrs[0], target.Port), nil
}

type systemBinder struct{}

func (systemBinder) BindUDP(ctx context.Context, dst netip.AddrPort) (*net.UDPConn, error) {
	network := "udp6"
	if dst.Addr().Is4() {
		network = "udp4"
	}
	return net.ListenUDP(network, nil)
}
