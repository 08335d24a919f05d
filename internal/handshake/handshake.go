package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/postalsys/s2p/internal/logging"
	"github.com/postalsys/s2p/internal/protocol"
	"github.com/postalsys/s2p/internal/stream"
)

const (
	// DefaultTimeout bounds a whole handshake, including the responder's dial.
	DefaultTimeout = 30 * time.Second

	// responseGrace is how long a responder keeps trying to deliver a
	// failure response after the handshake deadline has already passed.
	responseGrace = time.Second
)

// Mode is the kind of session a successful handshake opens.
type Mode int

const (
	ModeTCP Mode = iota
	ModeUDP
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeUDP {
		return "udp"
	}
	return "tcp"
}

// ModeFor returns the session mode requested by cmd.
func ModeFor(cmd uint8) Mode {
	if cmd == protocol.CmdUDPAssociate {
		return ModeUDP
	}
	return ModeTCP
}

// guard ties a stream's deadline to a context. When ctx ends, the stream
// deadline is forced into the past so blocked reads and writes return.
type guard struct {
	ctx  context.Context
	s    stream.Duplex
	stop func() bool
}

func newGuard(ctx context.Context, s stream.Duplex) *guard {
	g := &guard{ctx: ctx, s: s}
	g.stop = context.AfterFunc(ctx, func() {
		s.SetDeadline(time.Now())
	})
	return g
}

// release detaches the guard. It reports false if the context already
// fired, in which case the stream is unusable.
func (g *guard) release() bool {
	if !g.stop() {
		return false
	}
	g.s.SetDeadline(time.Time{})
	return true
}

// classify turns an I/O failure during the handshake into an event and a
// caller-facing error.
func (g *guard) classify(op string, err error) (Event, error) {
	switch {
	case errors.Is(g.ctx.Err(), context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return EventTimeout, fmt.Errorf("%s: %w", op, protocol.ErrTimeout)
	case g.ctx.Err() != nil:
		return EventTransportFailed, &protocol.TransportError{Op: op, Err: g.ctx.Err()}
	case errors.Is(err, io.EOF):
		return EventTransportFailed, &protocol.TransportError{Op: op, Err: io.ErrUnexpectedEOF}
	default:
		return EventTransportFailed, &protocol.TransportError{Op: op, Err: err}
	}
}

// Initiate runs the initiator side on s: send req, wait for the response.
// On success the stream is ready for relayed data. On any failure the
// stream is closed and the error is a *protocol.ConnectError (the peer
// answered with a failure status), a *protocol.TransportError, an error
// wrapping protocol.ErrTimeout, or a *protocol.DecodeError.
func Initiate(ctx context.Context, s stream.Duplex, req *protocol.ConnectRequest, timeout time.Duration) (*protocol.ConnectResponse, error) {
	resp, _, err := initiate(ctx, s, req, timeout)
	return resp, err
}

func initiate(ctx context.Context, s stream.Duplex, req *protocol.ConnectRequest, timeout time.Duration) (*protocol.ConnectResponse, *Machine, error) {
	m := NewMachine(RoleInitiator)

	buf, err := protocol.EncodeRequest(req)
	if err != nil {
		s.Close()
		return nil, m, err
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	g := newGuard(ctx, s)

	fail := func(op string, err error) (*protocol.ConnectResponse, *Machine, error) {
		g.release()
		ev, herr := g.classify(op, err)
		m.Fire(ev, protocol.StatusGeneralFailure)
		s.Close()
		return nil, m, herr
	}

	if _, err := s.Write(buf); err != nil {
		return fail("send request", err)
	}
	m.Fire(EventRequestSent, protocol.StatusSuccess)

	resp, err := protocol.NewExactReader(s).ReadResponse()
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			g.release()
			m.Fire(EventDecodeFailed, protocol.StatusGeneralFailure)
			s.Close()
			return nil, m, err
		}
		return fail("read response", err)
	}

	if !g.release() {
		return fail("read response", os.ErrDeadlineExceeded)
	}

	if resp.Status != protocol.StatusSuccess {
		m.Fire(EventResponseFailure, resp.Status)
		s.Close()
		return nil, m, &protocol.ConnectError{Status: resp.Status}
	}

	m.Fire(EventResponseSuccess, protocol.StatusSuccess)
	return resp, m, nil
}

// Local is the local end of a proxied TCP connection as returned by a
// Dialer. *net.TCPConn satisfies it.
type Local interface {
	stream.Raw
	LocalAddr() net.Addr
}

// Dialer opens local TCP connections for the responder.
type Dialer interface {
	DialTCP(ctx context.Context, target protocol.TargetAddress) (Local, error)
}

// Result describes a completed responder handshake.
type Result struct {
	Mode    Mode
	Request *protocol.ConnectRequest

	// Local is the dialed connection for ModeTCP, nil for ModeUDP.
	Local *stream.Conn

	// Bound is the local address used to reach the target, if known.
	Bound *protocol.TargetAddress

	Duration time.Duration
}

// Responder runs the responding side of handshakes.
type Responder struct {
	// Dialer opens the local TCP connection for connect requests.
	Dialer Dialer

	// MapError translates a dial error into a status. Nil maps every
	// error to GeneralFailure unless it wraps a *protocol.ConnectError.
	MapError func(error) protocol.StatusCode

	// Admit, if set, may refuse a decoded request before any dial. It
	// returns StatusSuccess to let the request through.
	Admit func(req *protocol.ConnectRequest) protocol.StatusCode

	// AllowUDP enables UDP associate requests.
	AllowUDP bool

	// Timeout bounds the whole handshake (default 30s).
	Timeout time.Duration

	Logger *slog.Logger
}

// Respond reads a request from s and answers it. On success the caller
// owns s and Result.Local. On failure s has been closed; the returned
// error carries the status sent to the peer as a *protocol.ConnectError,
// or is a DecodeError when nothing was sent. A failure after the request
// was decoded still returns a Result with Mode and Request set and no
// Local.
func (r *Responder) Respond(ctx context.Context, s stream.Duplex) (*Result, error) {
	res, _, err := r.respond(ctx, s)
	return res, err
}

func (r *Responder) logger() *slog.Logger {
	if r.Logger == nil {
		return logging.NopLogger()
	}
	return r.Logger
}

func (r *Responder) mapError(err error) protocol.StatusCode {
	if status, ok := protocol.StatusOf(err); ok {
		return status
	}
	if r.MapError != nil {
		return r.MapError(err)
	}
	return protocol.StatusGeneralFailure
}

func (r *Responder) respond(ctx context.Context, s stream.Duplex) (*Result, *Machine, error) {
	start := time.Now()
	m := NewMachine(RoleResponder)

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	g := newGuard(ctx, s)

	req, err := protocol.NewExactReader(s).ReadRequest()
	if err != nil {
		g.release()
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			// The peer's intent is unknown, so nothing is sent back.
			m.Fire(EventDecodeFailed, protocol.StatusGeneralFailure)
			s.Close()
			return nil, m, err
		}
		ev, herr := g.classify("read request", err)
		m.Fire(ev, protocol.StatusGeneralFailure)
		s.Close()
		return nil, m, herr
	}
	m.Fire(EventRequestReceived, protocol.StatusSuccess)

	log := r.logger().With(
		slog.String(logging.KeyCommand, protocol.CommandName(req.Command)),
		slog.String(logging.KeyTarget, req.Target.String()))

	reject := func(ev Event, status protocol.StatusCode, cause error) (*Result, *Machine, error) {
		m.Fire(ev, status)
		g.stop()
		s.SetDeadline(time.Now().Add(responseGrace))
		if buf, err := protocol.EncodeResponse(&protocol.ConnectResponse{Status: status}); err == nil {
			s.Write(buf)
		}
		s.Close()
		log.Debug("request rejected",
			slog.String(logging.KeyStatus, protocol.StatusName(status)),
			logging.KeyError, cause)
		failed := &Result{Mode: ModeFor(req.Command), Request: req}
		cerr := &protocol.ConnectError{Status: status}
		if cause != nil {
			return failed, m, fmt.Errorf("%w: %v", cerr, cause)
		}
		return failed, m, cerr
	}

	if err := req.Target.Validate(); err != nil {
		return reject(EventRejected, protocol.StatusGeneralFailure, err)
	}
	if r.Admit != nil {
		if status := r.Admit(req); status != protocol.StatusSuccess {
			return reject(EventRejected, status, nil)
		}
	}

	res := &Result{Mode: ModeFor(req.Command), Request: req}

	switch res.Mode {
	case ModeUDP:
		if !r.AllowUDP {
			return reject(EventRejected, protocol.StatusCommandNotSupported, nil)
		}
		m.Fire(EventAssociated, protocol.StatusSuccess)

	case ModeTCP:
		if r.Dialer == nil {
			return reject(EventRejected, protocol.StatusCommandNotSupported, nil)
		}
		local, err := r.Dialer.DialTCP(ctx, req.Target)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return reject(EventTimeout, protocol.StatusGeneralFailure, err)
			}
			return reject(EventDialFailed, r.mapError(err), err)
		}
		res.Local = stream.New(local)
		if tcpAddr, ok := local.LocalAddr().(*net.TCPAddr); ok {
			res.Bound = protocol.BoundAddressFrom(tcpAddr.AddrPort())
		}
		m.Fire(EventDialSucceeded, protocol.StatusSuccess)
	}

	buf, err := protocol.EncodeResponse(&protocol.ConnectResponse{
		Status:       protocol.StatusSuccess,
		BoundAddress: res.Bound,
	})
	if err == nil {
		_, err = s.Write(buf)
	}
	if err == nil && !g.release() {
		err = os.ErrDeadlineExceeded
	}
	if err != nil {
		if res.Local != nil {
			res.Local.Close()
		}
		s.Close()
		_, herr := g.classify("send response", err)
		return &Result{Mode: res.Mode, Request: req}, m, herr
	}

	res.Duration = time.Since(start)
	return res, m, nil
}
