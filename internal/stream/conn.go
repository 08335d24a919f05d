// Package stream provides the duplex byte-stream abstraction the protocol
// layers run on. Carrier streams and local TCP sockets are both adapted to
// it, so the handshake and relays never see a concrete transport.
package stream

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrWriteClosed is returned by Write after CloseWrite or Close.
	ErrWriteClosed = errors.New("stream: write side closed")
)

// Duplex is a bidirectional byte stream with independent half-close.
type Duplex interface {
	io.Reader
	io.Writer

	// CloseRead stops accepting inbound data.
	CloseRead() error

	// CloseWrite signals end of data to the peer. The read side stays open.
	CloseWrite() error

	// Close closes both directions.
	Close() error

	// SetDeadline sets read and write deadlines. A zero value clears them.
	SetDeadline(t time.Time) error
}

// Raw is what a native stream must provide to be adapted. CloseRead is
// optional and detected at runtime.
type Raw interface {
	io.Reader
	io.Writer
	CloseWrite() error
	Close() error
	SetDeadline(t time.Time) error
}

type readCloser interface {
	CloseRead() error
}

type identified interface {
	StreamID() uint64
}

// State is the half-close state of a Conn.
type State int32

const (
	StateOpen State = iota
	StateHalfClosedLocal  // we sent end of data
	StateHalfClosedRemote // peer sent end of data
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn adapts a Raw stream to Duplex and enforces its guarantees: reads
// after end of stream keep returning io.EOF, writes after CloseWrite fail
// with ErrWriteClosed, and every close is idempotent.
type Conn struct {
	raw Raw

	mu          sync.Mutex
	readDone    bool
	writeClosed bool
	readClosed  bool

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// New wraps raw. Wrapping a *Conn returns it unchanged.
func New(raw Raw) *Conn {
	if c, ok := raw.(*Conn); ok {
		return c
	}
	return &Conn{raw: raw}
}

// ID returns the underlying stream identifier, or 0 if it has none.
func (c *Conn) ID() uint64 {
	if s, ok := c.raw.(identified); ok {
		return s.StreamID()
	}
	return 0
}

// Read reads from the stream. Once io.EOF has been seen it is returned
// for every later call without touching the underlying stream.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	done := c.readDone || c.readClosed
	c.mu.Unlock()
	if done || c.closed.Load() {
		return 0, io.EOF
	}

	n, err := c.raw.Read(p)
	c.bytesRead.Add(uint64(n))
	if errors.Is(err, io.EOF) {
		c.mu.Lock()
		c.readDone = true
		c.mu.Unlock()
		err = io.EOF
	}
	return n, err
}

// Write writes p. It fails with ErrWriteClosed once the write side is closed.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	wc := c.writeClosed
	c.mu.Unlock()
	if wc || c.closed.Load() {
		return 0, ErrWriteClosed
	}

	n, err := c.raw.Write(p)
	c.bytesWritten.Add(uint64(n))
	return n, err
}

// CloseWrite half-closes the write side.
func (c *Conn) CloseWrite() error {
	c.mu.Lock()
	if c.writeClosed || c.closed.Load() {
		c.mu.Unlock()
		return nil
	}
	c.writeClosed = true
	c.mu.Unlock()
	return c.raw.CloseWrite()
}

// CloseRead stops the read side. Later reads return io.EOF.
func (c *Conn) CloseRead() error {
	c.mu.Lock()
	if c.readClosed || c.closed.Load() {
		c.mu.Unlock()
		return nil
	}
	c.readClosed = true
	c.mu.Unlock()
	if rc, ok := c.raw.(readCloser); ok {
		return rc.CloseRead()
	}
	return nil
}

// Close closes both directions. Only the first call reaches the
// underlying stream; later calls return the same result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// SetDeadline forwards to the underlying stream.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

// State reports the current half-close state.
func (c *Conn) State() State {
	if c.closed.Load() {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.writeClosed && c.readDone:
		return StateClosed
	case c.writeClosed:
		return StateHalfClosedLocal
	case c.readDone:
		return StateHalfClosedRemote
	default:
		return StateOpen
	}
}

// BytesRead returns the number of bytes read so far.
func (c *Conn) BytesRead() uint64 {
	return c.bytesRead.Load()
}

// BytesWritten returns the number of bytes written so far.
func (c *Conn) BytesWritten() uint64 {
	return c.bytesWritten.Load()
}
