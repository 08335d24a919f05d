package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/postalsys/s2p/internal/logging"
	"github.com/postalsys/s2p/internal/protocol"
	"github.com/postalsys/s2p/internal/stream"
)

// PacketChannel carries UdpDatagram frames between the relay and the peer.
// WriteDatagram must be safe for concurrent use.
type PacketChannel interface {
	// ReadDatagram blocks for the next frame from the peer. It returns
	// io.EOF when the peer has finished cleanly.
	ReadDatagram(ctx context.Context) (*protocol.UDPDatagram, error)

	// WriteDatagram sends one frame to the peer.
	WriteDatagram(d *protocol.UDPDatagram) error

	Close() error
}

// StreamChannel frames datagrams inside one carrier stream.
type StreamChannel struct {
	s  stream.Duplex
	fr *protocol.Reader

	wmu sync.Mutex
}

// NewStreamChannel wraps s, which must already have completed a UDP
// associate handshake.
func NewStreamChannel(s stream.Duplex) *StreamChannel {
	return &StreamChannel{s: s, fr: protocol.NewReader(s)}
}

// ReadDatagram reads the next frame. A decode error is fatal for the
// stream. ctx is not consulted; closing the channel unblocks the read.
func (c *StreamChannel) ReadDatagram(ctx context.Context) (*protocol.UDPDatagram, error) {
	return c.fr.ReadUDPDatagram()
}

// WriteDatagram encodes d and writes it as one frame.
func (c *StreamChannel) WriteDatagram(d *protocol.UDPDatagram) error {
	buf, err := protocol.EncodeUDPDatagram(d)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = writeFull(c.s, buf)
	return err
}

// Close closes the underlying stream.
func (c *StreamChannel) Close() error {
	return c.s.Close()
}

// DatagramCarrier is the unreliable datagram side of a carrier connection.
// A quic.Connection with datagrams enabled satisfies it.
type DatagramCarrier interface {
	SendDatagram(payload []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
}

// DatagramChannel maps each carrier datagram to exactly one frame.
type DatagramChannel struct {
	carrier DatagramCarrier
	logger  *slog.Logger

	// OnMalformed, if set, is called for every carrier datagram that does
	// not hold exactly one valid frame.
	OnMalformed func(err error)

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewDatagramChannel wraps the datagram side of a carrier connection.
func NewDatagramChannel(carrier DatagramCarrier, logger *slog.Logger) *DatagramChannel {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &DatagramChannel{carrier: carrier, logger: logger, done: make(chan struct{})}
}

// ErrChannelClosed is returned by a closed DatagramChannel.
var ErrChannelClosed = errors.New("relay: channel closed")

// ReadDatagram returns the next well-formed frame. Datagrams are lossy,
// so a malformed one is dropped rather than ending the channel.
func (c *DatagramChannel) ReadDatagram(ctx context.Context) (*protocol.UDPDatagram, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		buf, err := c.carrier.ReceiveDatagram(ctx)
		if err != nil {
			if c.isClosed() {
				return nil, ErrChannelClosed
			}
			return nil, err
		}
		d, err := protocol.UnmarshalUDPDatagram(buf)
		if err != nil {
			c.logger.Debug("dropping malformed datagram", logging.KeyError, err)
			if c.OnMalformed != nil {
				c.OnMalformed(err)
			}
			continue
		}
		return d, nil
	}
}

// WriteDatagram sends d as one carrier datagram.
func (c *DatagramChannel) WriteDatagram(d *protocol.UDPDatagram) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	buf, err := protocol.EncodeUDPDatagram(d)
	if err != nil {
		return err
	}
	return c.carrier.SendDatagram(buf)
}

// Close stops pending reads. The carrier connection itself stays open.
func (c *DatagramChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *DatagramChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
