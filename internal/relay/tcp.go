// Package relay moves data between a carrier stream and local sockets once
// a handshake has completed.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/s2p/internal/logging"
	"github.com/postalsys/s2p/internal/stream"
)

// DefaultBufferSize is the per-direction copy buffer of a TCP session.
const DefaultBufferSize = 32 * 1024

// TCPConfig configures TCP sessions.
type TCPConfig struct {
	// BufferSize is the chunk size of each copy direction.
	BufferSize int

	// RateLimit caps each direction in bytes per second (0 = unlimited).
	RateLimit int64

	Logger *slog.Logger
}

// Stats summarizes a finished TCP session.
type Stats struct {
	Upstream   uint64 // carrier to local socket
	Downstream uint64 // local socket to carrier
	Duration   time.Duration
}

// TCP relays one carrier stream against one local TCP connection.
type TCP struct {
	cfg    TCPConfig
	logger *slog.Logger
}

// NewTCP creates a TCP relay.
func NewTCP(cfg TCPConfig) *TCP {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &TCP{cfg: cfg, logger: logger}
}

// Run copies in both directions until both have reached end of data, either
// side fails, or ctx is cancelled. End of data on one side half-closes the
// other; a failure or cancellation closes both streams immediately. Both
// streams are fully closed when Run returns. The returned error is nil for
// a clean finish.
func (r *TCP) Run(ctx context.Context, carrier, local stream.Duplex) (Stats, error) {
	start := time.Now()

	var (
		once     sync.Once
		firstErr error
	)
	teardown := func(err error) {
		once.Do(func() {
			firstErr = err
			if err != nil {
				r.logger.Debug("tearing down tcp session", logging.KeyError, err)
			}
			carrier.Close()
			local.Close()
		})
	}
	stop := context.AfterFunc(ctx, func() { teardown(ctx.Err()) })
	defer stop()

	var stats Stats
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := r.copyHalf(ctx, local, carrier)
		stats.Upstream = n
		if err != nil {
			teardown(err)
		}
	}()
	go func() {
		defer wg.Done()
		n, err := r.copyHalf(ctx, carrier, local)
		stats.Downstream = n
		if err != nil {
			teardown(err)
		}
	}()
	wg.Wait()
	teardown(nil)

	stats.Duration = time.Since(start)
	return stats, firstErr
}

// copyHalf copies src to dst one chunk at a time. The next read only
// starts once the previous chunk has been fully written, so a stalled
// destination stalls the source.
func (r *TCP) copyHalf(ctx context.Context, dst, src stream.Duplex) (uint64, error) {
	buf := make([]byte, r.cfg.BufferSize)
	reader := newRateLimitedReader(ctx, src, r.cfg.RateLimit, r.cfg.BufferSize)

	var total uint64
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			written, werr := writeFull(dst, buf[:n])
			total += uint64(written)
			if werr != nil {
				return total, werr
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, dst.CloseWrite()
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// writeFull retries short writes until p is written or an error occurs.
func writeFull(w io.Writer, p []byte) (int, error) {
	var off int
	for off < len(p) {
		n, err := w.Write(p[off:])
		off += n
		if err != nil {
			return off, err
		}
		if n == 0 {
			return off, io.ErrShortWrite
		}
	}
	return off, nil
}
