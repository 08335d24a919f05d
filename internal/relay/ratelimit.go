package relay

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// minBurst keeps small limits from starving reads of a full buffer.
const minBurst = 16 * 1024

// rateLimitedReader throttles reads with a token bucket. Reads are capped
// at the bucket size so WaitN never asks for more than the burst.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// newRateLimitedReader limits r to bytesPerSecond. A non-positive rate
// returns r unchanged.
func newRateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64, bufSize int) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	burst := max(bufSize, minBurst)
	return &rateLimitedReader{
		ctx:     ctx,
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
	}
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > r.limiter.Burst() {
		p = p[:r.limiter.Burst()]
	}

	n, err := r.r.Read(p)
	if n <= 0 {
		return n, err
	}
	if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
		return n, waitErr
	}
	return n, err
}
