// Package ratelimiter provides byte-bandwidth throttling using the token
// bucket algorithm.
//
// The dispatch layer wraps payload readers and writers with a shared
// BandwidthLimiter to simulate constrained links in integration setups and to
// protect the server from being saturated by a single bulk transfer.
package ratelimiter

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// BandwidthLimiter throttles byte throughput.
//
// Tokens represent bytes: the bucket refills at the configured rate and each
// transferred chunk consumes its size in tokens. A zero rate disables
// throttling entirely.
//
// Thread safety:
// All methods are safe for concurrent use; concurrent transfers share the
// same bucket and therefore the same aggregate bandwidth.
type BandwidthLimiter struct {
	limiter *rate.Limiter
}

// New creates a BandwidthLimiter allowing bytesPerSecond sustained throughput
// with a burst bucket of the same size. bytesPerSecond = 0 means unlimited.
func New(bytesPerSecond int64) *BandwidthLimiter {
	if bytesPerSecond <= 0 {
		return &BandwidthLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &BandwidthLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond)),
	}
}

// WaitN blocks until n bytes worth of tokens are available or the context is
// cancelled. Requests larger than the bucket are split by the callers
// (Reader/Writer wrappers chunk their transfers), so n never exceeds the
// burst size in practice.
func (b *BandwidthLimiter) WaitN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	return b.limiter.WaitN(ctx, n)
}

// Unlimited reports whether throttling is disabled.
func (b *BandwidthLimiter) Unlimited() bool {
	return b.limiter.Limit() == rate.Inf
}

// SetRate changes the sustained throughput at runtime. Zero disables
// throttling.
func (b *BandwidthLimiter) SetRate(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		b.limiter.SetLimit(rate.Inf)
		b.limiter.SetBurst(0)
		return
	}
	b.limiter.SetLimit(rate.Limit(bytesPerSecond))
	b.limiter.SetBurst(int(bytesPerSecond))
}

// chunkSize bounds a single token reservation so one large transfer cannot
// monopolize the bucket for seconds at a time.
const chunkSize = 32 * 1024

// Writer returns a writer that throttles everything written through it.
// When throttling is disabled the underlying writer is returned unchanged.
func (b *BandwidthLimiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if b.Unlimited() {
		return w
	}
	return &throttledWriter{ctx: ctx, limiter: b, w: w}
}

// Reader returns a reader that throttles everything read through it.
func (b *BandwidthLimiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if b.Unlimited() {
		return r
	}
	return &throttledReader{ctx: ctx, limiter: b, r: r}
}

type throttledWriter struct {
	ctx     context.Context
	limiter *BandwidthLimiter
	w       io.Writer
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		n := min(len(p), chunkSize)
		if err := t.limiter.WaitN(t.ctx, n); err != nil {
			return written, err
		}
		wrote, err := t.w.Write(p[:n])
		written += wrote
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

type throttledReader struct {
	ctx     context.Context
	limiter *BandwidthLimiter
	r       io.Reader
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > chunkSize {
		p = p[:chunkSize]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
