// Package ratelimit wraps readers and writers with a token-bucket cap,
// used to enforce a per-channel bandwidth limit on reverse tokens.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// burstSize bounds how much a limited reader/writer can move in one go
// before waiting for the bucket to refill; sized to the largest read buffer
// the relay accepts so a single DATA frame never straddles more than one
// wait.
const burstSize = 32 * 1024

// Reader wraps an io.Reader with rate limiting using a token bucket.
type Reader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewReader returns a rate-limited reader capped at bytesPerSecond. If
// bytesPerSecond is 0 or negative, r is returned unwrapped.
func NewReader(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	return &Reader{r: r, limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burstSize), ctx: ctx}
}

// Read implements io.Reader, blocking until the token bucket admits the
// bytes just read from the underlying reader.
func (r *Reader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	default:
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

// Writer wraps an io.Writer with rate limiting using a token bucket.
type Writer struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewWriter returns a rate-limited writer capped at bytesPerSecond. If
// bytesPerSecond is 0 or negative, w is returned unwrapped.
func NewWriter(ctx context.Context, w io.Writer, bytesPerSecond int64) io.Writer {
	if bytesPerSecond <= 0 {
		return w
	}
	return &Writer{w: w, limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burstSize), ctx: ctx}
}

// Write implements io.Writer, splitting large writes into burstSize chunks
// so no single call can blow through the bucket in one shot.
func (w *Writer) Write(p []byte) (int, error) {
	select {
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	default:
	}

	total := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > burstSize {
			chunk = burstSize
		}
		if err := w.limiter.WaitN(w.ctx, chunk); err != nil {
			return total, err
		}
		n, err := w.w.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		if n < chunk {
			return total, io.ErrShortWrite
		}
		p = p[chunk:]
	}
	return total, nil
}
