// Package rateio throttles streams to a bytes-per-second rate, so bulk
// transfers like cache downloads and large uploads leave bandwidth for
// interactive traffic.
package rateio

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// DefaultBurst is the token bucket size used when the caller does not pick
// one. Big enough to keep short commands unthrottled.
const DefaultBurst = 32 * 1024

type Reader struct {
	source  io.Reader
	limiter *rate.Limiter
}

// NewReader wraps a reader so it delivers at most bytesPerSec. A zero or
// negative rate reads unthrottled.
func NewReader(source io.Reader, bytesPerSec float64, burst int) *Reader {
	return &Reader{
		source:  source,
		limiter: newLimiter(bytesPerSec, burst),
	}
}

func newLimiter(bytesPerSec float64, burst int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.limiter == nil {
		return r.source.Read(p)
	}
	// take a full burst up front
	err := r.limiter.WaitN(context.Background(), r.limiter.Burst())
	if err != nil {
		return 0, err
	}
	n, err := r.source.Read(p)
	if err != nil {
		return n, err
	}
	return n, payBack(r.limiter, n)
}

// payBack waits out the tokens owed beyond the initial burst, settling the
// cost of bytes that were already moved.
func payBack(limiter *rate.Limiter, n int) error {
	left := n - limiter.Burst()
	for left > 0 {
		chunk := left
		if chunk > limiter.Burst() {
			chunk = limiter.Burst()
		}
		if err := limiter.WaitN(context.Background(), chunk); err != nil {
			return err
		}
		left -= chunk
	}
	return nil
}
