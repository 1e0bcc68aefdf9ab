package rateio

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

type Writer struct {
	target  io.Writer
	limiter *rate.Limiter
}

// NewWriter wraps a writer so it accepts at most bytesPerSec. A zero or
// negative rate writes unthrottled.
func NewWriter(target io.Writer, bytesPerSec float64, burst int) *Writer {
	return &Writer{
		target:  target,
		limiter: newLimiter(bytesPerSec, burst),
	}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.limiter == nil {
		return w.target.Write(p)
	}
	err := w.limiter.WaitN(context.Background(), w.limiter.Burst())
	if err != nil {
		return 0, err
	}
	n, err := w.target.Write(p)
	if err != nil {
		return n, err
	}
	return n, payBack(w.limiter, n)
}
