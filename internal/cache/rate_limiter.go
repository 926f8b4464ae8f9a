package cache

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewRateLimiter creates a new rate limiter with the specified bytes per second limit
func NewRateLimiter(bytesPerSecond int64) *rate.Limiter {
	// Each token represents one byte
	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
}

// limitedReader throttles reads to the limiter's rate
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	// WaitN rejects requests larger than the burst
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
