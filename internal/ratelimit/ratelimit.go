// Package ratelimit is the process-local token bucket that meters
// broadcast throughput.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

var ErrInvalidConfig = errors.New("ratelimit: invalid config")

// Bucket wraps golang.org/x/time/rate.Limiter with a burst capacity and a
// continuous refill rate derived from capacity/window, initially full.
type Bucket struct {
	limiter *rate.Limiter
}

// New builds a bucket with burst capacity and a refill window over which
// the full capacity is replenished (default window 3s ⇒ ~166.67 tokens/s
// sustained at the default capacity of 500).
func New(capacity int, window time.Duration) (*Bucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be > 0", ErrInvalidConfig)
	}
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be > 0", ErrInvalidConfig)
	}
	r := rate.Limit(float64(capacity) / window.Seconds())
	return &Bucket{limiter: rate.NewLimiter(r, capacity)}, nil
}

// Take blocks until n tokens are available, then decrements them. It
// returns early with an error only if ctx is canceled or n exceeds the
// bucket's burst capacity.
func (b *Bucket) Take(ctx context.Context, n int) error {
	if b == nil || b.limiter == nil {
		return fmt.Errorf("%w: nil bucket", ErrInvalidConfig)
	}
	if err := b.limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("ratelimit: take %d: %w", n, err)
	}
	return nil
}
