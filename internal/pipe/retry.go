package pipe

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RetryPolicy paces the poll-open loop used while waiting for a peer.
// MaxAttempts of zero means retry until the context is done.
type RetryPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy polls every 10ms without an attempt cap.
var DefaultRetryPolicy = RetryPolicy{Interval: 10 * time.Millisecond}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Interval <= 0 {
		p.Interval = DefaultRetryPolicy.Interval
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// retry calls attempt until it reports done, returns an error, the attempt
// cap is hit, or ctx is done. Attempts are spaced by the policy interval.
func (p RetryPolicy) retry(ctx context.Context, attempt func() (done bool, err error)) error {
	p = p.normalized()
	limiter := rate.NewLimiter(rate.Every(p.Interval), 1)
	for n := 1; ; n++ {
		if err := limiter.Wait(ctx); err != nil {
			// The limiter refuses early when the deadline falls inside the
			// next interval.
			cause := context.Cause(ctx)
			if cause == nil {
				cause = context.DeadlineExceeded
			}
			return fmt.Errorf("waiting for peer: %w", cause)
		}
		done, err := attempt()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if p.MaxAttempts > 0 && n >= p.MaxAttempts {
			return fmt.Errorf("no peer after %d attempts", n)
		}
	}
}
