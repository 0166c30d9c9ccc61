package chain

import (
	"context"
	"time"
)

// RetryPolicy bounds retries of retryable chain failures. The bound is a
// visible parameter, not a constant buried in the call sites.
type RetryPolicy struct {
	Attempts int           // total attempts including the first, default 3
	Delay    time.Duration // fixed delay between attempts, default 5s
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 5 * time.Second}
}

func (p RetryPolicy) attempts() int {
	if p.Attempts <= 0 {
		return 3
	}
	return p.Attempts
}

func (p RetryPolicy) delay() time.Duration {
	if p.Delay <= 0 {
		return 5 * time.Second
	}
	return p.Delay
}

// Do runs fn up to the attempt bound, sleeping the fixed delay between
// retryable failures. Fatal and unknown failures return immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) (err error) {
	for i := 0; i < p.attempts(); i++ {
		err = fn()
		if err == nil || !Retryable(err) {
			return
		}
		if i == p.attempts()-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay()):
		}
	}
	return
}
