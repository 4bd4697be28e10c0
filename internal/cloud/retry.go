package cloud

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// RetryPolicy retries a call a bounded number of times with a fixed delay.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// Do runs fn until it succeeds, returns a permanent error, or the attempts
// are used up. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !Retryable(err) || ctx.Err() != nil || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	return err
}

// Retryable classifies an error for RetryPolicy. Cancellation, missing
// objects and permanent service errors are not retried; anything else is.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
