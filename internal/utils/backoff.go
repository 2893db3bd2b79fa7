package utils

import (
	"context"
	"math/rand"
	"time"
)

type Backoff struct {
	base       time.Duration
	maxRetries int
	jitter     time.Duration
	retryable  func(error) bool
}

func NewBackoff(base time.Duration, maxRetries int) Backoff {
	return Backoff{base: base, maxRetries: maxRetries, jitter: base}
}

// RetryIf limits retries to errors accepted by fn; others return at once.
func (b Backoff) RetryIf(fn func(error) bool) Backoff {
	b.retryable = fn
	return b
}

// Do calls fn until it succeeds, returns a non-retryable error, retries run
// out, or ctx ends. Waits grow exponentially from base, plus jitter.
func (b Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for i := 0; i <= b.maxRetries; i++ {
		err = fn(i)
		if err == nil {
			return nil
		}
		if b.retryable != nil && !b.retryable(err) {
			return err
		}
		if i == b.maxRetries {
			break
		}
		// backoff exponencial + jitter
		sleep := time.Duration(1<<i) * b.base
		if b.jitter > 0 {
			sleep += time.Duration(rand.Int63n(int64(b.jitter)))
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
