package syncengine

import (
	"context"
	"time"
)

type RetryOptions struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 2 * time.Second
	}
	return o
}

// RetryWithBackoff invokes fn until it succeeds, returns a non-retryable
// error, or exhausts the retry budget. The delay doubles on each attempt
// up to MaxDelay. Non-retryable errors surface immediately.
func RetryWithBackoff[T any](ctx context.Context, opts RetryOptions, fn func() (T, error)) (T, error) {
	opts = opts.withDefaults()
	var zero T
	delay := opts.InitialDelay
	for attempt := 0; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !IsRetryableError(err) {
			return zero, err
		}
		if attempt >= opts.MaxRetries {
			return zero, err
		}
		if waitErr := sleepContext(ctx, delay); waitErr != nil {
			return zero, waitErr
		}
		delay *= 2
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
