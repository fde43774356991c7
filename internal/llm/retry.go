package llm

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Fallbacks for a zero-valued RetryPolicy. MaxRetries < 0 means "never
// retry" and survives normalization.
const (
	fallbackMaxRetries = 3
	fallbackBaseDelay  = 300 * time.Millisecond
	fallbackMaxDelay   = 5 * time.Second
)

// transientError tags a failure as safe to re-issue. Providers wrap rate
// limits, 5xx responses and dropped connections with it; permanent API
// errors pass through unwrapped.
type transientError struct {
	cause error
}

func (e transientError) Error() string { return e.cause.Error() }

func (e transientError) Unwrap() error { return e.cause }

// Transient marks err as retryable. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{cause: err}
}

// IsTransient reports whether err carries the retryable marker anywhere in
// its chain.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// Normalized fills zero-valued fields with fallbacks. A negative MaxRetries
// pins retries off instead of inheriting the fallback count.
func (p RetryPolicy) Normalized() RetryPolicy {
	switch {
	case p.MaxRetries < 0:
		p.MaxRetries = 0
	case p.MaxRetries == 0:
		p.MaxRetries = fallbackMaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = fallbackBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = fallbackMaxDelay
	}
	return p
}

// Overlay layers per-request retry settings over the provider policy. Unset
// override fields keep the base value; MaxDelay never ends up below
// BaseDelay.
func (p RetryPolicy) Overlay(override RetryPolicy) RetryPolicy {
	out := p.Normalized()
	if override.MaxRetries > 0 {
		out.MaxRetries = override.MaxRetries
	}
	if override.BaseDelay > 0 {
		out.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay > 0 {
		out.MaxDelay = override.MaxDelay
	}
	if out.MaxDelay < out.BaseDelay {
		out.MaxDelay = out.BaseDelay
	}
	return out
}

// Backoff returns the wait before retry number attempt (0-based): BaseDelay
// doubled per attempt, capped at MaxDelay, with +/-20% jitter so herds of
// retries spread out.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(delay) * jitter)
}

// Wait blocks for delay or until ctx is canceled, whichever comes first.
func Wait(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
