package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTransientMarker(t *testing.T) {
	t.Parallel()

	if got := Transient(nil); got != nil {
		t.Fatalf("Transient(nil) = %v, want nil", got)
	}

	cause := errors.New("connection reset")
	marked := Transient(cause)
	if !IsTransient(marked) {
		t.Fatalf("expected marked error to be transient")
	}
	if !errors.Is(marked, cause) {
		t.Fatalf("expected marked error to unwrap to cause")
	}
	if got := marked.Error(); got != "connection reset" {
		t.Fatalf("marked error text = %q", got)
	}

	rewrapped := fmt.Errorf("stream attempt: %w", marked)
	if !IsTransient(rewrapped) {
		t.Fatalf("expected marker to survive further wrapping")
	}
	if IsTransient(cause) {
		t.Fatalf("unmarked error must not report transient")
	}
}

func TestRetryPolicyNormalized(t *testing.T) {
	t.Parallel()

	got := RetryPolicy{}.Normalized()
	want := RetryPolicy{
		MaxRetries: fallbackMaxRetries,
		BaseDelay:  fallbackBaseDelay,
		MaxDelay:   fallbackMaxDelay,
	}
	if got != want {
		t.Fatalf("Normalized() = %+v, want %+v", got, want)
	}

	disabled := RetryPolicy{MaxRetries: -1, BaseDelay: time.Second, MaxDelay: time.Second}.Normalized()
	if disabled.MaxRetries != 0 {
		t.Fatalf("negative MaxRetries should normalize to 0, got %d", disabled.MaxRetries)
	}
}

func TestRetryPolicyOverlay(t *testing.T) {
	t.Parallel()

	base := RetryPolicy{
		MaxRetries: 1,
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
	}

	got := base.Overlay(RetryPolicy{MaxRetries: 2, BaseDelay: 30 * time.Millisecond})
	if got.MaxRetries != 2 {
		t.Fatalf("MaxRetries = %d, want 2", got.MaxRetries)
	}
	if got.BaseDelay != 30*time.Millisecond {
		t.Fatalf("BaseDelay = %v, want 30ms", got.BaseDelay)
	}
	if got.MaxDelay != 30*time.Millisecond {
		t.Fatalf("MaxDelay should rise to BaseDelay, got %v", got.MaxDelay)
	}

	if got := base.Overlay(RetryPolicy{}); got != base {
		t.Fatalf("empty overlay changed the policy: %+v", got)
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   500 * time.Millisecond,
	}

	// Jitter spreads each delay across +/-20% of the nominal value.
	inBand := func(attempt int, nominal time.Duration) {
		t.Helper()
		got := policy.Backoff(attempt)
		low, high := nominal*8/10, nominal*12/10+time.Nanosecond
		if got < low || got > high {
			t.Fatalf("Backoff(%d) = %v, want within [%v, %v]", attempt, got, low, high)
		}
	}

	inBand(0, 100*time.Millisecond)
	inBand(1, 200*time.Millisecond)
	inBand(2, 400*time.Millisecond)
	inBand(4, 500*time.Millisecond)
}

func TestWaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Wait(ctx, 100*time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait(canceled ctx) error = %v, want context.Canceled", err)
	}

	if err := Wait(context.Background(), 2*time.Millisecond); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}
