package llm

import (
	"context"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 1.0, BackoffMultiplier: 2.0, MaxDelay: 60.0}

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
	for i, want := range expected {
		if got := policy.Delay(i); got != want {
			t.Errorf("attempt %d: got %v, want %v", i, got, want)
		}
	}
}

func TestRetryPolicyDelayCapped(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 1.0, BackoffMultiplier: 2.0, MaxDelay: 5.0}
	if got := policy.Delay(10); got != 5*time.Second {
		t.Errorf("expected capped 5s, got %v", got)
	}
}

func TestRetryPolicyDelayJitterRange(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 1.0, BackoffMultiplier: 2.0, MaxDelay: 60.0, Jitter: true}
	for i := 0; i < 100; i++ {
		got := policy.Delay(0)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func TestRetryEventualSuccess(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, MaxDelay: 0.001, BackoffMultiplier: 1}

	calls := 0
	result, err := retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &ServerError{EndpointError: EndpointError{
				TransportError: TransportError{Message: "server error"}, Retryable: true,
			}}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Errorf("result=%q calls=%d", result, calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, MaxDelay: 0.001, BackoffMultiplier: 1}

	calls := 0
	_, err := retry(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, &AuthenticationError{EndpointError: EndpointError{
			TransportError: TransportError{Message: "invalid key"},
		}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryHonorsRetryAfterCap(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 0.001, MaxDelay: 0.010, BackoffMultiplier: 1}

	after := 5.0 // seconds, far above MaxDelay
	calls := 0
	_, err := retry(context.Background(), policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, &RateLimitError{EndpointError: EndpointError{
			TransportError: TransportError{Message: "slow down"},
			Retryable:      true,
			RetryAfter:     &after,
		}}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("Retry-After above MaxDelay must fail fast, got %d calls", calls)
	}
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: 10, MaxDelay: 10, BackoffMultiplier: 1}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := retry(ctx, policy, func(ctx context.Context) (int, error) {
		return 0, &ServerError{EndpointError: EndpointError{
			TransportError: TransportError{Message: "flap"}, Retryable: true,
		}}
	})
	if _, ok := err.(*NetworkError); !ok {
		t.Fatalf("expected NetworkError wrapping cancellation, got %T", err)
	}
}
