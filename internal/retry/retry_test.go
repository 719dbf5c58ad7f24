package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/drivesentry/drivesentry/internal/errors"
	"github.com/drivesentry/drivesentry/internal/metrics"
)

func noSleep() (Option, *[]time.Duration) {
	var delays []time.Duration
	opt := withSleep(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})
	return opt, &delays
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	opt, delays := noSleep()
	exec := NewExecutor(opt)

	calls := 0
	err := exec.Do(context.Background(), "fetch_quota", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if len(*delays) != 0 {
		t.Errorf("Expected no backoff, got %v", *delays)
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	opt, delays := noSleep()
	exec := NewExecutor(opt, WithBaseDelay(time.Second))

	calls := 0
	err := exec.Do(context.Background(), "fetch_quota", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &errors.ProviderError{Kind: errors.ProviderTransient, Op: "fetch_quota", StatusCode: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	// Exponential: 1s after first failure, 2s after second
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("Expected %d delays, got %v", len(want), *delays)
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Errorf("Delay %d: expected %v, got %v", i, d, (*delays)[i])
		}
	}
}

func TestDoExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	opt, _ := noSleep()
	exec := NewExecutor(opt, WithAttempts(3))

	calls := 0
	lastErr := &errors.ProviderError{Kind: errors.ProviderTransient, Op: "fetch_quota", StatusCode: 502}
	err := exec.Do(context.Background(), "fetch_quota", func(ctx context.Context) error {
		calls++
		return lastErr
	})
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
	if err != lastErr {
		t.Errorf("Expected the last provider error, got %v", err)
	}
}

func TestDoStopsOnInvalidGrant(t *testing.T) {
	opt, delays := noSleep()
	exec := NewExecutor(opt)

	calls := 0
	err := exec.Do(context.Background(), "refresh_token", func(ctx context.Context) error {
		calls++
		return &errors.ProviderError{Kind: errors.ProviderInvalidGrant, Op: "refresh_token"}
	})
	if calls != 1 {
		t.Errorf("Expected 1 call for a terminal error, got %d", calls)
	}
	if !errors.IsInvalidGrant(err) {
		t.Errorf("Expected invalid grant error, got %v", err)
	}
	if len(*delays) != 0 {
		t.Errorf("Expected no backoff for a terminal error, got %v", *delays)
	}
}

func TestDoHonorsRetryAfter(t *testing.T) {
	opt, delays := noSleep()
	exec := NewExecutor(opt, WithBaseDelay(time.Second))

	calls := 0
	err := exec.Do(context.Background(), "fetch_quota", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &errors.ProviderError{
				Kind:       errors.ProviderRateLimited,
				Op:         "fetch_quota",
				StatusCode: 429,
				RetryAfter: 7 * time.Second,
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if len(*delays) != 1 || (*delays)[0] != 7*time.Second {
		t.Errorf("Expected retry-after delay of 7s, got %v", *delays)
	}
}

func TestDoRateLimitConsumesAttempts(t *testing.T) {
	opt, _ := noSleep()
	exec := NewExecutor(opt, WithAttempts(2))

	calls := 0
	err := exec.Do(context.Background(), "fetch_quota", func(ctx context.Context) error {
		calls++
		return &errors.ProviderError{Kind: errors.ProviderRateLimited, Op: "fetch_quota", StatusCode: 429}
	})
	if calls != 2 {
		t.Errorf("Expected rate limits to count against the budget, got %d calls", calls)
	}
	if !errors.IsRateLimited(err) {
		t.Errorf("Expected rate limit error, got %v", err)
	}
}

func TestDoObservesAttemptLatency(t *testing.T) {
	opt, _ := noSleep()
	m := metrics.NewMetrics("drivesentry")
	exec := NewExecutor(opt, WithMetrics(m))

	err := exec.Do(context.Background(), "fetch_quota", func(ctx context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "drivesentry_provider_latency_seconds" {
			continue
		}
		if len(mf.GetMetric()) == 0 {
			t.Fatal("No latency samples recorded")
		}
		hist := mf.GetMetric()[0].GetHistogram()
		if hist.GetSampleCount() != 1 {
			t.Errorf("Expected 1 latency sample, got %d", hist.GetSampleCount())
		}
		if hist.GetSampleSum() <= 0 {
			t.Error("Attempt latency must be observed, not zero")
		}
		return
	}
	t.Fatal("Latency histogram not registered")
}

func TestDoRespectsContextCancellation(t *testing.T) {
	exec := NewExecutor(withSleep(func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := exec.Do(ctx, "fetch_quota", func(ctx context.Context) error {
		calls++
		cancel()
		return fmt.Errorf("transient failure")
	})
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}
