package retry

import (
	"context"
	"time"

	"github.com/drivesentry/drivesentry/internal/errors"
	"github.com/drivesentry/drivesentry/internal/logging"
	"github.com/drivesentry/drivesentry/internal/metrics"
)

const (
	// DefaultAttempts is the total attempt budget per operation
	DefaultAttempts = 3
	// DefaultBaseDelay is the backoff unit; attempt n waits base * 2^(n-1)
	DefaultBaseDelay = time.Second
)

// Executor runs provider calls with bounded exponential backoff.
// Rate-limit responses wait out the advertised delay but still consume
// an attempt from the same budget.
type Executor struct {
	attempts  int
	baseDelay time.Duration
	logger    *logging.Logger
	metrics   *metrics.Metrics
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor
type Option func(*Executor)

// WithAttempts overrides the attempt budget
func WithAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithBaseDelay overrides the backoff unit
func WithBaseDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.baseDelay = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// withSleep replaces the backoff sleeper, used by tests
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.sleep = fn
	}
}

// NewExecutor creates an Executor with the given options
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		attempts:  DefaultAttempts,
		baseDelay: DefaultBaseDelay,
		logger:    logging.NewLogger(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs fn up to the attempt budget. Non-retryable errors abort
// immediately. On exhaustion the last error is returned unwrapped so
// callers can still classify it.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var (
		lastErr     error
		lastElapsed time.Duration
	)

	for attempt := 1; attempt <= e.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err := fn(ctx)
		elapsed := time.Since(start)
		if err == nil {
			if e.metrics != nil {
				e.metrics.RecordProviderCall(op, "success", elapsed)
			}
			return nil
		}
		lastErr = err
		lastElapsed = elapsed

		if !errors.IsRetryable(err) {
			if e.metrics != nil {
				e.metrics.RecordProviderCall(op, "permanent_failure", elapsed)
			}
			return err
		}

		delay := e.baseDelay * (1 << (attempt - 1))
		if errors.IsRateLimited(err) {
			if retryAfter := errors.RetryAfterOf(err); retryAfter > delay {
				delay = retryAfter
			}
			if e.metrics != nil {
				e.metrics.RecordRateLimit(op)
			}
		}

		e.logger.WarnWithContext(ctx, "operation failed, backing off",
			"operation", op,
			"attempt", attempt,
			"max_attempts", e.attempts,
			"delay_ms", delay.Milliseconds(),
			"error", err.Error(),
		)

		if attempt == e.attempts {
			break
		}
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	if e.metrics != nil {
		e.metrics.RecordProviderCall(op, "exhausted", lastElapsed)
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
