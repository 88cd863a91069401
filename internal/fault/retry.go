package fault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig controls retry-with-backoff. Delays grow as
// delay(n+1) = min(delay(n) * Multiplier, MaxDelay).
type RetryConfig struct {
	MaxAttempts  int           `json:"attempts" yaml:"attempts"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
}

// DefaultRetryConfig returns 3 attempts, 100ms initial delay, 5s cap and a
// multiplier of 2.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// normalized fills zero fields from the defaults.
func (c RetryConfig) normalized() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// Delays returns the sleep durations taken between attempts when every
// attempt fails with a retryable error.
func (c RetryConfig) Delays() []time.Duration {
	c = c.normalized()
	b := c.backOff()
	out := make([]time.Duration, 0, c.MaxAttempts-1)
	for i := 1; i < c.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func (c RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          c.Multiplier,
		MaxInterval:         c.MaxDelay,
	}
	b.Reset()
	return b
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type retrySettings struct {
	sleep   Sleeper
	logger  *slog.Logger
	op      string
	cap     int
	onRetry func(attempt int, err error, delay time.Duration)
}

// RetryOption customizes a single Retry call.
type RetryOption func(*retrySettings)

// WithSleeper replaces the sleeper. Tests use it to record delays.
func WithSleeper(s Sleeper) RetryOption {
	return func(r *retrySettings) { r.sleep = s }
}

// WithLogger logs each retry at warn level.
func WithLogger(l *slog.Logger) RetryOption {
	return func(r *retrySettings) { r.logger = l }
}

// WithOperation names the operation in logs.
func WithOperation(name string) RetryOption {
	return func(r *retrySettings) { r.op = name }
}

// WithAttemptCap lowers the number of attempts for one operation.
func WithAttemptCap(n int) RetryOption {
	return func(r *retrySettings) { r.cap = n }
}

// WithOnRetry is called before each sleep.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) RetryOption {
	return func(r *retrySettings) { r.onRetry = fn }
}

// Retry runs op until it succeeds, fails with a non-retryable error, or
// the attempt budget is spent. The last error is returned unchanged, except
// that network errors record how many retries were made.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func(context.Context) (T, error), opts ...RetryOption) (T, error) {
	cfg = cfg.normalized()
	settings := retrySettings{sleep: SleepContext, op: "operation"}
	for _, opt := range opts {
		opt(&settings)
	}
	attempts := cfg.MaxAttempts
	if settings.cap > 0 && settings.cap < attempts {
		attempts = settings.cap
	}

	b := cfg.backOff()
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !IsRetryable(err) || attempt >= attempts {
			if fe, ok := As(err); ok && fe.Kind == KindNetwork {
				fe.Retries = attempt - 1
			}
			return zero, err
		}

		delay := b.NextBackOff()
		if settings.logger != nil {
			settings.logger.Warn("retrying",
				"op", settings.op,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		}
		if settings.onRetry != nil {
			settings.onRetry(attempt, err, delay)
		}
		if serr := settings.sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("%s: retry interrupted after %d attempts: %w", settings.op, attempt, serr)
		}
	}
}

// Do is Retry for operations without a result.
func Do(ctx context.Context, cfg RetryConfig, op func(context.Context) error, opts ...RetryOption) error {
	_, err := Retry(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}
