// Package retry orchestrates attempts against an unreliable operation,
// composing jittered backoff, an optional circuit breaker, and an
// optional adaptive retry budget into a single loop. The orchestrator
// itself is stateless: each Do call is one logical operation, while the
// attached breaker and budget are long-lived and shared across calls.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dskow/resilience-core/backoff"
	"github.com/dskow/resilience-core/breaker"
	"github.com/dskow/resilience-core/budget"
)

// Func is the operation under protection: the sole extension point to
// an actual transport. It must honor ctx cancellation where possible;
// beyond that the orchestrator only races it against the per-attempt
// timeout.
type Func[T any] func(ctx context.Context) (T, error)

// Options configures one orchestrated call. The zero value is not
// useful; start from DefaultOptions.
type Options struct {
	// MaxRetries is the number of retries after the first attempt, so
	// an operation runs at most MaxRetries+1 times. This is a hard
	// local ceiling regardless of breaker or budget state.
	MaxRetries int

	// Backoff is the delay policy between attempts.
	Backoff backoff.Policy

	// MinDelay, when positive, clamps every chosen delay from below,
	// after jitter. Use it to honor an explicit pause a service asked
	// for (Retry-After) regardless of the jitter strategy.
	MinDelay time.Duration

	// Timeout, when positive, is a per-attempt deadline. An attempt
	// exceeding it fails with *TimeoutError and its late result is
	// discarded.
	Timeout time.Duration

	// RetryIf, when non-nil, is consulted once per failure; returning
	// false stops the loop and surfaces the error as-is.
	RetryIf func(error) bool

	// OnRetry, when non-nil, is invoked before each backoff sleep with
	// the failure, the 0-indexed attempt that failed, and the chosen
	// delay. Fire-and-forget: panics are recovered and never mask the
	// operation error.
	OnRetry func(err error, attempt int, delay time.Duration)

	// Breaker, when non-nil, gates every attempt. It is checked before
	// the first attempt and after every failure; a rejection surfaces
	// ErrCircuitOpen even when retries remain.
	Breaker *breaker.Breaker

	// Budget, when non-nil, is consulted before committing to each
	// retry. A denial stops the loop immediately and surfaces the last
	// operation error without a wasted delay.
	Budget *budget.AdaptiveBudget

	// Logger, when non-nil, logs observer panics. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// DefaultOptions returns the standard configuration: 3 retries, default
// backoff policy, no timeout, no breaker or budget.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		Backoff:    backoff.Default(),
	}
}

// Do runs fn with retries until it succeeds, retries are exhausted, the
// retry predicate rejects the failure, the breaker opens, the budget
// denies, or ctx is cancelled. On success the value is returned and the
// outcome recorded on any attached breaker and budget; every terminal
// failure path surfaces an error — nothing is swallowed.
func Do[T any](ctx context.Context, opts Options, fn Func[T]) (T, error) {
	var zero T

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Pre-flight: a known-bad dependency is rejected without calling fn
	// at all.
	if opts.Breaker != nil && !opts.Breaker.Allow() {
		return zero, ErrCircuitOpen
	}

	var (
		lastErr error
		prev    time.Duration
	)

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		val, err := runAttempt(ctx, opts.Timeout, attempt, fn)
		if err == nil {
			if opts.Breaker != nil {
				opts.Breaker.RecordSuccess()
			}
			if opts.Budget != nil {
				opts.Budget.RecordOutcome(true)
			}
			return val, nil
		}

		// A caller-side cancellation says nothing about the dependency's
		// health; recording it would let impatient clients trip a shared
		// breaker for everyone.
		if ctxErr := ctx.Err(); ctxErr == nil || !errors.Is(err, ctxErr) {
			if opts.Breaker != nil {
				opts.Breaker.RecordFailure()
			}
			if opts.Budget != nil {
				opts.Budget.RecordOutcome(false)
			}
		}
		lastErr = err

		if attempt == opts.MaxRetries {
			return zero, lastErr
		}
		if opts.RetryIf != nil && !opts.RetryIf(err) {
			return zero, lastErr
		}
		if ctx.Err() != nil {
			return zero, errors.Join(ctx.Err(), lastErr)
		}

		// The breaker's binary decision overrides remaining quota.
		if opts.Breaker != nil && !opts.Breaker.Allow() {
			return zero, ErrCircuitOpen
		}
		if opts.Budget != nil && !opts.Budget.ShouldRetry(ctx) {
			return zero, lastErr
		}

		delay := opts.Backoff.Delay(attempt, prev)
		if delay < opts.MinDelay {
			delay = opts.MinDelay
		}
		prev = delay

		if opts.OnRetry != nil {
			fireOnRetry(logger, opts.OnRetry, err, attempt, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, errors.Join(err, lastErr)
		}
	}

	// Unreachable: the loop always returns from inside.
	return zero, lastErr
}

// DoWithBreaker runs fn with retries gated by b.
func DoWithBreaker[T any](ctx context.Context, opts Options, b *breaker.Breaker, fn Func[T]) (T, error) {
	opts.Breaker = b
	return Do(ctx, opts, fn)
}

// DoWithBudget runs fn with retries throttled by bud.
func DoWithBudget[T any](ctx context.Context, opts Options, bud *budget.AdaptiveBudget, fn Func[T]) (T, error) {
	opts.Budget = bud
	return Do(ctx, opts, fn)
}

// DoWithProtection runs fn with both a circuit breaker and a retry
// budget attached. The breaker is checked first: it is cheaper and its
// decision is binary.
func DoWithProtection[T any](ctx context.Context, opts Options, b *breaker.Breaker, bud *budget.AdaptiveBudget, fn Func[T]) (T, error) {
	opts.Breaker = b
	opts.Budget = bud
	return Do(ctx, opts, fn)
}

// Result is the outcome record produced by DoWithResult.
type Result[T any] struct {
	// Value is the successful result, zero on failure.
	Value T

	// Err is the final error, nil on success.
	Err error

	// Attempts is the number of times fn was invoked.
	Attempts int

	// Elapsed is the wall time spent in the loop, including backoff.
	Elapsed time.Duration

	// Success reports whether the operation eventually succeeded.
	Success bool
}

// DoWithResult runs the same loop as Do but never returns an error:
// the outcome is captured as an inspectable record with attempt count
// and elapsed time, for callers that want retry telemetry without
// error-handling boilerplate.
func DoWithResult[T any](ctx context.Context, opts Options, fn Func[T]) Result[T] {
	start := time.Now()
	attempts := 0

	counted := func(ctx context.Context) (T, error) {
		attempts++
		return fn(ctx)
	}

	val, err := Do(ctx, opts, counted)
	return Result[T]{
		Value:    val,
		Err:      err,
		Attempts: attempts,
		Elapsed:  time.Since(start),
		Success:  err == nil,
	}
}

// runAttempt invokes fn, racing it against the per-attempt timeout when
// one is configured. On timeout the attempt's goroutine is left to
// finish into a buffered channel and its late result is discarded.
func runAttempt[T any](ctx context.Context, timeout time.Duration, attempt int, fn Func[T]) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	var zero T
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		val, err := fn(actx)
		done <- outcome{val: val, err: err}
	}()

	select {
	case out := <-done:
		return out.val, out.err
	case <-actx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not a per-attempt deadline.
			return zero, ctx.Err()
		}
		return zero, &TimeoutError{Timeout: timeout, Attempt: attempt}
	}
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fireOnRetry invokes the retry observer, shielding the loop from
// observer panics.
func fireOnRetry(logger *slog.Logger, fn func(error, int, time.Duration), err error, attempt int, delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("retry observer panicked", "panic", r)
		}
	}()
	fn(err, attempt, delay)
}
