// Package budget provides an adaptive retry budget: a probabilistic,
// self-tuning controller that bounds the fraction of traffic allowed to
// be retries. A circuit breaker is a binary gate; the budget is a
// continuous throttle that protects a degraded dependency from retry
// amplification even while the circuit is still closed.
//
// Observation and adjustment are decoupled. Every call outcome updates
// an exponential moving average of the failure rate (cheap, per-call);
// a background ticker then periodically grows or shrinks the budget
// from that average (batched), which stabilizes the control loop the
// way AIMD congestion control does.
package budget

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// retryCost is the fixed amount debited from the budget for each
// admitted retry.
const retryCost = 0.01

// emaAlpha is the smoothing factor for the failure-rate moving average.
const emaAlpha = 0.1

// changeEpsilon is the minimum budget delta that triggers the
// OnBudgetChange observer, suppressing callback noise on no-op ticks.
const changeEpsilon = 0.001

// OverloadFunc reports whether the downstream dependency is currently
// signaling overload. It may block (e.g. to consult an external
// backpressure source), so it is called without the budget's lock held.
type OverloadFunc func(ctx context.Context) bool

// Config holds budget tuning parameters. Zero fields are replaced with
// defaults by New.
type Config struct {
	// InitialBudget is the starting and maximum retry fraction.
	// Default 0.2.
	InitialBudget float64

	// IncreaseRate is added to the budget on each healthy adjustment
	// tick, up to InitialBudget. Default 0.1.
	IncreaseRate float64

	// DecreaseRate is the multiplicative cut applied on each unhealthy
	// tick: budget *= (1 - DecreaseRate). Default 0.5.
	DecreaseRate float64

	// HighFailureThreshold is the EMA above which the budget shrinks.
	// Default 0.3.
	HighFailureThreshold float64

	// LowFailureThreshold is the EMA below which the budget grows.
	// Default 0.05.
	LowFailureThreshold float64

	// AdjustmentInterval is the tick period of the background adjuster.
	// Default 1s.
	AdjustmentInterval time.Duration

	// Overloaded, when non-nil, is consulted first by ShouldRetry; a
	// true result denies the retry before any budget math.
	Overloaded OverloadFunc

	// OnBudgetChange, when non-nil, is invoked after an adjustment tick
	// that moved the budget by more than a small epsilon, with the new
	// budget and the current failure-rate EMA. Panics are recovered.
	OnBudgetChange func(budget, failureRate float64)
}

func (c *Config) applyDefaults() {
	if c.InitialBudget <= 0 {
		c.InitialBudget = 0.2
	}
	if c.IncreaseRate <= 0 {
		c.IncreaseRate = 0.1
	}
	if c.DecreaseRate <= 0 {
		c.DecreaseRate = 0.5
	}
	if c.HighFailureThreshold <= 0 {
		c.HighFailureThreshold = 0.3
	}
	if c.LowFailureThreshold <= 0 {
		c.LowFailureThreshold = 0.05
	}
	if c.AdjustmentInterval <= 0 {
		c.AdjustmentInterval = time.Second
	}
}

// Metrics is a snapshot of the budget's cumulative counters.
type Metrics struct {
	TotalRequests int64
	Successes     int64
	Failures      int64
	TotalRetries  int64

	// FailureRate is the exponential moving average of observed
	// failures, not a windowed or cumulative ratio.
	FailureRate float64

	// RetryAmplification is totalRequests / (totalRequests -
	// totalRetries), the effective load multiplier caused by retries.
	// Defined as 1 when the denominator is not positive.
	RetryAmplification float64

	Budget float64
}

// AdaptiveBudget limits retry volume as a fraction of base traffic.
// One instance is created per downstream dependency and shared across
// concurrent call sites; all methods are safe for concurrent use.
//
// New starts a background adjustment goroutine. Stop must be called
// before discarding the instance or the goroutine leaks; the goroutine
// never blocks process shutdown on its own.
type AdaptiveBudget struct {
	mu sync.Mutex

	budget         float64
	failureRateEMA float64

	totalRequests int64
	successes     int64
	failures      int64
	totalRetries  int64

	cfg    Config
	logger *slog.Logger
	stopCh chan struct{}
	once   sync.Once
}

// New creates an AdaptiveBudget and starts its periodic adjuster. The
// adjuster runs even with zero traffic so an idle budget still recovers.
// A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) *AdaptiveBudget {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	b := &AdaptiveBudget{
		budget: cfg.InitialBudget,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	go b.adjustLoop()
	return b
}

// RecordOutcome records one call result, updating counters and the
// failure-rate EMA.
func (b *AdaptiveBudget) RecordOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	sample := 1.0
	if success {
		b.successes++
		sample = 0
	} else {
		b.failures++
	}
	b.failureRateEMA = (1-emaAlpha)*b.failureRateEMA + emaAlpha*sample
}

// ShouldRetry reports whether a retry may be attempted. The overload
// check runs first: a dependency that asks callers to back off is
// honored before any budget math. Otherwise the retry is admitted with
// probability min(budget, 1 - failureRateEMA); budget caps the ceiling
// while a high failure rate also suppresses retries even when budget
// remains, so the budget is not spent into a dead service. An admitted
// retry debits a fixed cost from the budget.
func (b *AdaptiveBudget) ShouldRetry(ctx context.Context) bool {
	// Consulted without the lock held: the check may block.
	if b.cfg.Overloaded != nil && b.cfg.Overloaded(ctx) {
		return false
	}
	return b.admit()
}

// ShouldRetrySync is ShouldRetry without the overload check, for call
// sites that have no access to a backpressure source.
func (b *AdaptiveBudget) ShouldRetrySync() bool {
	return b.admit()
}

func (b *AdaptiveBudget) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.budget <= 0 {
		return false
	}

	p := b.budget
	if avail := 1 - b.failureRateEMA; avail < p {
		p = avail
	}
	if rand.Float64() >= p {
		return false
	}

	b.budget -= retryCost
	if b.budget < 0 {
		b.budget = 0
	}
	b.totalRetries++
	return true
}

// Metrics returns a snapshot of the cumulative counters and derived
// rates.
func (b *AdaptiveBudget) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	amplification := 1.0
	if denom := b.totalRequests - b.totalRetries; denom > 0 {
		amplification = float64(b.totalRequests) / float64(denom)
	}

	return Metrics{
		TotalRequests:      b.totalRequests,
		Successes:          b.successes,
		Failures:           b.failures,
		TotalRetries:       b.totalRetries,
		FailureRate:        b.failureRateEMA,
		RetryAmplification: amplification,
		Budget:             b.budget,
	}
}

// Budget returns the current budget value.
func (b *AdaptiveBudget) Budget() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.budget
}

// Reset restores the budget to its initial value and zeroes all
// counters and the EMA. The background adjuster keeps running.
func (b *AdaptiveBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.budget = b.cfg.InitialBudget
	b.failureRateEMA = 0
	b.totalRequests = 0
	b.successes = 0
	b.failures = 0
	b.totalRetries = 0
}

// Stop terminates the background adjuster. Safe to call more than once.
func (b *AdaptiveBudget) Stop() {
	b.once.Do(func() { close(b.stopCh) })
}

// adjustLoop runs the periodic budget adjustment until Stop is called.
func (b *AdaptiveBudget) adjustLoop() {
	ticker := time.NewTicker(b.cfg.AdjustmentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.adjust()
		case <-b.stopCh:
			return
		}
	}
}

// adjust applies one multiplicative-decrease / additive-increase step
// from the current failure-rate EMA.
func (b *AdaptiveBudget) adjust() {
	b.mu.Lock()

	before := b.budget
	switch {
	case b.failureRateEMA > b.cfg.HighFailureThreshold:
		b.budget *= 1 - b.cfg.DecreaseRate
	case b.failureRateEMA < b.cfg.LowFailureThreshold:
		b.budget += b.cfg.IncreaseRate
		if b.budget > b.cfg.InitialBudget {
			b.budget = b.cfg.InitialBudget
		}
	}
	after := b.budget
	ema := b.failureRateEMA

	b.mu.Unlock()

	delta := after - before
	if delta < 0 {
		delta = -delta
	}
	if delta <= changeEpsilon {
		return
	}

	b.logger.Debug("retry budget adjusted",
		"budget", after,
		"failure_rate", ema,
	)

	if b.cfg.OnBudgetChange != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("budget observer panicked", "panic", r)
				}
			}()
			b.cfg.OnBudgetChange(after, ema)
		}()
	}
}
