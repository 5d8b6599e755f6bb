// Package breaker provides a sliding-window failure-rate circuit breaker
// for protecting callers against a persistently failing dependency.
//
// The breaker is a three-state machine. Closed passes all calls and
// tracks outcomes in a bounded window; it opens when the window is full
// and the failure ratio reaches the configured threshold. Open rejects
// all calls until the reset timeout elapses, then moves to half-open.
// Half-open admits exactly one probe call: a recorded success closes
// the breaker and clears the window, a recorded failure reopens it.
//
// A windowed rate is used rather than a cumulative one: a cumulative
// rate never recovers from an early failure burst, while a fixed-size
// window bounds memory and reflects recent behavior only.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; a single call allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker tuning parameters. Zero fields are
// replaced with defaults by New.
type Config struct {
	// WindowSize is the number of recent outcomes tracked. Default 10.
	WindowSize int

	// FailureThreshold is the failure ratio in a full window at which
	// the breaker opens. Default 0.5.
	FailureThreshold float64

	// ResetTimeout is how long the breaker stays open before admitting
	// a half-open probe. Default 30s.
	ResetTimeout time.Duration

	// OnStateChange, when non-nil, is invoked once per actual state
	// transition with the new state. It is called outside the breaker's
	// lock and a panic inside it is recovered, so a misbehaving observer
	// cannot corrupt breaker state.
	OnStateChange func(State)
}

func (c *Config) applyDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
}

// Breaker is a sliding-window failure-rate circuit breaker. One Breaker
// is created per downstream dependency and shared across concurrent
// call sites; all methods are safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	state  State
	name   string
	logger *slog.Logger

	// Sliding window implemented as a ring buffer of failure flags.
	window   []bool
	head     int // next write position
	count    int // number of outcomes recorded (up to windowSize)
	failures int // number of failures in the current window

	windowSize       int
	failureThreshold float64
	resetTimeout     time.Duration

	// halfOpenProbes counts Allow calls since entering half-open; only
	// the first is admitted. Reset on every transition.
	halfOpenProbes int
	lastFailure    time.Time

	onStateChange func(State)
}

// New creates a Breaker for the named dependency. A nil logger falls
// back to slog.Default.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		state:            StateClosed,
		name:             name,
		logger:           logger,
		window:           make([]bool, cfg.WindowSize),
		windowSize:       cfg.WindowSize,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		onStateChange:    cfg.OnStateChange,
	}
}

// Allow reports whether a call may proceed. In the open state it first
// resolves a pending time-based transition: once the reset timeout has
// elapsed since the last failure the breaker moves to half-open. In
// half-open, only the first Allow since the transition returns true.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	notify := b.resolveTimeout()
	var allowed bool
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		allowed = false
	case StateHalfOpen:
		allowed = b.halfOpenProbes == 0
		b.halfOpenProbes++
	default:
		allowed = true
	}
	b.mu.Unlock()

	b.fire(notify)
	return allowed
}

// RecordSuccess records a successful call outcome. If the breaker is
// half-open, the probe succeeded: the breaker closes and the window is
// cleared entirely so the dependency gets a fresh start.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var notify []State
	switch b.state {
	case StateClosed:
		b.recordOutcome(false)
	case StateHalfOpen:
		notify = b.transitionTo(StateClosed)
	}
	b.mu.Unlock()

	b.fire(notify)
}

// RecordFailure records a failed call outcome and stamps the failure
// time. A half-open probe failure reopens the breaker immediately; in
// the closed state the breaker opens once the window is full and the
// failure ratio reaches the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.lastFailure = time.Now()
	var notify []State
	switch b.state {
	case StateClosed:
		b.recordOutcome(true)
		if b.count >= b.windowSize && b.failureRate() >= b.failureThreshold {
			notify = b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		notify = b.transitionTo(StateOpen)
	}
	b.mu.Unlock()

	b.fire(notify)
}

// State returns the current state, resolving a pending open → half-open
// transition first so callers observe the state a call would see.
func (b *Breaker) State() State {
	b.mu.Lock()
	notify := b.resolveTimeout()
	s := b.state
	b.mu.Unlock()

	b.fire(notify)
	return s
}

// FailureRate returns the failure ratio over the current window, or 0
// when the window is empty.
func (b *Breaker) FailureRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureRate()
}

// Reset forces the breaker back to closed, clearing the window and all
// counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := b.transitionTo(StateClosed)
	// Clear the window even if the breaker was already closed.
	b.clearWindow()
	b.mu.Unlock()

	b.fire(notify)
}

// resolveTimeout transitions open → half-open when the reset timeout
// has elapsed. Must be called with b.mu held; returns states to notify.
func (b *Breaker) resolveTimeout() []State {
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return b.transitionTo(StateHalfOpen)
	}
	return nil
}

// recordOutcome writes a result into the ring buffer and maintains the
// running failure count. Must be called with b.mu held.
func (b *Breaker) recordOutcome(failed bool) {
	// If the window is full, evict the oldest entry.
	if b.count == b.windowSize {
		if b.window[b.head] {
			b.failures--
		}
	} else {
		b.count++
	}

	b.window[b.head] = failed
	if failed {
		b.failures++
	}
	b.head = (b.head + 1) % b.windowSize
}

// failureRate returns the current failure ratio. Must be called with
// b.mu held.
func (b *Breaker) failureRate() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.count)
}

func (b *Breaker) clearWindow() {
	b.head = 0
	b.count = 0
	b.failures = 0
	b.halfOpenProbes = 0
}

// transitionTo changes the breaker state. Idempotent re-entry to the
// current state is not reported. Must be called with b.mu held; the
// returned slice is handed to fire after the lock is released.
func (b *Breaker) transitionTo(newState State) []State {
	if b.state == newState {
		return nil
	}

	from := b.state
	b.state = newState
	b.halfOpenProbes = 0

	if newState == StateClosed {
		b.clearWindow()
	}

	b.logger.Info("circuit breaker state change",
		"name", b.name,
		"from", from.String(),
		"to", newState.String(),
	)

	return []State{newState}
}

// fire invokes the state-change observer for each transition, shielding
// the breaker from observer panics.
func (b *Breaker) fire(states []State) {
	if b.onStateChange == nil {
		return
	}
	for _, s := range states {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("state change observer panicked", "name", b.name, "panic", r)
				}
			}()
			b.onStateChange(s)
		}()
	}
}
