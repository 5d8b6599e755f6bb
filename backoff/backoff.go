// Package backoff computes jittered exponential delays for retry loops.
// The jitter strategies follow the AWS Architecture Blog's "Exponential
// Backoff and Jitter" taxonomy: none, full, equal, and decorrelated.
// Delay computation is pure; only the random draw is a side effect, so
// a Policy is safe for concurrent use.
package backoff

import (
	"math/rand"
	"time"
)

// Jitter selects a randomization strategy for computed delays.
type Jitter int

const (
	// JitterNone returns the capped exponential delay unchanged. Retriers
	// using it stay synchronized and can stampede a recovering service;
	// intended for deterministic tests only.
	JitterNone Jitter = iota

	// JitterFull draws uniformly from [0, delay].
	JitterFull

	// JitterEqual draws from [delay/2, delay], guaranteeing a floor of
	// half the computed delay so backoff always makes forward progress.
	JitterEqual

	// JitterDecorrelated draws from [initial, prev*3] capped at max,
	// where prev is the previous attempt's chosen delay. The caller must
	// thread prev back in across attempts (see Sequence).
	JitterDecorrelated
)

// String returns the configuration name of the jitter strategy.
func (j Jitter) String() string {
	switch j {
	case JitterNone:
		return "none"
	case JitterFull:
		return "full"
	case JitterEqual:
		return "equal"
	case JitterDecorrelated:
		return "decorrelated"
	default:
		return "unknown"
	}
}

// ParseJitter maps a configuration string to a Jitter strategy.
// Unrecognized values fall back to JitterFull, the safe default.
func ParseJitter(s string) Jitter {
	switch s {
	case "none":
		return JitterNone
	case "equal":
		return JitterEqual
	case "decorrelated":
		return JitterDecorrelated
	default:
		return JitterFull
	}
}

// maxExponent caps the exponent so the multiplication cannot overflow
// time.Duration (int64 nanoseconds). With the default multiplier of 2
// and a 100ms initial delay, exponent 32 already exceeds any practical
// maxDelay; the cap below brings it back into range.
const maxExponent = 32

// Policy holds the parameters of an exponential backoff curve.
// The zero value is not useful; construct with the fields set or use
// Default. Multiplier should be > 1 to produce real backoff — the
// policy does not enforce this, it is the caller's configuration
// responsibility.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     Jitter
}

// Default returns the standard policy: 100ms initial, 30s cap,
// doubling, full jitter.
func Default() Policy {
	return Policy{
		Initial:    100 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     JitterFull,
	}
}

// Delay computes the delay before retry number attempt (0-indexed).
// prev is the delay chosen for the previous attempt; it is consulted
// only by JitterDecorrelated and may be 0 on the first attempt.
func (p Policy) Delay(attempt int, prev time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	capped := p.base(attempt)

	switch p.Jitter {
	case JitterNone:
		return capped
	case JitterEqual:
		half := capped / 2
		return half + randDuration(half)
	case JitterDecorrelated:
		// Draw from uniform(initial, prev*3) first and cap the result
		// after, so draws above Max collapse onto Max instead of
		// shrinking the range. On the first draw prev is zero, so seed
		// the range from the initial delay.
		if prev < p.Initial {
			prev = p.Initial
		}
		upper := prev * 3
		d := p.Initial
		if upper > p.Initial {
			d += randDuration(upper - p.Initial)
		}
		if d > p.Max {
			d = p.Max
		}
		return d
	default: // JitterFull
		return randDuration(capped)
	}
}

// base returns min(Initial * Multiplier^attempt, Max).
func (p Policy) base(attempt int) time.Duration {
	if attempt > maxExponent {
		attempt = maxExponent
	}

	d := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			return p.Max
		}
	}

	delay := time.Duration(d)
	if delay > p.Max {
		return p.Max
	}
	return delay
}

// randDuration draws uniformly from [0, d] inclusive.
func randDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Sequence is a convenience wrapper that threads the previously chosen
// delay through successive calls, which JitterDecorrelated requires.
// It is meant to live for a single retry loop and is not safe for
// concurrent use; the underlying Policy remains stateless.
type Sequence struct {
	policy  Policy
	attempt int
	prev    time.Duration
}

// NewSequence creates a Sequence over the given policy.
func NewSequence(p Policy) *Sequence {
	return &Sequence{policy: p}
}

// Next returns the delay for the next attempt and advances the sequence.
func (s *Sequence) Next() time.Duration {
	d := s.policy.Delay(s.attempt, s.prev)
	s.attempt++
	s.prev = d
	return d
}
