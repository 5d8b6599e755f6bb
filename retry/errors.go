package retry

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is returned when an attached circuit breaker rejects
// the call. It distinguishes "the dependency is known-bad" from "this
// specific call failed": callers can match it with errors.Is and skip
// their own error handling for the underlying operation.
var ErrCircuitOpen = errors.New("circuit breaker open")

// A budget denial does not synthesize an error of its own: when the
// retry budget refuses another attempt the loop simply stops and the
// last real operation error is surfaced.

// TimeoutError is returned when a single attempt exceeds its per-try
// deadline. The late result of the attempt, if any, is discarded.
type TimeoutError struct {
	// Timeout is the per-attempt deadline that was exceeded.
	Timeout time.Duration

	// Attempt is the 0-indexed attempt that timed out.
	Attempt int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("attempt %d timed out after %s", e.Attempt, e.Timeout)
}

// IsTimeout reports whether err is (or wraps) a per-attempt timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
