// Package backpressure tracks explicit overload signals emitted by
// downstream services, so retry machinery can stop hammering a
// dependency that has asked callers to back off. Signals arrive either
// as structured values or as response headers and are kept per service
// id with a TTL; expiry is checked lazily on read, so the tracker needs
// no background sweeper.
package backpressure

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Recognized response headers.
const (
	// HeaderLoadLevel carries the service's current load as a value in
	// [0, 1].
	HeaderLoadLevel = "X-Load-Level"

	// HeaderRetryAfter carries the number of seconds the caller should
	// wait before retrying.
	HeaderRetryAfter = "Retry-After"

	// HeaderLoadShed is a boolean-ish flag ("true", "1", "yes") set when
	// the service is actively shedding load.
	HeaderLoadShed = "X-Load-Shed"
)

// Signal is one overload observation for a service.
type Signal struct {
	// Overloaded reports whether the service asked callers to stop
	// retrying.
	Overloaded bool

	// LoadLevel is the reported load in [0, 1], when present.
	LoadLevel *float64

	// RetryAfter is the suggested wait before the next attempt, when
	// present.
	RetryAfter *time.Duration

	// ObservedAt is when the signal was recorded.
	ObservedAt time.Time
}

// Config holds tracker tuning parameters. Zero fields are replaced
// with defaults by NewTracker.
type Config struct {
	// TTL is how long a recorded signal stays current. Default 30s.
	TTL time.Duration

	// OverloadThreshold is the load level at or above which a service
	// counts as overloaded even without an explicit shed flag.
	// Default 0.8.
	OverloadThreshold float64
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.OverloadThreshold <= 0 {
		c.OverloadThreshold = 0.8
	}
}

// Tracker stores the most recent backpressure signal per service id.
// Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	signals map[string]Signal
	cfg     Config
}

// NewTracker creates an empty Tracker.
func NewTracker(cfg Config) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		signals: make(map[string]Signal),
		cfg:     cfg,
	}
}

// Record stores sig as the current signal for service, stamping the
// arrival time.
func (t *Tracker) Record(service string, sig Signal) {
	sig.ObservedAt = time.Now()
	t.mu.Lock()
	t.signals[service] = sig
	t.mu.Unlock()
}

// RecordFromHeaders parses backpressure headers from a response and
// records the resulting signal. When none of the recognized headers is
// present nothing is recorded: any prior signal is left to expire
// naturally rather than being overwritten with a false negative.
// Returns whether a signal was recorded.
func (t *Tracker) RecordFromHeaders(service string, h http.Header) bool {
	var (
		sig     Signal
		present bool
	)

	if v := h.Get(HeaderLoadLevel); v != "" {
		if level, err := strconv.ParseFloat(v, 64); err == nil && level >= 0 && level <= 1 {
			sig.LoadLevel = &level
			present = true
		}
	}

	if v := h.Get(HeaderRetryAfter); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			d := time.Duration(secs * float64(time.Second))
			sig.RetryAfter = &d
			present = true
		}
	}

	shed := false
	if v := h.Get(HeaderLoadShed); v != "" {
		shed = parseBool(v)
		present = true
	}

	if !present {
		return false
	}

	sig.Overloaded = shed ||
		(sig.LoadLevel != nil && *sig.LoadLevel >= t.cfg.OverloadThreshold)
	t.Record(service, sig)
	return true
}

// Signal returns the current signal for service. A signal older than
// the TTL is evicted and reported as absent.
func (t *Tracker) Signal(service string) (Signal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sig, ok := t.signals[service]
	if !ok {
		return Signal{}, false
	}
	if time.Since(sig.ObservedAt) > t.cfg.TTL {
		delete(t.signals, service)
		return Signal{}, false
	}
	return sig, true
}

// Overloaded reports whether service currently signals overload.
func (t *Tracker) Overloaded(service string) bool {
	sig, ok := t.Signal(service)
	return ok && sig.Overloaded
}

// LoadLevel returns the current reported load level for service.
func (t *Tracker) LoadLevel(service string) (float64, bool) {
	sig, ok := t.Signal(service)
	if !ok || sig.LoadLevel == nil {
		return 0, false
	}
	return *sig.LoadLevel, true
}

// RetryAfter returns the currently suggested retry delay for service.
func (t *Tracker) RetryAfter(service string) (time.Duration, bool) {
	sig, ok := t.Signal(service)
	if !ok || sig.RetryAfter == nil {
		return 0, false
	}
	return *sig.RetryAfter, true
}

// Services returns the ids with a current (unexpired) signal.
func (t *Tracker) Services() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	ids := make([]string, 0, len(t.signals))
	for id, sig := range t.signals {
		if now.Sub(sig.ObservedAt) > t.cfg.TTL {
			delete(t.signals, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
