package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dskow/resilience-core/backoff"
	"github.com/dskow/resilience-core/backpressure"
	"github.com/dskow/resilience-core/breaker"
	"github.com/dskow/resilience-core/retry"
)

func fastRetry(maxRetries int) retry.Options {
	return retry.Options{
		MaxRetries: maxRetries,
		Backoff: backoff.Policy{
			Initial:    time.Millisecond,
			Max:        5 * time.Millisecond,
			Multiplier: 2,
			Jitter:     backoff.JitterNone,
		},
	}
}

func TestClient_GetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	}))
	defer srv.Close()

	c := New(Config{Service: "test", Retry: fastRetry(3)})

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "recovered")
	}))
	defer srv.Close()

	c := New(Config{Service: "test", Retry: fastRetry(3)})

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_ExhaustedRetriesSurfaceStatusError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{Service: "test", Retry: fastRetry(2)})

	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_TooManyRequestsIsRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{Service: "test", Retry: fastRetry(3)})

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.EqualValues(t, 2, calls.Load())
}

func TestClient_ClientErrorsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{Service: "test", Retry: fastRetry(3)})

	// 4xx (other than 429) is a valid response, not a failure: returned
	// to the caller without retrying.
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestClient_IngestsBackpressureHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(backpressure.HeaderLoadLevel, "0.9")
		w.Header().Set(backpressure.HeaderLoadShed, "true")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := backpressure.NewTracker(backpressure.Config{})
	c := New(Config{Service: "test", Retry: fastRetry(0), Tracker: tracker})

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.True(t, tracker.Overloaded("test"))
	load, ok := tracker.LoadLevel("test")
	require.True(t, ok)
	assert.InDelta(t, 0.9, load, 1e-9)
}

func TestClient_RetryAfterFloorsBackoff(t *testing.T) {
	tracker := backpressure.NewTracker(backpressure.Config{})
	after := 40 * time.Millisecond
	tracker.Record("test", backpressure.Signal{RetryAfter: &after})

	var calls atomic.Int64
	var firstRetryGap atomic.Int64
	start := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		firstRetryGap.Store(int64(time.Since(start)))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Full jitter draws delays from [0, delay], so the Retry-After
	// floor must hold as a clamp on the chosen delay, not as a tweak to
	// the backoff curve's inputs.
	opts := fastRetry(1)
	opts.Backoff.Jitter = backoff.JitterFull

	c := New(Config{Service: "test", Retry: opts, Tracker: tracker})

	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	// No retry may fire before the 40ms Retry-After has elapsed.
	assert.GreaterOrEqual(t, time.Duration(firstRetryGap.Load()), after)
}

func TestClient_BreakerOpensOnRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := breaker.New("test", breaker.Config{
		WindowSize:       2,
		FailureThreshold: 0.5,
		ResetTimeout:     time.Minute,
	}, nil)
	c := New(Config{Service: "test", Retry: fastRetry(5), Breaker: b})

	_, err := c.Get(context.Background(), srv.URL)
	require.ErrorIs(t, err, retry.ErrCircuitOpen)
	assert.Equal(t, breaker.StateOpen, b.State())

	// Subsequent calls are rejected without touching the network.
	_, err = c.Get(context.Background(), srv.URL)
	require.ErrorIs(t, err, retry.ErrCircuitOpen)
}

func TestClient_ReplaysRequestBody(t *testing.T) {
	var calls atomic.Int64
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{Service: "test", Retry: fastRetry(2)})

	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader([]byte("payload")))
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Equal(t, "payload", string(bodies[0]))
	assert.Equal(t, "payload", string(bodies[1]), "retried attempt must resend the full body")
}

func TestClient_RejectsNonReplayableBody(t *testing.T) {
	c := New(Config{Service: "test", Retry: fastRetry(0)})

	req, err := http.NewRequest(http.MethodPost, "http://127.0.0.1:0", io.NopCloser(bytes.NewReader([]byte("x"))))
	require.NoError(t, err)
	req.GetBody = nil

	_, err = c.Do(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not replayable")
}

func TestClient_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(Config{Service: "test", Retry: fastRetry(3)})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled),
		"expected a context error, got %v", err)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(errors.New("dial tcp: connection refused")))
	assert.True(t, Retryable(&StatusError{Code: 503}))
}

func TestStatusError_Message(t *testing.T) {
	err := &StatusError{Code: 502}
	assert.Equal(t, "upstream returned status 502", err.Error())
}
