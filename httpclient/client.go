// Package httpclient wraps http.Client with the full protection stack:
// orchestrated retries, a circuit breaker, an adaptive retry budget,
// and backpressure header ingestion. It is the reference integration
// of the core packages against a real transport.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dskow/resilience-core/backpressure"
	"github.com/dskow/resilience-core/breaker"
	"github.com/dskow/resilience-core/budget"
	"github.com/dskow/resilience-core/retry"
)

// maxDrainBytes bounds how much of a discarded response body is read
// before closing, so the connection can be reused without buffering an
// arbitrarily large error page.
const maxDrainBytes = 64 << 10

// StatusError reports a response with a failure status code (5xx or
// 429). The body has already been drained and closed.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Code)
}

// Config assembles a protected client for one downstream service.
type Config struct {
	// Service identifies the downstream dependency; it keys
	// backpressure signals and shows up in logs.
	Service string

	// Retry configures the orchestrator. Breaker and Budget fields on
	// it are ignored; use the dedicated fields below.
	Retry retry.Options

	// Breaker, Budget, and Tracker are optional shared components.
	// When Tracker is set, backpressure headers are ingested from every
	// response and the budget's overload check is wired to it.
	Breaker *breaker.Breaker
	Budget  *budget.AdaptiveBudget
	Tracker *backpressure.Tracker

	// HTTPClient is the underlying transport; defaults to a client
	// with a 30s overall timeout.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client is a protected HTTP client for a single downstream service.
// Safe for concurrent use.
type Client struct {
	hc      *http.Client
	service string
	opts    retry.Options
	tracker *backpressure.Tracker
	logger  *slog.Logger
}

// New creates a protected client from cfg.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := cfg.Retry
	opts.Breaker = cfg.Breaker
	opts.Budget = cfg.Budget
	opts.Logger = logger
	if opts.RetryIf == nil {
		opts.RetryIf = Retryable
	}

	return &Client{
		hc:      hc,
		service: cfg.Service,
		opts:    opts,
		tracker: cfg.Tracker,
		logger:  logger,
	}
}

// Retryable is the default retry predicate: transport errors, attempt
// timeouts, and failure statuses are retried.
func Retryable(err error) bool {
	// StatusError covers 5xx and 429; anything else that reaches the
	// predicate is a transport error or a per-attempt timeout, both
	// worth retrying.
	return err != nil
}

// Do executes req with the full protection stack. The response body is
// the caller's to close on success; failure responses are drained and
// closed internally. Requests with a body must set GetBody (as
// http.NewRequest does for common body types) so attempts can rewind.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	opts := c.opts

	// A fresh Retry-After from the service clamps every delay from
	// below, jitter included: there is no point retrying sooner than
	// the service asked.
	if c.tracker != nil {
		if after, ok := c.tracker.RetryAfter(c.service); ok && after > opts.MinDelay {
			opts.MinDelay = after
		}
	}

	return retry.Do(ctx, opts, func(ctx context.Context) (*http.Response, error) {
		attempt, err := cloneRequest(ctx, req)
		if err != nil {
			return nil, err
		}

		resp, err := c.hc.Do(attempt)
		if err != nil {
			return nil, err
		}

		if c.tracker != nil {
			c.tracker.RecordFromHeaders(c.service, resp.Header)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			drain(resp.Body)
			return nil, &StatusError{Code: resp.StatusCode}
		}
		return resp, nil
	})
}

// Get issues a protected GET request.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// cloneRequest produces a per-attempt copy of req with a rewound body.
func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	attempt := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return attempt, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body is not replayable: GetBody is unset")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewinding request body: %w", err)
	}
	attempt.Body = body
	return attempt, nil
}

func drain(body io.ReadCloser) {
	io.CopyN(io.Discard, body, maxDrainBytes) //nolint:errcheck
	body.Close()
}
