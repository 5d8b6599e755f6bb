// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dskow/resilience-core/breaker"
	"github.com/dskow/resilience-core/internal/config"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Handler provides /health and /ready endpoints. Liveness always
// succeeds while the process runs; readiness reflects the state of the
// configured targets, consulting each target's circuit breaker before
// falling back to a TCP dial.
type Handler struct {
	targets  []config.TargetConfig
	breakers map[string]*breaker.Breaker
	logger   *slog.Logger

	// Cached readiness result to avoid TCP-dialling every target on
	// every /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health Handler. breakers maps target names to their
// breaker instances (may be nil for targets without breakers).
func New(targets []config.TargetConfig, breakers map[string]*breaker.Breaker, logger *slog.Logger) *Handler {
	return &Handler{targets: targets, breakers: breakers, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	type targetResult struct {
		name   string
		status string
		ok     bool
	}

	ch := make(chan targetResult, len(h.targets))
	for _, target := range h.targets {
		go func(target config.TargetConfig) {
			// Fast path: use circuit breaker state if available. An open
			// breaker means the target is known-bad; no need to dial.
			if b, exists := h.breakers[target.Name]; exists && b != nil {
				switch b.State() {
				case breaker.StateOpen:
					ch <- targetResult{name: target.Name, status: "circuit-open", ok: false}
					return
				case breaker.StateHalfOpen:
					ch <- targetResult{name: target.Name, status: "circuit-half-open", ok: true}
					return
				}
				// StateClosed: fall through to TCP dial for a definitive check.
			}

			u, err := url.Parse(target.URL)
			if err != nil {
				ch <- targetResult{name: target.Name, status: "invalid URL", ok: false}
				return
			}

			host := u.Host
			if !hasPort(host) {
				switch u.Scheme {
				case "https":
					host += ":443"
				default:
					host += ":80"
				}
			}

			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", host)
			cancel()

			if err != nil {
				h.logger.Warn("target unreachable", "target", target.Name, "url", target.URL, "error", err)
				ch <- targetResult{name: target.Name, status: "unreachable", ok: false}
				return
			}
			conn.Close()
			ch <- targetResult{name: target.Name, status: "ok", ok: true}
		}(target)
	}

	results := make(map[string]string, len(h.targets))
	anyDown := false
	for range h.targets {
		res := <-ch
		results[res.name] = res.status
		if !res.ok {
			anyDown = true
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if anyDown {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":  statusStr,
		"targets": results,
	})
	body = append(body, '\n')

	// Cache the result.
	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
