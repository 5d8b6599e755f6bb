// Package admin provides admin API endpoints for runtime inspection of
// the resilience components: breaker states, budget levels, current
// backpressure signals, and the active configuration. All endpoints
// are protected by JWT Bearer tokens.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/dskow/resilience-core/backpressure"
	"github.com/dskow/resilience-core/breaker"
	"github.com/dskow/resilience-core/budget"
	"github.com/dskow/resilience-core/internal/config"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Handler provides admin API endpoints.
type Handler struct {
	reloader ConfigProvider
	breakers map[string]*breaker.Breaker
	budgets  map[string]*budget.AdaptiveBudget
	tracker  *backpressure.Tracker
	auth     *Authenticator
	logger   *slog.Logger
}

// New creates an admin Handler over the shared resilience components.
func New(
	reloader ConfigProvider,
	breakers map[string]*breaker.Breaker,
	budgets map[string]*budget.AdaptiveBudget,
	tracker *backpressure.Tracker,
	auth *Authenticator,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		reloader: reloader,
		breakers: breakers,
		budgets:  budgets,
		tracker:  tracker,
		auth:     auth,
		logger:   logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/breakers", h.guard(h.breakersHandler))
	mux.HandleFunc("/admin/budgets", h.guard(h.budgetsHandler))
	mux.HandleFunc("/admin/backpressure", h.guard(h.backpressureHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
}

// guard wraps a handler with method and token checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		if err := h.auth.Authenticate(r); err != nil {
			h.logger.Warn("admin access denied", "path", r.URL.Path, "error", err)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Unauthorized",
			})
			return
		}
		next(w, r)
	}
}

// breakerStatus is the response entry for /admin/breakers.
type breakerStatus struct {
	Name        string  `json:"name"`
	State       string  `json:"state"`
	FailureRate float64 `json:"failure_rate"`
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	statuses := make([]breakerStatus, 0, len(h.breakers))
	for name, b := range h.breakers {
		statuses = append(statuses, breakerStatus{
			Name:        name,
			State:       b.State().String(),
			FailureRate: b.FailureRate(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": statuses})
}

// budgetStatus is the response entry for /admin/budgets.
type budgetStatus struct {
	Name               string  `json:"name"`
	Budget             float64 `json:"budget"`
	FailureRate        float64 `json:"failure_rate"`
	TotalRequests      int64   `json:"total_requests"`
	TotalRetries       int64   `json:"total_retries"`
	RetryAmplification float64 `json:"retry_amplification"`
}

func (h *Handler) budgetsHandler(w http.ResponseWriter, r *http.Request) {
	statuses := make([]budgetStatus, 0, len(h.budgets))
	for name, b := range h.budgets {
		m := b.Metrics()
		statuses = append(statuses, budgetStatus{
			Name:               name,
			Budget:             m.Budget,
			FailureRate:        m.FailureRate,
			TotalRequests:      m.TotalRequests,
			TotalRetries:       m.TotalRetries,
			RetryAmplification: m.RetryAmplification,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	writeJSON(w, http.StatusOK, map[string]interface{}{"budgets": statuses})
}

// signalStatus is the response entry for /admin/backpressure.
type signalStatus struct {
	Service    string   `json:"service"`
	Overloaded bool     `json:"overloaded"`
	LoadLevel  *float64 `json:"load_level,omitempty"`
	RetryAfter string   `json:"retry_after,omitempty"`
	Age        string   `json:"age"`
}

func (h *Handler) backpressureHandler(w http.ResponseWriter, r *http.Request) {
	services := h.tracker.Services()
	sort.Strings(services)

	statuses := make([]signalStatus, 0, len(services))
	for _, svc := range services {
		sig, ok := h.tracker.Signal(svc)
		if !ok {
			continue // expired between listing and read
		}
		st := signalStatus{
			Service:    svc,
			Overloaded: sig.Overloaded,
			LoadLevel:  sig.LoadLevel,
		}
		if sig.RetryAfter != nil {
			st.RetryAfter = sig.RetryAfter.String()
		}
		st.Age = ageSince(sig)
		statuses = append(statuses, st)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"signals": statuses})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Admin.JWTSecret != "" {
		redacted.Admin.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func ageSince(sig backpressure.Signal) string {
	return time.Since(sig.ObservedAt).Round(time.Millisecond).String()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
