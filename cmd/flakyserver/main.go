// Package main provides a flaky upstream simulator for exercising the
// resilience toolkit. It fails a configurable fraction of requests,
// adds synthetic latency, and emits backpressure headers as its
// simulated load rises, so clients can observe circuit breaking,
// budget throttling, and backpressure handling end to end.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dskow/resilience-core/backpressure"
)

// state holds the mutable simulator knobs, adjustable at runtime via
// the /__fail and /__load endpoints.
type state struct {
	mu       sync.Mutex
	failRate float64       // fraction of requests answered with 500
	latency  time.Duration // added to every response
	load     float64       // synthetic load level reported in headers
}

func (s *state) snapshot() (failRate float64, latency time.Duration, load float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failRate, s.latency, s.load
}

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "flaky", "service name")
	failRate := flag.Float64("fail-rate", 0.3, "initial fraction of requests that fail")
	latency := flag.Duration("latency", 0, "added response latency")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	st := &state{failRate: *failRate, latency: *latency}

	// /__fail/{rate} adjusts the failure rate at runtime.
	// Example: GET /__fail/0.8 → 80% of requests now fail.
	http.HandleFunc("/__fail/", func(w http.ResponseWriter, r *http.Request) {
		rateStr := strings.TrimPrefix(r.URL.Path, "/__fail/")
		rate, err := strconv.ParseFloat(rateStr, 64)
		if err != nil || rate < 0 || rate > 1 {
			http.Error(w, "fail rate must be in [0, 1]", http.StatusBadRequest)
			return
		}
		st.mu.Lock()
		st.failRate = rate
		st.mu.Unlock()
		fmt.Fprintf(w, "fail rate set to %.2f\n", rate)
	})

	// /__load/{level} adjusts the synthetic load level reported in
	// backpressure headers. Levels at or above 0.8 also set the
	// load-shed flag.
	http.HandleFunc("/__load/", func(w http.ResponseWriter, r *http.Request) {
		levelStr := strings.TrimPrefix(r.URL.Path, "/__load/")
		level, err := strconv.ParseFloat(levelStr, 64)
		if err != nil || level < 0 || level > 1 {
			http.Error(w, "load level must be in [0, 1]", http.StatusBadRequest)
			return
		}
		st.mu.Lock()
		st.load = level
		st.mu.Unlock()
		fmt.Fprintf(w, "load level set to %.2f\n", level)
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		failRate, latency, load := st.snapshot()

		if latency > 0 {
			time.Sleep(latency)
		}

		if load > 0 {
			w.Header().Set(backpressure.HeaderLoadLevel, strconv.FormatFloat(load, 'f', 2, 64))
			if load >= 0.8 {
				w.Header().Set(backpressure.HeaderLoadShed, "true")
				w.Header().Set(backpressure.HeaderRetryAfter, "5")
			}
		}

		w.Header().Set("Content-Type", "application/json")

		if rand.Float64() < failRate {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"service": *name,
				"error":   "simulated failure",
			})
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":   *name,
			"method":    r.Method,
			"path":      r.URL.Path,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (fail rate %.2f)", *name, addr, *failRate)
	log.Fatal(http.ListenAndServe(addr, nil))
}
