package backpressure

import (
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestTracker_RecordAndSignal(t *testing.T) {
	tr := NewTracker(Config{})

	tr.Record("billing", Signal{Overloaded: true})

	sig, ok := tr.Signal("billing")
	if !ok {
		t.Fatal("expected signal for billing")
	}
	if !sig.Overloaded {
		t.Fatal("expected overloaded signal")
	}
	if sig.ObservedAt.IsZero() {
		t.Fatal("expected observation time to be stamped")
	}
	if !tr.Overloaded("billing") {
		t.Fatal("expected Overloaded to report true")
	}
}

func TestTracker_UnknownService(t *testing.T) {
	tr := NewTracker(Config{})

	if _, ok := tr.Signal("nope"); ok {
		t.Fatal("expected no signal for unknown service")
	}
	if tr.Overloaded("nope") {
		t.Fatal("expected Overloaded false for unknown service")
	}
	if _, ok := tr.LoadLevel("nope"); ok {
		t.Fatal("expected no load level for unknown service")
	}
	if _, ok := tr.RetryAfter("nope"); ok {
		t.Fatal("expected no retry-after for unknown service")
	}
}

func TestTracker_TTLExpiry(t *testing.T) {
	tr := NewTracker(Config{TTL: 20 * time.Millisecond})

	tr.Record("billing", Signal{Overloaded: true})
	if !tr.Overloaded("billing") {
		t.Fatal("expected fresh signal to report overload")
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok := tr.Signal("billing"); ok {
		t.Fatal("expected signal to expire after TTL")
	}
	if tr.Overloaded("billing") {
		t.Fatal("expected Overloaded false after expiry")
	}
}

func TestTracker_RecordFromHeaders(t *testing.T) {
	cases := []struct {
		name           string
		headers        map[string]string
		wantRecorded   bool
		wantOverloaded bool
		wantLoad       float64
		wantLoadOK     bool
		wantRetryAfter time.Duration
		wantRetryOK    bool
	}{
		{
			name:         "no headers records nothing",
			headers:      map[string]string{},
			wantRecorded: false,
		},
		{
			name:           "load level below threshold",
			headers:        map[string]string{HeaderLoadLevel: "0.5"},
			wantRecorded:   true,
			wantOverloaded: false,
			wantLoad:       0.5,
			wantLoadOK:     true,
		},
		{
			name:           "load level at threshold",
			headers:        map[string]string{HeaderLoadLevel: "0.8"},
			wantRecorded:   true,
			wantOverloaded: true,
			wantLoad:       0.8,
			wantLoadOK:     true,
		},
		{
			name:           "shed flag alone",
			headers:        map[string]string{HeaderLoadShed: "true"},
			wantRecorded:   true,
			wantOverloaded: true,
		},
		{
			name:           "shed flag numeric",
			headers:        map[string]string{HeaderLoadShed: "1"},
			wantRecorded:   true,
			wantOverloaded: true,
		},
		{
			name:           "shed flag false still records",
			headers:        map[string]string{HeaderLoadShed: "false"},
			wantRecorded:   true,
			wantOverloaded: false,
		},
		{
			name:           "retry after seconds",
			headers:        map[string]string{HeaderRetryAfter: "5"},
			wantRecorded:   true,
			wantOverloaded: false,
			wantRetryAfter: 5 * time.Second,
			wantRetryOK:    true,
		},
		{
			name: "all headers together",
			headers: map[string]string{
				HeaderLoadLevel:  "0.9",
				HeaderRetryAfter: "2.5",
				HeaderLoadShed:   "yes",
			},
			wantRecorded:   true,
			wantOverloaded: true,
			wantLoad:       0.9,
			wantLoadOK:     true,
			wantRetryAfter: 2500 * time.Millisecond,
			wantRetryOK:    true,
		},
		{
			name:         "malformed load level ignored",
			headers:      map[string]string{HeaderLoadLevel: "high"},
			wantRecorded: false,
		},
		{
			name:         "out of range load level ignored",
			headers:      map[string]string{HeaderLoadLevel: "1.5"},
			wantRecorded: false,
		},
		{
			name:         "negative retry after ignored",
			headers:      map[string]string{HeaderRetryAfter: "-3"},
			wantRecorded: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker(Config{})
			h := http.Header{}
			for k, v := range tc.headers {
				h.Set(k, v)
			}

			recorded := tr.RecordFromHeaders("svc", h)
			if recorded != tc.wantRecorded {
				t.Fatalf("RecordFromHeaders = %v, want %v", recorded, tc.wantRecorded)
			}
			if !tc.wantRecorded {
				if _, ok := tr.Signal("svc"); ok {
					t.Fatal("expected nothing recorded")
				}
				return
			}

			if got := tr.Overloaded("svc"); got != tc.wantOverloaded {
				t.Errorf("Overloaded = %v, want %v", got, tc.wantOverloaded)
			}
			load, ok := tr.LoadLevel("svc")
			if ok != tc.wantLoadOK {
				t.Errorf("LoadLevel present = %v, want %v", ok, tc.wantLoadOK)
			}
			if ok && load != tc.wantLoad {
				t.Errorf("LoadLevel = %f, want %f", load, tc.wantLoad)
			}
			ra, ok := tr.RetryAfter("svc")
			if ok != tc.wantRetryOK {
				t.Errorf("RetryAfter present = %v, want %v", ok, tc.wantRetryOK)
			}
			if ok && ra != tc.wantRetryAfter {
				t.Errorf("RetryAfter = %v, want %v", ra, tc.wantRetryAfter)
			}
		})
	}
}

func TestTracker_AbsentHeadersPreserveSignal(t *testing.T) {
	tr := NewTracker(Config{})

	h := http.Header{}
	h.Set(HeaderLoadShed, "true")
	tr.RecordFromHeaders("svc", h)

	// A later response with no backpressure headers must not clear the
	// standing signal.
	if tr.RecordFromHeaders("svc", http.Header{}) {
		t.Fatal("expected empty headers to record nothing")
	}
	if !tr.Overloaded("svc") {
		t.Fatal("expected prior signal to survive a header-free response")
	}
}

func TestTracker_NewerSignalReplaces(t *testing.T) {
	tr := NewTracker(Config{})

	h := http.Header{}
	h.Set(HeaderLoadShed, "true")
	tr.RecordFromHeaders("svc", h)

	h = http.Header{}
	h.Set(HeaderLoadLevel, "0.1")
	tr.RecordFromHeaders("svc", h)

	if tr.Overloaded("svc") {
		t.Fatal("expected newer low-load signal to replace the shed flag")
	}
	if load, ok := tr.LoadLevel("svc"); !ok || load != 0.1 {
		t.Fatalf("expected load level 0.1, got %f (present=%v)", load, ok)
	}
}

func TestTracker_CustomThreshold(t *testing.T) {
	tr := NewTracker(Config{OverloadThreshold: 0.5})

	h := http.Header{}
	h.Set(HeaderLoadLevel, "0.6")
	tr.RecordFromHeaders("svc", h)

	if !tr.Overloaded("svc") {
		t.Fatal("expected 0.6 load to exceed the 0.5 threshold")
	}
}

func TestTracker_Services(t *testing.T) {
	tr := NewTracker(Config{TTL: 20 * time.Millisecond})

	tr.Record("a", Signal{})
	tr.Record("b", Signal{Overloaded: true})

	ids := tr.Services()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected [a b], got %v", ids)
	}

	time.Sleep(30 * time.Millisecond)
	if got := tr.Services(); len(got) != 0 {
		t.Fatalf("expected all signals expired, got %v", got)
	}
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "TRUE", "1", "yes", "on", " true "} {
		if !parseBool(v) {
			t.Errorf("parseBool(%q) = false, want true", v)
		}
	}
	for _, v := range []string{"false", "0", "no", "off", "", "maybe"} {
		if parseBool(v) {
			t.Errorf("parseBool(%q) = true, want false", v)
		}
	}
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tr := NewTracker(Config{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			svc := string(rune('a' + n%5))
			tr.Record(svc, Signal{Overloaded: n%2 == 0})
			h := http.Header{}
			h.Set(HeaderLoadLevel, "0.5")
			tr.RecordFromHeaders(svc, h)
			tr.Overloaded(svc)
			tr.Services()
		}(i)
	}
	wg.Wait()
}
