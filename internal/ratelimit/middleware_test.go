package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/CedrosPay/ticketing/internal/config"
	"github.com/CedrosPay/ticketing/internal/metrics"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/tickets/k7m2qpls", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.RateLimitConfig{
		GlobalEnabled: true,
		GlobalLimit:   10,
		GlobalWindow:  config.Duration{Duration: time.Minute},
		LookupEnabled: true,
		LookupLimit:   3,
		LookupWindow:  config.Duration{Duration: 30 * time.Second},
	}, nil)

	if !cfg.GlobalEnabled || cfg.GlobalLimit != 10 || cfg.GlobalWindow != time.Minute {
		t.Errorf("global settings not mapped: %+v", cfg)
	}
	if cfg.PerIPEnabled {
		t.Error("per-ip should stay disabled")
	}
	if cfg.LookupLimit != 3 || cfg.LookupWindow != 30*time.Second {
		t.Errorf("lookup settings not mapped: %+v", cfg)
	}
}

func TestLimiters_DisabledPassThrough(t *testing.T) {
	cfg := Config{}
	for name, mw := range map[string]func(http.Handler) http.Handler{
		"global": GlobalLimiter(cfg),
		"per_ip": IPLimiter(cfg),
		"lookup": LookupLimiter(cfg),
	} {
		h := mw(okHandler())
		for i := 0; i < 50; i++ {
			if rec := hit(h, "10.0.0.1:1234"); rec.Code != http.StatusOK {
				t.Fatalf("%s: request %d got %d", name, i, rec.Code)
			}
		}
	}
}

func TestGlobalLimiter_EnforcesLimit(t *testing.T) {
	h := GlobalLimiter(Config{GlobalEnabled: true, GlobalLimit: 3, GlobalWindow: time.Minute})(okHandler())

	// Different clients share the global budget.
	for i, addr := range []string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.3:1"} {
		if rec := hit(h, addr); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := hit(h, "10.0.0.4:1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("unexpected Retry-After %q", rec.Header().Get("Retry-After"))
	}

	var body struct {
		Error struct {
			Code      string         `json:"code"`
			Retryable bool           `json:"retryable"`
			Details   map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "rate_limit_exceeded" || !body.Error.Retryable {
		t.Errorf("unexpected error body: %s", rec.Body.String())
	}
}

func TestIPLimiter_PerClient(t *testing.T) {
	h := IPLimiter(Config{PerIPEnabled: true, PerIPLimit: 2, PerIPWindow: time.Minute})(okHandler())

	hit(h, "10.0.0.1:1")
	hit(h, "10.0.0.1:2")
	if rec := hit(h, "10.0.0.1:3"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("third request from same IP: expected 429, got %d", rec.Code)
	}
	if rec := hit(h, "10.0.0.2:1"); rec.Code != http.StatusOK {
		t.Errorf("other IP should not be limited, got %d", rec.Code)
	}
}

func TestLookupLimiter_RecordsMetricAndHonoursExempt(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	cfg := Config{
		LookupEnabled: true,
		LookupLimit:   1,
		LookupWindow:  time.Minute,
		Metrics:       m,
		Exempt:        func(r *http.Request) bool { return r.Header.Get("X-Admin-Key") == "ops" },
	}
	h := LookupLimiter(cfg)(okHandler())

	hit(h, "10.0.0.9:1")
	if rec := hit(h, "10.0.0.9:1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("lookup")); got != 1 {
		t.Errorf("expected 1 recorded hit, got %v", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/tickets/k7m2qpls", nil)
	req.RemoteAddr = "10.0.0.9:1"
	req.Header.Set("X-Admin-Key", "ops")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("exempt request was limited: %d", rec.Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.GlobalEnabled || !cfg.PerIPEnabled || !cfg.LookupEnabled {
		t.Errorf("all limiters should be on by default: %+v", cfg)
	}
	if cfg.LookupLimit >= cfg.PerIPLimit {
		t.Error("lookup limit should be stricter than the general per-IP limit")
	}
}
