package ratelimit

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/CedrosPay/ticketing/internal/config"
	apierrors "github.com/CedrosPay/ticketing/internal/errors"
	"github.com/CedrosPay/ticketing/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all clients)
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	// Per-IP rate limiting for public endpoints
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Per-IP limit on ticket lookups by access token
	LookupEnabled bool
	LookupLimit   int
	LookupWindow  time.Duration

	// Exempt skips every limiter for matching requests (e.g. admin key holders).
	Exempt func(*http.Request) bool

	Metrics *metrics.Metrics
}

// DefaultConfig returns limits generous enough for checkout traffic.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  time.Minute,

		LookupEnabled: true,
		LookupLimit:   30,
		LookupWindow:  time.Minute,
	}
}

// ConfigFrom maps the rate_limit config section.
func ConfigFrom(cfg config.RateLimitConfig, m *metrics.Metrics) Config {
	return Config{
		GlobalEnabled: cfg.GlobalEnabled,
		GlobalLimit:   cfg.GlobalLimit,
		GlobalWindow:  cfg.GlobalWindow.Duration,
		PerIPEnabled:  cfg.PerIPEnabled,
		PerIPLimit:    cfg.PerIPLimit,
		PerIPWindow:   cfg.PerIPWindow.Duration,
		LookupEnabled: cfg.LookupEnabled,
		LookupLimit:   cfg.LookupLimit,
		LookupWindow:  cfg.LookupWindow.Duration,
		Metrics:       m,
	}
}

var limitMessages = map[string]string{
	"global": "Global rate limit exceeded. Please try again later.",
	"per_ip": "IP rate limit exceeded. Please try again later.",
	"lookup": "Too many ticket lookups. Please try again later.",
}

func limitHandler(limitType string, window time.Duration, m *metrics.Metrics) http.HandlerFunc {
	retryAfter := int(window.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return func(w http.ResponseWriter, r *http.Request) {
		m.ObserveRateLimit(limitType)
		apierrors.New(apierrors.ErrCodeRateLimitExceeded, limitMessages[limitType]).
			With("retryAfterSeconds", retryAfter).
			RetryAfter(retryAfter).
			Write(w)
	}
}

func passthrough(next http.Handler) http.Handler { return next }

func (cfg Config) wrap(limiter func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if cfg.Exempt == nil {
		return limiter
	}
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Exempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// GlobalLimiter limits total request volume.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled || cfg.GlobalLimit <= 0 {
		return passthrough
	}
	return cfg.wrap(httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
		httprate.WithLimitHandler(limitHandler("global", cfg.GlobalWindow, cfg.Metrics)),
	))
}

// IPLimiter limits requests per client IP.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled || cfg.PerIPLimit <= 0 {
		return passthrough
	}
	return cfg.wrap(httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", cfg.PerIPWindow, cfg.Metrics)),
	))
}

// LookupLimiter limits ticket lookups per client IP. A valid token is
// unguessable only while lookups stay scarce.
func LookupLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.LookupEnabled || cfg.LookupLimit <= 0 {
		return passthrough
	}
	return cfg.wrap(httprate.Limit(
		cfg.LookupLimit,
		cfg.LookupWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("lookup", cfg.LookupWindow, cfg.Metrics)),
	))
}
