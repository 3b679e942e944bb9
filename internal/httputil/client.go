// Package httputil builds the outbound HTTP clients used for oracle lookups
// and ticket notifications.
package httputil

import (
	"net/http"
	"time"
)

const defaultUserAgent = "ticketing/1.0"

// ClientOption adjusts an outbound client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	userAgent       string
	maxIdlePerHost  int
	idleConnTimeout time.Duration
}

// WithUserAgent overrides the User-Agent sent on every request.
func WithUserAgent(ua string) ClientOption {
	return func(o *clientOptions) { o.userAgent = ua }
}

// WithMaxIdlePerHost bounds pooled connections to a single host.
func WithMaxIdlePerHost(n int) ClientOption {
	return func(o *clientOptions) {
		if n > 0 {
			o.maxIdlePerHost = n
		}
	}
}

// NewClient returns a client with a pooled transport. Oracle and notifier
// traffic goes to one or two hosts, so idle connections are kept per host.
func NewClient(timeout time.Duration, opts ...ClientOption) *http.Client {
	o := clientOptions{
		userAgent:       defaultUserAgent,
		maxIdlePerHost:  10,
		idleConnTimeout: 90 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        o.maxIdlePerHost * 4,
		MaxIdleConnsPerHost: o.maxIdlePerHost,
		IdleConnTimeout:     o.idleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{base: transport, userAgent: o.userAgent},
	}
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" || t.userAgent == "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(clone)
}
