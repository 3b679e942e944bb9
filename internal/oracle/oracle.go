// Package oracle asks the payment provider whether a payment reference
// succeeded and authenticates the provider's inbound webhooks.
//
// Two providers are supported: a generic REST provider whose webhooks carry
// an HMAC over the raw body ("hmac"), and Stripe Checkout ("stripe"). New
// wraps either one with a bounded timeout, the oracle circuit breaker and
// metrics, so callers only ever see ErrUnavailable for transient failures.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/ticketing/internal/circuitbreaker"
	"github.com/CedrosPay/ticketing/internal/config"
	"github.com/CedrosPay/ticketing/internal/metrics"
)

var (
	// ErrUnavailable means the provider could not be asked. It never implies
	// the payment failed.
	ErrUnavailable = errors.New("oracle: provider unavailable")
	// ErrUnauthenticated means an inbound signal failed signature validation.
	ErrUnauthenticated = errors.New("oracle: signature validation failed")
	// ErrMalformedEvent means an authenticated webhook body could not be parsed.
	ErrMalformedEvent = errors.New("oracle: malformed webhook event")
)

// Status is the payment state reported by the provider.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPending   Status = "pending"
	StatusUnknown   Status = "unknown"
)

// Decisive reports whether s can drive a state transition.
func (s Status) Decisive() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ParseStatus maps provider vocabularies onto Status. Unrecognised values are unknown.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "success", "successful", "paid", "completed", "complete", "no_payment_required":
		return StatusSucceeded
	case "failed", "failure", "declined", "abandoned", "reversed", "cancelled", "canceled", "expired":
		return StatusFailed
	case "pending", "processing", "ongoing", "queued", "open", "unpaid":
		return StatusPending
	default:
		return StatusUnknown
	}
}

// VerifyResult is the provider's answer for one reference.
type VerifyResult struct {
	Reference     string
	Status        Status
	Amount        int64 // minor units
	Currency      string
	ProviderTxnID string
}

// WebhookEvent is an authenticated, normalised provider push.
type WebhookEvent struct {
	Event         string
	Reference     string
	Status        Status
	ProviderTxnID string
	Amount        int64
	Currency      string
	Metadata      map[string]string
}

// Client is a payment provider.
type Client interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Verify queries the provider. It is side-effect free on the provider and
	// returns ErrUnavailable (wrapped) for network or provider failures.
	Verify(ctx context.Context, reference string) (VerifyResult, error)
	// ValidateInboundSignature reports whether signature authenticates payload.
	ValidateInboundSignature(payload []byte, signature string) bool
	// ParseWebhook normalises a body that has already been authenticated.
	ParseWebhook(payload []byte) (WebhookEvent, error)
}

// Authenticate validates the signature and only then parses the body.
func Authenticate(c Client, payload []byte, signature string) (WebhookEvent, error) {
	if signature == "" || !c.ValidateInboundSignature(payload, signature) {
		return WebhookEvent{}, ErrUnauthenticated
	}
	return c.ParseWebhook(payload)
}

// Option customises New.
type Option func(*options)

type options struct {
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	stripeURL  string
}

// WithHTTPClient overrides the HTTP client used for verify calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithBreakers guards Verify with the oracle circuit breaker.
func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(o *options) { o.breakers = m }
}

// WithMetrics records verify outcomes and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStripeURL points the Stripe provider at another API host (tests, proxies).
func WithStripeURL(url string) Option {
	return func(o *options) { o.stripeURL = url }
}

// New builds the configured provider wrapped with timeout, breaker and metrics.
func New(cfg config.OracleConfig, opts ...Option) (Client, error) {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		provider Client
		err      error
	)
	switch cfg.Provider {
	case "", "hmac":
		provider, err = NewHMACProvider(HMACConfig{
			BaseURL:       cfg.BaseURL,
			SecretKey:     cfg.SecretKey,
			WebhookSecret: cfg.WebhookSecret,
			Algorithm:     cfg.SignatureAlgorithm,
		}, o.httpClient)
	case "stripe":
		provider, err = NewStripeProvider(StripeConfig{
			SecretKey:     cfg.SecretKey,
			WebhookSecret: cfg.WebhookSecret,
			APIURL:        o.stripeURL,
		}, o.httpClient)
	default:
		return nil, fmt.Errorf("oracle: unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return &guarded{
		Client:   provider,
		timeout:  cfg.Timeout.Duration,
		breakers: o.breakers,
		metrics:  o.metrics,
		logger:   o.logger,
	}, nil
}

// FlexString decodes a JSON string or number into a string.
// Providers disagree on whether transaction ids are numeric, and so do the
// redirect flows that post callback receipts.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = FlexString(n.String())
	return nil
}

// flexAmount decodes a JSON integer or numeric string into minor units.
type flexAmount int64

func (a *flexAmount) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		*a = 0
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("amount %s is not an integer in minor units", b)
	}
	*a = flexAmount(n)
	return nil
}
