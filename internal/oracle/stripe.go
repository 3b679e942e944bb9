package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/CedrosPay/ticketing/internal/httputil"
)

// StripeConfig configures the Stripe Checkout provider. The payment
// reference is the Checkout Session ID.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	APIURL        string // optional API host override
}

// StripeProvider verifies Checkout Sessions and authenticates Stripe webhooks.
type StripeProvider struct {
	cfg      StripeConfig
	sessions session.Client
}

// NewStripeProvider builds a provider with its own backend, so no global
// stripe-go state is touched.
func NewStripeProvider(cfg StripeConfig, client *http.Client) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("oracle: stripe provider requires secret_key")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("oracle: stripe provider requires webhook_secret")
	}
	if client == nil {
		client = httputil.NewClient(10*time.Second, httputil.WithUserAgent("ticketing-oracle/1.0"))
	}

	backendCfg := &stripeapi.BackendConfig{
		HTTPClient:        client,
		LeveledLogger:     &stripeapi.LeveledLogger{Level: stripeapi.LevelNull},
		MaxNetworkRetries: stripeapi.Int64(0), // retry policy belongs to the caller of Verify
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripeapi.String(cfg.APIURL)
	}

	return &StripeProvider{
		cfg: cfg,
		sessions: session.Client{
			B:   stripeapi.GetBackendWithConfig(stripeapi.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
	}, nil
}

// Name implements Client.
func (p *StripeProvider) Name() string { return "stripe" }

// Verify retrieves the Checkout Session. An unknown session is reported as
// unknown; any other API or network error is ErrUnavailable.
func (p *StripeProvider) Verify(ctx context.Context, reference string) (VerifyResult, error) {
	params := &stripeapi.CheckoutSessionParams{}
	params.Context = ctx

	cs, err := p.sessions.Get(reference, params)
	if err != nil {
		var stripeErr *stripeapi.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return VerifyResult{Reference: reference, Status: StatusUnknown}, nil
		}
		return VerifyResult{}, fmt.Errorf("%w: stripe: retrieve session: %v", ErrUnavailable, err)
	}

	return VerifyResult{
		Reference:     reference,
		Status:        sessionStatus(cs),
		Amount:        cs.AmountTotal,
		Currency:      string(cs.Currency),
		ProviderTxnID: sessionTxnID(cs),
	}, nil
}

// ValidateInboundSignature checks the Stripe-Signature header, including its
// timestamp tolerance.
func (p *StripeProvider) ValidateInboundSignature(payload []byte, signature string) bool {
	_, err := webhook.ConstructEvent(payload, signature, p.cfg.WebhookSecret)
	return err == nil
}

// ParseWebhook normalises checkout.session.* events. Other event types come
// back with an empty Reference and are acknowledged without reconciliation.
func (p *StripeProvider) ParseWebhook(payload []byte) (WebhookEvent, error) {
	var event stripeapi.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var status Status
	switch event.Type {
	case "checkout.session.completed":
		status = "" // decided by payment_status below
	case "checkout.session.async_payment_succeeded":
		status = StatusSucceeded
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		status = StatusFailed
	default:
		return WebhookEvent{Event: event.Type, Status: StatusUnknown}, nil
	}

	if event.Data == nil {
		return WebhookEvent{}, fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}
	var cs stripeapi.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: checkout session: %v", ErrMalformedEvent, err)
	}
	if cs.ID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: checkout session without id", ErrMalformedEvent)
	}
	if status == "" {
		status = sessionStatus(&cs)
	}

	txnID := sessionTxnID(&cs)
	if txnID == "" {
		txnID = event.ID
	}

	return WebhookEvent{
		Event:         event.Type,
		Reference:     cs.ID,
		Status:        status,
		ProviderTxnID: txnID,
		Amount:        cs.AmountTotal,
		Currency:      string(cs.Currency),
		Metadata:      cs.Metadata,
	}, nil
}

func sessionStatus(cs *stripeapi.CheckoutSession) Status {
	return ParseStatus(string(cs.PaymentStatus))
}

func sessionTxnID(cs *stripeapi.CheckoutSession) string {
	if cs.PaymentIntent != nil && cs.PaymentIntent.ID != "" {
		return cs.PaymentIntent.ID
	}
	return ""
}
