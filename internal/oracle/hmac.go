package oracle

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CedrosPay/ticketing/internal/httputil"
)

// HMACConfig configures the generic REST provider.
type HMACConfig struct {
	BaseURL       string // verify endpoint root; the reference is appended as a path segment
	SecretKey     string // bearer credential for verify calls
	WebhookSecret string // HMAC key for inbound webhooks
	Algorithm     string // sha512 (default) or sha256
}

// HMACProvider verifies payments against a REST endpoint of the form
// GET {base_url}/{reference} and authenticates webhooks with a hex HMAC of
// the raw body.
type HMACProvider struct {
	cfg     HMACConfig
	client  *http.Client
	newHash func() hash.Hash
}

// NewHMACProvider validates cfg and builds the provider.
func NewHMACProvider(cfg HMACConfig, client *http.Client) (*HMACProvider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("oracle: hmac provider requires base_url")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("oracle: hmac provider requires webhook_secret")
	}
	if client == nil {
		client = httputil.NewClient(10*time.Second, httputil.WithUserAgent("ticketing-oracle/1.0"))
	}

	p := &HMACProvider{cfg: cfg, client: client}
	switch strings.ToLower(cfg.Algorithm) {
	case "", "sha512":
		p.newHash = sha512.New
	case "sha256":
		p.newHash = sha256.New
	default:
		return nil, fmt.Errorf("oracle: unsupported signature algorithm %q", cfg.Algorithm)
	}
	return p, nil
}

// Name implements Client.
func (p *HMACProvider) Name() string { return "hmac" }

type hmacTransaction struct {
	Reference     string            `json:"reference"`
	Status        string            `json:"status"`
	TransactionID FlexString        `json:"transactionId"`
	ID            FlexString        `json:"id"`
	Amount        flexAmount        `json:"amount"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

func (t hmacTransaction) txnID() string {
	if t.TransactionID != "" {
		return string(t.TransactionID)
	}
	return string(t.ID)
}

type hmacVerifyResponse struct {
	Data hmacTransaction `json:"data"`
}

// Verify queries the provider. A 404 means the provider has never seen the
// reference and is reported as unknown rather than failed.
func (p *HMACProvider) Verify(ctx context.Context, reference string) (VerifyResult, error) {
	endpoint := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/" + url.PathEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("oracle: build verify request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.SecretKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.SecretKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return VerifyResult{Reference: reference, Status: StatusUnknown}, nil
	case resp.StatusCode >= 300:
		return VerifyResult{}, fmt.Errorf("%w: provider returned %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded hmacVerifyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return VerifyResult{}, fmt.Errorf("%w: decode verify response: %v", ErrUnavailable, err)
	}

	res := VerifyResult{
		Reference:     reference,
		Status:        ParseStatus(decoded.Data.Status),
		Amount:        int64(decoded.Data.Amount),
		Currency:      decoded.Data.Currency,
		ProviderTxnID: decoded.Data.txnID(),
	}
	if decoded.Data.Reference != "" && decoded.Data.Reference != reference {
		// Never let an answer about another payment drive this one.
		res.Status = StatusUnknown
	}
	return res, nil
}

// ValidateInboundSignature compares the hex HMAC of payload in constant time.
func (p *HMACProvider) ValidateInboundSignature(payload []byte, signature string) bool {
	want, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(want) == 0 {
		return false
	}
	mac := hmac.New(p.newHash, []byte(p.cfg.WebhookSecret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign returns the hex signature for payload, as the provider would send it.
func (p *HMACProvider) Sign(payload []byte) string {
	mac := hmac.New(p.newHash, []byte(p.cfg.WebhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type hmacWebhook struct {
	Event string          `json:"event"`
	Data  hmacTransaction `json:"data"`
}

// ParseWebhook decodes {event, data:{reference,status,transactionId,amount,metadata}}.
// When data.status is absent the event name decides (e.g. "charge.success").
func (p *HMACProvider) ParseWebhook(payload []byte) (WebhookEvent, error) {
	var wh hmacWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if wh.Data.Reference == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing data.reference", ErrMalformedEvent)
	}

	status := ParseStatus(wh.Data.Status)
	if status == StatusUnknown {
		status = statusFromEventName(wh.Event)
	}

	return WebhookEvent{
		Event:         wh.Event,
		Reference:     wh.Data.Reference,
		Status:        status,
		ProviderTxnID: wh.Data.txnID(),
		Amount:        int64(wh.Data.Amount),
		Currency:      wh.Data.Currency,
		Metadata:      wh.Data.Metadata,
	}, nil
}

func statusFromEventName(event string) Status {
	if i := strings.LastIndex(event, "."); i >= 0 {
		return ParseStatus(event[i+1:])
	}
	return ParseStatus(event)
}
