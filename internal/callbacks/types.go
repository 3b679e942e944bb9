package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CedrosPay/ticketing/internal/config"
	"github.com/CedrosPay/ticketing/internal/httputil"
	"github.com/CedrosPay/ticketing/internal/storage"
)

// EventTicketIssued is the only event type the notifier sends.
const EventTicketIssued = "ticket.issued"

// Notifier hands issued tickets to the email/SMS gateway.
// TicketIssued must not block the caller and never reports failure:
// delivery is at-least-once and a lost notification never affects the purchase.
type Notifier interface {
	TicketIssued(ctx context.Context, event TicketEvent)
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) TicketIssued(context.Context, TicketEvent) {}

// TicketEvent describes an issued ticket.
// IMPORTANT: EventID is the idempotency key - gateways MUST use it to drop duplicate deliveries.
type TicketEvent struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`

	PurchaseID       string            `json:"purchaseId"`
	PaymentReference string            `json:"paymentReference"`
	AccessToken      string            `json:"accessToken"`
	Quantity         int               `json:"quantity"`
	CustomerEmail    string            `json:"customerEmail,omitempty"`
	CustomerPhone    string            `json:"customerPhone,omitempty"`
	ConfirmedAt      time.Time         `json:"confirmedAt"`
	TicketURL        string            `json:"ticketUrl,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// NewTicketEvent builds the event for a paid purchase. The event id is
// derived from the purchase so every redelivery carries the same key.
func NewTicketEvent(p storage.PurchaseRecord) TicketEvent {
	ev := TicketEvent{
		EventID:          "evt_" + p.ID,
		EventType:        EventTicketIssued,
		PurchaseID:       p.ID,
		PaymentReference: p.PaymentReference,
		AccessToken:      p.AccessToken,
		Quantity:         p.Quantity,
		CustomerEmail:    p.CustomerEmail,
		CustomerPhone:    p.CustomerPhone,
		Metadata:         p.Metadata,
	}
	if p.ConfirmedAt != nil {
		ev.ConfirmedAt = *p.ConfirmedAt
	}
	if p.ID == "" {
		ev.EventID = ""
	}
	return ev
}

// ErrCallbackDisabled is returned when no gateway URL is configured.
var ErrCallbackDisabled = errors.New("callbacks: disabled")

// generateEventID is used for events with no purchase behind them.
func generateEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PrepareTicketEvent fills idempotency fields that are still empty and the
// ticket link when a public base URL is known. An existing EventID is kept.
func PrepareTicketEvent(event *TicketEvent, ticketBaseURL string) {
	if event.EventID == "" {
		event.EventID = generateEventID()
	}
	if event.EventType == "" {
		event.EventType = EventTicketIssued
	}
	if event.EventTimestamp.IsZero() {
		event.EventTimestamp = time.Now().UTC()
	}
	if event.ConfirmedAt.IsZero() {
		event.ConfirmedAt = event.EventTimestamp
	}
	if event.TicketURL == "" && ticketBaseURL != "" && event.AccessToken != "" {
		event.TicketURL = strings.TrimSuffix(ticketBaseURL, "/") + "/tickets/" + event.AccessToken
	}
}

// SendOnce posts a ticket event without retries (operator tooling).
func SendOnce(ctx context.Context, cfg config.CallbacksConfig, event TicketEvent) error {
	if cfg.TicketIssuedURL == "" {
		return ErrCallbackDisabled
	}

	PrepareTicketEvent(&event, cfg.TicketBaseURL)

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return post(ctx, httputil.NewClient(timeout, httputil.WithMaxIdlePerHost(2)), cfg.TicketIssuedURL, cfg.Headers, payload)
}

// post delivers one payload. Any status >= 400 is an error.
func post(ctx context.Context, client *http.Client, url string, headers map[string]string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	for k, v := range headers {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, url)
	}
	return nil
}
