package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/ticketing/internal/config"
	"github.com/CedrosPay/ticketing/internal/httputil"
	"github.com/CedrosPay/ticketing/internal/logger"
	"github.com/CedrosPay/ticketing/internal/metrics"
)

// RetryConfig holds delivery retry configuration.
type RetryConfig struct {
	MaxAttempts     int           // Maximum attempts (default: 5)
	InitialInterval time.Duration // Initial backoff interval (default: 1s)
	MaxInterval     time.Duration // Maximum backoff interval (default: 5m)
	Multiplier      float64       // Backoff multiplier (default: 2.0)
	Timeout         time.Duration // Per-attempt timeout (default: 10s)
}

// DefaultRetryConfig returns sensible defaults for delivery retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Timeout:         10 * time.Second,
	}
}

// RetryConfigFrom converts application config, keeping defaults for unset fields.
func RetryConfigFrom(cfg config.CallbacksConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if !cfg.Retry.Enabled {
		rc.MaxAttempts = 1
	} else if cfg.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialInterval.Duration > 0 {
		rc.InitialInterval = cfg.Retry.InitialInterval.Duration
	}
	if cfg.Retry.MaxInterval.Duration > 0 {
		rc.MaxInterval = cfg.Retry.MaxInterval.Duration
	}
	if cfg.Retry.Multiplier > 0 {
		rc.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Timeout.Duration > 0 {
		rc.Timeout = cfg.Timeout.Duration
	}
	return rc
}

// backoff returns the wait after the given failed attempt (1-based).
func (rc RetryConfig) backoff(attempt int) time.Duration {
	d := rc.InitialInterval
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * rc.Multiplier)
		if d > rc.MaxInterval {
			return rc.MaxInterval
		}
	}
	return d
}

// RetryableClient posts ticket events from a goroutine with exponential
// backoff. Deliveries in flight are lost on restart; use the persistent
// client when that matters.
type RetryableClient struct {
	cfg        config.CallbacksConfig
	retryCfg   RetryConfig
	httpClient *http.Client
	logger     zerolog.Logger
	dlqStore   DLQStore
	metrics    *metrics.Metrics

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// RetryOption customizes the retry client behavior.
type RetryOption func(*RetryableClient)

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger zerolog.Logger) RetryOption {
	return func(c *RetryableClient) {
		c.logger = logger
	}
}

// WithDLQStore keeps deliveries that exhausted their retries.
func WithDLQStore(store DLQStore) RetryOption {
	return func(c *RetryableClient) {
		c.dlqStore = store
	}
}

// WithRetryConfig sets custom retry configuration.
func WithRetryConfig(cfg RetryConfig) RetryOption {
	return func(c *RetryableClient) {
		c.retryCfg = cfg
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *metrics.Metrics) RetryOption {
	return func(c *RetryableClient) {
		c.metrics = metrics
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) RetryOption {
	return func(c *RetryableClient) {
		c.httpClient = client
	}
}

// NewRetryableClient constructs a notifier with in-process retries.
// It returns nil when no gateway URL is configured.
func NewRetryableClient(cfg config.CallbacksConfig, opts ...RetryOption) *RetryableClient {
	if cfg.TicketIssuedURL == "" {
		return nil
	}

	client := &RetryableClient{
		cfg:      cfg,
		retryCfg: RetryConfigFrom(cfg),
		logger:   zerolog.Nop(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.httpClient == nil {
		client.httpClient = httputil.NewClient(client.retryCfg.Timeout)
	}
	return client
}

// TicketIssued dispatches the event asynchronously.
// The EventID is fixed before the first attempt so every retry carries it.
func (c *RetryableClient) TicketIssued(ctx context.Context, event TicketEvent) {
	if c == nil {
		return
	}

	PrepareTicketEvent(&event, c.cfg.TicketBaseURL)
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error().Err(err).Msg("notifier.serialize_failed")
		return
	}

	log := c.logger.With().
		Str("event_id", event.EventID).
		Str("purchase_id", event.PurchaseID).
		Str("email", logger.RedactEmail(event.CustomerEmail)).
		Str("phone", logger.RedactPhone(event.CustomerPhone)).
		Logger()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		attempts, err := c.sendWithRetry(payload)
		if err == nil {
			return
		}
		log.Error().Err(err).Int("attempts", attempts).Msg("notifier.delivery_failed")
		if c.dlqStore != nil {
			c.saveToDLQ(context.Background(), event, payload, attempts, err)
		}
	}()
}

// Close abandons pending backoff sleeps and waits for in-flight sends. An
// event abandoned mid-backoff is written to the DLQ with the attempts made
// so far, so callers expecting a retry to land must wait for it first.
func (c *RetryableClient) Close() error {
	if c == nil {
		return nil
	}
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

// sendWithRetry returns the number of attempts made and the last error.
func (c *RetryableClient) sendWithRetry(payload []byte) (int, error) {
	var lastErr error
	start := time.Now()

	for attempt := 1; attempt <= c.retryCfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.retryCfg.Timeout)
		err := post(ctx, c.httpClient, c.cfg.TicketIssuedURL, c.cfg.Headers, payload)
		cancel()

		if err == nil {
			c.metrics.ObserveNotification(EventTicketIssued, "success", time.Since(start), attempt, false)
			if attempt > 1 {
				c.logger.Info().Int("attempt", attempt).Msg("notifier.delivered_after_retry")
			}
			return attempt, nil
		}

		lastErr = err
		if attempt == c.retryCfg.MaxAttempts {
			c.metrics.ObserveNotification(EventTicketIssued, "failed", time.Since(start), attempt, false)
			return attempt, fmt.Errorf("delivery failed after %d attempts: %w", attempt, lastErr)
		}

		wait := c.retryCfg.backoff(attempt)
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.retryCfg.MaxAttempts).
			Dur("next_retry", wait).
			Msg("notifier.attempt_failed")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-c.stop:
			timer.Stop()
			return attempt, fmt.Errorf("delivery abandoned on shutdown: %w", lastErr)
		}
	}
	return c.retryCfg.MaxAttempts, lastErr
}

func (c *RetryableClient) saveToDLQ(ctx context.Context, event TicketEvent, payload []byte, attempts int, lastErr error) {
	now := time.Now().UTC()
	failed := FailedDelivery{
		ID:          "dlq_" + event.EventID,
		PurchaseID:  event.PurchaseID,
		URL:         c.cfg.TicketIssuedURL,
		Payload:     json.RawMessage(payload),
		Headers:     c.cfg.Headers,
		EventType:   event.EventType,
		Attempts:    attempts,
		LastError:   lastErr.Error(),
		LastAttempt: now,
		CreatedAt:   now,
	}

	if err := c.dlqStore.SaveFailedDelivery(ctx, failed); err != nil {
		c.logger.Error().Err(err).Str("dlq_id", failed.ID).Msg("notifier.dlq_save_failed")
		return
	}
	c.metrics.ObserveNotification(EventTicketIssued, "dlq", 0, attempts, true)
	c.logger.Info().
		Str("dlq_id", failed.ID).
		Int("attempts", attempts).
		Msg("notifier.saved_to_dlq")
}
