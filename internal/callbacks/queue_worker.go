package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/ticketing/internal/config"
	"github.com/CedrosPay/ticketing/internal/httputil"
	"github.com/CedrosPay/ticketing/internal/metrics"
	"github.com/CedrosPay/ticketing/internal/storage"
)

// DeliveryQueueWorker drains the persistent delivery queue.
type DeliveryQueueWorker struct {
	queue        storage.DeliveryQueue
	cfg          config.CallbacksConfig
	retryCfg     RetryConfig
	httpClient   *http.Client
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	stopChan     chan struct{}
	doneChan     chan struct{}
	pollInterval time.Duration
	batchSize    int
}

// DeliveryQueueWorkerOptions configures the worker.
type DeliveryQueueWorkerOptions struct {
	Queue        storage.DeliveryQueue
	Config       config.CallbacksConfig
	RetryConfig  RetryConfig
	HTTPClient   *http.Client
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	PollInterval time.Duration // default: 5s
	BatchSize    int           // deliveries claimed per poll (default: 10)
}

// NewDeliveryQueueWorker creates a worker. Call Start to run it.
func NewDeliveryQueueWorker(opts DeliveryQueueWorkerOptions) *DeliveryQueueWorker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = opts.Config.PollInterval.Duration
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.RetryConfig.Timeout == 0 {
		opts.RetryConfig = RetryConfigFrom(opts.Config)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = httputil.NewClient(opts.RetryConfig.Timeout)
	}

	return &DeliveryQueueWorker{
		queue:        opts.Queue,
		cfg:          opts.Config,
		retryCfg:     opts.RetryConfig,
		httpClient:   opts.HTTPClient,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
	}
}

// Start begins polling the queue.
func (w *DeliveryQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop ends polling and waits for the current batch.
func (w *DeliveryQueueWorker) Stop() {
	close(w.stopChan)
	<-w.doneChan
}

func (w *DeliveryQueueWorker) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info().Dur("poll_interval", w.pollInterval).Msg("notifier.queue_worker.started")

	for {
		select {
		case <-w.stopChan:
			w.logger.Info().Msg("notifier.queue_worker.stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessQueue(ctx)
		}
	}
}

// ProcessQueue claims one batch of due deliveries and attempts each once.
// It returns the number of deliveries attempted.
func (w *DeliveryQueueWorker) ProcessQueue(ctx context.Context) int {
	deliveries, err := w.queue.ClaimDeliveries(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("notifier.queue_worker.claim_failed")
		return 0
	}
	for _, d := range deliveries {
		w.processDelivery(ctx, d)
	}
	return len(deliveries)
}

// processDelivery attempts one claimed delivery. Attempts was already
// incremented by the claim.
func (w *DeliveryQueueWorker) processDelivery(ctx context.Context, d storage.PendingDelivery) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, w.retryCfg.Timeout)
	err := post(reqCtx, w.httpClient, d.URL, d.Headers, d.Payload)
	cancel()

	if err == nil {
		if cerr := w.queue.CompleteDelivery(ctx, d.ID); cerr != nil {
			w.logger.Error().Err(cerr).Str("delivery_id", d.ID).Msg("notifier.queue_worker.complete_failed")
		}
		w.metrics.ObserveNotification(d.EventType, "success", time.Since(start), d.Attempts, false)
		w.logger.Info().
			Str("delivery_id", d.ID).
			Str("purchase_id", d.PurchaseID).
			Int("attempts", d.Attempts).
			Msg("notifier.delivered")
		return
	}

	nextAttemptAt := time.Now().Add(w.retryCfg.backoff(d.Attempts))
	if ferr := w.queue.FailDelivery(ctx, d.ID, err.Error(), nextAttemptAt); ferr != nil {
		w.logger.Error().Err(ferr).Str("delivery_id", d.ID).Msg("notifier.queue_worker.fail_update_failed")
		return
	}

	if d.Attempts >= d.MaxAttempts {
		w.metrics.ObserveNotification(d.EventType, "dlq", time.Since(d.CreatedAt), d.Attempts, true)
		w.logger.Error().
			Err(err).
			Str("delivery_id", d.ID).
			Str("purchase_id", d.PurchaseID).
			Int("attempts", d.Attempts).
			Msg("notifier.delivery_failed")
		return
	}
	w.logger.Warn().
		Err(err).
		Str("delivery_id", d.ID).
		Int("attempts", d.Attempts).
		Time("next_attempt", nextAttemptAt).
		Msg("notifier.delivery_retry_scheduled")
}

// Enqueue stores a ticket event for delivery by the worker.
func (w *DeliveryQueueWorker) Enqueue(ctx context.Context, event TicketEvent) (string, error) {
	PrepareTicketEvent(&event, w.cfg.TicketBaseURL)

	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal ticket event: %w", err)
	}

	id, err := w.queue.EnqueueDelivery(ctx, storage.PendingDelivery{
		PurchaseID:  event.PurchaseID,
		EventType:   event.EventType,
		URL:         w.cfg.TicketIssuedURL,
		Payload:     json.RawMessage(payload),
		Headers:     w.cfg.Headers,
		MaxAttempts: w.retryCfg.MaxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue delivery: %w", err)
	}

	w.logger.Debug().
		Str("delivery_id", id).
		Str("event_id", event.EventID).
		Msg("notifier.enqueued")
	return id, nil
}
