package callbacks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/ticketing/internal/config"
	"github.com/CedrosPay/ticketing/internal/metrics"
	"github.com/CedrosPay/ticketing/internal/storage"
)

const enqueueTimeout = 5 * time.Second

// PersistentCallbackClient is the Notifier used when deliveries are queued
// in the store. Events survive a restart between issuance and delivery.
type PersistentCallbackClient struct {
	worker *DeliveryQueueWorker
	cancel context.CancelFunc
	logger zerolog.Logger
}

// PersistentCallbackOptions configures the persistent client.
type PersistentCallbackOptions struct {
	Queue       storage.DeliveryQueue
	Config      config.CallbacksConfig
	RetryConfig RetryConfig
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// NewPersistentCallbackClient starts the queue worker. It returns nil when
// no gateway URL is configured.
func NewPersistentCallbackClient(opts PersistentCallbackOptions) *PersistentCallbackClient {
	if opts.Config.TicketIssuedURL == "" {
		return nil
	}

	worker := NewDeliveryQueueWorker(DeliveryQueueWorkerOptions{
		Queue:       opts.Queue,
		Config:      opts.Config,
		RetryConfig: opts.RetryConfig,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)

	return &PersistentCallbackClient{
		worker: worker,
		cancel: cancel,
		logger: opts.Logger.With().Str("component", "delivery_queue").Logger(),
	}
}

// TicketIssued writes the event to the queue. The write is detached from
// the caller's cancellation: the ticket is already issued, so a client
// disconnect must not lose its notification.
func (c *PersistentCallbackClient) TicketIssued(ctx context.Context, event TicketEvent) {
	if c == nil || c.worker == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()

	id, err := c.worker.Enqueue(ctx, event)
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("purchase_id", event.PurchaseID).
			Str("reference", event.PaymentReference).
			Msg("notifier.enqueue_failed")
		return
	}
	c.logger.Debug().Str("delivery_id", id).Str("purchase_id", event.PurchaseID).Msg("notifier.enqueued")
}

// Close waits for the in-flight batch, then releases the worker context.
func (c *PersistentCallbackClient) Close() error {
	if c == nil || c.worker == nil {
		return nil
	}
	c.worker.Stop()
	c.cancel()
	return nil
}
