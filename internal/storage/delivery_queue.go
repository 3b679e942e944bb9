package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the state of a queued notification.
type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "pending"    // waiting for its next attempt
	DeliveryStatusProcessing DeliveryStatus = "processing" // claimed by a worker
	DeliveryStatusFailed     DeliveryStatus = "failed"     // retries exhausted
)

// ProcessingLease is how long a claimed delivery may stay in processing
// before another worker may claim it again.
const ProcessingLease = 5 * time.Minute

// PendingDelivery is a notification (ticket.issued) waiting to reach the
// email/SMS gateway. Delivered rows are removed from the queue.
type PendingDelivery struct {
	ID            string            `json:"id" bson:"_id"`
	PurchaseID    string            `json:"purchaseId" bson:"purchase_id"`
	EventType     string            `json:"eventType" bson:"event_type"`
	URL           string            `json:"url" bson:"url"`
	Payload       json.RawMessage   `json:"payload" bson:"payload"`
	Headers       map[string]string `json:"headers,omitempty" bson:"headers,omitempty"`
	Status        DeliveryStatus    `json:"status" bson:"status"`
	Attempts      int               `json:"attempts" bson:"attempts"`
	MaxAttempts   int               `json:"maxAttempts" bson:"max_attempts"`
	LastError     string            `json:"lastError,omitempty" bson:"last_error,omitempty"`
	LastAttemptAt time.Time         `json:"lastAttemptAt,omitempty" bson:"last_attempt_at"`
	NextAttemptAt time.Time         `json:"nextAttemptAt" bson:"next_attempt_at"`
	CreatedAt     time.Time         `json:"createdAt" bson:"created_at"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
}

// claimable reports whether a worker may take d at now.
func (d PendingDelivery) claimable(now time.Time) bool {
	switch d.Status {
	case DeliveryStatusPending:
		return !d.NextAttemptAt.After(now)
	case DeliveryStatusProcessing:
		return d.LastAttemptAt.Before(now.Add(-ProcessingLease))
	}
	return false
}

// DeliveryQueue persists outbound notifications across restarts.
type DeliveryQueue interface {
	EnqueueDelivery(ctx context.Context, d PendingDelivery) (string, error)
	// ClaimDeliveries moves up to limit due deliveries to processing,
	// incrementing their attempt count, and returns them.
	ClaimDeliveries(ctx context.Context, limit int) ([]PendingDelivery, error)
	// CompleteDelivery removes a delivered notification.
	CompleteDelivery(ctx context.Context, id string) error
	// FailDelivery records a failed attempt. The delivery returns to pending
	// at nextAttemptAt, or becomes failed once attempts reach MaxAttempts.
	FailDelivery(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error
	GetDelivery(ctx context.Context, id string) (PendingDelivery, error)
	// ListDeliveries lists deliveries, optionally filtered by status (empty = all).
	ListDeliveries(ctx context.Context, status DeliveryStatus, limit int) ([]PendingDelivery, error)
	// RetryDelivery resets a failed delivery to pending for immediate retry.
	RetryDelivery(ctx context.Context, id string) error
	DeleteDelivery(ctx context.Context, id string) error
}

func prepareDelivery(d *PendingDelivery) {
	if d.ID == "" {
		d.ID = "dlv_" + uuid.NewString()
	}
	now := time.Now().UTC()
	d.Status = DeliveryStatusPending
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = now
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 5
	}
}

// nextStatusAfterFailure decides where a failed attempt leaves the delivery.
func nextStatusAfterFailure(attempts, maxAttempts int) DeliveryStatus {
	if attempts >= maxAttempts {
		return DeliveryStatusFailed
	}
	return DeliveryStatusPending
}
