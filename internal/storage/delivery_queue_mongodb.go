package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnqueueDelivery adds a notification to the queue.
func (s *MongoDBStore) EnqueueDelivery(ctx context.Context, d PendingDelivery) (string, error) {
	prepareDelivery(&d)
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if _, err := s.deliveries.InsertOne(ctx, d); err != nil {
		return "", fmt.Errorf("insert delivery: %w", err)
	}
	return d.ID, nil
}

// ClaimDeliveries claims due deliveries one document at a time; each
// FindOneAndUpdate is atomic, so concurrent workers never share a row.
func (s *MongoDBStore) ClaimDeliveries(ctx context.Context, limit int) ([]PendingDelivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}
	now := time.Now().UTC()
	filter := bson.M{"$or": bson.A{
		bson.M{"status": DeliveryStatusPending, "next_attempt_at": bson.M{"$lte": now}},
		bson.M{"status": DeliveryStatusProcessing, "last_attempt_at": bson.M{"$lt": now.Add(-ProcessingLease)}},
	}}
	update := bson.M{
		"$set": bson.M{"status": DeliveryStatusProcessing, "last_attempt_at": now},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "next_attempt_at", Value: 1}}).
		SetReturnDocument(options.After)

	var out []PendingDelivery
	for len(out) < limit {
		var d PendingDelivery
		err := s.deliveries.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("claim delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// CompleteDelivery removes a delivered notification.
func (s *MongoDBStore) CompleteDelivery(ctx context.Context, id string) error {
	return s.DeleteDelivery(ctx, id)
}

// FailDelivery records a failed attempt, parking the delivery once retries are exhausted.
func (s *MongoDBStore) FailDelivery(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	d, err := s.GetDelivery(ctx, id)
	if err != nil {
		return err
	}

	status := nextStatusAfterFailure(d.Attempts, d.MaxAttempts)
	set := bson.M{"last_error": errMsg, "status": status}
	if status == DeliveryStatusFailed {
		set["completed_at"] = time.Now().UTC()
	} else {
		set["next_attempt_at"] = nextAttemptAt
	}

	res, err := s.deliveries.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDelivery fetches one delivery.
func (s *MongoDBStore) GetDelivery(ctx context.Context, id string) (PendingDelivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var d PendingDelivery
	err := s.deliveries.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PendingDelivery{}, ErrNotFound
	}
	if err != nil {
		return PendingDelivery{}, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

// ListDeliveries lists deliveries newest first.
func (s *MongoDBStore) ListDeliveries(ctx context.Context, status DeliveryStatus, limit int) ([]PendingDelivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.deliveries.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer cursor.Close(ctx)

	var out []PendingDelivery
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode deliveries: %w", err)
	}
	return out, nil
}

// RetryDelivery resets a delivery for immediate retry.
func (s *MongoDBStore) RetryDelivery(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"status":          DeliveryStatusPending,
			"attempts":        0,
			"last_error":      "",
			"next_attempt_at": time.Now().UTC(),
		},
		"$unset": bson.M{"completed_at": ""},
	}
	res, err := s.deliveries.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("retry delivery: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDelivery removes a delivery regardless of state.
func (s *MongoDBStore) DeleteDelivery(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.deliveries.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete delivery: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
