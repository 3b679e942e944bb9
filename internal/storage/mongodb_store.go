package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/ticketing/internal/config"
	"github.com/CedrosPay/ticketing/internal/metrics"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB.
//
// MarkPaid cannot span two collections atomically without a replica set, so
// it inserts the token into the namespace collection first (unique _id) and
// releases it again if the purchase compare-and-set loses.
type MongoDBStore struct {
	client     *mongo.Client
	db         *mongo.Database
	purchases  *mongo.Collection
	tokens     *mongo.Collection
	receipts   *mongo.Collection
	deliveries *mongo.Collection
	metrics    *metrics.Metrics
}

// NewMongoDBStore connects, pings and ensures indexes.
func NewMongoDBStore(connectionString, database string, tables config.TableNames) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	tables = withDefaultTables(tables)
	db := client.Database(database)
	store := &MongoDBStore{
		client:     client,
		db:         db,
		purchases:  db.Collection(tables.Purchases),
		tokens:     db.Collection(tables.AccessTokens),
		receipts:   db.Collection(tables.Receipts),
		deliveries: db.Collection(tables.Deliveries),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// WithMetrics enables query timing.
func (s *MongoDBStore) WithMetrics(m *metrics.Metrics) *MongoDBStore {
	s.metrics = m
	return s
}

func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.purchases.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "payment_reference", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "access_token", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create purchase indexes: %w", err)
	}

	_, err = s.receipts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "reference", Value: 1},
				{Key: "channel", Value: 1},
				{Key: "provider_txn_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "received_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create receipt indexes: %w", err)
	}

	_, err = s.deliveries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create delivery indexes: %w", err)
	}
	return nil
}

// CreatePurchase inserts a new pending purchase.
func (s *MongoDBStore) CreatePurchase(ctx context.Context, purchase PurchaseRecord) (PurchaseRecord, error) {
	if err := validateAndPreparePurchase(&purchase); err != nil {
		return PurchaseRecord{}, err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "create_purchase", "mongodb")()

	_, err := s.purchases.InsertOne(ctx, purchase)
	if mongo.IsDuplicateKeyError(err) {
		return PurchaseRecord{}, ErrDuplicatePurchase
	}
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("insert purchase: %w", err)
	}
	return purchase, nil
}

// GetPurchase fetches a purchase by ID.
func (s *MongoDBStore) GetPurchase(ctx context.Context, id string) (PurchaseRecord, error) {
	return s.findPurchase(ctx, bson.M{"_id": id})
}

// GetPurchaseByReference fetches a purchase by payment reference.
func (s *MongoDBStore) GetPurchaseByReference(ctx context.Context, reference string) (PurchaseRecord, error) {
	return s.findPurchase(ctx, bson.M{"payment_reference": reference})
}

// GetPurchaseByToken fetches a paid purchase by its access token.
func (s *MongoDBStore) GetPurchaseByToken(ctx context.Context, accessToken string) (PurchaseRecord, error) {
	return s.findPurchase(ctx, bson.M{"access_token": accessToken})
}

func (s *MongoDBStore) findPurchase(ctx context.Context, filter bson.M) (PurchaseRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var p PurchaseRecord
	err := s.purchases.FindOne(ctx, filter).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PurchaseRecord{}, ErrNotFound
	}
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("find purchase: %w", err)
	}
	return normalizePurchase(p), nil
}

// MarkPaid reserves the token, then compare-and-sets the purchase.
func (s *MongoDBStore) MarkPaid(ctx context.Context, t Transition) (PurchaseRecord, error) {
	if t.Token == "" {
		return PurchaseRecord{}, fmt.Errorf("mark paid requires an access token")
	}
	at := transitionTime(t.At)
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "mark_paid", "mongodb")()

	_, err := s.tokens.InsertOne(ctx, bson.M{
		"_id":               t.Token,
		"payment_reference": t.Reference,
		"issued_at":         at,
	})
	if mongo.IsDuplicateKeyError(err) {
		return PurchaseRecord{}, ErrTokenTaken
	}
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("claim access token: %w", err)
	}

	filter := bson.M{"payment_reference": t.Reference, "status": StatusPending}
	update := bson.M{"$set": bson.M{
		"status":          StatusPaid,
		"access_token":    t.Token,
		"confirmed_at":    at,
		"updated_at":      at,
		"provider_txn_id": t.ProviderTxnID,
		"confirmed_via":   t.Channel,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var p PurchaseRecord
	err = s.purchases.FindOneAndUpdate(ctx, filter, update, opts).Decode(&p)
	if err == nil {
		return normalizePurchase(p), nil
	}

	// Release the reservation; the purchase never took this token.
	if _, delErr := s.tokens.DeleteOne(ctx, bson.M{"_id": t.Token, "payment_reference": t.Reference}); delErr != nil {
		err = errors.Join(err, fmt.Errorf("release access token: %w", delErr))
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PurchaseRecord{}, s.whyNotPending(ctx, t.Reference)
	}
	if mongo.IsDuplicateKeyError(err) {
		return PurchaseRecord{}, ErrTokenTaken
	}
	return PurchaseRecord{}, fmt.Errorf("mark paid: %w", err)
}

// MarkFailed compare-and-sets pending -> failed.
func (s *MongoDBStore) MarkFailed(ctx context.Context, t Transition) (PurchaseRecord, error) {
	at := transitionTime(t.At)
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "mark_failed", "mongodb")()

	filter := bson.M{"payment_reference": t.Reference, "status": StatusPending}
	update := bson.M{"$set": bson.M{
		"status":          StatusFailed,
		"updated_at":      at,
		"provider_txn_id": t.ProviderTxnID,
		"confirmed_via":   t.Channel,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var p PurchaseRecord
	err := s.purchases.FindOneAndUpdate(ctx, filter, update, opts).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PurchaseRecord{}, s.whyNotPending(ctx, t.Reference)
	}
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("mark failed: %w", err)
	}
	return normalizePurchase(p), nil
}

func (s *MongoDBStore) whyNotPending(ctx context.Context, reference string) error {
	n, err := s.purchases.CountDocuments(ctx, bson.M{"payment_reference": reference}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("read purchase status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrNotPending
}

// ListPendingWithReceipts joins pending purchases against stored receipts.
func (s *MongoDBStore) ListPendingWithReceipts(ctx context.Context, after PendingCursor, limit int) ([]PurchaseRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "list_pending", "mongodb")()

	if limit <= 0 {
		limit = 100
	}
	match := bson.M{"status": StatusPending}
	if !after.IsZero() {
		match["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$gt": after.CreatedAt}},
			bson.M{"created_at": after.CreatedAt, "_id": bson.M{"$gt": after.ID}},
		}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}}},
		{{Key: "$lookup", Value: bson.M{
			"from": s.receipts.Name(),
			"let":  bson.M{"ref": "$payment_reference"},
			"pipeline": bson.A{
				bson.M{"$match": bson.M{
					"$expr":  bson.M{"$eq": bson.A{"$reference", "$$ref"}},
					"status": bson.M{"$in": bson.A{ReceiptSucceeded, ReceiptFailed}},
				}},
				bson.M{"$limit": 1},
			},
			"as": "receipts",
		}}},
		{{Key: "$match", Value: bson.M{"receipts.0": bson.M{"$exists": true}}}},
		{{Key: "$limit", Value: limit}},
		{{Key: "$project", Value: bson.M{"receipts": 0}}},
	}

	cursor, err := s.purchases.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("list pending purchases: %w", err)
	}
	defer cursor.Close(ctx)

	var out []PurchaseRecord
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode purchases: %w", err)
	}
	for i := range out {
		out[i] = normalizePurchase(out[i])
	}
	return out, nil
}

// RecordReceipt inserts a receipt; the unique index absorbs duplicates.
func (s *MongoDBStore) RecordReceipt(ctx context.Context, r CallbackReceipt) (bool, error) {
	if err := validateAndPrepareReceipt(&r); err != nil {
		return false, err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "record_receipt", "mongodb")()

	_, err := s.receipts.InsertOne(ctx, receiptDoc(r))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert receipt: %w", err)
	}
	return true, nil
}

// ListReceipts returns receipts for a reference oldest first.
func (s *MongoDBStore) ListReceipts(ctx context.Context, reference string) ([]CallbackReceipt, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "received_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.receipts.Find(ctx, bson.M{"reference": reference}, opts)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoReceipt
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode receipts: %w", err)
	}
	out := make([]CallbackReceipt, len(docs))
	for i, d := range docs {
		out[i] = d.toReceipt()
	}
	return out, nil
}

// DeleteReceiptsBefore removes old receipts unless a pending purchase owns
// them. Orphaned receipts with no purchase at all are removed as well.
func (s *MongoDBStore) DeleteReceiptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	pending, err := s.purchases.Distinct(ctx, "payment_reference", bson.M{"status": StatusPending})
	if err != nil {
		return 0, fmt.Errorf("list pending references: %w", err)
	}
	filter := bson.M{"received_at": bson.M{"$lt": cutoff}}
	if len(pending) > 0 {
		filter["reference"] = bson.M{"$nin": pending}
	}

	res, err := s.receipts.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete receipts: %w", err)
	}
	return res.DeletedCount, nil
}

// Ping checks server connectivity.
func (s *MongoDBStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// mongoReceipt stores the raw payload as a string; json.RawMessage would
// otherwise be encoded as BSON binary.
type mongoReceipt struct {
	ID            string    `bson:"_id"`
	Reference     string    `bson:"reference"`
	Channel       string    `bson:"channel"`
	ProviderTxnID string    `bson:"provider_txn_id"`
	Status        string    `bson:"status"`
	Amount        int64     `bson:"amount"`
	Payload       string    `bson:"payload,omitempty"`
	ReceivedAt    time.Time `bson:"received_at"`
}

func receiptDoc(r CallbackReceipt) mongoReceipt {
	return mongoReceipt{
		ID:            r.ID,
		Reference:     r.Reference,
		Channel:       string(r.Channel),
		ProviderTxnID: r.ProviderTxnID,
		Status:        string(r.Status),
		Amount:        r.Amount,
		Payload:       string(r.Payload),
		ReceivedAt:    r.ReceivedAt,
	}
}

func (d mongoReceipt) toReceipt() CallbackReceipt {
	r := CallbackReceipt{
		ID:            d.ID,
		Reference:     d.Reference,
		Channel:       Channel(d.Channel),
		ProviderTxnID: d.ProviderTxnID,
		Status:        ReceiptStatus(d.Status),
		Amount:        d.Amount,
		ReceivedAt:    d.ReceivedAt.UTC(),
	}
	if d.Payload != "" {
		r.Payload = []byte(d.Payload)
	}
	return r
}

// normalizePurchase converts driver-decoded times to UTC.
func normalizePurchase(p PurchaseRecord) PurchaseRecord {
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if p.ConfirmedAt != nil {
		at := p.ConfirmedAt.UTC()
		p.ConfirmedAt = &at
	}
	return p
}
