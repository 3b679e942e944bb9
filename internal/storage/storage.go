package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CedrosPay/ticketing/internal/config"
	"github.com/CedrosPay/ticketing/internal/token"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrNotPending is returned by a transition whose compare-and-set lost:
	// the purchase exists but is no longer pending.
	ErrNotPending = errors.New("storage: purchase is not pending")
	// ErrTokenTaken means the access token already exists in the namespace.
	// It wraps token.ErrCollision so the generator redraws.
	ErrTokenTaken = fmt.Errorf("storage: access token taken: %w", token.ErrCollision)
	// ErrDuplicatePurchase is returned when a payment reference is registered twice.
	ErrDuplicatePurchase = errors.New("storage: duplicate payment reference")
)

// PurchaseStatus is the lifecycle state of a purchase.
type PurchaseStatus string

const (
	StatusPending   PurchaseStatus = "pending"
	StatusPaid      PurchaseStatus = "paid"
	StatusFailed    PurchaseStatus = "failed"
	StatusCancelled PurchaseStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s PurchaseStatus) Terminal() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusCancelled
}

// Channel identifies which confirmation path delivered a signal.
type Channel string

const (
	ChannelVerify   Channel = "verify"   // user-initiated verify, backed by an oracle query
	ChannelWebhook  Channel = "webhook"  // provider push
	ChannelCallback Channel = "callback" // redirect/callback receipt forwarded by the client
)

// ReceiptStatus is the payment status reported by a signal.
type ReceiptStatus string

const (
	ReceiptSucceeded ReceiptStatus = "succeeded"
	ReceiptFailed    ReceiptStatus = "failed"
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptUnknown   ReceiptStatus = "unknown"
)

// PurchaseRecord is a ticket purchase awaiting or holding a payment outcome.
// AccessToken is set if and only if Status is paid.
type PurchaseRecord struct {
	ID               string            `json:"id" bson:"_id"`
	PaymentReference string            `json:"paymentReference" bson:"payment_reference"`
	Status           PurchaseStatus    `json:"status" bson:"status"`
	AccessToken      string            `json:"accessToken,omitempty" bson:"access_token,omitempty"`
	Quantity         int               `json:"quantity" bson:"quantity"`
	CustomerEmail    string            `json:"customerEmail,omitempty" bson:"customer_email,omitempty"`
	CustomerPhone    string            `json:"customerPhone,omitempty" bson:"customer_phone,omitempty"`
	ExpectedAmount   int64             `json:"expectedAmount,omitempty" bson:"expected_amount"` // minor units; 0 disables the amount check
	Currency         string            `json:"currency,omitempty" bson:"currency,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	ProviderTxnID    string            `json:"providerTxnId,omitempty" bson:"provider_txn_id,omitempty"`
	ConfirmedVia     Channel           `json:"confirmedVia,omitempty" bson:"confirmed_via,omitempty"`
	CreatedAt        time.Time         `json:"createdAt" bson:"created_at"`
	UpdatedAt        time.Time         `json:"updatedAt" bson:"updated_at"`
	ConfirmedAt      *time.Time        `json:"confirmedAt,omitempty" bson:"confirmed_at,omitempty"`
}

// CallbackReceipt is the durable audit record of one inbound signal.
// Receipts are unique on (Reference, Channel, ProviderTxnID).
type CallbackReceipt struct {
	ID            string          `json:"id" bson:"_id"`
	Reference     string          `json:"reference" bson:"reference"`
	Channel       Channel         `json:"channel" bson:"channel"`
	ProviderTxnID string          `json:"providerTxnId" bson:"provider_txn_id"`
	Status        ReceiptStatus   `json:"status" bson:"status"`
	Amount        int64           `json:"amount,omitempty" bson:"amount"`
	Payload       json.RawMessage `json:"payload,omitempty" bson:"payload,omitempty"`
	ReceivedAt    time.Time       `json:"receivedAt" bson:"received_at"`
}

// Transition describes a guarded pending -> terminal move.
type Transition struct {
	Reference     string
	Token         string // required for MarkPaid, ignored by MarkFailed
	At            time.Time
	ProviderTxnID string
	Channel       Channel
}

// PendingCursor is a position in the (CreatedAt, ID) ordering of pending
// purchases. The zero value starts from the oldest.
type PendingCursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether c is the starting position.
func (c PendingCursor) IsZero() bool { return c.ID == "" && c.CreatedAt.IsZero() }

// After reports whether p sorts strictly after c.
func (c PendingCursor) After(p PurchaseRecord) bool {
	if c.IsZero() {
		return true
	}
	if p.CreatedAt.Equal(c.CreatedAt) {
		return p.ID > c.ID
	}
	return p.CreatedAt.After(c.CreatedAt)
}

// CursorAt returns the cursor positioned on p.
func CursorAt(p PurchaseRecord) PendingCursor {
	return PendingCursor{CreatedAt: p.CreatedAt, ID: p.ID}
}

// Decisive reports whether a receipt can settle a purchase on its own.
func (s ReceiptStatus) Decisive() bool {
	return s == ReceiptSucceeded || s == ReceiptFailed
}

// PurchaseStore persists purchases and performs their state transitions.
type PurchaseStore interface {
	CreatePurchase(ctx context.Context, purchase PurchaseRecord) (PurchaseRecord, error)
	GetPurchase(ctx context.Context, id string) (PurchaseRecord, error)
	GetPurchaseByReference(ctx context.Context, reference string) (PurchaseRecord, error)
	GetPurchaseByToken(ctx context.Context, accessToken string) (PurchaseRecord, error)

	// MarkPaid moves a pending purchase to paid and claims t.Token in the
	// access token namespace, atomically. It returns ErrNotPending when the
	// purchase already left pending and ErrTokenTaken when the token exists.
	MarkPaid(ctx context.Context, t Transition) (PurchaseRecord, error)
	// MarkFailed moves a pending purchase to failed; ErrNotPending otherwise.
	MarkFailed(ctx context.Context, t Transition) (PurchaseRecord, error)

	// ListPendingWithReceipts returns up to limit pending purchases that have
	// at least one succeeded or failed receipt, ordered by (CreatedAt, ID) and
	// strictly after the cursor.
	ListPendingWithReceipts(ctx context.Context, after PendingCursor, limit int) ([]PurchaseRecord, error)
}

// ReceiptStore persists raw confirmation signals.
type ReceiptStore interface {
	// RecordReceipt stores r unless an identical (reference, channel,
	// provider txn) receipt exists. inserted is false for a duplicate.
	RecordReceipt(ctx context.Context, r CallbackReceipt) (inserted bool, err error)
	// ListReceipts returns every receipt for reference, oldest first.
	ListReceipts(ctx context.Context, reference string) ([]CallbackReceipt, error)
	// DeleteReceiptsBefore removes receipts older than cutoff unless their
	// reference has a pending purchase. Receipts of settled purchases and of
	// references that never got a purchase are both removed; an orphaned
	// signal is only replayable until it ages past cutoff.
	DeleteReceiptsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the reconciliation store.
type Store interface {
	PurchaseStore
	ReceiptStore
	DeliveryQueue

	Ping(ctx context.Context) error
	Close() error
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Backend         string // "memory", "postgres", "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig
	Tables          config.TableNames
}

// StoreConfigFrom maps the storage section of the service config.
func StoreConfigFrom(cfg config.StorageConfig) StoreConfig {
	return StoreConfig{
		Backend:         cfg.Backend,
		PostgresURL:     cfg.PostgresURL,
		MongoDBURL:      cfg.MongoDBURL,
		MongoDBDatabase: cfg.MongoDBDatabase,
		PostgresPool:    cfg.PostgresPool,
		Tables:          cfg.Tables,
	}
}

// NewStore creates a store for the configured backend.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a store, reusing sharedDB for postgres when non-nil.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if sharedDB != nil {
			return NewPostgresStoreWithDB(sharedDB, cfg.Tables)
		}
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool, cfg.Tables)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		db := cfg.MongoDBDatabase
		if db == "" {
			db = "ticketing"
		}
		return NewMongoDBStore(cfg.MongoDBURL, db, cfg.Tables)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu sync.RWMutex

	purchases   map[string]PurchaseRecord // keyed by ID
	byReference map[string]string         // reference -> ID
	tokens      map[string]string         // access token namespace: token -> reference
	receipts    map[string][]CallbackReceipt
	receiptKeys map[receiptKey]struct{}
	deliveries  map[string]PendingDelivery
}

type receiptKey struct {
	reference string
	channel   Channel
	txnID     string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases:   make(map[string]PurchaseRecord),
		byReference: make(map[string]string),
		tokens:      make(map[string]string),
		receipts:    make(map[string][]CallbackReceipt),
		receiptKeys: make(map[receiptKey]struct{}),
		deliveries:  make(map[string]PendingDelivery),
	}
}

// CreatePurchase registers a new pending purchase.
func (m *MemoryStore) CreatePurchase(_ context.Context, purchase PurchaseRecord) (PurchaseRecord, error) {
	if err := validateAndPreparePurchase(&purchase); err != nil {
		return PurchaseRecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byReference[purchase.PaymentReference]; exists {
		return PurchaseRecord{}, ErrDuplicatePurchase
	}
	if _, exists := m.purchases[purchase.ID]; exists {
		return PurchaseRecord{}, ErrDuplicatePurchase
	}
	m.purchases[purchase.ID] = clonePurchase(purchase)
	m.byReference[purchase.PaymentReference] = purchase.ID
	return clonePurchase(purchase), nil
}

// GetPurchase fetches a purchase by ID.
func (m *MemoryStore) GetPurchase(_ context.Context, id string) (PurchaseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[id]
	if !ok {
		return PurchaseRecord{}, ErrNotFound
	}
	return clonePurchase(p), nil
}

// GetPurchaseByReference fetches a purchase by payment reference.
func (m *MemoryStore) GetPurchaseByReference(_ context.Context, reference string) (PurchaseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byReference[reference]
	if !ok {
		return PurchaseRecord{}, ErrNotFound
	}
	return clonePurchase(m.purchases[id]), nil
}

// GetPurchaseByToken fetches a paid purchase by its access token.
func (m *MemoryStore) GetPurchaseByToken(_ context.Context, accessToken string) (PurchaseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ref, ok := m.tokens[accessToken]
	if !ok {
		return PurchaseRecord{}, ErrNotFound
	}
	id, ok := m.byReference[ref]
	if !ok {
		return PurchaseRecord{}, ErrNotFound
	}
	return clonePurchase(m.purchases[id]), nil
}

// MarkPaid performs the pending -> paid compare-and-set under the store lock.
func (m *MemoryStore) MarkPaid(_ context.Context, t Transition) (PurchaseRecord, error) {
	if t.Token == "" {
		return PurchaseRecord{}, fmt.Errorf("mark paid requires an access token")
	}
	at := transitionTime(t.At)

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byReference[t.Reference]
	if !ok {
		return PurchaseRecord{}, ErrNotFound
	}
	p := m.purchases[id]
	if p.Status != StatusPending {
		return PurchaseRecord{}, ErrNotPending
	}
	if _, taken := m.tokens[t.Token]; taken {
		return PurchaseRecord{}, ErrTokenTaken
	}

	m.tokens[t.Token] = t.Reference
	p.Status = StatusPaid
	p.AccessToken = t.Token
	p.ConfirmedAt = &at
	p.UpdatedAt = at
	p.ProviderTxnID = t.ProviderTxnID
	p.ConfirmedVia = t.Channel
	m.purchases[id] = p
	return clonePurchase(p), nil
}

// MarkFailed performs the pending -> failed compare-and-set.
func (m *MemoryStore) MarkFailed(_ context.Context, t Transition) (PurchaseRecord, error) {
	at := transitionTime(t.At)

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byReference[t.Reference]
	if !ok {
		return PurchaseRecord{}, ErrNotFound
	}
	p := m.purchases[id]
	if p.Status != StatusPending {
		return PurchaseRecord{}, ErrNotPending
	}

	p.Status = StatusFailed
	p.UpdatedAt = at
	p.ProviderTxnID = t.ProviderTxnID
	p.ConfirmedVia = t.Channel
	m.purchases[id] = p
	return clonePurchase(p), nil
}

// ListPendingWithReceipts returns pending purchases with a decisive receipt.
func (m *MemoryStore) ListPendingWithReceipts(_ context.Context, after PendingCursor, limit int) ([]PurchaseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PurchaseRecord
	for _, p := range m.purchases {
		if p.Status != StatusPending || !after.After(p) || !hasDecisive(m.receipts[p.PaymentReference]) {
			continue
		}
		out = append(out, clonePurchase(p))
	}
	sortPurchasesByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hasDecisive(rs []CallbackReceipt) bool {
	for _, r := range rs {
		if r.Status.Decisive() {
			return true
		}
	}
	return false
}

// RecordReceipt stores a receipt unless it is a duplicate.
func (m *MemoryStore) RecordReceipt(_ context.Context, r CallbackReceipt) (bool, error) {
	if err := validateAndPrepareReceipt(&r); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := receiptKey{reference: r.Reference, channel: r.Channel, txnID: r.ProviderTxnID}
	if _, dup := m.receiptKeys[key]; dup {
		return false, nil
	}
	m.receiptKeys[key] = struct{}{}
	m.receipts[r.Reference] = append(m.receipts[r.Reference], r)
	return true, nil
}

// ListReceipts returns receipts for a reference in arrival order.
func (m *MemoryStore) ListReceipts(_ context.Context, reference string) ([]CallbackReceipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.receipts[reference]
	out := make([]CallbackReceipt, len(src))
	copy(out, src)
	return out, nil
}

// DeleteReceiptsBefore drops old receipts of settled references and of
// references with no purchase.
func (m *MemoryStore) DeleteReceiptsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for ref, list := range m.receipts {
		if id, ok := m.byReference[ref]; ok && m.purchases[id].Status == StatusPending {
			continue
		}
		kept := list[:0]
		for _, r := range list {
			if r.ReceivedAt.Before(cutoff) {
				delete(m.receiptKeys, receiptKey{reference: r.Reference, channel: r.Channel, txnID: r.ProviderTxnID})
				deleted++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(m.receipts, ref)
		} else {
			m.receipts[ref] = kept
		}
	}
	return deleted, nil
}

// Ping always succeeds for the memory store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }

func clonePurchase(p PurchaseRecord) PurchaseRecord {
	if p.Metadata != nil {
		md := make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			md[k] = v
		}
		p.Metadata = md
	}
	if p.ConfirmedAt != nil {
		at := *p.ConfirmedAt
		p.ConfirmedAt = &at
	}
	return p
}
