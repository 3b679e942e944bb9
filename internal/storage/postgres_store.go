package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/ticketing/internal/config"
	"github.com/CedrosPay/ticketing/internal/metrics"
	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db      *sql.DB
	ownsDB  bool // only close connections we opened
	tables  config.TableNames
	metrics *metrics.Metrics
}

// NewPostgresStore opens a connection pool and creates the schema.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig, tables config.TableNames) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{db: db, ownsDB: true, tables: withDefaultTables(tables)}
	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB builds a store on a shared connection pool.
func NewPostgresStoreWithDB(db *sql.DB, tables config.TableNames) (*PostgresStore, error) {
	store := &PostgresStore{db: db, tables: withDefaultTables(tables)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.createTables(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// WithMetrics enables query timing.
func (s *PostgresStore) WithMetrics(m *metrics.Metrics) *PostgresStore {
	s.metrics = m
	return s
}

func withDefaultTables(t config.TableNames) config.TableNames {
	if t.Purchases == "" {
		t.Purchases = "purchases"
	}
	if t.Receipts == "" {
		t.Receipts = "callback_receipts"
	}
	if t.AccessTokens == "" {
		t.AccessTokens = "access_tokens"
	}
	if t.Deliveries == "" {
		t.Deliveries = "ticket_deliveries"
	}
	return t
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	t := s.tables
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			payment_reference TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			access_token TEXT UNIQUE,
			quantity INTEGER NOT NULL DEFAULT 1,
			customer_email TEXT NOT NULL DEFAULT '',
			customer_phone TEXT NOT NULL DEFAULT '',
			expected_amount BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			provider_txn_id TEXT NOT NULL DEFAULT '',
			confirmed_via TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			confirmed_at TIMESTAMPTZ,
			CONSTRAINT %[1]s_token_iff_paid CHECK ((status = 'paid') = (access_token IS NOT NULL))
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_status_created ON %[1]s(status, created_at);

		CREATE TABLE IF NOT EXISTS %[2]s (
			token TEXT PRIMARY KEY,
			payment_reference TEXT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			reference TEXT NOT NULL,
			channel TEXT NOT NULL,
			provider_txn_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			amount BIGINT NOT NULL DEFAULT 0,
			payload TEXT,
			received_at TIMESTAMPTZ NOT NULL,
			UNIQUE (reference, channel, provider_txn_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_reference ON %[3]s(reference, received_at);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_received_at ON %[3]s(received_at);

		CREATE TABLE IF NOT EXISTS %[4]s (
			id TEXT PRIMARY KEY,
			purchase_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			url TEXT NOT NULL,
			payload JSONB NOT NULL,
			headers JSONB,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			last_error TEXT NOT NULL DEFAULT '',
			last_attempt_at TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_%[4]s_status_next ON %[4]s(status, next_attempt_at);
	`, t.Purchases, t.AccessTokens, t.Receipts, t.Deliveries)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

var purchaseColumnNames = []string{
	"id", "payment_reference", "status", "access_token", "quantity", "customer_email", "customer_phone",
	"expected_amount", "currency", "metadata", "provider_txn_id", "confirmed_via", "created_at", "updated_at", "confirmed_at",
}

// purchaseColumns renders the scanPurchase column list, optionally qualified by a table alias.
func purchaseColumns(alias string) string {
	cols := make([]string, len(purchaseColumnNames))
	for i, c := range purchaseColumnNames {
		cols[i] = alias + c
	}
	return strings.Join(cols, ", ")
}

// CreatePurchase inserts a new pending purchase.
func (s *PostgresStore) CreatePurchase(ctx context.Context, purchase PurchaseRecord) (PurchaseRecord, error) {
	if err := validateAndPreparePurchase(&purchase); err != nil {
		return PurchaseRecord{}, err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "create_purchase", "postgres")()

	metadata, err := marshalMetadata(purchase.Metadata)
	if err != nil {
		return PurchaseRecord{}, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, payment_reference, status, quantity, customer_email, customer_phone,
			expected_amount, currency, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, s.tables.Purchases)

	_, err = s.db.ExecContext(ctx, query,
		purchase.ID,
		purchase.PaymentReference,
		purchase.Status,
		purchase.Quantity,
		purchase.CustomerEmail,
		purchase.CustomerPhone,
		purchase.ExpectedAmount,
		purchase.Currency,
		metadata,
		purchase.CreatedAt,
		purchase.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return PurchaseRecord{}, ErrDuplicatePurchase
	}
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("insert purchase: %w", err)
	}
	return purchase, nil
}

// GetPurchase fetches a purchase by ID.
func (s *PostgresStore) GetPurchase(ctx context.Context, id string) (PurchaseRecord, error) {
	return s.getPurchaseWhere(ctx, "id", id)
}

// GetPurchaseByReference fetches a purchase by payment reference.
func (s *PostgresStore) GetPurchaseByReference(ctx context.Context, reference string) (PurchaseRecord, error) {
	return s.getPurchaseWhere(ctx, "payment_reference", reference)
}

// GetPurchaseByToken fetches a paid purchase by its access token.
func (s *PostgresStore) GetPurchaseByToken(ctx context.Context, accessToken string) (PurchaseRecord, error) {
	return s.getPurchaseWhere(ctx, "access_token", accessToken)
}

func (s *PostgresStore) getPurchaseWhere(ctx context.Context, column, value string) (PurchaseRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, purchaseColumns(""), s.tables.Purchases, column)
	p, err := scanPurchase(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return PurchaseRecord{}, ErrNotFound
	}
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("get purchase: %w", err)
	}
	return p, nil
}

// MarkPaid claims the token and flips pending -> paid in one transaction.
// The token insert goes first so a namespace collision is reported before
// the row lock on the purchase is taken.
func (s *PostgresStore) MarkPaid(ctx context.Context, t Transition) (PurchaseRecord, error) {
	if t.Token == "" {
		return PurchaseRecord{}, fmt.Errorf("mark paid requires an access token")
	}
	at := transitionTime(t.At)
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "mark_paid", "postgres")()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	claim := fmt.Sprintf(`
		INSERT INTO %s (token, payment_reference, issued_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING
	`, s.tables.AccessTokens)
	res, err := tx.ExecContext(ctx, claim, t.Token, t.Reference, at)
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("claim access token: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return PurchaseRecord{}, fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return PurchaseRecord{}, ErrTokenTaken
	}

	update := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, access_token = $2, confirmed_at = $3, updated_at = $3,
			provider_txn_id = $4, confirmed_via = $5
		WHERE payment_reference = $6 AND status = $7
		RETURNING %s
	`, s.tables.Purchases, purchaseColumns(""))
	p, err := scanPurchase(tx.QueryRowContext(ctx, update,
		StatusPaid, t.Token, at, t.ProviderTxnID, string(t.Channel), t.Reference, StatusPending))
	if errors.Is(err, sql.ErrNoRows) {
		return PurchaseRecord{}, s.whyNotPending(ctx, t.Reference)
	}
	if isUniqueViolation(err) {
		return PurchaseRecord{}, ErrTokenTaken
	}
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("mark paid: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return PurchaseRecord{}, fmt.Errorf("commit mark paid: %w", err)
	}
	return p, nil
}

// MarkFailed flips pending -> failed.
func (s *PostgresStore) MarkFailed(ctx context.Context, t Transition) (PurchaseRecord, error) {
	at := transitionTime(t.At)
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "mark_failed", "postgres")()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, updated_at = $2, provider_txn_id = $3, confirmed_via = $4
		WHERE payment_reference = $5 AND status = $6
		RETURNING %s
	`, s.tables.Purchases, purchaseColumns(""))
	p, err := scanPurchase(s.db.QueryRowContext(ctx, query,
		StatusFailed, at, t.ProviderTxnID, string(t.Channel), t.Reference, StatusPending))
	if errors.Is(err, sql.ErrNoRows) {
		return PurchaseRecord{}, s.whyNotPending(ctx, t.Reference)
	}
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("mark failed: %w", err)
	}
	return p, nil
}

// whyNotPending distinguishes a missing purchase from a lost compare-and-set.
func (s *PostgresStore) whyNotPending(ctx context.Context, reference string) error {
	var status string
	query := fmt.Sprintf(`SELECT status FROM %s WHERE payment_reference = $1`, s.tables.Purchases)
	err := s.db.QueryRowContext(ctx, query, reference).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read purchase status: %w", err)
	}
	return ErrNotPending
}

// ListPendingWithReceipts pages pending purchases with a decisive receipt.
func (s *PostgresStore) ListPendingWithReceipts(ctx context.Context, after PendingCursor, limit int) ([]PurchaseRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "list_pending", "postgres")()

	if limit <= 0 {
		limit = 100
	}
	// Row comparison keeps the keyset page stable when created_at ties.
	query := fmt.Sprintf(`
		SELECT %s FROM %s p
		WHERE p.status = $1
		  AND ($2::timestamptz IS NULL OR (p.created_at, p.id) > ($2, $3))
		  AND EXISTS (
			SELECT 1 FROM %s r
			WHERE r.reference = p.payment_reference AND r.status IN ($4, $5)
		  )
		ORDER BY p.created_at ASC, p.id ASC
		LIMIT $6
	`, purchaseColumns("p."), s.tables.Purchases, s.tables.Receipts)

	var afterAt sql.NullTime
	if !after.IsZero() {
		afterAt = sql.NullTime{Time: after.CreatedAt, Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, query, StatusPending, afterAt, after.ID,
		ReceiptSucceeded, ReceiptFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending purchases: %w", err)
	}
	defer rows.Close()

	var out []PurchaseRecord
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordReceipt inserts a receipt, ignoring duplicates.
func (s *PostgresStore) RecordReceipt(ctx context.Context, r CallbackReceipt) (bool, error) {
	if err := validateAndPrepareReceipt(&r); err != nil {
		return false, err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	defer metrics.MeasureDBQuery(s.metrics, "record_receipt", "postgres")()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, reference, channel, provider_txn_id, status, amount, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (reference, channel, provider_txn_id) DO NOTHING
	`, s.tables.Receipts)

	res, err := s.db.ExecContext(ctx, query,
		r.ID, r.Reference, string(r.Channel), r.ProviderTxnID, string(r.Status), r.Amount, nullString(string(r.Payload)), r.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// ListReceipts returns receipts for a reference oldest first.
func (s *PostgresStore) ListReceipts(ctx context.Context, reference string) ([]CallbackReceipt, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, reference, channel, provider_txn_id, status, amount, payload, received_at
		FROM %s WHERE reference = $1
		ORDER BY received_at ASC, id ASC
	`, s.tables.Receipts)

	rows, err := s.db.QueryContext(ctx, query, reference)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var out []CallbackReceipt
	for rows.Next() {
		var (
			r       CallbackReceipt
			channel string
			status  string
			payload sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Reference, &channel, &r.ProviderTxnID, &status, &r.Amount, &payload, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		r.Channel = Channel(channel)
		r.Status = ReceiptStatus(status)
		if payload.Valid && payload.String != "" {
			r.Payload = json.RawMessage(payload.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteReceiptsBefore removes old receipts unless a pending purchase owns
// them. Orphaned receipts with no purchase at all are removed as well.
func (s *PostgresStore) DeleteReceiptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		DELETE FROM %s r
		WHERE r.received_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM %s p WHERE p.payment_reference = r.reference AND p.status = $2
		  )
	`, s.tables.Receipts, s.tables.Purchases)

	res, err := s.db.ExecContext(ctx, query, cutoff, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("delete receipts: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the pool if this store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row scanner) (PurchaseRecord, error) {
	var (
		p            PurchaseRecord
		status       string
		accessToken  sql.NullString
		metadata     []byte
		confirmedVia string
		confirmedAt  sql.NullTime
	)
	err := row.Scan(
		&p.ID,
		&p.PaymentReference,
		&status,
		&accessToken,
		&p.Quantity,
		&p.CustomerEmail,
		&p.CustomerPhone,
		&p.ExpectedAmount,
		&p.Currency,
		&metadata,
		&p.ProviderTxnID,
		&confirmedVia,
		&p.CreatedAt,
		&p.UpdatedAt,
		&confirmedAt,
	)
	if err != nil {
		return PurchaseRecord{}, err
	}
	p.Status = PurchaseStatus(status)
	p.AccessToken = accessToken.String
	p.ConfirmedVia = Channel(confirmedVia)
	if confirmedAt.Valid {
		at := confirmedAt.Time.UTC()
		p.ConfirmedAt = &at
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return PurchaseRecord{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return p, nil
}

func marshalMetadata(md map[string]string) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// nullString converts an empty string to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime converts a zero time to NULL.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// nullTimePtr converts a nil time pointer to NULL.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
