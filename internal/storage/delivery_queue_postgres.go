package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const deliveryColumns = `id, purchase_id, event_type, url, payload, headers, status, attempts, max_attempts,
	last_error, last_attempt_at, next_attempt_at, created_at, completed_at`

// EnqueueDelivery adds a notification to the queue.
func (s *PostgresStore) EnqueueDelivery(ctx context.Context, d PendingDelivery) (string, error) {
	prepareDelivery(&d)
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	headersJSON, err := json.Marshal(d.Headers)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, s.tables.Deliveries, deliveryColumns)

	_, err = s.db.ExecContext(ctx, query,
		d.ID,
		d.PurchaseID,
		d.EventType,
		d.URL,
		[]byte(d.Payload),
		headersJSON,
		string(d.Status),
		d.Attempts,
		d.MaxAttempts,
		d.LastError,
		nullTime(d.LastAttemptAt),
		d.NextAttemptAt,
		d.CreatedAt,
		nullTimePtr(d.CompletedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert delivery: %w", err)
	}
	return d.ID, nil
}

// ClaimDeliveries atomically moves due rows to processing. SKIP LOCKED lets
// several workers poll the same table without handing out a row twice.
func (s *PostgresStore) ClaimDeliveries(ctx context.Context, limit int) ([]PendingDelivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET status = $1, attempts = attempts + 1, last_attempt_at = $2
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE (status = $3 AND next_attempt_at <= $2)
			   OR (status = $1 AND last_attempt_at < $4)
			ORDER BY next_attempt_at ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[2]s
	`, s.tables.Deliveries, deliveryColumns)

	rows, err := s.db.QueryContext(ctx, query,
		string(DeliveryStatusProcessing), now, string(DeliveryStatusPending), now.Add(-ProcessingLease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	defer rows.Close()

	var out []PendingDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CompleteDelivery removes a delivered notification.
func (s *PostgresStore) CompleteDelivery(ctx context.Context, id string) error {
	return s.deleteDelivery(ctx, id)
}

// FailDelivery records a failed attempt.
func (s *PostgresStore) FailDelivery(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET last_error = $1,
			status = CASE WHEN attempts >= max_attempts THEN $2::text ELSE $3::text END,
			next_attempt_at = CASE WHEN attempts >= max_attempts THEN next_attempt_at ELSE $4 END,
			completed_at = CASE WHEN attempts >= max_attempts THEN $5::timestamptz ELSE NULL END
		WHERE id = $6
	`, s.tables.Deliveries)

	res, err := s.db.ExecContext(ctx, query,
		errMsg, string(DeliveryStatusFailed), string(DeliveryStatusPending), nextAttemptAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return requireOneRow(res)
}

// GetDelivery fetches one delivery.
func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (PendingDelivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, deliveryColumns, s.tables.Deliveries)
	d, err := scanDelivery(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return PendingDelivery{}, ErrNotFound
	}
	if err != nil {
		return PendingDelivery{}, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

// ListDeliveries lists deliveries newest first.
func (s *PostgresStore) ListDeliveries(ctx context.Context, status DeliveryStatus, limit int) ([]PendingDelivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY created_at DESC LIMIT $1`, deliveryColumns, s.tables.Deliveries)
		rows, err = s.db.QueryContext(ctx, query, limit)
	} else {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, deliveryColumns, s.tables.Deliveries)
		rows, err = s.db.QueryContext(ctx, query, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []PendingDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RetryDelivery resets a delivery for immediate retry.
func (s *PostgresStore) RetryDelivery(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempts = 0, last_error = '', next_attempt_at = $2, completed_at = NULL
		WHERE id = $3
	`, s.tables.Deliveries)

	res, err := s.db.ExecContext(ctx, query, string(DeliveryStatusPending), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("retry delivery: %w", err)
	}
	return requireOneRow(res)
}

// DeleteDelivery removes a delivery regardless of state.
func (s *PostgresStore) DeleteDelivery(ctx context.Context, id string) error {
	return s.deleteDelivery(ctx, id)
}

func (s *PostgresStore) deleteDelivery(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.tables.Deliveries)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete delivery: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDelivery(row scanner) (PendingDelivery, error) {
	var (
		d             PendingDelivery
		payload       []byte
		headersJSON   []byte
		status        string
		lastAttemptAt sql.NullTime
		completedAt   sql.NullTime
	)
	err := row.Scan(
		&d.ID,
		&d.PurchaseID,
		&d.EventType,
		&d.URL,
		&payload,
		&headersJSON,
		&status,
		&d.Attempts,
		&d.MaxAttempts,
		&d.LastError,
		&lastAttemptAt,
		&d.NextAttemptAt,
		&d.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return PendingDelivery{}, err
	}
	d.Payload = json.RawMessage(payload)
	d.Status = DeliveryStatus(status)
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &d.Headers); err != nil {
			return PendingDelivery{}, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if lastAttemptAt.Valid {
		d.LastAttemptAt = lastAttemptAt.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return d, nil
}
