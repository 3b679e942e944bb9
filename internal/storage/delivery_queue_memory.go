package storage

import (
	"context"
	"sort"
	"time"
)

// EnqueueDelivery adds a notification to the queue.
func (m *MemoryStore) EnqueueDelivery(_ context.Context, d PendingDelivery) (string, error) {
	prepareDelivery(&d)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.deliveries[d.ID] = d
	return d.ID, nil
}

// ClaimDeliveries marks due deliveries as processing and returns them.
func (m *MemoryStore) ClaimDeliveries(_ context.Context, limit int) ([]PendingDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var ready []PendingDelivery
	for _, d := range m.deliveries {
		if d.claimable(now) {
			ready = append(ready, d)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		return ready[i].NextAttemptAt.Before(ready[j].NextAttemptAt)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	for i := range ready {
		ready[i].Status = DeliveryStatusProcessing
		ready[i].Attempts++
		ready[i].LastAttemptAt = now
		m.deliveries[ready[i].ID] = ready[i]
	}
	return ready, nil
}

// CompleteDelivery removes a delivered notification.
func (m *MemoryStore) CompleteDelivery(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deliveries[id]; !ok {
		return ErrNotFound
	}
	delete(m.deliveries, id)
	return nil
}

// FailDelivery records a failed attempt.
func (m *MemoryStore) FailDelivery(_ context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.LastError = errMsg
	d.Status = nextStatusAfterFailure(d.Attempts, d.MaxAttempts)
	if d.Status == DeliveryStatusFailed {
		now := time.Now().UTC()
		d.CompletedAt = &now
	} else {
		d.NextAttemptAt = nextAttemptAt
	}
	m.deliveries[id] = d
	return nil
}

// GetDelivery fetches one delivery.
func (m *MemoryStore) GetDelivery(_ context.Context, id string) (PendingDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[id]
	if !ok {
		return PendingDelivery{}, ErrNotFound
	}
	return d, nil
}

// ListDeliveries lists deliveries newest first.
func (m *MemoryStore) ListDeliveries(_ context.Context, status DeliveryStatus, limit int) ([]PendingDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PendingDelivery
	for _, d := range m.deliveries {
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RetryDelivery resets a failed delivery.
func (m *MemoryStore) RetryDelivery(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = DeliveryStatusPending
	d.Attempts = 0
	d.LastError = ""
	d.NextAttemptAt = time.Now().UTC()
	d.CompletedAt = nil
	m.deliveries[id] = d
	return nil
}

// DeleteDelivery removes a delivery regardless of state.
func (m *MemoryStore) DeleteDelivery(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deliveries[id]; !ok {
		return ErrNotFound
	}
	delete(m.deliveries, id)
	return nil
}
