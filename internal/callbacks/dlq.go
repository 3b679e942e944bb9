package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FailedDelivery is a ticket notification that exhausted its retries.
type FailedDelivery struct {
	ID          string            `json:"id"`
	PurchaseID  string            `json:"purchaseId"`
	URL         string            `json:"url"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers"`
	EventType   string            `json:"eventType"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"lastError"`
	LastAttempt time.Time         `json:"lastAttempt"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// DLQStore keeps failed deliveries for manual replay.
type DLQStore interface {
	SaveFailedDelivery(ctx context.Context, d FailedDelivery) error
	ListFailedDeliveries(ctx context.Context, limit int) ([]FailedDelivery, error)
	DeleteFailedDelivery(ctx context.Context, id string) error
}

// MemoryDLQStore stores failed deliveries in memory (for testing/development).
type MemoryDLQStore struct {
	mu         sync.RWMutex
	deliveries map[string]FailedDelivery
}

// NewMemoryDLQStore creates an in-memory DLQ store.
func NewMemoryDLQStore() *MemoryDLQStore {
	return &MemoryDLQStore{
		deliveries: make(map[string]FailedDelivery),
	}
}

func (m *MemoryDLQStore) SaveFailedDelivery(_ context.Context, d FailedDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = d
	return nil
}

func (m *MemoryDLQStore) ListFailedDeliveries(_ context.Context, limit int) ([]FailedDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.deliveries, limit), nil
}

func (m *MemoryDLQStore) DeleteFailedDelivery(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deliveries, id)
	return nil
}

// FileDLQStore stores failed deliveries in a JSON file.
type FileDLQStore struct {
	mu         sync.RWMutex
	filePath   string
	deliveries map[string]FailedDelivery
}

// NewFileDLQStore creates a file-based DLQ store, loading any existing file.
func NewFileDLQStore(filePath string) (*FileDLQStore, error) {
	store := &FileDLQStore{
		filePath:   filePath,
		deliveries: make(map[string]FailedDelivery),
	}

	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load DLQ file: %w", err)
	}
	return store, nil
}

func (f *FileDLQStore) SaveFailedDelivery(_ context.Context, d FailedDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deliveries[d.ID] = d
	return f.persist()
}

func (f *FileDLQStore) ListFailedDeliveries(_ context.Context, limit int) ([]FailedDelivery, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return newestFirst(f.deliveries, limit), nil
}

func (f *FileDLQStore) DeleteFailedDelivery(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.deliveries, id)
	return f.persist()
}

func (f *FileDLQStore) load() error {
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return err
	}

	var deliveries map[string]FailedDelivery
	if err := json.Unmarshal(data, &deliveries); err != nil {
		return fmt.Errorf("unmarshal DLQ data: %w", err)
	}
	if deliveries != nil {
		f.deliveries = deliveries
	}
	return nil
}

func (f *FileDLQStore) persist() error {
	data, err := json.MarshalIndent(f.deliveries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal DLQ data: %w", err)
	}

	if dir := filepath.Dir(f.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create DLQ dir: %w", err)
		}
	}

	// Write to temp file first, then rename (atomic operation)
	tmpPath := f.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write DLQ file: %w", err)
	}
	if err := os.Rename(tmpPath, f.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename DLQ file: %w", err)
	}
	return nil
}

func newestFirst(m map[string]FailedDelivery, limit int) []FailedDelivery {
	out := make([]FailedDelivery, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
