package idempotency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMemoryStore_GetSetDelete(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	if _, ok := store.Get(ctx, "k"); ok {
		t.Fatal("expected miss on empty store")
	}

	resp := &Response{StatusCode: 201, Body: []byte(`{"id":"pur_1"}`)}
	if err := store.Set(ctx, "k", resp, time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok := store.Get(ctx, "k")
	if !ok || got.StatusCode != 201 || string(got.Body) != `{"id":"pur_1"}` {
		t.Fatalf("unexpected entry: %+v %v", got, ok)
	}

	if err := store.Set(ctx, "k", &Response{StatusCode: 200}, time.Hour); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if got, _ := store.Get(ctx, "k"); got.StatusCode != 200 {
		t.Errorf("overwrite not applied: %d", got.StatusCode)
	}
	if store.Len() != 1 {
		t.Errorf("overwrite must not add entries, len=%d", store.Len())
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := store.Get(ctx, "k"); ok {
		t.Error("expected miss after delete")
	}
	if err := store.Delete(ctx, "missing"); err != nil {
		t.Errorf("deleting a missing key should not fail: %v", err)
	}
}

func TestMemoryStore_Expiration(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	_ = store.Set(ctx, "short", &Response{StatusCode: 200}, time.Minute)
	_ = store.Set(ctx, "long", &Response{StatusCode: 200}, time.Hour)

	now = now.Add(2 * time.Minute)
	if _, ok := store.Get(ctx, "short"); ok {
		t.Error("expired entry was returned")
	}
	if _, ok := store.Get(ctx, "long"); !ok {
		t.Error("live entry was not returned")
	}

	now = now.Add(2 * time.Hour)
	store.purgeExpired()
	if store.Len() != 0 {
		t.Errorf("purge left %d entries", store.Len())
	}
}

func TestMemoryStore_LRUEviction(t *testing.T) {
	store := NewMemoryStoreWithSize(3)
	defer store.Stop()
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		_ = store.Set(ctx, k, &Response{StatusCode: 200}, time.Hour)
	}
	// Touch a so b becomes the least recently used.
	store.Get(ctx, "a")
	_ = store.Set(ctx, "d", &Response{StatusCode: 200}, time.Hour)

	if _, ok := store.Get(ctx, "b"); ok {
		t.Error("expected b to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := store.Get(ctx, k); !ok {
			t.Errorf("expected %s to remain", k)
		}
	}
	if store.Len() != 3 {
		t.Errorf("store exceeded its bound: %d", store.Len())
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStoreWithSize(50)
	defer store.Stop()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d-%d", g, i%70)
				_ = store.Set(ctx, key, &Response{StatusCode: 200}, time.Hour)
				store.Get(ctx, key)
				if i%10 == 0 {
					_ = store.Delete(ctx, key)
				}
			}
		}(g)
	}
	wg.Wait()

	if n := store.Len(); n > 50 {
		t.Errorf("store exceeded its bound under concurrency: %d", n)
	}
}

func TestMemoryStore_StopReleasesGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewMemoryStore()
	store.Stop()
}
