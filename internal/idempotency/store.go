// Package idempotency replays the stored response of a request carrying an
// Idempotency-Key header instead of running the handler again.
package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Response is a captured handler response.
type Response struct {
	StatusCode  int               `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body"`
	Fingerprint string            `json:"fingerprint"` // hash of the request that produced it
	CachedAt    time.Time         `json:"cachedAt"`
}

// Store keeps responses by scoped idempotency key.
type Store interface {
	Get(ctx context.Context, key string) (*Response, bool)
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a bounded in-process Store. The least recently used entry
// is evicted when the store is full; expired entries are swept every
// cleanupInterval.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	maxSize int
	now     func() time.Time

	stop chan struct{}
	done chan struct{}
}

type memoryEntry struct {
	key       string
	response  *Response
	expiresAt time.Time
}

const cleanupInterval = 5 * time.Minute

// NewMemoryStore creates a store holding at most 10,000 responses.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(10000)
}

// NewMemoryStoreWithSize creates a store holding at most maxSize responses.
// Stop must be called to release the cleanup goroutine.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1
	}
	s := &MemoryStore{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Get returns the live response for key and marks it recently used.
func (s *MemoryStore) Get(_ context.Context, key string) (*Response, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*memoryEntry)
	if !now.Before(e.expiresAt) {
		s.removeLocked(el)
		return nil, false
	}
	s.lru.MoveToFront(el)
	return e.response, true
}

// Set stores response under key for ttl, replacing any previous value.
func (s *MemoryStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	expiresAt := s.now().Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		e := el.Value.(*memoryEntry)
		e.response = response
		e.expiresAt = expiresAt
		s.lru.MoveToFront(el)
		return nil
	}

	// Evict first so concurrent writers can never push the store past maxSize.
	for len(s.entries) >= s.maxSize {
		s.removeLocked(s.lru.Back())
	}
	s.entries[key] = s.lru.PushFront(&memoryEntry{key: key, response: response, expiresAt: expiresAt})
	return nil
}

// Delete drops key if present.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.removeLocked(el)
	}
	return nil
}

// Len returns the number of stored responses, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	e := s.lru.Remove(el).(*memoryEntry)
	delete(s.entries, e.key)
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.done)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

func (s *MemoryStore) purgeExpired() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*memoryEntry).expiresAt) {
			s.removeLocked(el)
		}
		el = prev
	}
}

// Stop ends the cleanup goroutine.
func (s *MemoryStore) Stop() {
	close(s.stop)
	<-s.done
}
