package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestDraw_LengthAndAlphabet(t *testing.T) {
	g := NewGenerator()
	for i := 0; i < 500; i++ {
		tok, err := g.Draw()
		if err != nil {
			t.Fatalf("Draw failed: %v", err)
		}
		if len(tok) != DefaultLength {
			t.Fatalf("token %q has length %d, want %d", tok, len(tok), DefaultLength)
		}
		for _, r := range tok {
			if !strings.ContainsRune(DefaultAlphabet, r) {
				t.Fatalf("token %q contains %q outside the alphabet", tok, r)
			}
		}
		if strings.ContainsAny(tok, "io01") {
			t.Fatalf("token %q contains an ambiguous character", tok)
		}
	}
}

func TestGenerateUnique_RetriesOnCollision(t *testing.T) {
	collisions := 0
	g := NewGenerator(WithCollisionHook(func() { collisions++ }))

	calls := 0
	tok, err := g.GenerateUnique(context.Background(), func(ctx context.Context, token string) error {
		calls++
		if calls < 3 {
			return ErrCollision
		}
		return nil
	})
	if err != nil {
		t.Fatalf("GenerateUnique failed: %v", err)
	}
	if tok == "" {
		t.Fatal("expected a token")
	}
	if calls != 3 || collisions != 2 {
		t.Errorf("calls = %d collisions = %d, want 3 and 2", calls, collisions)
	}
}

func TestGenerateUnique_Exhausted(t *testing.T) {
	g := NewGenerator(WithMaxAttempts(4))
	calls := 0
	_, err := g.GenerateUnique(context.Background(), func(ctx context.Context, token string) error {
		calls++
		return ErrCollision
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 4 claim attempts, got %d", calls)
	}
}

func TestGenerateUnique_ClaimErrorStops(t *testing.T) {
	g := NewGenerator()
	lost := errors.New("not pending")
	calls := 0
	_, err := g.GenerateUnique(context.Background(), func(ctx context.Context, token string) error {
		calls++
		return lost
	})
	if !errors.Is(err, lost) {
		t.Fatalf("expected claim error to propagate, got %v", err)
	}
	if calls != 1 {
		t.Errorf("non-collision errors must not be retried, got %d calls", calls)
	}
}

func TestGenerateUnique_ConcurrentNamespace(t *testing.T) {
	// Tiny alphabet and length force collisions; the namespace must still stay unique.
	g := NewGenerator(WithAlphabet("abcd"), WithLength(3), WithMaxAttempts(200))

	var mu sync.Mutex
	namespace := make(map[string]bool)
	claim := func(ctx context.Context, token string) error {
		mu.Lock()
		defer mu.Unlock()
		if namespace[token] {
			return ErrCollision
		}
		namespace[token] = true
		return nil
	}

	const workers = 32
	var wg sync.WaitGroup
	results := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := g.GenerateUnique(context.Background(), claim)
			if err != nil {
				t.Errorf("GenerateUnique failed: %v", err)
				return
			}
			results <- tok
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for tok := range results {
		if seen[tok] {
			t.Fatalf("token %q issued twice", tok)
		}
		seen[tok] = true
	}
	if len(seen) != workers {
		t.Errorf("expected %d tokens, got %d", workers, len(seen))
	}
}

func TestValid(t *testing.T) {
	g := NewGenerator()
	if !g.Valid("k7m2qpls") {
		t.Error("expected k7m2qpls to be valid")
	}
	for _, bad := range []string{"", "k7m2qpl", "k7m2qpls9", "K7M2QPLS", "k7m2qpl0", "k7m2qpli"} {
		if g.Valid(bad) {
			t.Errorf("expected %q to be invalid", bad)
		}
	}
}

func TestGenerateUnique_ContextCancelled(t *testing.T) {
	g := NewGenerator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.GenerateUnique(ctx, func(ctx context.Context, token string) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
