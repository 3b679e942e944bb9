// Package token draws short public access tokens for issued tickets.
//
// The generator never checks for existence itself. Uniqueness comes from the
// caller's claim function, which must perform an atomic insert-if-absent
// against the token namespace and report a collision with ErrCollision (or an
// error wrapping it). The generator then redraws, up to MaxAttempts.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

const (
	// DefaultAlphabet is lowercase-only and omits i, o, 0 and 1.
	DefaultAlphabet    = "abcdefghjklmnpqrstuvwxyz23456789"
	DefaultLength      = 8
	DefaultMaxAttempts = 5
)

var (
	// ErrExhausted is returned when every draw collided.
	ErrExhausted = errors.New("token: collision retries exhausted")
	// ErrCollision is returned by a claim func when the token is already taken.
	ErrCollision = errors.New("token: already taken")
)

// ClaimFunc atomically reserves token. It returns ErrCollision when the token
// already exists; any other error aborts generation and is returned as-is.
type ClaimFunc func(ctx context.Context, token string) error

// Generator produces fixed-length tokens from a restricted alphabet.
type Generator struct {
	alphabet    []rune
	length      int
	maxAttempts int
	onCollision func()
}

// Option customises a Generator.
type Option func(*Generator)

// WithAlphabet overrides the character set.
func WithAlphabet(alphabet string) Option {
	return func(g *Generator) {
		if alphabet != "" {
			g.alphabet = []rune(alphabet)
		}
	}
}

// WithLength overrides the token length.
func WithLength(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.length = n
		}
	}
}

// WithMaxAttempts bounds the number of draws per GenerateUnique call.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithCollisionHook is called once for every rejected draw.
func WithCollisionHook(fn func()) Option {
	return func(g *Generator) { g.onCollision = fn }
}

// NewGenerator builds a Generator with defaults applied.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		alphabet:    []rune(DefaultAlphabet),
		length:      DefaultLength,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Length returns the configured token length.
func (g *Generator) Length() int { return g.length }

// Draw returns one random token. It performs no uniqueness check.
func (g *Generator) Draw() (string, error) {
	max := big.NewInt(int64(len(g.alphabet)))
	out := make([]rune, g.length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("token: read random: %w", err)
		}
		out[i] = g.alphabet[n.Int64()]
	}
	return string(out), nil
}

// GenerateUnique draws tokens until claim accepts one.
// It returns the accepted token, the claim's own error if it is not a
// collision, or ErrExhausted once maxAttempts draws have all collided.
func (g *Generator) GenerateUnique(ctx context.Context, claim ClaimFunc) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		tok, err := g.Draw()
		if err != nil {
			return "", err
		}
		err = claim(ctx, tok)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrCollision) {
			return "", err
		}
		if g.onCollision != nil {
			g.onCollision()
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrExhausted, g.maxAttempts)
}

// Valid reports whether s could have been produced by this generator.
// Public lookups use it to reject malformed tokens without touching the store.
func (g *Generator) Valid(s string) bool {
	runes := []rune(s)
	if len(runes) != g.length {
		return false
	}
	for _, r := range runes {
		if !g.contains(r) {
			return false
		}
	}
	return true
}

func (g *Generator) contains(r rune) bool {
	for _, a := range g.alphabet {
		if a == r {
			return true
		}
	}
	return false
}
