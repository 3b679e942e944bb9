// Package lifecycle tears down the service's owned resources in order.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Manager owns resources acquired while the App is assembled (pools,
// stores, workers) and closes them newest first.
type Manager struct {
	mu     sync.Mutex
	stack  []named
	logger zerolog.Logger
	done   bool
}

type named struct {
	name string
	io.Closer
}

// NewManager returns an empty Manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register pushes closer. Nil closers and registrations after Close are ignored.
func (m *Manager) Register(name string, closer io.Closer) {
	if closer == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		m.logger.Warn().Str("resource", name).Msg("lifecycle.register_after_close")
		return
	}
	m.stack = append(m.stack, named{name: name, Closer: closer})
}

// RegisterFunc registers fn as a closer.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closeFunc(fn))
}

// Close pops and closes every resource. Failures do not stop the
// teardown; all of them are returned joined. Later calls return nil.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	stack := m.stack
	m.stack = nil
	m.mu.Unlock()

	var errs []error
	for i := len(stack) - 1; i >= 0; i-- {
		res := stack[i]
		start := time.Now()
		if err := res.Close(); err != nil {
			m.logger.Error().Err(err).Str("resource", res.name).Msg("lifecycle.close_failed")
			errs = append(errs, fmt.Errorf("close %s: %w", res.name, err))
			continue
		}
		m.logger.Debug().
			Str("resource", res.name).
			Dur("took", time.Since(start)).
			Msg("lifecycle.closed")
	}
	return errors.Join(errs...)
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }
