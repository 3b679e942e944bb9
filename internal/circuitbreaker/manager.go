package circuitbreaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/CedrosPay/ticketing/internal/config"
	"github.com/CedrosPay/ticketing/internal/metrics"
)

// ServiceType identifies an external dependency guarded by its own breaker.
type ServiceType string

const (
	ServiceOracle ServiceType = "payment_oracle"
)

// Manager holds one circuit breaker per external service.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears closed-state counts; 0 never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// Option customises a Manager.
type Option func(*options)

type options struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// WithLogger logs breaker state transitions.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics exports breaker state as a gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig, opts ...Option) *Manager {
	return NewManager(cfg.Enabled, map[ServiceType]BreakerConfig{
		ServiceOracle: {
			MaxRequests:         cfg.Oracle.MaxRequests,
			Interval:            cfg.Oracle.Interval.Duration,
			Timeout:             cfg.Oracle.Timeout.Duration,
			ConsecutiveFailures: cfg.Oracle.ConsecutiveFailures,
			FailureRatio:        cfg.Oracle.FailureRatio,
			MinRequests:         cfg.Oracle.MinRequests,
		},
	}, opts...)
}

// NewManager builds breakers for the given services. A disabled manager passes every call through.
func NewManager(enabled bool, services map[ServiceType]BreakerConfig, opts ...Option) *Manager {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		enabled:  enabled,
	}
	if !enabled {
		return m
	}
	for service, cfg := range services {
		m.breakers[service] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(service), cfg, o))
		o.metrics.SetBreakerState(string(service), int(gobreaker.StateClosed))
	}
	return m
}

// Execute runs fn under the service's breaker, or directly when none is configured.
// A rejected call returns an error for which IsOpen reports true.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if m == nil || !m.enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State returns the breaker state name, "disabled" or "not_configured".
func (m *Manager) State(service ServiceType) string {
	if m == nil || !m.enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

// IsOpen reports whether err was produced by a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func toGobreakerSettings(name string, cfg BreakerConfig, o options) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			o.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit_breaker.state_changed")
			o.metrics.SetBreakerState(name, int(to))
		},
	}
}
