package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the ticketing service.
// All Observe methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Reconciliation
	SignalsTotal     *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	TokensIssued     prometheus.Counter
	TokenCollisions  prometheus.Counter

	// Payment oracle
	OracleRequestsTotal *prometheus.CounterVec
	OracleDuration      *prometheus.HistogramVec
	BreakerState        *prometheus.GaugeVec

	// Ticket delivery
	NotificationsTotal       *prometheus.CounterVec
	NotificationRetriesTotal *prometheus.CounterVec
	NotificationDLQTotal     prometheus.Counter
	NotificationDuration     *prometheus.HistogramVec

	RateLimitHitsTotal *prometheus.CounterVec

	DBQueryDuration *prometheus.HistogramVec

	// Receipt sweeper
	SweepRunsTotal       prometheus.Counter
	SweepReconciledTotal prometheus.Counter
	SweepReceiptsDeleted prometheus.Counter
}

// New creates and registers all collectors on registry (DefaultRegisterer when nil).
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		SignalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketing_signals_total",
				Help: "Confirmation signals processed, by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketing_purchases_transitioned_total",
				Help: "Purchase state transitions won by this instance",
			},
			[]string{"to"},
		),
		TokensIssued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ticketing_tokens_issued_total",
				Help: "Access tokens issued",
			},
		),
		TokenCollisions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ticketing_token_collisions_total",
				Help: "Token draws rejected by the namespace uniqueness check",
			},
		),
		OracleRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketing_oracle_requests_total",
				Help: "Payment oracle verify calls by provider and result",
			},
			[]string{"provider", "result"},
		),
		OracleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ticketing_oracle_duration_seconds",
				Help:    "Payment oracle verify latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"provider"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ticketing_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),
		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketing_notifications_total",
				Help: "Ticket delivery attempts by event type and final status",
			},
			[]string{"event_type", "status"},
		),
		NotificationRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketing_notification_retries_total",
				Help: "Ticket deliveries that needed more than one attempt",
			},
			[]string{"event_type", "attempt"},
		),
		NotificationDLQTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ticketing_notification_dlq_total",
				Help: "Ticket deliveries moved to the dead letter queue",
			},
		),
		NotificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ticketing_notification_duration_seconds",
				Help:    "Ticket delivery duration including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketing_rate_limit_hits_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"limit_type"},
		),
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ticketing_db_query_duration_seconds",
				Help:    "Store operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation", "backend"},
		),
		SweepRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ticketing_sweep_runs_total",
				Help: "Receipt sweeper runs",
			},
		),
		SweepReconciledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ticketing_sweep_reconciled_total",
				Help: "Pending purchases settled by the sweeper from stored receipts",
			},
		),
		SweepReceiptsDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ticketing_receipts_swept_total",
				Help: "Callback receipts deleted after the retention window",
			},
		),
	}
}

// ObserveSignal records one processed confirmation signal.
func (m *Metrics) ObserveSignal(channel, outcome string) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveTransition records a won state transition.
func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(to).Inc()
}

// ObserveTokenIssued records an issued token and the collisions it took to get there.
func (m *Metrics) ObserveTokenIssued(collisions int) {
	if m == nil {
		return
	}
	m.TokensIssued.Inc()
	if collisions > 0 {
		m.TokenCollisions.Add(float64(collisions))
	}
}

// ObserveOracle records a verify call.
func (m *Metrics) ObserveOracle(provider, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OracleRequestsTotal.WithLabelValues(provider, result).Inc()
	m.OracleDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// SetBreakerState exports the numeric state of a circuit breaker.
func (m *Metrics) SetBreakerState(service string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(service).Set(float64(state))
}

// ObserveNotification records the final result of a ticket delivery.
func (m *Metrics) ObserveNotification(eventType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(eventType, status).Inc()
	m.NotificationDuration.WithLabelValues(eventType).Observe(duration.Seconds())
	if attempt > 1 {
		m.NotificationRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}
	if sentToDLQ {
		m.NotificationDLQTotal.Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBQuery records a store operation.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObserveSweep records one sweeper run.
func (m *Metrics) ObserveSweep(reconciled int, receiptsDeleted int64) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.Inc()
	m.SweepReconciledTotal.Add(float64(reconciled))
	m.SweepReceiptsDeleted.Add(float64(receiptsDeleted))
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return strconv.Itoa(attempt)
	}
	return "5+"
}
