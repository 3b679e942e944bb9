package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveSignal(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSignal("webhook", "issued")
	m.ObserveSignal("webhook", "issued")
	m.ObserveSignal("verify", "already_paid")

	if got := promtest.ToFloat64(m.SignalsTotal.WithLabelValues("webhook", "issued")); got != 2 {
		t.Errorf("expected 2 issued webhook signals, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.SignalsTotal.WithLabelValues("verify", "already_paid")); got != 1 {
		t.Errorf("expected 1 already_paid verify signal, got %.0f", got)
	}
}

func TestObserveTokenIssued(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveTokenIssued(0)
	m.ObserveTokenIssued(2)

	if got := promtest.ToFloat64(m.TokensIssued); got != 2 {
		t.Errorf("expected 2 tokens issued, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.TokenCollisions); got != 2 {
		t.Errorf("expected 2 collisions, got %.0f", got)
	}
}

func TestObserveNotification(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveNotification("ticket.issued", "success", 10*time.Millisecond, 1, false)
	m.ObserveNotification("ticket.issued", "failed", time.Second, 7, true)

	if got := promtest.ToFloat64(m.NotificationsTotal.WithLabelValues("ticket.issued", "failed")); got != 1 {
		t.Errorf("expected 1 failed notification, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.NotificationRetriesTotal.WithLabelValues("ticket.issued", "5+")); got != 1 {
		t.Errorf("expected retry bucket 5+, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.NotificationDLQTotal); got != 1 {
		t.Errorf("expected 1 DLQ entry, got %.0f", got)
	}
}

func TestObserveSweep(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveSweep(3, 10)

	if got := promtest.ToFloat64(m.SweepRunsTotal); got != 1 {
		t.Errorf("expected 1 run, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.SweepReconciledTotal); got != 3 {
		t.Errorf("expected 3 reconciled, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.SweepReceiptsDeleted); got != 10 {
		t.Errorf("expected 10 deleted, got %.0f", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveSignal("webhook", "issued")
	m.ObserveOracle("hmac", "succeeded", time.Second)
	m.ObserveDBQuery("mark_paid", "memory", time.Millisecond)
	MeasureDBQuery(m, "mark_paid", "memory")()
}
