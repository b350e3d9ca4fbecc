package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"stockledger/backend/internal/store"
)

// Metrics is safe to use through a nil pointer; every method becomes a no-op.
type Metrics struct {
	ledgerOps       *prometheus.CounterVec
	ledgerLatency   *prometheus.HistogramVec
	conflictRetries *prometheus.CounterVec
	reservations    *prometheus.CounterVec
	sweepExpired    prometheus.Counter
	sweepFailures   prometheus.Counter
	publishFailures prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ledgerOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockledger",
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		ledgerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stockledger",
			Name:      "ledger_operation_seconds",
			Help:      "Ledger operation latency including conflict retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"op"}),
		conflictRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockledger",
			Name:      "ledger_conflict_retries_total",
			Help:      "Ledger units retried after a concurrency conflict.",
		}, []string{"op"}),
		reservations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockledger",
			Name:      "reservation_transitions_total",
			Help:      "Reservation state transitions by target status.",
		}, []string{"status"}),
		sweepExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stockledger",
			Name:      "reservation_sweep_expired_total",
			Help:      "Reservations expired by the background sweep.",
		}),
		sweepFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stockledger",
			Name:      "reservation_sweep_failures_total",
			Help:      "Reservations the sweep failed to expire.",
		}),
		publishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stockledger",
			Name:      "event_publish_failures_total",
			Help:      "Committed ledger entries that could not be published.",
		}),
	}
}

func (m *Metrics) ObserveLedgerOp(op string, startedAt time.Time, err error) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, Outcome(err)).Inc()
	m.ledgerLatency.WithLabelValues(op).Observe(time.Since(startedAt).Seconds())
}

func (m *Metrics) ConflictRetry(op string) {
	if m == nil {
		return
	}
	m.conflictRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) ReservationTransition(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reservations.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) SweepCompleted(expired int, failed int) {
	if m == nil {
		return
	}
	m.sweepExpired.Add(float64(expired))
	m.sweepFailures.Add(float64(failed))
}

func (m *Metrics) PublishFailed(n int) {
	if m == nil {
		return
	}
	m.publishFailures.Add(float64(n))
}

// Outcome buckets an operation error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrReservationClosed):
		return "reservation_closed"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
