package idempotency

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeExecuted   = "executed"
	OutcomeReplayed   = "replayed"
	OutcomeConflict   = "conflict"
	OutcomeRejected   = "rejected"
	OutcomeStoreError = "store_error"
)

// Metrics counts middleware outcomes and times store round trips.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_requests_total",
			Help: "Requests on idempotent routes by outcome.",
		}, []string{"outcome"}),
		storeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idempotency_store_duration_seconds",
			Help:    "Latency of idempotency store calls.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
	}
	if reg == nil {
		return m, nil
	}
	if err := reg.Register(m.requests); err != nil {
		existing, ok := alreadyRegistered[*prometheus.CounterVec](err)
		if !ok {
			return nil, err
		}
		m.requests = existing
	}
	if err := reg.Register(m.storeDuration); err != nil {
		existing, ok := alreadyRegistered[*prometheus.HistogramVec](err)
		if !ok {
			return nil, err
		}
		m.storeDuration = existing
	}
	return m, nil
}

func alreadyRegistered[T prometheus.Collector](err error) (T, bool) {
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		var zero T
		return zero, false
	}
	existing, ok := already.ExistingCollector.(T)
	return existing, ok
}

// Requests exposes the outcome counter, mostly for tests.
func (m *Metrics) Requests() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.requests
}

func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// ObserveStore records the time since started against op.
func (m *Metrics) ObserveStore(op string, started time.Time) {
	if m == nil {
		return
	}
	m.storeDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// OutcomeFor classifies a middleware or interceptor error.
func OutcomeFor(err error) string {
	var unavailable *StoreUnavailableError
	switch {
	case err == nil:
		return OutcomeExecuted
	case errors.Is(err, ErrAlreadyReserved):
		return OutcomeConflict
	case errors.As(err, &unavailable):
		return OutcomeStoreError
	default:
		return OutcomeRejected
	}
}
