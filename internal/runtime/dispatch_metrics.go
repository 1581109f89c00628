package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch outcomes recorded by DispatchMetrics.
const (
	OutcomeAcked    = "acked"
	OutcomeNacked   = "nacked"
	OutcomeRejected = "rejected"
)

// DispatchMetrics exposes per-entrypoint dispatch counters to Prometheus.
// A nil *DispatchMetrics records nothing.
type DispatchMetrics struct {
	mu sync.Mutex

	dispatchedTotal *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

func newDispatchCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uservice",
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewDispatchMetrics creates the dispatch collectors. Call Register to expose them.
func NewDispatchMetrics(registerer prometheus.Registerer) *DispatchMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DispatchMetrics{
		registerer:      registerer,
		dispatchedTotal: newDispatchCounterVec("messages_total", "Deliveries handled by an entrypoint, by settlement", []string{"entrypoint", "role", "outcome"}),
		errorsTotal:     newDispatchCounterVec("errors_total", "Failed dispatches by error kind", []string{"entrypoint", "role", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "uservice",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent dispatching one delivery",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entrypoint", "role"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "uservice",
			Subsystem: "dispatch",
			Name:      "in_flight",
			Help:      "Deliveries currently being dispatched",
		}, []string{"entrypoint", "role"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *DispatchMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	var err error
	if m.dispatchedTotal, err = registerOrExisting(m.registerer, m.dispatchedTotal); err != nil {
		return err
	}
	if m.errorsTotal, err = registerOrExisting(m.registerer, m.errorsTotal); err != nil {
		return err
	}
	if m.duration, err = registerOrExisting(m.registerer, m.duration); err != nil {
		return err
	}
	if m.inFlight, err = registerOrExisting(m.registerer, m.inFlight); err != nil {
		return err
	}
	m.registered = true
	return nil
}

// registerOrExisting registers c, or returns the equal collector another
// service already registered with reg.
func registerOrExisting[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

func (m *DispatchMetrics) started(entrypoint string, role Role) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(entrypoint, string(role)).Inc()
}

func (m *DispatchMetrics) finished(entrypoint string, role Role, outcome, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(entrypoint, string(role)).Dec()
	m.dispatchedTotal.WithLabelValues(entrypoint, string(role), outcome).Inc()
	m.duration.WithLabelValues(entrypoint, string(role)).Observe(elapsed.Seconds())
	if kind != "" {
		m.errorsTotal.WithLabelValues(entrypoint, string(role), kind).Inc()
	}
}

func (m *DispatchMetrics) rejected(entrypoint string, role Role) {
	if m == nil {
		return
	}
	m.dispatchedTotal.WithLabelValues(entrypoint, string(role), OutcomeRejected).Inc()
}
