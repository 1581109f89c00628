package rpc

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes recorded by Metrics.
const (
	OutcomeOK        = "ok"
	OutcomeRemote    = "remote_error"
	OutcomeTimeout   = "timeout"
	OutcomeAbandoned = "abandoned"
	OutcomeFailed    = "failed"
)

// Metrics tracks outgoing RPC calls. A nil *Metrics records nothing.
type Metrics struct {
	mu sync.Mutex

	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	pending      prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// NewMetrics creates the RPC client collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uservice",
			Subsystem: "rpc_client",
			Name:      "calls_total",
			Help:      "Total number of outgoing RPC calls by outcome",
		}, []string{"target", "method", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "uservice",
			Subsystem: "rpc_client",
			Name:      "call_duration_seconds",
			Help:      "Time from publishing a request until the call settled",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target", "method"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "uservice",
			Subsystem: "rpc_client",
			Name:      "pending_calls",
			Help:      "Number of calls awaiting a reply",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	var err error
	if m.callsTotal, err = registerOrExisting(m.registerer, m.callsTotal); err != nil {
		return err
	}
	if m.callDuration, err = registerOrExisting(m.registerer, m.callDuration); err != nil {
		return err
	}
	if m.pending, err = registerOrExisting(m.registerer, m.pending); err != nil {
		return err
	}
	m.registered = true
	return nil
}

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

func (m *Metrics) callStarted() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

func (m *Metrics) callSettled(target, method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pending.Dec()
	m.callsTotal.WithLabelValues(target, method, outcome).Inc()
	m.callDuration.WithLabelValues(target, method).Observe(elapsed.Seconds())
}
