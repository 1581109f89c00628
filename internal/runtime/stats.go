package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	uerrors "github.com/drblury/uservice/internal/runtime/errors"
	"github.com/drblury/uservice/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// EntrypointStats accumulates dispatch statistics of one entrypoint.
type EntrypointStats struct {
	mu              sync.Mutex
	snap            StatsSnapshot
	totalDurationNs int64

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

// StatsSnapshot is a point-in-time copy of an entrypoint's statistics.
type StatsSnapshot struct {
	Dispatched     uint64    `json:"dispatched"`
	Acked          uint64    `json:"acked"`
	Nacked         uint64    `json:"nacked"`
	Failed         uint64    `json:"failed"`
	Rejected       uint64    `json:"rejected_after_stop"`
	LastDispatchAt time.Time `json:"last_dispatch_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Backlog    BacklogMetrics    `json:"backlog"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// ErrorBreakdown counts failures by error kind.
type ErrorBreakdown struct {
	Malformed    uint64 `json:"malformed_payload"`
	Validation   uint64 `json:"payload_validation"`
	MissingValue uint64 `json:"missing_context_value"`
	Resolution   uint64 `json:"dependency_resolution"`
	UnknownRPC   uint64 `json:"unknown_method"`
	Handler      uint64 `json:"handler"`
	LastError    string `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

func newEntrypointStats() *EntrypointStats {
	return &EntrypointStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *EntrypointStats) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Backlog.InFlight++
	if s.snap.Backlog.InFlight > s.snap.Backlog.MaxInFlight {
		s.snap.Backlog.MaxInFlight = s.snap.Backlog.InFlight
	}
}

func (s *EntrypointStats) finish(duration time.Duration, err error, acked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &s.snap
	if snap.Backlog.InFlight > 0 {
		snap.Backlog.InFlight--
	}
	snap.Dispatched++
	if acked {
		snap.Acked++
	} else {
		snap.Nacked++
	}
	s.totalDurationNs += int64(duration)
	snap.LastDispatchAt = time.Now().UTC()

	s.latencyWindow.Add(duration)
	latency := s.latencyWindow.Snapshot()
	latency.AverageNs = s.totalDurationNs / int64(snap.Dispatched)
	snap.Latency = latency

	tp := s.throughputWindow.AddAndSnapshot(time.Now())
	snap.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
	}

	if err != nil {
		snap.Failed++
		snap.Errors.record(err)
	}
}

func (s *EntrypointStats) rejected() {
	s.mu.Lock()
	s.snap.Rejected++
	s.mu.Unlock()
}

// MarshalJSON encodes a consistent view of the counters.
func (s *EntrypointStats) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(s.Snapshot())
}

// Snapshot returns a copy of the counters.
func (s *EntrypointStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (e *ErrorBreakdown) record(err error) {
	switch uerrors.Kind(err) {
	case "malformed_payload":
		e.Malformed++
	case "payload_validation":
		e.Validation++
	case "missing_context_value":
		e.MissingValue++
	case "dependency_resolution":
		e.Resolution++
	case "unknown_method":
		e.UnknownRPC++
	default:
		e.Handler++
	}
	e.LastError = err.Error()
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	m.SampleSize = lw.filled
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	return m
}

func percentile(sorted []int64, q float64) int64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(pos)), int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + int64(float64(sorted[hi]-sorted[lo])*(pos-float64(lo)))
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	tw.samples = tw.samples[idx:]

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
