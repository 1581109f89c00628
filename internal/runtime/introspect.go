package runtime

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/uservice/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/uservice/internal/runtime/logging"
)

// HealthReport is served on /healthz.
type HealthReport struct {
	Status      string            `json:"status"`
	Service     string            `json:"service"`
	Connected   bool              `json:"connected"`
	Entrypoints map[string]string `json:"entrypoints"`
	Resources   ResourceUsage     `json:"resources"`
}

// Health reports the broker connection and the state of every entrypoint.
// The service is healthy when connected and no entrypoint has stopped while
// the service runs.
func (s *Service) Health() HealthReport {
	report := HealthReport{
		Status:      "ok",
		Service:     s.Name(),
		Connected:   s.Connected(),
		Entrypoints: map[string]string{},
		Resources:   s.sampler.Sample(),
	}
	s.mu.Lock()
	running := s.state == serviceRunning
	stopped := s.state == serviceStopped
	eps := s.entrypointsLocked()
	s.mu.Unlock()

	for _, ep := range eps {
		state := ep.State()
		report.Entrypoints[ep.Name()] = state.String()
		if running && state != StateConsuming {
			report.Status = "degraded"
		}
	}
	switch {
	case stopped:
		report.Status = "stopped"
	case !report.Connected:
		report.Status = "unavailable"
	}
	return report
}

// HTTPHandler serves /healthz, /entrypoints and /metrics.
func (s *Service) HTTPHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/entrypoints", s.handleEntrypoints)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.Health()
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Service) handleEntrypoints(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Entrypoints())
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode introspection response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// startIntrospectionLocked serves HTTPHandler on the metrics port. s.mu must
// be held.
func (s *Service) startIntrospectionLocked() {
	if s.httpServer != nil {
		return
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Conf.MetricsPort),
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	go func() {
		s.Logger.Info("Introspection server listening", loggingpkg.LogFields{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("Introspection server failed", err, loggingpkg.LogFields{"addr": srv.Addr})
		}
	}()
}
