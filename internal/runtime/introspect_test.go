package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/uservice/internal/runtime/jsoncodec"
	"github.com/drblury/uservice/internal/runtime/resolve"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestIntrospectionEndpoints(t *testing.T) {
	b := newTestBroker(t)
	cfg := newTestConfig("math")
	cfg.MetricsEnabled = true
	cfg.MetricsPort = 19391
	svc := newTestService(t, b, cfg, ServiceDependencies{})
	registerMultiply(t, svc, nil)
	require.NoError(t, svc.RegisterEventHandler(EventHandlerRegistration{
		Name: "audit", Exchange: "example", RoutingKey: "foo",
		Params:  resolve.Params{Required: []string{ParamPayload}},
		Handler: func(ctx context.Context, args resolve.Args) (any, error) { return nil, nil },
	}))
	h := svc.HTTPHandler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code, "a service that has not started yet is not unhealthy")

	startService(t, svc)
	publishRaw(t, b, "example", "foo", `{}`)
	require.Eventually(t, func() bool { return svc.events[0].Stats().Snapshot().Dispatched == 1 }, waitFor, 5*time.Millisecond)

	rec = get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var report HealthReport
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "ok", report.Status)
	assert.True(t, report.Connected)
	assert.Equal(t, map[string]string{"audit": "consuming", "rpc-math": "consuming"}, report.Entrypoints)
	assert.Positive(t, report.Resources.Goroutines)

	rec = get(t, h, "/entrypoints")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var infos []struct {
		Name        string   `json:"name"`
		Role        string   `json:"role"`
		RoutingKeys []string `json:"routing_keys"`
		Stats       struct {
			Dispatched uint64 `json:"dispatched"`
		} `json:"stats"`
	}
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "audit", infos[0].Name)
	assert.EqualValues(t, 1, infos[0].Stats.Dispatched)
	assert.Equal(t, "rpc", infos[1].Role)
	assert.Equal(t, []string{"math.multiply"}, infos[1].RoutingKeys)

	rec = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `uservice_dispatch_messages_total{entrypoint="audit",outcome="acked",role="event"} 1`), body)

	require.NoError(t, svc.Stop(context.Background()))
	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"stopped"`)
}

func TestHealthReportsLostConnection(t *testing.T) {
	b := newTestBroker(t)
	svc := newTestService(t, b, newTestConfig("math"), ServiceDependencies{})
	registerMultiply(t, svc, nil)
	startService(t, svc)

	require.NoError(t, b.Close())
	report := svc.Health()
	assert.Equal(t, "unavailable", report.Status)
	assert.False(t, report.Connected)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, svc.HTTPHandler(), "/healthz").Code)
}
