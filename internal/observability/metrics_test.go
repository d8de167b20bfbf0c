package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestInitMetrics(t *testing.T) {
	handler, meter, shutdown, err := InitMetrics()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	})
	require.NotNil(t, handler)
	require.NotNil(t, meter)

	m, err := NewMetrics(meter)
	require.NoError(t, err)

	ctx := context.Background()
	m.RunStarted(ctx, "single")
	m.RunFinished(ctx, "single", "completed", 1500*time.Millisecond)
	m.EventDelivered(ctx)
	m.EventDropped(ctx, "no_channel")
	require.NoError(t, m.ObserveSessions(func() int { return 3 }))

	body := scrape(t, handler)
	assert.Contains(t, body, "jvis_runs_total")
	assert.Contains(t, body, `status="completed"`)
	assert.Contains(t, body, "jvis_run_duration_seconds")
	assert.Contains(t, body, "jvis_events_dropped_total")
	assert.Contains(t, body, "jvis_sessions_active")
}

func TestInitMetricsTwice(t *testing.T) {
	// Each call gets its own registry, so repeated setup does not collide.
	for i := 0; i < 2; i++ {
		_, _, shutdown, err := InitMetrics()
		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RunStarted(ctx, "single")
		m.RunFinished(ctx, "single", "errored", time.Second)
		m.EventDelivered(ctx)
		m.EventDropped(ctx, "x")
		_ = m.ObserveSessions(func() int { return 0 })
	})
}
