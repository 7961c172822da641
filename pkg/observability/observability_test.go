package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersAll(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveRequest("GET", "/meetings", OutcomeSuccess, 120*time.Millisecond)
	m.HTTPRetriesTotal.WithLabelValues("GET", "/meetings").Inc()
	m.WatcherTicksTotal.WithLabelValues(TickStatus).Inc()
	m.WatchersActive.Inc()
	m.CompletionsPublished.Inc()
	m.CacheFallbacksTotal.WithLabelValues("list").Inc()
	m.CacheWriteFailuresTotal.WithLabelValues("quota").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"scribe_http_requests_total",
		"scribe_http_request_seconds",
		"scribe_http_retries_total",
		"scribe_watcher_ticks_total",
		"scribe_watchers_active",
		"scribe_completions_published_total",
		"scribe_cache_fallbacks_total",
		"scribe_cache_write_failures_total",
	} {
		assert.True(t, names[want], "metric %s should be registered", want)
	}
}

func TestObserveRequest(t *testing.T) {
	m := Discard()
	m.ObserveRequest("GET", "/meetings/{id}", OutcomeNotFound, time.Second)
	m.ObserveRequest("GET", "/meetings/{id}", OutcomeNotFound, time.Second)

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/meetings/{id}", OutcomeNotFound))
	assert.Equal(t, 2.0, got)
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	assert.Same(t, DefaultMetrics(), DefaultMetrics())
}

func TestOrDiscard(t *testing.T) {
	m := Discard()
	assert.Same(t, m, OrDiscard(m))
	assert.NotNil(t, OrDiscard(nil))
}

func TestTracer_NoopProvider(t *testing.T) {
	tracer := NewTracer()
	ctx, span := tracer.StartRequestSpan(context.Background(), "GET", "/meetings", "req-1")
	defer span.End()

	h := NewSpanHelper(span)
	h.SetStatusCode(200)
	h.SetError(errors.New("boom"), "network_unreachable", true)
	h.SetSuccess()

	// The global provider is a no-op until one is installed.
	assert.Empty(t, GetTraceID(ctx))
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestHandler_MetricsAndVersion(t *testing.T) {
	DefaultMetrics().CompletionsPublished.Add(0)
	h := Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "scribe_"), "scribe metrics are exposed")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service_name":"scribe-cli"`)
}
