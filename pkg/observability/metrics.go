// Package observability holds the Prometheus metrics and OpenTelemetry
// tracing helpers shared by the client, watcher and cache.
package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otherjamesbrown/scribe-cli/pkg/buildinfo"
)

// Request outcomes recorded on HTTPRequestsTotal.
const (
	OutcomeSuccess      = "success"
	OutcomeNetwork      = "network_error"
	OutcomeUnauthorized = "unauthorized"
	OutcomeNotFound     = "not_found"
	OutcomeHTTPError    = "http_error"
)

// Watcher tick outcomes recorded on WatcherTicksTotal.
const (
	TickStatus       = "status"
	TickDeleted      = "deleted"
	TickTransient    = "transient_error"
	TickUnauthorized = "unauthorized"
	TickRegression   = "regression"
)

// Metrics holds all Prometheus metrics for the scribe client.
type Metrics struct {
	// Transport metrics
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPRequestSeconds *prometheus.HistogramVec
	HTTPRetriesTotal   *prometheus.CounterVec

	// Watcher metrics
	WatcherTicksTotal    *prometheus.CounterVec
	WatchersActive       prometheus.Gauge
	CompletionsPublished prometheus.Counter

	// Cache metrics
	CacheFallbacksTotal     *prometheus.CounterVec
	CacheWriteFailuresTotal *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns the metrics registered with the default registerer.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics creates a new set of metrics registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_http_requests_total",
				Help: "Requests sent to the transcription service",
			},
			[]string{"method", "route", "outcome"},
		),
		HTTPRequestSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scribe_http_request_seconds",
				Help:    "Latency of requests to the transcription service",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
			},
			[]string{"method", "route"},
		),
		HTTPRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_http_retries_total",
				Help: "Request attempts repeated after a network failure",
			},
			[]string{"method", "route"},
		),

		WatcherTicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_watcher_ticks_total",
				Help: "Status polls performed by watchers, by outcome",
			},
			[]string{"outcome"},
		),
		WatchersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scribe_watchers_active",
				Help: "Watchers currently polling",
			},
		),
		CompletionsPublished: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scribe_completions_published_total",
				Help: "Completion events published on the bus",
			},
		),

		CacheFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_cache_fallbacks_total",
				Help: "Reads answered from the local cache because the service was unavailable",
			},
			[]string{"operation"},
		),
		CacheWriteFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_cache_write_failures_total",
				Help: "Cache writes that could not be persisted",
			},
			[]string{"reason"},
		),
	}
}

// Discard returns metrics registered with a private registry, for callers
// that were given none.
func Discard() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// OrDiscard returns m, or a private set of metrics when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return Discard()
	}
	return m
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(method, route, outcome string, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, outcome).Inc()
	m.HTTPRequestSeconds.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the default registry on /metrics and the build info on
// /version.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/version", buildinfo.Handler(buildinfo.Name))
	return mux
}

// Serve exposes Handler on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
