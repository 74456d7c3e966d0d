// Package metrics exposes Prometheus instrumentation for the ingest job.
// All methods tolerate a nil receiver so instrumentation stays optional.
package metrics

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	retries        prometheus.Counter
	rateWaitTotal  prometheus.Counter
	pagesFetched   prometheus.Counter
	upsertRows     *prometheus.CounterVec
	syncs          *prometheus.CounterVec
	requestSeconds prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mkts_requests_total",
		Help: "Upstream API requests by status class (2xx, 4xx, 5xx, 429, error).",
	}, []string{"class"})
	m.retries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mkts_request_retries_total",
		Help: "Requests that were retried after a retryable failure.",
	})
	m.rateWaitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mkts_rate_limit_wait_seconds_total",
		Help: "Cumulative seconds spent waiting on the request-rate budget.",
	})
	m.pagesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mkts_pages_fetched_total",
		Help: "Collection pages successfully fetched.",
	})
	m.upsertRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mkts_upsert_rows_total",
		Help: "Rows affected by upserts, by action.",
	}, []string{"relation", "action"})
	m.syncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mkts_replica_syncs_total",
		Help: "Embedded replica sync attempts by outcome.",
	}, []string{"outcome"})
	m.requestSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mkts_request_duration_seconds",
		Help:    "Upstream API request latency.",
		Buckets: prometheus.DefBuckets,
	})

	m.registry.MustRegister(
		m.requests, m.retries, m.rateWaitTotal, m.pagesFetched,
		m.upsertRows, m.syncs, m.requestSeconds,
	)
	return m
}

func statusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code == 429:
		return "429"
	default:
		return fmt.Sprintf("%dxx", code/100)
	}
}

func (m *Metrics) ObserveRequest(code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(statusClass(code)).Inc()
	m.requestSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) ObserveRateWait(d time.Duration) {
	if m == nil {
		return
	}
	m.rateWaitTotal.Add(d.Seconds())
}

func (m *Metrics) ObservePage() {
	if m == nil {
		return
	}
	m.pagesFetched.Inc()
}

func (m *Metrics) ObserveUpsert(relation string, inserted, updated, skipped, deleted int) {
	if m == nil {
		return
	}
	m.upsertRows.WithLabelValues(relation, "inserted").Add(float64(inserted))
	m.upsertRows.WithLabelValues(relation, "updated").Add(float64(updated))
	m.upsertRows.WithLabelValues(relation, "skipped").Add(float64(skipped))
	m.upsertRows.WithLabelValues(relation, "deleted").Add(float64(deleted))
}

func (m *Metrics) ObserveSync(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.syncs.WithLabelValues(outcome).Inc()
}

// Serve exposes /metrics and /debug/pprof/* on addr in the background.
// Errors are logged, not fatal: metrics are best-effort.
func (m *Metrics) Serve(addr string, log *zap.Logger) {
	if m == nil || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("metrics listener stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
}
