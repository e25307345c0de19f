// Package metrics exposes processing telemetry: Prometheus collectors scraped
// from the API process and CloudWatch data points published by Lambdas.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"billingsync/internal/types"
)

const promNamespace = "billingsync"

// Recorder holds the service collectors. It satisfies billing.Recorder and
// core.MetricsCollector.
type Recorder struct {
	registry *prometheus.Registry

	eventsTotal        *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
	casConflicts       *prometheus.CounterVec
	verifyFailures     *prometheus.CounterVec
	parkedTotal        *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// NewRecorder registers the collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Processed webhook events by provider, event type, outcome and detail.",
		}, []string{"provider", "event_type", "outcome", "detail"}),
		processingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: "webhook",
			Name:      "processing_duration_seconds",
			Help:      "Time from ledger claim to finalize, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		casConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "store",
			Name:      "version_conflicts_total",
			Help:      "Optimistic version conflicts on subscription commits.",
		}, []string{"provider"}),
		verifyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "webhook",
			Name:      "verification_failures_total",
			Help:      "Rejected deliveries by provider and error code.",
		}, []string{"provider", "code"}),
		parkedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "replay",
			Name:      "parked_total",
			Help:      "Deliveries parked on the replay queue, by provider and result.",
		}, []string{"provider", "result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveOutcome counts one processed event.
func (r *Recorder) ObserveOutcome(provider types.Provider, eventType types.EventType, outcome types.Outcome, detail string) {
	r.eventsTotal.WithLabelValues(provider.Slug(), string(eventType), string(outcome), detail).Inc()
}

// ObserveCASConflict counts one version conflict.
func (r *Recorder) ObserveCASConflict(provider types.Provider) {
	r.casConflicts.WithLabelValues(provider.Slug()).Inc()
}

// ObserveDuration records processing latency.
func (r *Recorder) ObserveDuration(provider types.Provider, d time.Duration) {
	r.processingDuration.WithLabelValues(provider.Slug()).Observe(d.Seconds())
}

// ObserveVerificationFailure counts a delivery rejected before processing.
func (r *Recorder) ObserveVerificationFailure(provider types.Provider, code types.ErrorCode) {
	r.verifyFailures.WithLabelValues(provider.Slug(), string(code)).Inc()
}

// ObserveParked counts an attempt to park a delivery on the replay queue.
func (r *Recorder) ObserveParked(provider types.Provider, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.parkedTotal.WithLabelValues(provider.Slug(), result).Inc()
}

// RecordRequest records one HTTP request. It satisfies core.MetricsCollector.
func (r *Recorder) RecordRequest(method, route, status string, d time.Duration) {
	r.httpRequests.WithLabelValues(method, route, status).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
