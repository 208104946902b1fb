// Package metrics exposes pipeline and query counters in Prometheus format.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oupgrade"

// Metrics holds the collectors of one process. Each instance owns its
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	reportFiles   *prometheus.CounterVec
	records       *prometheus.CounterVec
	scriptErrors  *prometheus.CounterVec
	artifacts     *prometheus.CounterVec
	queries       *prometheus.CounterVec
	syncDurations *prometheus.HistogramVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		reportFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_files_parsed_total",
			Help:      "Analysis report files parsed, by version.",
		}, []string{"version"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_records_stored_total",
			Help:      "Change records written to the store, by version.",
		}, []string{"version"}),
		scriptErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_scan_errors_total",
			Help:      "Pre-migration snippets that failed to scan, by kind.",
		}, []string{"kind"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_written_total",
			Help:      "Derived artifacts written, by renderer.",
		}, []string{"renderer"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Query service requests, by route and status code.",
		}, []string{"route", "code"}),
		syncDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Source acquisition duration, by version.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"version"}),
	}
	m.registry.MustRegister(
		m.reportFiles, m.records, m.scriptErrors, m.artifacts, m.queries, m.syncDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Parsed records one parse run of a version.
func (m *Metrics) Parsed(version string, files, records int) {
	if m == nil {
		return
	}
	m.reportFiles.WithLabelValues(version).Add(float64(files))
	m.records.WithLabelValues(version).Add(float64(records))
}

// ScriptError counts a snippet that could not be fully scanned.
func (m *Metrics) ScriptError(kind string) {
	if m == nil {
		return
	}
	m.scriptErrors.WithLabelValues(kind).Inc()
}

// Artifacts counts artifacts written by a renderer.
func (m *Metrics) Artifacts(renderer string, n int) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(renderer).Add(float64(n))
}

// Query counts one served request.
func (m *Metrics) Query(route string, code int) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Synced observes the duration of a source fetch.
func (m *Metrics) Synced(version string, seconds float64) {
	if m == nil {
		return
	}
	m.syncDurations.WithLabelValues(version).Observe(seconds)
}
