// Package metrics exposes the Prometheus collectors shared across the
// pipeline. Collectors are package-level; the registry is the default one
// served by Handler on the metrics listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksTotal counts task executions by kind and outcome. Outcomes:
	// ok, retried, quarantined, deduped, cancelled.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microcrop_tasks_total",
			Help: "Task executions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "microcrop_task_duration_seconds",
			Help:    "Task handler wall time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "queue"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "microcrop_queue_depth",
			Help: "Buffered tasks per queue",
		},
		[]string{"queue"},
	)

	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microcrop_upstream_requests_total",
			Help: "Upstream HTTP calls by upstream and outcome",
		},
		[]string{"upstream", "outcome"},
	)

	UpstreamRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microcrop_upstream_retries_total",
			Help: "Retry attempts against upstreams",
		},
		[]string{"upstream"},
	)

	SkippedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microcrop_skipped_records_total",
			Help: "Malformed upstream records dropped at the client boundary",
		},
		[]string{"upstream"},
	)

	BreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "microcrop_breaker_open",
			Help: "1 while the named upstream circuit is open",
		},
		[]string{"upstream"},
	)

	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microcrop_samples_ingested_total",
			Help: "Station samples persisted",
		},
		[]string{"source"},
	)

	IndicesComputed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "microcrop_indices_computed_total",
			Help: "Weather indices computed and persisted",
		},
	)

	AssessmentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microcrop_assessments_created_total",
			Help: "Assessments written by trigger source",
		},
		[]string{"trigger_source"},
	)

	EvidencePinned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "microcrop_evidence_pinned_total",
			Help: "Evidence bundles pinned",
		},
	)

	EvidencePinnedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "microcrop_evidence_pinned_bytes_total",
			Help: "Total pinned evidence payload size",
		},
	)

	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "microcrop_ws_clients",
			Help: "Connected websocket clients",
		},
	)

	WSBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microcrop_ws_broadcasts_total",
			Help: "Websocket events broadcast by type",
		},
		[]string{"event"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "microcrop_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)

	// Ready is flipped by the health-check task; the readiness endpoint
	// reports it.
	Ready = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "microcrop_ready",
			Help: "1 when the last health check passed",
		},
	)

	// Gauges refreshed by the collect-metrics task.
	IngestLast24h = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "microcrop_ingest_last_24h",
			Help: "Station samples ingested in the trailing 24h",
		},
	)

	PendingAssessments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "microcrop_pending_assessments",
			Help: "Assessments awaiting payout resolution",
		},
	)

	ActivePlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "microcrop_active_plots",
			Help: "Plots with samples in the trailing 7 days",
		},
	)

	SubscriptionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "microcrop_subscriptions",
			Help: "Subscription records by status",
		},
		[]string{"status"},
	)
)

// Handler serves the default registry; mounted on the metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
