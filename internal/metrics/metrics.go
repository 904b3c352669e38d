// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package metrics provides Prometheus instrumentation for the engine:
// spatial-index command latency, cache efficiency, pipeline throughput,
// geofence events, and webhook delivery accounting.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Spatial-index metrics
	IndexCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geofenced_index_command_duration_seconds",
			Help:    "Duration of spatial-index commands in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command", "role"},
	)

	IndexCommandErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofenced_index_command_errors_total",
			Help: "Total number of spatial-index command errors",
		},
		[]string{"command", "role"},
	)

	IndexConnectionHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geofenced_index_connection_health",
			Help: "Current health score per index connection (0-100)",
		},
		[]string{"connection", "role"},
	)

	// Governor metrics
	GovernorQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geofenced_governor_queue_depth",
			Help: "Current number of queued index requests",
		},
	)

	GovernorRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geofenced_governor_rate_limited_total",
			Help: "Total requests delayed by the sliding-window rate limit",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofenced_cache_hits_total",
			Help: "Total cache hits by entry class",
		},
		[]string{"class"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofenced_cache_misses_total",
			Help: "Total cache misses by entry class",
		},
		[]string{"class"},
	)

	// Location pipeline metrics
	LocationsIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geofenced_locations_indexed_total",
			Help: "Total location updates written to the index",
		},
	)

	BatchFlushSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geofenced_batch_flush_size",
			Help:    "Number of locations per batch flush",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2500},
		},
	)

	BulkQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geofenced_bulk_queue_depth",
			Help: "Current depth of the bulk location queue",
		},
	)

	// Detection metrics
	GeofenceEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofenced_geofence_events_total",
			Help: "Total geofence events emitted by type",
		},
		[]string{"event_type", "alert_level"},
	)

	DetectorSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geofenced_detector_sweep_duration_seconds",
			Help:    "Duration of detector sweep ticks in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	// Webhook metrics
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofenced_webhook_deliveries_total",
			Help: "Total webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	WebhookDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "geofenced_webhook_delivery_duration_seconds",
			Help:    "Duration of successful webhook deliveries in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	WebhookQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "geofenced_webhook_queue_depth",
			Help: "Current depth of the webhook delivery queue",
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geofenced_api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geofenced_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)
)

// ObserveIndexCommand records one index command execution.
func ObserveIndexCommand(command, role string, d time.Duration, err error) {
	IndexCommandDuration.WithLabelValues(command, role).Observe(d.Seconds())
	if err != nil {
		IndexCommandErrors.WithLabelValues(command, role).Inc()
	}
}
