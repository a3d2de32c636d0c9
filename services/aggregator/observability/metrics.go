// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the aggregator.
//
// # Description
//
// This package instruments the ingest and query paths:
//   - Batch and sample counters (by outcome)
//   - Request latency histograms (by route, method, status)
//   - Anomaly detection counters (by method and verdict)
//   - Maintenance job counters (rollup, retention, baseline refresh)
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint, which sits behind the
// same fleet-token auth as the data API. Scrapers must send the token.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "sysmon"

// Subsystem for aggregator metrics
const aggregatorSubsystem = "aggregator"

// AggregatorMetrics holds all Prometheus metrics for the aggregator.
//
// # Fields
//
//   - BatchesTotal: Counter of ingest batches by status (ok, error)
//   - SamplesTotal: Counter of individual samples by outcome (stored, failed)
//   - RequestDurationSeconds: Histogram of HTTP request latency
//   - DetectionsTotal: Counter of anomaly detections by verdict
//   - MaintenanceRunsTotal: Counter of scheduled job runs by job and status
//   - RegisteredHosts: Gauge of hosts known to the registry
type AggregatorMetrics struct {
	// BatchesTotal counts ingest batches.
	// Labels: status (ok, error)
	BatchesTotal *prometheus.CounterVec

	// SamplesTotal counts individual samples.
	// Labels: outcome (stored, failed)
	SamplesTotal *prometheus.CounterVec

	// RequestDurationSeconds measures HTTP handler latency.
	// Labels: route, method, status
	RequestDurationSeconds *prometheus.HistogramVec

	// DetectionsTotal counts anomaly detection requests.
	// Labels: verdict (anomaly, normal, error)
	DetectionsTotal *prometheus.CounterVec

	// MaintenanceRunsTotal counts background job executions.
	// Labels: job (rollup, retention, baseline_refresh, host_reaper), status
	MaintenanceRunsTotal *prometheus.CounterVec

	// RegisteredHosts tracks the size of the host registry.
	RegisteredHosts prometheus.Gauge
}

// DefaultMetrics is the singleton instance of AggregatorMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *AggregatorMetrics

// InitMetrics initializes and registers the default metrics instance.
// Call once at startup; promauto panics on duplicate registration.
func InitMetrics() *AggregatorMetrics {
	if DefaultMetrics != nil {
		return DefaultMetrics
	}
	DefaultMetrics = &AggregatorMetrics{
		BatchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: aggregatorSubsystem,
			Name:      "batches_total",
			Help:      "Ingest batches processed, by status.",
		}, []string{"status"}),
		SamplesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: aggregatorSubsystem,
			Name:      "samples_total",
			Help:      "Individual samples processed, by outcome.",
		}, []string{"outcome"}),
		RequestDurationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: aggregatorSubsystem,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		DetectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: aggregatorSubsystem,
			Name:      "detections_total",
			Help:      "Anomaly detection requests, by verdict.",
		}, []string{"verdict"}),
		MaintenanceRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: aggregatorSubsystem,
			Name:      "maintenance_runs_total",
			Help:      "Background maintenance job runs, by job and status.",
		}, []string{"job", "status"}),
		RegisteredHosts: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: aggregatorSubsystem,
			Name:      "registered_hosts",
			Help:      "Hosts currently known to the registry.",
		}),
	}
	return DefaultMetrics
}

// RequestMetricsMiddleware records per-request latency into m. Route uses
// the registered pattern, not the raw path, to keep cardinality bounded.
func RequestMetricsMiddleware(m *AggregatorMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestDurationSeconds.WithLabelValues(
			route, c.Request.Method, strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}
