// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregator

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/SysmonFleet/pkg/validation"
	"github.com/AleutianAI/SysmonFleet/services/aggregator/datatypes"
	"github.com/AleutianAI/SysmonFleet/services/aggregator/middleware"
	"github.com/AleutianAI/SysmonFleet/services/aggregator/ml"
	"github.com/AleutianAI/SysmonFleet/services/aggregator/storage"
)

// errorJSON is the uniform error body every handler sends.
func errorJSON(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg, "timestamp": time.Now().Unix()})
}

// intQuery parses an optional integer query parameter, returning def on
// absence and an error flag on garbage.
func intQuery(c *gin.Context, name string, def int64) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid "+name+" parameter")
		return 0, false
	}
	return v, true
}

// healthHandler answers liveness probes. Unauthenticated on /health.
func (s *Service) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"version":   datatypes.Version,
	})
}

// ingestHandler handles POST /api/metrics: one sample batch from one
// agent. Registration metadata carried on the batch updates the host
// entry; the batch itself commits atomically with the heartbeat.
func (s *Service) ingestHandler(c *gin.Context) {
	var batch datatypes.SampleBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := batch.Validate(); err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	hostname, err := validation.SanitizeHostname(batch.Hostname)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid hostname: "+err.Error())
		return
	}

	if err := s.store.RegisterHost(c.Request.Context(), datatypes.RegisterRequest{
		Hostname: hostname,
		Version:  batch.Version,
		Platform: batch.Platform,
		Tags:     batch.Tags,
	}); err != nil {
		slog.Error("Failed to register host from batch", "host", hostname, "error", err)
		errorJSON(c, http.StatusInternalServerError, "failed to register host")
		return
	}

	res, err := s.store.WriteBatch(c.Request.Context(), hostname, batch.Metrics)
	if err != nil {
		s.metrics.BatchesTotal.WithLabelValues("error").Inc()
		slog.Error("Failed to store batch",
			"host", hostname,
			"requestId", middleware.GetRequestID(c),
			"error", err,
		)
		errorJSON(c, http.StatusInternalServerError, "failed to store metrics")
		return
	}

	s.metrics.BatchesTotal.WithLabelValues("ok").Inc()
	s.metrics.SamplesTotal.WithLabelValues("stored").Add(float64(res.Stored))
	s.metrics.SamplesTotal.WithLabelValues("failed").Add(float64(res.Failed))

	c.JSON(http.StatusOK, datatypes.IngestResponse{
		Status:          "success",
		Hostname:        hostname,
		MetricsReceived: res.Received,
		MetricsStored:   res.Stored,
		MetricsFailed:   res.Failed,
		Timestamp:       time.Now().Unix(),
	})
}

// registerHandler handles POST /api/register.
func (s *Service) registerHandler(c *gin.Context) {
	var req datatypes.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := req.Validate(); err != nil {
		errorJSON(c, http.StatusBadRequest, err.Error())
		return
	}
	hostname, err := validation.SanitizeHostname(req.Hostname)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid hostname: "+err.Error())
		return
	}
	req.Hostname = hostname

	if err := s.store.RegisterHost(c.Request.Context(), req); err != nil {
		slog.Error("Failed to register host", "host", req.Hostname, "error", err)
		errorJSON(c, http.StatusInternalServerError, "failed to register host")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "registered",
		"hostname":  req.Hostname,
		"timestamp": time.Now().Unix(),
	})
}

// listHostsHandler handles GET /api/hosts. Inactive hosts are hidden
// unless include_inactive=true.
func (s *Service) listHostsHandler(c *gin.Context) {
	hosts, err := s.store.ListHosts(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list hosts", "error", err)
		errorJSON(c, http.StatusInternalServerError, "failed to list hosts")
		return
	}
	s.metrics.RegisteredHosts.Set(float64(len(hosts)))

	if c.Query("include_inactive") != "true" {
		active := hosts[:0]
		for _, h := range hosts {
			if h.Status == datatypes.HostStatusActive {
				active = append(active, h)
			}
		}
		hosts = active
	}

	c.JSON(http.StatusOK, gin.H{
		"hosts":     hosts,
		"count":     len(hosts),
		"timestamp": time.Now().Unix(),
	})
}

// queryMetricsHandler handles GET /api/metrics. Host-scoped queries read
// raw samples; fleet-wide queries (metric_type without host) pick the
// rollup resolution from the requested span.
func (s *Service) queryMetricsHandler(c *gin.Context) {
	host := c.Query("host")
	metricType := c.Query("metric_type")

	start, ok := intQuery(c, "start", 0)
	if !ok {
		return
	}
	end, ok := intQuery(c, "end", 0)
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	switch {
	case host != "":
		samples, err := s.store.HostRange(ctx, host, metricType, start, end, int(limit))
		if err != nil {
			slog.Error("Failed to query host metrics", "host", host, "error", err)
			errorJSON(c, http.StatusInternalServerError, "failed to query metrics")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"host":      host,
			"metrics":   samples,
			"count":     len(samples),
			"timestamp": time.Now().Unix(),
		})
	case metricType != "":
		samples, err := s.store.FleetRange(ctx, metricType, start, end, int(limit))
		if err != nil {
			slog.Error("Failed to query fleet metrics", "metric", metricType, "error", err)
			errorJSON(c, http.StatusInternalServerError, "failed to query metrics")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"metric_type": metricType,
			"metrics":     samples,
			"count":       len(samples),
			"timestamp":   time.Now().Unix(),
		})
	default:
		errorJSON(c, http.StatusBadRequest, "missing required parameter: host or metric_type")
	}
}

// latestHandler handles GET /api/latest: the newest sample of every
// series, scoped to one host when the host parameter is present.
func (s *Service) latestHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		samples []datatypes.Sample
		err     error
	)
	if host := c.Query("host"); host != "" {
		samples, err = s.store.LatestPerMetric(ctx, host)
	} else {
		samples, err = s.store.LatestAll(ctx)
	}
	if err != nil {
		slog.Error("Failed to query latest metrics", "error", err)
		errorJSON(c, http.StatusInternalServerError, "failed to query latest metrics")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"metrics":   samples,
		"count":     len(samples),
		"timestamp": time.Now().Unix(),
	})
}

// fleetSummaryHandler handles GET /api/fleet/summary.
func (s *Service) fleetSummaryHandler(c *gin.Context) {
	sum, err := s.store.FleetSummary(c.Request.Context())
	if err != nil {
		slog.Error("Failed to build fleet summary", "error", err)
		errorJSON(c, http.StatusInternalServerError, "failed to build fleet summary")
		return
	}
	c.JSON(http.StatusOK, sum)
}

// =============================================================================
// ML Handlers
// =============================================================================

// mlUnavailable answers for every ML route when the detector suite is
// disabled.
func (s *Service) mlUnavailable(c *gin.Context) bool {
	if s.registry == nil {
		errorJSON(c, http.StatusNotImplemented, "ML module not available")
		return true
	}
	return false
}

// detectHandler handles GET /api/ml/detect: scores the newest stored
// value of one series with every enabled method and reports the majority
// verdict.
func (s *Service) detectHandler(c *gin.Context) {
	if s.mlUnavailable(c) {
		return
	}

	metric := c.Query("metric")
	if metric == "" {
		errorJSON(c, http.StatusBadRequest, "metric parameter required")
		return
	}
	host := c.DefaultQuery("host", "localhost")

	ctx := c.Request.Context()
	latest, err := s.store.HostRange(ctx, host, metric, 0, 0, 1)
	if err != nil {
		slog.Error("Failed to read latest value", "host", host, "metric", metric, "error", err)
		errorJSON(c, http.StatusInternalServerError, "failed to read latest value")
		return
	}
	if len(latest) == 0 {
		errorJSON(c, http.StatusNotFound, "no data found for metric")
		return
	}

	point := latest[0]
	results, err := s.registry.Detect(ctx, host, metric, point.Value, point.Timestamp)
	if errors.Is(err, ml.ErrInsufficientHistory) {
		s.metrics.DetectionsTotal.WithLabelValues("error").Inc()
		errorJSON(c, http.StatusNotFound, "insufficient history to detect on this series")
		return
	}
	if err != nil {
		s.metrics.DetectionsTotal.WithLabelValues("error").Inc()
		slog.Error("Detection failed", "host", host, "metric", metric, "error", err)
		errorJSON(c, http.StatusInternalServerError, "detection failed")
		return
	}

	isAnomaly, confidence := ml.Consensus(results)
	verdict := "normal"
	if isAnomaly {
		verdict = "anomaly"
	}
	s.metrics.DetectionsTotal.WithLabelValues(verdict).Inc()

	c.JSON(http.StatusOK, datatypes.DetectResponse{
		Metric:     metric,
		Host:       host,
		Timestamp:  point.Timestamp,
		Value:      point.Value,
		IsAnomaly:  isAnomaly,
		Confidence: confidence,
		Methods:    results,
	})
}

// baselineHandler handles GET /api/ml/baseline: the learned baseline of
// one series plus its sigma band.
func (s *Service) baselineHandler(c *gin.Context) {
	if s.mlUnavailable(c) {
		return
	}

	metric := c.Query("metric")
	if metric == "" {
		errorJSON(c, http.StatusBadRequest, "metric parameter required")
		return
	}
	host := c.DefaultQuery("host", "localhost")

	b, err := s.store.GetBaseline(c.Request.Context(), host, metric)
	if errors.Is(err, storage.ErrInsufficientData) {
		errorJSON(c, http.StatusNotFound, "no baseline available for metric")
		return
	}
	if err != nil {
		slog.Error("Failed to load baseline", "host", host, "metric", metric, "error", err)
		errorJSON(c, http.StatusInternalServerError, "failed to load baseline")
		return
	}

	lower, upper := b.Threshold(ml.BaselineSigma)
	c.JSON(http.StatusOK, gin.H{
		"metric":   metric,
		"host":     host,
		"baseline": b,
		"thresholds": gin.H{
			"lower": lower,
			"upper": upper,
		},
	})
}

// predictHandler handles GET /api/ml/predict: linear extrapolation of one
// series over a requested horizon (Go duration syntax, default 1h).
func (s *Service) predictHandler(c *gin.Context) {
	if s.mlUnavailable(c) {
		return
	}

	metric := c.Query("metric")
	if metric == "" {
		errorJSON(c, http.StatusBadRequest, "metric parameter required")
		return
	}
	host := c.DefaultQuery("host", "localhost")

	horizon, err := time.ParseDuration(c.DefaultQuery("horizon", "1h"))
	if err != nil || horizon <= 0 {
		errorJSON(c, http.StatusBadRequest, "invalid horizon format (use: 1h, 30m, 2h, ...)")
		return
	}

	preds, err := s.registry.Forecast(c.Request.Context(), host, metric, horizon)
	if errors.Is(err, ml.ErrInsufficientHistory) {
		errorJSON(c, http.StatusNotFound, "insufficient data for prediction")
		return
	}
	if err != nil {
		slog.Error("Forecast failed", "host", host, "metric", metric, "error", err)
		errorJSON(c, http.StatusInternalServerError, "forecast failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"metric":      metric,
		"host":        host,
		"horizon":     horizon.String(),
		"predictions": preds,
	})
}

// trainRequest is the body of POST /api/ml/train. An empty metric trains
// every series with enough history; hours bounds the lookback and
// defaults to 24.
type trainRequest struct {
	Metric string `json:"metric"`
	Host   string `json:"host"`
	Hours  int    `json:"hours"`
}

// trainHandler handles POST /api/ml/train.
func (s *Service) trainHandler(c *gin.Context) {
	if s.mlUnavailable(c) {
		return
	}

	// An empty body means train everything.
	var req trainRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		errorJSON(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Host == "" {
		req.Host = "localhost"
	}
	if req.Hours <= 0 {
		req.Hours = 24
	}
	window := time.Duration(req.Hours) * time.Hour

	ctx := c.Request.Context()
	if req.Metric != "" {
		err := s.registry.TrainSeries(ctx, req.Host, req.Metric, window)
		status := "success"
		if err != nil {
			if !errors.Is(err, ml.ErrInsufficientHistory) {
				slog.Error("Training failed", "host", req.Host, "metric", req.Metric, "error", err)
				errorJSON(c, http.StatusInternalServerError, "training failed")
				return
			}
			status = "failed"
		}
		c.JSON(http.StatusOK, gin.H{
			"status": status,
			"metric": req.Metric,
			"host":   req.Host,
			"hours":  req.Hours,
		})
		return
	}

	details, err := s.registry.TrainAll(ctx, window)
	if err != nil {
		slog.Error("Fleet training failed", "error", err)
		errorJSON(c, http.StatusInternalServerError, "training failed")
		return
	}
	trained := 0
	for _, ok := range details {
		if ok {
			trained++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"trained": trained,
		"failed":  len(details) - trained,
		"hours":   req.Hours,
		"details": details,
	})
}
