// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the wire and storage row types shared by the
// aggregator's HTTP surface, storage layer, and detector suite.
package datatypes

// Sample is one timestamped observation keyed by metric type, host, and tags.
//
// The tags column is an opaque string: agents may send canonical JSON or a
// flat k=v,k=v form, and the store treats both as part of the primary key
// without interpreting them.
type Sample struct {
	Timestamp  int64   `json:"timestamp" db:"timestamp"`
	MetricType string  `json:"metric_type" db:"metric_type"`
	Host       string  `json:"host,omitempty" db:"host"`
	Tags       string  `json:"tags" db:"tags"`
	Value      float64 `json:"value" db:"value"`
}

// SampleBatch is the body of POST /api/metrics: one atomic group of samples
// from a single host, optionally carrying registration metadata.
type SampleBatch struct {
	Hostname string            `json:"hostname" validate:"required,fleet_hostname"`
	Version  string            `json:"version,omitempty"`
	Platform string            `json:"platform,omitempty"`
	Tags     map[string]string `json:"tags,omitempty" validate:"omitempty,max=64"`
	Metrics  []Sample          `json:"metrics" validate:"required,min=1,max=10000"`
}

// SeriesKey identifies one (host, metric) time series.
type SeriesKey struct {
	Host       string `json:"host" db:"host"`
	MetricType string `json:"metric_type" db:"metric_type"`
}

// IngestResponse reports the outcome of a batch write.
type IngestResponse struct {
	Status          string `json:"status"`
	Hostname        string `json:"hostname"`
	MetricsReceived int    `json:"metrics_received"`
	MetricsStored   int    `json:"metrics_stored"`
	MetricsFailed   int    `json:"metrics_failed"`
	Timestamp       int64  `json:"timestamp"`
}
