// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// BaselineMaxAgeSeconds is how long a learned baseline stays fresh.
// Stale baselines are relearned transparently on next use.
const BaselineMaxAgeSeconds = 24 * 3600

// Baseline holds summary statistics of a metric over a past window, used
// as the anomaly reference for one (host, metric_type) pair.
//
// Invariants: Stddev >= 0, MinValue <= Mean <= MaxValue, P95 <= P99.
type Baseline struct {
	MetricType   string  `json:"metric_type" db:"metric_type"`
	Host         string  `json:"host" db:"host"`
	Mean         float64 `json:"mean" db:"mean"`
	Stddev       float64 `json:"stddev" db:"stddev"`
	MinValue     float64 `json:"min_value" db:"min_value"`
	MaxValue     float64 `json:"max_value" db:"max_value"`
	SampleCount  int     `json:"sample_count" db:"sample_count"`
	LastUpdated  int64   `json:"last_updated" db:"last_updated"`
	Percentile95 float64 `json:"percentile_95" db:"percentile_95"`
	Percentile99 float64 `json:"percentile_99" db:"percentile_99"`
}

// Threshold returns the dynamic anomaly band around the baseline mean.
//
// The band is symmetric: upper - lower == 2*sigma*Stddev.
func (b *Baseline) Threshold(sigma float64) (lower, upper float64) {
	lower = b.Mean - sigma*b.Stddev
	upper = b.Mean + sigma*b.Stddev
	return lower, upper
}

// IsFresh reports whether the baseline was updated within the staleness
// window at the given reference time.
func (b *Baseline) IsFresh(now int64) bool {
	return now-b.LastUpdated <= BaselineMaxAgeSeconds
}
