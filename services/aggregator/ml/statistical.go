// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ml implements the aggregator's anomaly detection suite: a
// moving z-score detector, an isolation forest trained per series, a
// baseline-band check, and a linear forecaster, combined by majority
// vote in the Registry.
package ml

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/datatypes"
)

// Statistical detector defaults.
const (
	DefaultWindowSize = 100
	DefaultZThreshold = 3.0

	// statMinPoints is the fewest history points before the moving
	// statistics mean anything.
	statMinPoints = 10

	// flatStddev treats a near-constant window as having no variance.
	flatStddev = 1e-6
)

// StatisticalDetector flags values whose z-score against a moving window
// exceeds a fixed threshold.
//
// Not safe for concurrent use; the Registry serializes access per series.
type StatisticalDetector struct {
	windowSize int
	zThreshold float64
	history    []float64

	mean  float64
	std   float64
	ready bool
}

// NewStatisticalDetector returns a detector with the given moving-window
// size and z-score threshold. Non-positive arguments fall back to the
// package defaults.
func NewStatisticalDetector(windowSize int, zThreshold float64) *StatisticalDetector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if zThreshold <= 0 {
		zThreshold = DefaultZThreshold
	}
	return &StatisticalDetector{windowSize: windowSize, zThreshold: zThreshold}
}

// Update folds a new observation into the moving window and refreshes the
// window statistics once enough points have accumulated.
func (d *StatisticalDetector) Update(value float64) {
	d.history = append(d.history, value)
	if len(d.history) > d.windowSize {
		d.history = d.history[1:]
	}
	if len(d.history) >= statMinPoints {
		d.mean = stat.Mean(d.history, nil)
		d.std = stat.PopStdDev(d.history, nil)
		d.ready = true
	}
}

// Detect folds value into the window, then scores it against the window
// statistics. A window that is too short or flat yields a confident
// not-anomalous verdict with score zero rather than an error: a constant
// series repeating its constant is the definition of normal.
func (d *StatisticalDetector) Detect(value float64, timestamp int64) datatypes.AnomalyResult {
	d.Update(value)

	res := datatypes.AnomalyResult{
		Threshold: d.zThreshold,
		Timestamp: timestamp,
		Value:     value,
	}
	if d.ready {
		mean := d.mean
		res.ExpectedValue = &mean
	}
	if !d.ready || d.std < flatStddev {
		return res
	}

	z := math.Abs((value - d.mean) / d.std)
	res.Score = z
	res.IsAnomaly = z > d.zThreshold
	conf := 1.0 - 1.0/(1.0+z)
	res.Confidence = &conf
	return res
}

// DetectBatch scores a chronological batch of points, updating the window
// as it walks.
func (d *StatisticalDetector) DetectBatch(points []datatypes.Sample) []datatypes.AnomalyResult {
	out := make([]datatypes.AnomalyResult, 0, len(points))
	for _, p := range points {
		out = append(out, d.Detect(p.Value, p.Timestamp))
	}
	return out
}
