// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ml

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/datatypes"
)

// forecastMinPoints is the fewest recent samples a series needs before a
// linear trend means anything.
const forecastMinPoints = 10

// defaultForecastStep stands in for the collection interval when a series
// has no measurable spacing (all samples share one timestamp).
const defaultForecastStep = 60 * time.Second

// Forecast extrapolates one series linearly over the given horizon.
//
// # Description
//
//	Fits ordinary least squares over the last 24 hours of samples and
//	emits one prediction per collection interval, where the interval is
//	the median spacing of the observed timestamps. Predictions follow
//	the trend wherever it leads; clamping to a metric's natural range is
//	the caller's concern since the forecaster does not know units.
//
// # Outputs
//
//	[]datatypes.Prediction - points strictly after the newest sample,
//	                         covering at most the horizon.
//	error                  - ErrInsufficientHistory below the sample
//	                         floor.
func (r *Registry) Forecast(ctx context.Context, host, metricType string, horizon time.Duration) ([]datatypes.Prediction, error) {
	since := r.now().Add(-TrainingWindow).Unix()
	samples, err := r.source.SeriesValues(ctx, host, metricType, since)
	if err != nil {
		return nil, err
	}
	if len(samples) < forecastMinPoints {
		return nil, fmt.Errorf("%w: %s/%s has %d samples, need %d",
			ErrInsufficientHistory, host, metricType, len(samples), forecastMinPoints)
	}

	// Center timestamps on the window start to keep the regression
	// well-conditioned.
	t0 := samples[0].Timestamp
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = float64(s.Timestamp - t0)
		ys[i] = s.Value
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)

	step := medianInterval(samples)
	last := samples[len(samples)-1].Timestamp

	n := int(horizon / step)
	out := make([]datatypes.Prediction, 0, n)
	for i := 1; i <= n; i++ {
		ts := last + int64(i)*int64(step/time.Second)
		out = append(out, datatypes.Prediction{
			Timestamp: ts,
			Value:     alpha + beta*float64(ts-t0),
		})
	}
	return out, nil
}

// medianInterval estimates the collection interval as the median gap
// between consecutive sample timestamps.
func medianInterval(samples []datatypes.Sample) time.Duration {
	diffs := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		if d := samples[i].Timestamp - samples[i-1].Timestamp; d > 0 {
			diffs = append(diffs, float64(d))
		}
	}
	if len(diffs) == 0 {
		return defaultForecastStep
	}
	sort.Float64s(diffs)
	return time.Duration(diffs[len(diffs)/2]) * time.Second
}
