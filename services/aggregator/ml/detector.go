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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/datatypes"
)

// TrainingWindow is the lookback used to fit detectors for a series.
const TrainingWindow = 24 * time.Hour

// Method names as they appear in detection responses.
const (
	MethodStatistical = "statistical"
	MethodForest      = "ml"
	MethodBaseline    = "baseline"
)

// ErrInsufficientHistory is returned when a series has too few recent
// samples to train on or forecast from.
var ErrInsufficientHistory = errors.New("insufficient history for series")

// SeriesSource is the slice of the storage layer the detector suite reads
// from.
type SeriesSource interface {
	SeriesValues(ctx context.Context, host, metricType string, since int64) ([]datatypes.Sample, error)
	DistinctSeries(ctx context.Context, since int64) ([]datatypes.SeriesKey, error)
	GetBaseline(ctx context.Context, host, metricType string) (*datatypes.Baseline, error)
	LearnBaseline(ctx context.Context, host, metricType string, window time.Duration) (*datatypes.Baseline, error)
}

// Options toggles individual detection methods. The zero value enables
// everything.
type Options struct {
	DisableStatistical bool
	DisableForest      bool
	DisableBaseline    bool
}

// seriesState is the per-(host, metric) model state. Its mutex serializes
// training and the stateful statistical window; the forest pointer only
// changes under the same lock.
type seriesState struct {
	mu          sync.Mutex
	trained     bool
	statistical *StatisticalDetector
	forest      *IsolationForest
	recent      []float64
}

// Registry owns one detector set per (host, metric) series, trains them
// lazily from stored history on first use, and merges verdicts by
// majority vote.
//
// Safe for concurrent use; detection on distinct series never contends.
type Registry struct {
	source SeriesSource
	opts   Options

	mu     sync.Mutex
	series map[string]*seriesState

	now func() time.Time
}

// NewRegistry returns a registry reading training data from source.
func NewRegistry(source SeriesSource, opts Options) *Registry {
	return &Registry{
		source: source,
		opts:   opts,
		series: make(map[string]*seriesState),
		now:    time.Now,
	}
}

func seriesKey(host, metricType string) string {
	return host + ":" + metricType
}

func (r *Registry) state(host, metricType string) *seriesState {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := seriesKey(host, metricType)
	st, ok := r.series[key]
	if !ok {
		st = &seriesState{}
		r.series[key] = st
	}
	return st
}

// TrainSeries fits the statistical window and the isolation forest for
// one series from its recent history. A non-positive window falls back
// to TrainingWindow.
//
// # Description
//
//	Requires at least ForestMinSamples recent points; below that the
//	series stays untrained and ErrInsufficientHistory is returned. A
//	forest fit failure degrades to statistical-plus-baseline detection
//	rather than failing the series. Training the same series twice
//	replaces the previous models.
func (r *Registry) TrainSeries(ctx context.Context, host, metricType string, window time.Duration) error {
	st := r.state(host, metricType)
	st.mu.Lock()
	defer st.mu.Unlock()
	return r.trainLocked(ctx, st, host, metricType, window)
}

func (r *Registry) trainLocked(ctx context.Context, st *seriesState, host, metricType string, window time.Duration) error {
	if window <= 0 {
		window = TrainingWindow
	}
	since := r.now().Add(-window).Unix()
	samples, err := r.source.SeriesValues(ctx, host, metricType, since)
	if err != nil {
		return err
	}
	if len(samples) < ForestMinSamples {
		return fmt.Errorf("%w: %s/%s has %d samples, need %d",
			ErrInsufficientHistory, host, metricType, len(samples), ForestMinSamples)
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}

	if !r.opts.DisableStatistical {
		window := DefaultWindowSize
		if half := len(values) / 2; half < window {
			window = half
		}
		det := NewStatisticalDetector(window, DefaultZThreshold)
		for _, v := range values {
			det.Update(v)
		}
		st.statistical = det
	}

	if !r.opts.DisableForest {
		forest := NewIsolationForest(DefaultContamination, DefaultTrees)
		if err := forest.Train(values); err != nil {
			slog.Warn("Isolation forest training failed, continuing without it",
				"host", host, "metric", metricType, "error", err)
			st.forest = nil
		} else {
			st.forest = forest
		}
	}

	if !r.opts.DisableBaseline {
		// Relearns the baseline over the same window so detection does
		// not learn inline.
		if _, err := r.source.LearnBaseline(ctx, host, metricType, window); err != nil {
			slog.Debug("Baseline unavailable for series",
				"host", host, "metric", metricType, "error", err)
		}
	}

	tail := len(values) - lagWindow
	if tail < 0 {
		tail = 0
	}
	st.recent = append([]float64{}, values[tail:]...)
	st.trained = true

	slog.Info("Trained detectors for series",
		"host", host, "metric", metricType, "samples", len(values),
		"forest", st.forest != nil)
	return nil
}

// Detect runs every enabled method against one value and returns the
// per-method results keyed by method name.
//
// # Description
//
//	The series is trained on first use; a series without enough history
//	returns ErrInsufficientHistory and no partial results. Methods that
//	cannot contribute (forest failed to fit, baseline too thin) are
//	simply absent from the map, and consensus runs over whatever
//	remains.
func (r *Registry) Detect(ctx context.Context, host, metricType string, value float64, timestamp int64) (map[string]datatypes.AnomalyResult, error) {
	st := r.state(host, metricType)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.trained {
		if err := r.trainLocked(ctx, st, host, metricType, TrainingWindow); err != nil {
			return nil, err
		}
	}

	results := make(map[string]datatypes.AnomalyResult)

	if st.statistical != nil {
		results[MethodStatistical] = st.statistical.Detect(value, timestamp)
	}

	if st.forest != nil {
		res, err := st.forest.Detect(value, st.recent, timestamp)
		if err != nil {
			slog.Warn("Forest detection failed",
				"host", host, "metric", metricType, "error", err)
		} else {
			results[MethodForest] = res
		}
	}

	if !r.opts.DisableBaseline {
		b, err := r.source.GetBaseline(ctx, host, metricType)
		if err != nil {
			slog.Debug("Skipping baseline method",
				"host", host, "metric", metricType, "error", err)
		} else {
			results[MethodBaseline] = DetectAgainstBaseline(b, value, timestamp)
		}
	}

	st.recent = append(st.recent, value)
	if len(st.recent) > lagWindow {
		st.recent = st.recent[len(st.recent)-lagWindow:]
	}

	return results, nil
}

// Consensus merges per-method results by strict majority vote. A tie is
// not anomalous; confidence is the anomalous fraction either way. An
// empty result set is a confident no.
func Consensus(results map[string]datatypes.AnomalyResult) (isAnomaly bool, confidence float64) {
	if len(results) == 0 {
		return false, 0
	}
	votes := 0
	for _, res := range results {
		if res.IsAnomaly {
			votes++
		}
	}
	return votes*2 > len(results), float64(votes) / float64(len(results))
}

// TrainAll trains every series with data inside the window and reports
// the outcome per series key. Thin series are recorded as false, not
// errors. A non-positive window falls back to TrainingWindow.
func (r *Registry) TrainAll(ctx context.Context, window time.Duration) (map[string]bool, error) {
	if window <= 0 {
		window = TrainingWindow
	}
	since := r.now().Add(-window).Unix()
	keys, err := r.source.DistinctSeries(ctx, since)
	if err != nil {
		return nil, err
	}

	status := make(map[string]bool, len(keys))
	for _, key := range keys {
		err := r.TrainSeries(ctx, key.Host, key.MetricType, window)
		if err != nil && !errors.Is(err, ErrInsufficientHistory) {
			return status, err
		}
		status[seriesKey(key.Host, key.MetricType)] = err == nil
	}
	return status, nil
}
