// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/datatypes"
)

// BaselineMinSamples is the fewest observations a learning window may
// contain and still produce a baseline.
const BaselineMinSamples = 10

// BaselineWindow is the lookback over which baselines are learned.
const BaselineWindow = 24 * time.Hour

// ErrInsufficientData is returned when a learning window holds fewer than
// BaselineMinSamples observations.
var ErrInsufficientData = errors.New("insufficient data to learn baseline")

// LearnBaseline computes and persists fresh summary statistics for one
// (host, metric) series from its recent raw samples. A non-positive
// window falls back to BaselineWindow.
//
// # Description
//
//	Stddev is the population deviation, so a window of identical values
//	yields exactly zero rather than a sample-variance epsilon. Percentiles
//	use the empirical quantile of the sorted window.
//
// # Outputs
//
//	*datatypes.Baseline - the learned row, already persisted.
//	error               - ErrInsufficientData when the window is too thin,
//	                      or the underlying storage error.
func (s *Store) LearnBaseline(ctx context.Context, host, metricType string, window time.Duration) (*datatypes.Baseline, error) {
	if window <= 0 {
		window = BaselineWindow
	}
	since := s.now().Add(-window).Unix()
	samples, err := s.SeriesValues(ctx, host, metricType, since)
	if err != nil {
		return nil, err
	}
	if len(samples) < BaselineMinSamples {
		return nil, fmt.Errorf("%w: %s/%s has %d samples, need %d",
			ErrInsufficientData, host, metricType, len(samples), BaselineMinSamples)
	}

	values := make([]float64, len(samples))
	for i, m := range samples {
		values[i] = m.Value
	}
	sort.Float64s(values)

	b := &datatypes.Baseline{
		MetricType:   metricType,
		Host:         host,
		Mean:         stat.Mean(values, nil),
		Stddev:       stat.PopStdDev(values, nil),
		MinValue:     values[0],
		MaxValue:     values[len(values)-1],
		SampleCount:  len(values),
		LastUpdated:  s.now().Unix(),
		Percentile95: stat.Quantile(0.95, stat.Empirical, values, nil),
		Percentile99: stat.Quantile(0.99, stat.Empirical, values, nil),
	}

	if err := s.SaveBaseline(ctx, b); err != nil {
		return nil, err
	}

	slog.Debug("Learned baseline",
		"host", host, "metric", metricType,
		"mean", b.Mean, "stddev", b.Stddev, "samples", b.SampleCount)
	return b, nil
}

// SaveBaseline upserts one baseline row.
func (s *Store) SaveBaseline(ctx context.Context, b *datatypes.Baseline) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT OR REPLACE INTO baselines
		   (metric_type, host, mean, stddev, min_value, max_value,
		    sample_count, last_updated, percentile_95, percentile_99)
		 VALUES
		   (:metric_type, :host, :mean, :stddev, :min_value, :max_value,
		    :sample_count, :last_updated, :percentile_95, :percentile_99)`, b)
	if err != nil {
		return fmt.Errorf("failed to save baseline %s/%s: %w", b.Host, b.MetricType, err)
	}
	return nil
}

// GetBaseline returns the stored baseline for one series, relearning
// transparently when the stored row is missing or older than the
// staleness window. A stale row is never served: when the recent window
// is too thin to relearn, GetBaseline returns ErrInsufficientData.
func (s *Store) GetBaseline(ctx context.Context, host, metricType string) (*datatypes.Baseline, error) {
	var b datatypes.Baseline
	err := s.db.GetContext(ctx, &b,
		`SELECT metric_type, host, mean, stddev, min_value, max_value,
		        sample_count, last_updated, percentile_95, percentile_99
		 FROM baselines WHERE host = ? AND metric_type = ?`,
		host, metricType)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.LearnBaseline(ctx, host, metricType, BaselineWindow)
	case err != nil:
		return nil, fmt.Errorf("failed to query baseline %s/%s: %w", host, metricType, err)
	}

	if !b.IsFresh(s.now().Unix()) {
		return s.LearnBaseline(ctx, host, metricType, BaselineWindow)
	}
	return &b, nil
}

// ListBaselines returns every stored baseline, optionally filtered by
// host.
func (s *Store) ListBaselines(ctx context.Context, host string) ([]datatypes.Baseline, error) {
	query := `SELECT metric_type, host, mean, stddev, min_value, max_value,
	                 sample_count, last_updated, percentile_95, percentile_99
	          FROM baselines`
	args := []any{}
	if host != "" {
		query += ` WHERE host = ?`
		args = append(args, host)
	}
	query += ` ORDER BY host, metric_type`

	var out []datatypes.Baseline
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list baselines: %w", err)
	}
	return out, nil
}

// RefreshBaselines relearns every series with enough recent data. Series
// that fall under the sample floor are skipped, not errors.
func (s *Store) RefreshBaselines(ctx context.Context) (learned, skipped int, err error) {
	since := s.now().Add(-BaselineWindow).Unix()
	series, err := s.DistinctSeries(ctx, since)
	if err != nil {
		return 0, 0, err
	}
	for _, key := range series {
		if _, lerr := s.LearnBaseline(ctx, key.Host, key.MetricType, BaselineWindow); lerr != nil {
			if errors.Is(lerr, ErrInsufficientData) {
				skipped++
				continue
			}
			return learned, skipped, lerr
		}
		learned++
	}
	return learned, skipped, nil
}
