// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/storage"
)

// countingMaintainer records job invocations.
type countingMaintainer struct {
	rollup1m  atomic.Int64
	rollup1h  atomic.Int64
	prunes    atomic.Int64
	refreshes atomic.Int64
	reaps     atomic.Int64
}

func (m *countingMaintainer) Downsample1m(context.Context) (int64, error) {
	m.rollup1m.Add(1)
	return 0, nil
}

func (m *countingMaintainer) Downsample1h(context.Context) (int64, error) {
	m.rollup1h.Add(1)
	return 0, nil
}

func (m *countingMaintainer) Prune(context.Context, storage.RetentionPolicy) (map[string]int64, error) {
	m.prunes.Add(1)
	return map[string]int64{}, nil
}

func (m *countingMaintainer) RefreshBaselines(context.Context) (int, int, error) {
	m.refreshes.Add(1)
	return 0, 0, nil
}

func (m *countingMaintainer) MarkStaleInactive(context.Context) (int64, error) {
	m.reaps.Add(1)
	return 0, nil
}

func TestSchedulerStartStop(t *testing.T) {
	m := &countingMaintainer{}
	s, err := New(m, storage.RetentionPolicy{}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.NoError(t, s.Stop())
}

func TestSchedulerJobsRun(t *testing.T) {
	m := &countingMaintainer{}
	s, err := New(m, storage.RetentionPolicy{}, nil)
	require.NoError(t, err)
	defer s.Stop()

	err = s.runRollup1m(context.Background())
	require.NoError(t, err)
	err = s.runRetention(context.Background())
	require.NoError(t, err)
	err = s.runBaselineRefresh(context.Background())
	require.NoError(t, err)
	err = s.runReaper(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), m.rollup1m.Load())
	assert.Equal(t, int64(1), m.prunes.Load())
	assert.Equal(t, int64(1), m.refreshes.Load())
	assert.Equal(t, int64(1), m.reaps.Load())
}

func TestRetentionJitterBounds(t *testing.T) {
	// The jitter window must stay centered on the hourly cadence.
	assert.Less(t, retentionMin, retentionMax)
	assert.InDelta(t, float64(time.Hour), float64(retentionMin+retentionMax)/2, float64(time.Minute))
}
