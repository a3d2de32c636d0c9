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
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "aggregator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sample(ts int64, metric, host string, value float64) datatypes.Sample {
	return datatypes.Sample{Timestamp: ts, MetricType: metric, Host: host, Value: value}
}

func TestOpenCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "agg.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())
}

func TestWriteBatchStoresAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	res, err := s.WriteBatch(ctx, "web-01", []datatypes.Sample{
		sample(now, "cpu.total_usage", "", 42.5),
		sample(now, "memory.used_bytes", "", 1024),
		sample(now, "Bad Metric!", "", 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, 2, res.Stored)
	assert.Equal(t, 1, res.Failed)

	got, err := s.HostRange(ctx, "web-01", "", 0, 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, m := range got {
		assert.Equal(t, "web-01", m.Host)
	}
}

func TestWriteBatchRejectsNonFiniteValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	nan := 0.0
	nan /= nan

	res, err := s.WriteBatch(ctx, "web-01", []datatypes.Sample{
		sample(now, "cpu.total_usage", "", nan),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stored)
	assert.Equal(t, 1, res.Failed)
}

func TestWriteBatchUpsertsDuplicateKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Now().Unix()

	_, err := s.WriteBatch(ctx, "web-01", []datatypes.Sample{
		sample(ts, "cpu.total_usage", "", 10),
	})
	require.NoError(t, err)
	_, err = s.WriteBatch(ctx, "web-01", []datatypes.Sample{
		sample(ts, "cpu.total_usage", "", 99),
	})
	require.NoError(t, err)

	got, err := s.HostRange(ctx, "web-01", "cpu.total_usage", 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 99.0, got[0].Value)
}

func TestWriteBatchCreatesHostEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.WriteBatch(ctx, "unregistered-host", []datatypes.Sample{
		sample(time.Now().Unix(), "cpu.total_usage", "", 5),
	})
	require.NoError(t, err)

	h, err := s.GetHost(ctx, "unregistered-host")
	require.NoError(t, err)
	assert.Equal(t, datatypes.HostStatusActive, h.Status)
	assert.Greater(t, h.LastSeen, int64(0))
}

func TestHeartbeatIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	s.now = func() time.Time { return base }
	_, err := s.WriteBatch(ctx, "web-01", nil)
	require.NoError(t, err)

	// A clock that went backwards must not regress last_seen.
	s.now = func() time.Time { return base.Add(-time.Hour) }
	_, err = s.WriteBatch(ctx, "web-01", nil)
	require.NoError(t, err)

	s.now = func() time.Time { return base }
	h, err := s.GetHost(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, base.Unix(), h.LastSeen)
}

func TestHostRangeFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Unix() - 100

	var batch []datatypes.Sample
	for i := int64(0); i < 10; i++ {
		batch = append(batch, sample(base+i, "cpu.total_usage", "", float64(i)))
		batch = append(batch, sample(base+i, "disk.used_percent", "", float64(i)))
	}
	_, err := s.WriteBatch(ctx, "web-01", batch)
	require.NoError(t, err)

	got, err := s.HostRange(ctx, "web-01", "cpu.total_usage", base+3, base+6, 0)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	for _, m := range got {
		assert.Equal(t, "cpu.total_usage", m.MetricType)
	}

	got, err = s.HostRange(ctx, "web-01", "", 0, 0, 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	// Newest first.
	assert.GreaterOrEqual(t, got[0].Timestamp, got[len(got)-1].Timestamp)
}

func TestLatestPerMetric(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Unix() - 100

	_, err := s.WriteBatch(ctx, "web-01", []datatypes.Sample{
		sample(base, "cpu.total_usage", "", 10),
		sample(base+50, "cpu.total_usage", "", 75),
		sample(base+20, "memory.used_bytes", "", 2048),
	})
	require.NoError(t, err)

	got, err := s.LatestPerMetric(ctx, "web-01")
	require.NoError(t, err)
	require.Len(t, got, 2)

	byMetric := map[string]float64{}
	for _, m := range got {
		byMetric[m.MetricType] = m.Value
	}
	assert.Equal(t, 75.0, byMetric["cpu.total_usage"])
	assert.Equal(t, 2048.0, byMetric["memory.used_bytes"])
}

func TestRegisterHostPreservesFirstSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	s.now = func() time.Time { return base }
	require.NoError(t, s.RegisterHost(ctx, datatypes.RegisterRequest{
		Hostname: "web-01", Version: "1.0.0", Platform: "linux",
		Tags: map[string]string{"env": "prod"},
	}))

	s.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, s.RegisterHost(ctx, datatypes.RegisterRequest{
		Hostname: "web-01", Version: "1.1.0",
	}))

	h, err := s.GetHost(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, base.Unix(), h.FirstSeen)
	assert.Equal(t, base.Add(time.Hour).Unix(), h.LastSeen)
	assert.Equal(t, "1.1.0", h.Version)
	// Empty fields on re-registration keep the previous values.
	assert.Equal(t, "linux", h.Platform)
	assert.Equal(t, "prod", h.Tags["env"])
}

func TestGetHostNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetHost(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrHostNotFound)
}

func TestListHostsLiveness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	s.now = func() time.Time { return base.Add(-10 * time.Minute) }
	require.NoError(t, s.RegisterHost(ctx, datatypes.RegisterRequest{Hostname: "stale-01"}))

	s.now = func() time.Time { return base }
	require.NoError(t, s.RegisterHost(ctx, datatypes.RegisterRequest{Hostname: "fresh-01"}))

	hosts, err := s.ListHosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)

	byName := map[string]datatypes.Host{}
	for _, h := range hosts {
		byName[h.Hostname] = h
	}
	assert.Equal(t, datatypes.HostStatusActive, byName["fresh-01"].Status)
	assert.Equal(t, datatypes.HostStatusInactive, byName["stale-01"].Status)
}

func TestMarkStaleInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	s.now = func() time.Time { return base.Add(-time.Hour) }
	require.NoError(t, s.RegisterHost(ctx, datatypes.RegisterRequest{Hostname: "stale-01"}))

	s.now = func() time.Time { return base }
	n, err := s.MarkStaleInactive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReRegisterRevivesInactiveHost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	s.now = func() time.Time { return base.Add(-time.Hour) }
	require.NoError(t, s.RegisterHost(ctx, datatypes.RegisterRequest{Hostname: "web-01"}))

	s.now = func() time.Time { return base }
	_, err := s.MarkStaleInactive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.RegisterHost(ctx, datatypes.RegisterRequest{Hostname: "web-01"}))
	h, err := s.GetHost(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, datatypes.HostStatusActive, h.Status)
}

func TestLearnBaselineStatistics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Unix() - 1000

	var batch []datatypes.Sample
	for i := int64(0); i < 100; i++ {
		batch = append(batch, sample(base+i, "cpu.total_usage", "", float64(i)))
	}
	_, err := s.WriteBatch(ctx, "web-01", batch)
	require.NoError(t, err)

	b, err := s.LearnBaseline(ctx, "web-01", "cpu.total_usage", 0)
	require.NoError(t, err)
	assert.InDelta(t, 49.5, b.Mean, 1e-9)
	assert.InDelta(t, 28.866, b.Stddev, 0.01)
	assert.Equal(t, 0.0, b.MinValue)
	assert.Equal(t, 99.0, b.MaxValue)
	assert.Equal(t, 100, b.SampleCount)
	assert.LessOrEqual(t, b.Percentile95, b.Percentile99)
}

func TestLearnBaselineInsufficientData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.WriteBatch(ctx, "web-01", []datatypes.Sample{
		sample(time.Now().Unix(), "cpu.total_usage", "", 1),
	})
	require.NoError(t, err)

	_, err = s.LearnBaseline(ctx, "web-01", "cpu.total_usage", 0)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestLearnBaselineConstantSeriesHasZeroStddev(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Unix() - 100

	var batch []datatypes.Sample
	for i := int64(0); i < 20; i++ {
		batch = append(batch, sample(base+i, "cpu.total_usage", "", 50))
	}
	_, err := s.WriteBatch(ctx, "web-01", batch)
	require.NoError(t, err)

	b, err := s.LearnBaseline(ctx, "web-01", "cpu.total_usage", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.Stddev)
}

func TestGetBaselineLearnsOnMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Unix() - 100

	var batch []datatypes.Sample
	for i := int64(0); i < 20; i++ {
		batch = append(batch, sample(base+i, "cpu.total_usage", "", float64(40+i%5)))
	}
	_, err := s.WriteBatch(ctx, "web-01", batch)
	require.NoError(t, err)

	b, err := s.GetBaseline(ctx, "web-01", "cpu.total_usage")
	require.NoError(t, err)
	assert.Equal(t, 20, b.SampleCount)

	// Second read comes from the stored row.
	again, err := s.GetBaseline(ctx, "web-01", "cpu.total_usage")
	require.NoError(t, err)
	assert.Equal(t, b.LastUpdated, again.LastUpdated)
}

func TestGetBaselineStaleWithoutDataFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// A two-day-old row with no recent samples behind it: relearning
	// cannot succeed, and the stale row must not be served either.
	require.NoError(t, s.SaveBaseline(ctx, &datatypes.Baseline{
		MetricType:  "cpu.total_usage",
		Host:        "web-01",
		Mean:        50,
		Stddev:      2,
		SampleCount: 100,
		LastUpdated: now.Add(-48 * time.Hour).Unix(),
	}))

	b, err := s.GetBaseline(ctx, "web-01", "cpu.total_usage")
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Nil(t, b)
}

func TestLearnBaselineHonorsWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	var batch []datatypes.Sample
	for i := int64(0); i < 20; i++ {
		batch = append(batch, sample(now.Add(-2*time.Hour).Unix()+i, "cpu.total_usage", "", 100))
		batch = append(batch, sample(now.Add(-10*time.Minute).Unix()+i, "cpu.total_usage", "", 10))
	}
	_, err := s.WriteBatch(ctx, "web-01", batch)
	require.NoError(t, err)

	// A one-hour window sees only the recent half of the series.
	b, err := s.LearnBaseline(ctx, "web-01", "cpu.total_usage", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 20, b.SampleCount)
	assert.InDelta(t, 10.0, b.Mean, 1e-9)

	b, err = s.LearnBaseline(ctx, "web-01", "cpu.total_usage", 0)
	require.NoError(t, err)
	assert.Equal(t, 40, b.SampleCount)
}

func TestDownsampleAveragesBuckets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bucket := (time.Now().Unix() / 60) * 60

	_, err := s.WriteBatch(ctx, "web-01", []datatypes.Sample{
		sample(bucket, "cpu.total_usage", "", 10),
		sample(bucket+20, "cpu.total_usage", "", 20),
		sample(bucket+40, "cpu.total_usage", "", 30),
	})
	require.NoError(t, err)

	n, err := s.Downsample1m(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	var got []datatypes.Sample
	err = s.db.SelectContext(ctx, &got,
		`SELECT timestamp, metric_type, host, tags, value FROM samples_1m WHERE host = 'web-01'`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, bucket, got[0].Timestamp)
	assert.InDelta(t, 20.0, got[0].Value, 1e-9)
}

func TestPruneRemovesExpiredTiers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := now.Add(-8 * 24 * time.Hour).Unix()
	fresh := now.Unix()
	_, err := s.WriteBatch(ctx, "web-01", []datatypes.Sample{
		sample(old, "cpu.total_usage", "", 1),
		sample(fresh, "cpu.total_usage", "", 2),
	})
	require.NoError(t, err)

	removed, err := s.Prune(ctx, RetentionPolicy{}.WithDefaults())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed[TableRaw])

	got, err := s.HostRange(ctx, "web-01", "", 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fresh, got[0].Timestamp)
}

func TestPruneZeroHorizonClearsSamplesKeepsHosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	_, err := s.WriteBatch(ctx, "web-01", []datatypes.Sample{
		sample(now-120, "cpu.total_usage", "", 1),
		sample(now-60, "cpu.total_usage", "", 2),
	})
	require.NoError(t, err)

	removed, err := s.Prune(ctx, RetentionPolicy{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed[TableRaw])

	got, err := s.HostRange(ctx, "web-01", "", 0, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	// The registry survives a full sample wipe.
	_, err = s.GetHost(ctx, "web-01")
	assert.NoError(t, err)
}

func TestFleetSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	_, err := s.WriteBatch(ctx, "web-01", []datatypes.Sample{
		sample(now, "cpu.total_usage", "", 40),
		sample(now, "memory.used_bytes", "", 1000),
	})
	require.NoError(t, err)
	_, err = s.WriteBatch(ctx, "web-02", []datatypes.Sample{
		sample(now, "cpu.total_usage", "", 60),
		sample(now, "memory.used_bytes", "", 3000),
	})
	require.NoError(t, err)

	sum, err := s.FleetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalHosts)
	assert.Equal(t, 2, sum.OnlineHosts)
	assert.Equal(t, 0, sum.OfflineHosts)
	assert.InDelta(t, 50.0, sum.AvgCPUUsage, 1e-9)
	assert.InDelta(t, 4000.0, sum.TotalMemoryUsed, 1e-9)
}

func TestConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	const hosts = 20
	const batches = 10

	var wg sync.WaitGroup
	errs := make(chan error, hosts*batches)
	for h := 0; h < hosts; h++ {
		wg.Add(1)
		go func(h int) {
			defer wg.Done()
			hostname := fmt.Sprintf("host-%02d", h)
			for b := 0; b < batches; b++ {
				_, err := s.WriteBatch(ctx, hostname, []datatypes.Sample{
					sample(now+int64(b), "cpu.total_usage", "", float64(b)),
				})
				if err != nil {
					errs <- err
				}
			}
		}(h)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write failed: %v", err)
	}

	all, err := s.ListHosts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, hosts)
}

func TestConcurrentWritersSameHost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	const writers = 20
	const batches = 10

	var wg sync.WaitGroup
	errs := make(chan error, writers*batches)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for b := 0; b < batches; b++ {
				// Distinct timestamps per writer so rows never collide on
				// the upsert key.
				ts := now + int64(w*batches+b)
				_, err := s.WriteBatch(ctx, "web-01", []datatypes.Sample{
					sample(ts, "cpu.total_usage", "", float64(b)),
				})
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write failed: %v", err)
	}

	got, err := s.HostRange(ctx, "web-01", "", 0, 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, writers*batches)

	// Every batch bumped the same heartbeat row; the winner is the
	// largest timestamp any writer observed.
	h, err := s.GetHost(ctx, "web-01")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h.LastSeen, now)
}

func TestHostRangeInvertedWindowIsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Unix() - 100

	_, err := s.WriteBatch(ctx, "web-01", []datatypes.Sample{
		sample(base, "cpu.total_usage", "", 1),
		sample(base+10, "cpu.total_usage", "", 2),
	})
	require.NoError(t, err)

	got, err := s.HostRange(ctx, "web-01", "", base+10, base, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
