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
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/AleutianAI/SysmonFleet/pkg/validation"
	"github.com/AleutianAI/SysmonFleet/services/aggregator/datatypes"
)

// Sample table names by resolution.
const (
	TableRaw = "samples_raw"
	Table1m  = "samples_1m"
	Table1h  = "samples_1h"
)

// Resolution span cutoffs for fleet-wide queries. A host-scoped query
// always reads raw; a fleet query trades resolution for span.
const (
	rawSpanCutoff  = 24 * time.Hour
	oneMSpanCutoff = 30 * 24 * time.Hour
)

// DefaultQueryLimit caps result sets when the caller does not pass an
// explicit limit.
const DefaultQueryLimit = 1000

// WriteResult reports the per-row outcome of a batch write.
type WriteResult struct {
	Received int
	Stored   int
	Failed   int
}

// WriteBatch persists a metric batch from one agent in a single
// transaction and advances the sending host's heartbeat in that same
// transaction.
//
// # Description
//
//	Rows that fail validation (bad metric name, non-finite value) are
//	counted as failed and skipped; the remaining rows still commit. The
//	heartbeat upsert also creates the host row if the agent never called
//	register, so a stored sample always has a registry entry behind it.
//	Re-sent samples replace the prior row for the same
//	(timestamp, metric_type, host, tags) key.
//
// # Inputs
//
//	ctx      - context.Context: request-scoped cancellation.
//	hostname - string: already-validated sending host.
//	metrics  - []datatypes.Sample: the batch payload. Samples carrying an
//	           empty Host inherit hostname.
//
// # Outputs
//
//	WriteResult - per-row received/stored/failed counts.
//	error       - non-nil when the transaction itself fails (lock timeout,
//	              disk full); no rows are stored in that case.
func (s *Store) WriteBatch(ctx context.Context, hostname string, metrics []datatypes.Sample) (WriteResult, error) {
	res := WriteResult{Received: len(metrics)}
	now := s.now().Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin write transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO samples_raw (timestamp, metric_type, host, tags, value)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return res, fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		host := m.Host
		if host == "" {
			host = hostname
		}
		if err := validation.ValidateMetricType(m.MetricType); err != nil {
			slog.Debug("Dropping sample with invalid metric type",
				"metric_type", m.MetricType, "host", host, "error", err)
			res.Failed++
			continue
		}
		if err := validation.ValidateSampleValue(m.Value); err != nil {
			slog.Debug("Dropping sample with non-finite value",
				"metric_type", m.MetricType, "host", host)
			res.Failed++
			continue
		}
		ts := m.Timestamp
		if ts == 0 {
			ts = now
		}
		if _, err := stmt.ExecContext(ctx, ts, m.MetricType, host, m.Tags, m.Value); err != nil {
			slog.Warn("Failed to store sample",
				"metric_type", m.MetricType, "host", host, "error", err)
			res.Failed++
			continue
		}
		res.Stored++
	}

	// Heartbeat rides the batch transaction: a reader that sees the
	// samples also sees the host active. MAX keeps last_seen monotonic
	// when batches land out of order.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO hosts (hostname, first_seen, last_seen, status)
		 VALUES (?, ?, ?, 'active')
		 ON CONFLICT(hostname) DO UPDATE SET
		   last_seen = MAX(last_seen, excluded.last_seen),
		   status = 'active'`,
		hostname, now, now); err != nil {
		return res, fmt.Errorf("failed to update host heartbeat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return WriteResult{Received: len(metrics), Failed: len(metrics)},
			fmt.Errorf("failed to commit metric batch: %w", err)
	}
	return res, nil
}

// HostRange returns raw samples for one host, newest first.
//
// # Inputs
//
//	metricType - string: optional filter; empty matches all metrics.
//	start, end - int64: optional unix-second bounds; zero means unbounded.
//	limit      - int: row cap; <=0 falls back to DefaultQueryLimit.
func (s *Store) HostRange(ctx context.Context, host, metricType string, start, end int64, limit int) ([]datatypes.Sample, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	q := sq.Select("timestamp", "metric_type", "host", "tags", "value").
		From(TableRaw).
		Where(sq.Eq{"host": host}).
		OrderBy("timestamp DESC").
		Limit(uint64(limit))
	if metricType != "" {
		q = q.Where(sq.Eq{"metric_type": metricType})
	}
	if start > 0 {
		q = q.Where(sq.GtOrEq{"timestamp": start})
	}
	if end > 0 {
		q = q.Where(sq.LtOrEq{"timestamp": end})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build host range query: %w", err)
	}

	var out []datatypes.Sample
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query samples for host %s: %w", host, err)
	}
	return out, nil
}

// FleetRange returns samples across all hosts for one metric, newest
// first, picking the coarsest table that still covers the requested span:
// raw up to 24 hours, 1-minute rollups up to 30 days, hourly beyond.
func (s *Store) FleetRange(ctx context.Context, metricType string, start, end int64, limit int) ([]datatypes.Sample, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if end <= 0 {
		end = s.now().Unix()
	}

	q := sq.Select("timestamp", "metric_type", "host", "tags", "value").
		From(tableForSpan(start, end)).
		Where(sq.Eq{"metric_type": metricType}).
		OrderBy("timestamp DESC").
		Limit(uint64(limit))
	if start > 0 {
		q = q.Where(sq.GtOrEq{"timestamp": start})
	}
	q = q.Where(sq.LtOrEq{"timestamp": end})

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build fleet range query: %w", err)
	}

	var out []datatypes.Sample
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query fleet samples for %s: %w", metricType, err)
	}
	return out, nil
}

// tableForSpan maps a query window to the resolution that keeps its row
// count sane. An open start (0) means "all history" and reads hourly.
func tableForSpan(start, end int64) string {
	if start <= 0 {
		return Table1h
	}
	span := time.Duration(end-start) * time.Second
	switch {
	case span <= rawSpanCutoff:
		return TableRaw
	case span <= oneMSpanCutoff:
		return Table1m
	default:
		return Table1h
	}
}

// LatestPerMetric returns the newest raw sample of each metric reported
// by one host. The self-join keeps only rows whose timestamp matches the
// group-wise max for their (metric_type, tags) series.
func (s *Store) LatestPerMetric(ctx context.Context, host string) ([]datatypes.Sample, error) {
	var out []datatypes.Sample
	err := s.db.SelectContext(ctx, &out,
		`SELECT r.timestamp, r.metric_type, r.host, r.tags, r.value
		 FROM samples_raw r
		 JOIN (
		   SELECT metric_type, tags, MAX(timestamp) AS ts
		   FROM samples_raw WHERE host = ?
		   GROUP BY metric_type, tags
		 ) latest
		 ON r.metric_type = latest.metric_type
		   AND r.tags = latest.tags
		   AND r.timestamp = latest.ts
		 WHERE r.host = ?
		 ORDER BY r.metric_type`,
		host, host)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest samples for host %s: %w", host, err)
	}
	return out, nil
}

// LatestAll returns the newest raw sample of every (host, metric, tags)
// series in the fleet.
func (s *Store) LatestAll(ctx context.Context) ([]datatypes.Sample, error) {
	var out []datatypes.Sample
	err := s.db.SelectContext(ctx, &out,
		`SELECT r.timestamp, r.metric_type, r.host, r.tags, r.value
		 FROM samples_raw r
		 JOIN (
		   SELECT host, metric_type, tags, MAX(timestamp) AS ts
		   FROM samples_raw
		   GROUP BY host, metric_type, tags
		 ) latest
		 ON r.host = latest.host
		   AND r.metric_type = latest.metric_type
		   AND r.tags = latest.tags
		   AND r.timestamp = latest.ts
		 ORDER BY r.host, r.metric_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest fleet samples: %w", err)
	}
	return out, nil
}

// SeriesValues returns the chronological values of one (host, metric)
// series since the given cutoff. This is the feed for baseline learning,
// detector training, and forecasting.
func (s *Store) SeriesValues(ctx context.Context, host, metricType string, since int64) ([]datatypes.Sample, error) {
	var out []datatypes.Sample
	err := s.db.SelectContext(ctx, &out,
		`SELECT timestamp, metric_type, host, tags, value
		 FROM samples_raw
		 WHERE host = ? AND metric_type = ? AND timestamp >= ?
		 ORDER BY timestamp ASC`,
		host, metricType, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query series %s/%s: %w", host, metricType, err)
	}
	return out, nil
}

// FleetSummary aggregates a dashboard-shaped snapshot: host liveness
// counts plus fleet-average CPU and total memory from each host's most
// recent sample inside the liveness window.
func (s *Store) FleetSummary(ctx context.Context) (*datatypes.FleetSummary, error) {
	now := s.now().Unix()
	cutoff := now - datatypes.LivenessWindowSeconds

	sum := &datatypes.FleetSummary{Timestamp: now}

	if err := s.db.GetContext(ctx, &sum.TotalHosts,
		`SELECT COUNT(*) FROM hosts`); err != nil {
		return nil, fmt.Errorf("failed to count hosts: %w", err)
	}
	if err := s.db.GetContext(ctx, &sum.OnlineHosts,
		`SELECT COUNT(*) FROM hosts WHERE last_seen >= ?`, cutoff); err != nil {
		return nil, fmt.Errorf("failed to count online hosts: %w", err)
	}
	sum.OfflineHosts = sum.TotalHosts - sum.OnlineHosts

	var avgCPU *float64
	if err := s.db.GetContext(ctx, &avgCPU,
		`SELECT AVG(value) FROM (
		   SELECT r.value
		   FROM samples_raw r
		   JOIN (
		     SELECT host, MAX(timestamp) AS ts
		     FROM samples_raw
		     WHERE metric_type = 'cpu.total_usage' AND timestamp >= ?
		     GROUP BY host
		   ) latest ON r.host = latest.host AND r.timestamp = latest.ts
		   WHERE r.metric_type = 'cpu.total_usage'
		 )`, cutoff); err != nil {
		return nil, fmt.Errorf("failed to compute fleet cpu average: %w", err)
	}
	if avgCPU != nil {
		sum.AvgCPUUsage = *avgCPU
	}

	var totalMem *float64
	if err := s.db.GetContext(ctx, &totalMem,
		`SELECT SUM(value) FROM (
		   SELECT r.value
		   FROM samples_raw r
		   JOIN (
		     SELECT host, MAX(timestamp) AS ts
		     FROM samples_raw
		     WHERE metric_type = 'memory.used_bytes' AND timestamp >= ?
		     GROUP BY host
		   ) latest ON r.host = latest.host AND r.timestamp = latest.ts
		   WHERE r.metric_type = 'memory.used_bytes'
		 )`, cutoff); err != nil {
		return nil, fmt.Errorf("failed to compute fleet memory total: %w", err)
	}
	if totalMem != nil {
		sum.TotalMemoryUsed = *totalMem
	}

	return sum, nil
}
