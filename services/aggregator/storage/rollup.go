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
	"time"
)

// Rollup bucket widths.
const (
	bucket1m = int64(60)
	bucket1h = int64(3600)
)

// rollupLookback bounds how far back each downsample pass rescans its
// source table. Wide enough to absorb late-arriving samples from agents
// that buffered through an outage; re-aggregating an already-rolled
// bucket just replaces the row.
const rollupLookback = 2 * time.Hour

// Downsample1m aggregates recent raw samples into 1-minute average
// buckets. Buckets are keyed by their floor timestamp; INSERT OR REPLACE
// makes the pass idempotent.
func (s *Store) Downsample1m(ctx context.Context) (int64, error) {
	return s.downsample(ctx, TableRaw, Table1m, bucket1m)
}

// Downsample1h aggregates 1-minute buckets into hourly averages. Hourly
// rows derive from the 1m tier rather than raw so the hourly average
// survives raw retention.
func (s *Store) Downsample1h(ctx context.Context) (int64, error) {
	return s.downsample(ctx, Table1m, Table1h, bucket1h)
}

func (s *Store) downsample(ctx context.Context, src, dst string, bucket int64) (int64, error) {
	since := s.now().Add(-rollupLookback).Unix()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (timestamp, metric_type, host, tags, value)
		 SELECT (timestamp / %d) * %d, metric_type, host, tags, AVG(value)
		 FROM %s
		 WHERE timestamp >= ?
		 GROUP BY (timestamp / %d), metric_type, host, tags`,
		dst, bucket, bucket, src, bucket), since)
	if err != nil {
		return 0, fmt.Errorf("failed to downsample %s into %s: %w", src, dst, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
