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
)

// RetentionPolicy fixes how long each resolution tier is kept. Prune
// applies it literally: a zero horizon deletes every sample in the
// tier. Callers that want the package defaults resolve them first with
// WithDefaults.
type RetentionPolicy struct {
	Raw       time.Duration
	OneMinute time.Duration
	OneHour   time.Duration
}

// WithDefaults fills unset (non-positive) horizons with the package
// defaults: 7 days raw, 30 days 1-minute, 365 days 1-hour.
func (p RetentionPolicy) WithDefaults() RetentionPolicy {
	if p.Raw <= 0 {
		p.Raw = DefaultRawRetention
	}
	if p.OneMinute <= 0 {
		p.OneMinute = Default1mRetention
	}
	if p.OneHour <= 0 {
		p.OneHour = Default1hRetention
	}
	return p
}

// Prune deletes samples older than each tier's retention horizon and
// reports rows removed per tier. A zero horizon clears the tier; the
// host registry is never touched. Retention only ever shortens history;
// a tier is pruned independently so a failure in one does not block the
// others from their next run.
func (s *Store) Prune(ctx context.Context, policy RetentionPolicy) (map[string]int64, error) {
	now := s.now()

	tiers := []struct {
		table  string
		cutoff int64
	}{
		{TableRaw, now.Add(-policy.Raw).Unix()},
		{Table1m, now.Add(-policy.OneMinute).Unix()},
		{Table1h, now.Add(-policy.OneHour).Unix()},
	}

	removed := make(map[string]int64, len(tiers))
	var firstErr error
	for _, t := range tiers {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE timestamp < ?`, t.table), t.cutoff)
		if err != nil {
			slog.Warn("Retention prune failed", "table", t.table, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to prune %s: %w", t.table, err)
			}
			continue
		}
		n, _ := res.RowsAffected()
		removed[t.table] = n
	}
	return removed, firstErr
}
