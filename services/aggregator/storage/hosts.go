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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/datatypes"
)

// ErrHostNotFound is returned when a lookup names a host that never
// reported.
var ErrHostNotFound = errors.New("host not found")

// hostRow is the flat scan target for the hosts table; tags are stored as
// a JSON object in a TEXT column.
type hostRow struct {
	Hostname  string         `db:"hostname"`
	FirstSeen int64          `db:"first_seen"`
	LastSeen  int64          `db:"last_seen"`
	Tags      string         `db:"tags"`
	Version   sql.NullString `db:"version"`
	Platform  sql.NullString `db:"platform"`
	Status    string         `db:"status"`
}

func (r hostRow) toHost(cutoff int64) datatypes.Host {
	h := datatypes.Host{
		Hostname:  r.Hostname,
		FirstSeen: r.FirstSeen,
		LastSeen:  r.LastSeen,
		Version:   r.Version.String,
		Platform:  r.Platform.String,
		Status:    datatypes.HostStatusInactive,
	}
	if r.LastSeen >= cutoff {
		h.Status = datatypes.HostStatusActive
	}
	if r.Tags != "" {
		// Tags predate validation in old databases; a bad blob degrades
		// to empty tags rather than failing the listing.
		_ = json.Unmarshal([]byte(r.Tags), &h.Tags)
	}
	return h
}

// RegisterHost upserts a host's registry entry from an explicit
// registration or the metadata carried on an ingest batch.
//
// first_seen survives re-registration; last_seen only moves forward.
// Tags, version, and platform take the newest non-empty values so a
// restarting agent refreshes its metadata without wiping it on partial
// payloads.
func (s *Store) RegisterHost(ctx context.Context, req datatypes.RegisterRequest) error {
	now := s.now().Unix()

	tags := "{}"
	if len(req.Tags) > 0 {
		b, err := json.Marshal(req.Tags)
		if err != nil {
			return fmt.Errorf("failed to encode host tags: %w", err)
		}
		tags = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hosts (hostname, first_seen, last_seen, tags, version, platform, status)
		 VALUES (?, ?, ?, ?, ?, ?, 'active')
		 ON CONFLICT(hostname) DO UPDATE SET
		   last_seen = MAX(last_seen, excluded.last_seen),
		   tags = CASE WHEN excluded.tags != '{}' THEN excluded.tags ELSE tags END,
		   version = CASE WHEN excluded.version != '' THEN excluded.version ELSE version END,
		   platform = CASE WHEN excluded.platform != '' THEN excluded.platform ELSE platform END,
		   status = 'active'`,
		req.Hostname, now, now, tags, req.Version, req.Platform)
	if err != nil {
		return fmt.Errorf("failed to register host %s: %w", req.Hostname, err)
	}
	return nil
}

// GetHost returns one host's registry entry with its liveness derived
// from last_seen at read time.
func (s *Store) GetHost(ctx context.Context, hostname string) (*datatypes.Host, error) {
	var row hostRow
	err := s.db.GetContext(ctx, &row,
		`SELECT hostname, first_seen, last_seen, tags, version, platform, status
		 FROM hosts WHERE hostname = ?`, hostname)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query host %s: %w", hostname, err)
	}
	h := row.toHost(s.now().Unix() - datatypes.LivenessWindowSeconds)
	return &h, nil
}

// ListHosts returns every registered host, most recently seen first.
// Status is computed against the liveness window at read time, so a host
// flips to inactive the moment its last_seen falls outside the window
// with no writer involved.
func (s *Store) ListHosts(ctx context.Context) ([]datatypes.Host, error) {
	var rows []hostRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT hostname, first_seen, last_seen, tags, version, platform, status
		 FROM hosts ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}

	cutoff := s.now().Unix() - datatypes.LivenessWindowSeconds
	out := make([]datatypes.Host, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toHost(cutoff))
	}
	return out, nil
}

// MarkStaleInactive persists the inactive status for hosts whose
// last_seen has aged out of the liveness window. Liveness as served to
// clients never depends on this having run; the stored flag exists for
// operators inspecting the database directly.
func (s *Store) MarkStaleInactive(ctx context.Context) (int64, error) {
	cutoff := s.now().Unix() - datatypes.LivenessWindowSeconds
	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET status = 'inactive'
		 WHERE last_seen < ? AND status != 'inactive'`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale hosts inactive: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DistinctSeries lists every (host, metric_type) pair with raw samples
// newer than since. The detector registry uses it to enumerate what can
// be trained.
func (s *Store) DistinctSeries(ctx context.Context, since int64) ([]datatypes.SeriesKey, error) {
	var out []datatypes.SeriesKey
	err := s.db.SelectContext(ctx, &out,
		`SELECT DISTINCT host, metric_type
		 FROM samples_raw WHERE timestamp >= ?
		 ORDER BY host, metric_type`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list distinct series: %w", err)
	}
	return out, nil
}
