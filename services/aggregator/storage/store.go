// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage implements the aggregator's persistent state: the
// multi-host time-series tables with 1-minute and 1-hour rollups, the host
// registry, and the per-(host, metric) baseline rows. Everything lives in
// one embedded SQLite file opened in WAL mode so readers stay concurrent
// with the single writer.
//
// # Ownership
//
// The ingest path is the only mutator of host and sample rows; the
// baseline learner is the only mutator of baseline rows; retention is the
// only deleter of sample rows. Rollup tables are derived state and may be
// rebuilt from raw at any time.
//
// # Thread Safety
//
// Store is safe for concurrent use. Write transactions are serialized by
// SQLite's write lock with a 10-second busy timeout; a request that cannot
// acquire the lock inside that window fails and surfaces as a transient
// error to the caller.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Default retention horizons per resolution.
const (
	DefaultRawRetention = 7 * 24 * time.Hour
	Default1mRetention  = 30 * 24 * time.Hour
	Default1hRetention  = 365 * 24 * time.Hour
)

// busyTimeout bounds how long a write transaction waits for the SQLite
// write lock before failing the request.
const busyTimeout = 10 * time.Second

// schema creates all tables and indexes. Sample tables share one shape at
// three resolutions; the composite primary key gives batch upserts their
// last-writer-wins semantics.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS hosts (
		hostname TEXT PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		tags TEXT DEFAULT '{}',
		version TEXT,
		platform TEXT,
		status TEXT DEFAULT 'active'
	)`,
	`CREATE TABLE IF NOT EXISTS samples_raw (
		timestamp INTEGER NOT NULL,
		metric_type TEXT NOT NULL,
		host TEXT NOT NULL,
		tags TEXT DEFAULT '',
		value REAL NOT NULL,
		PRIMARY KEY (timestamp, metric_type, host, tags)
	) WITHOUT ROWID`,
	`CREATE TABLE IF NOT EXISTS samples_1m (
		timestamp INTEGER NOT NULL,
		metric_type TEXT NOT NULL,
		host TEXT NOT NULL,
		tags TEXT DEFAULT '',
		value REAL NOT NULL,
		PRIMARY KEY (timestamp, metric_type, host, tags)
	) WITHOUT ROWID`,
	`CREATE TABLE IF NOT EXISTS samples_1h (
		timestamp INTEGER NOT NULL,
		metric_type TEXT NOT NULL,
		host TEXT NOT NULL,
		tags TEXT DEFAULT '',
		value REAL NOT NULL,
		PRIMARY KEY (timestamp, metric_type, host, tags)
	) WITHOUT ROWID`,
	`CREATE INDEX IF NOT EXISTS idx_raw_host_time ON samples_raw(host, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_metric_host ON samples_raw(metric_type, host, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_timestamp ON samples_raw(timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_1m_host_time ON samples_1m(host, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_1m_metric_host ON samples_1m(metric_type, host, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_1m_timestamp ON samples_1m(timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_1h_host_time ON samples_1h(host, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_1h_metric_host ON samples_1h(metric_type, host, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_1h_timestamp ON samples_1h(timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS baselines (
		metric_type TEXT NOT NULL,
		host TEXT NOT NULL,
		mean REAL NOT NULL,
		stddev REAL NOT NULL,
		min_value REAL NOT NULL,
		max_value REAL NOT NULL,
		sample_count INTEGER NOT NULL,
		last_updated INTEGER NOT NULL,
		percentile_95 REAL NOT NULL,
		percentile_99 REAL NOT NULL,
		PRIMARY KEY (metric_type, host)
	) WITHOUT ROWID`,
	`CREATE INDEX IF NOT EXISTS idx_baselines_updated ON baselines(last_updated)`,
}

// Store is the shared handle to the aggregator database.
//
// A single Store instance is created at startup and injected into the HTTP
// service, the detector registry, and the maintenance scheduler. There are
// no package-level singletons.
type Store struct {
	db   *sqlx.DB
	path string

	// now is swappable for deterministic liveness tests.
	now func() time.Time
}

// Open opens (creating if necessary) the aggregator database at path.
//
// The parent directory is created if absent, ~ is expanded, and the schema
// is applied idempotently. WAL journaling with relaxed sync is part of the
// storage contract, not a tuning knob: it is what lets query handlers read
// while an ingest transaction commits.
func Open(path string) (*Store, error) {
	path = expandPath(path)

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path, busyTimeout.Milliseconds())

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	s := &Store{db: db, path: path, now: time.Now}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return s, nil
}

// Path returns the database file path, after expansion.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
