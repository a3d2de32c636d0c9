// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler runs the aggregator's periodic maintenance: rollup
// downsampling, retention pruning, baseline refresh, and the host status
// reaper.
//
// Retention runs on a jittered interval (roughly hourly, randomized per
// run) so a fleet of aggregators restarted together does not prune in
// lockstep against shared storage.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/observability"
	"github.com/AleutianAI/SysmonFleet/services/aggregator/storage"
)

// Job cadences.
const (
	rollup1mInterval = time.Minute
	rollup1hInterval = 10 * time.Minute

	retentionMin = 55 * time.Minute
	retentionMax = 65 * time.Minute

	baselineRefreshInterval = 6 * time.Hour
	reaperInterval          = 5 * time.Minute
)

// jobTimeout bounds each maintenance run so a wedged job cannot hold the
// write lock indefinitely.
const jobTimeout = 2 * time.Minute

// Maintainer is the slice of the storage layer the scheduler drives.
type Maintainer interface {
	Downsample1m(ctx context.Context) (int64, error)
	Downsample1h(ctx context.Context) (int64, error)
	Prune(ctx context.Context, policy storage.RetentionPolicy) (map[string]int64, error)
	RefreshBaselines(ctx context.Context) (learned, skipped int, err error)
	MarkStaleInactive(ctx context.Context) (int64, error)
}

// Scheduler owns the gocron instance and the job set.
type Scheduler struct {
	store   Maintainer
	policy  storage.RetentionPolicy
	metrics *observability.AggregatorMetrics
	cron    gocron.Scheduler
}

// New builds the maintenance scheduler. metrics may be nil in tests.
func New(store Maintainer, policy storage.RetentionPolicy, metrics *observability.AggregatorMetrics) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{store: store, policy: policy.WithDefaults(), metrics: metrics, cron: cron}, nil
}

// Start registers all jobs and begins running them.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name string
		def  gocron.JobDefinition
		run  func(ctx context.Context) error
	}{
		{"rollup_1m", gocron.DurationJob(rollup1mInterval), s.runRollup1m},
		{"rollup_1h", gocron.DurationJob(rollup1hInterval), s.runRollup1h},
		{"retention", gocron.DurationRandomJob(retentionMin, retentionMax), s.runRetention},
		{"baseline_refresh", gocron.DurationJob(baselineRefreshInterval), s.runBaselineRefresh},
		{"host_reaper", gocron.DurationJob(reaperInterval), s.runReaper},
	}

	for _, j := range jobs {
		name := j.name
		run := j.run
		_, err := s.cron.NewJob(j.def, gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()

			status := "ok"
			if err := run(ctx); err != nil {
				status = "error"
				slog.Warn("Maintenance job failed", "job", name, "error", err)
			}
			if s.metrics != nil {
				s.metrics.MaintenanceRunsTotal.WithLabelValues(name, status).Inc()
			}
		}))
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", name, err)
		}
	}

	s.cron.Start()
	slog.Info("Maintenance scheduler started", "jobs", len(jobs))
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs to finish.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}

func (s *Scheduler) runRollup1m(ctx context.Context) error {
	n, err := s.store.Downsample1m(ctx)
	if err != nil {
		return err
	}
	slog.Debug("Downsampled raw samples", "rows", n)
	return nil
}

func (s *Scheduler) runRollup1h(ctx context.Context) error {
	n, err := s.store.Downsample1h(ctx)
	if err != nil {
		return err
	}
	slog.Debug("Downsampled 1m samples", "rows", n)
	return nil
}

func (s *Scheduler) runRetention(ctx context.Context) error {
	removed, err := s.store.Prune(ctx, s.policy)
	if err != nil {
		return err
	}
	slog.Info("Retention prune complete",
		"raw", removed[storage.TableRaw],
		"one_minute", removed[storage.Table1m],
		"one_hour", removed[storage.Table1h])
	return nil
}

func (s *Scheduler) runBaselineRefresh(ctx context.Context) error {
	learned, skipped, err := s.store.RefreshBaselines(ctx)
	if err != nil {
		return err
	}
	slog.Info("Baseline refresh complete", "learned", learned, "skipped", skipped)
	return nil
}

func (s *Scheduler) runReaper(ctx context.Context) error {
	n, err := s.store.MarkStaleInactive(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Marked stale hosts inactive", "hosts", n)
	}
	return nil
}
