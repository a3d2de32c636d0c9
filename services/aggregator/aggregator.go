// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregator assembles the fleet metrics service: the token-gated
// HTTP API, the SQLite store with rollups and retention, the anomaly
// detector suite, and the discovery advertisers.
//
// # Architecture
//
//	Agents ──POST /api/metrics──► HTTP API ──► Store (SQLite, WAL)
//	                                 │              ▲
//	  Dashboards ──GET /api/...──────┘              │
//	                                                │
//	            Scheduler ── rollups / retention / baselines
//	            Registry  ── statistical + forest + baseline detectors
//
// One Service owns all of it; Run blocks until the context is canceled
// and shuts every component down in order.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/discovery"
	"github.com/AleutianAI/SysmonFleet/services/aggregator/ml"
	"github.com/AleutianAI/SysmonFleet/services/aggregator/observability"
	"github.com/AleutianAI/SysmonFleet/services/aggregator/scheduler"
	"github.com/AleutianAI/SysmonFleet/services/aggregator/storage"
)

// Environment variables the service reads directly.
const (
	// EnvToken holds the shared fleet token. The service refuses to
	// start without one.
	EnvToken = "SYSMON_AGGREGATOR_TOKEN"

	// EnvDisableML turns off the detector suite when set to a non-empty
	// value; ML endpoints then answer 501.
	EnvDisableML = "SYSMON_DISABLE_ML"

	// EnvDirectoryURL points at an HTTP service directory to register
	// with (Consul agent API shape).
	EnvDirectoryURL = "SYSMON_DIRECTORY_URL"
)

// HTTP server limits.
const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Config carries everything needed to assemble a Service. Zero values
// fall back to development defaults; token and ML toggles default from
// the environment.
type Config struct {
	Host   string
	Port   int
	DBPath string
	Token  string

	TLS      bool
	CertFile string
	KeyFile  string

	EnableMDNS   bool
	MDNSHostname string
	DirectoryURL string

	DisableML bool
	Retention storage.RetentionPolicy
}

// ConfigFromEnv fills the environment-driven fields of cfg that the
// caller left unset.
func (c Config) withEnv() Config {
	if c.Token == "" {
		c.Token = os.Getenv(EnvToken)
	}
	if !c.DisableML && os.Getenv(EnvDisableML) != "" {
		c.DisableML = true
	}
	if c.DirectoryURL == "" {
		c.DirectoryURL = os.Getenv(EnvDirectoryURL)
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 9000
	}
	if c.DBPath == "" {
		c.DBPath = "~/.sysmon/aggregator.db"
	}
	return c
}

// ErrNoToken is returned by New when no fleet token is configured.
// Running an open aggregator would accept writes from anything on the
// network, so the absence of a token is a refusal, not a mode.
var ErrNoToken = errors.New("no fleet token configured: set " + EnvToken)

// ErrTLSConfig is returned by New when TLS is enabled without both a
// certificate and a key file.
var ErrTLSConfig = errors.New("tls enabled but certificate or key file missing")

// Service is the assembled aggregator.
type Service struct {
	cfg      Config
	store    *storage.Store
	registry *ml.Registry
	sched    *scheduler.Scheduler
	metrics  *observability.AggregatorMetrics
	router   http.Handler

	advertisers []discovery.Advertiser
}

// New builds a Service from cfg, opening the database and wiring every
// component. The returned service is ready for Run; nothing is listening
// yet.
func New(cfg Config) (*Service, error) {
	cfg = cfg.withEnv()
	if cfg.Token == "" {
		return nil, ErrNoToken
	}
	if cfg.TLS && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return nil, ErrTLSConfig
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		store:   store,
		metrics: observability.InitMetrics(),
	}

	if !cfg.DisableML {
		s.registry = ml.NewRegistry(store, ml.Options{})
	}

	s.sched, err = scheduler.New(store, cfg.Retention, s.metrics)
	if err != nil {
		store.Close()
		return nil, err
	}

	protocol := "http"
	if cfg.TLS {
		protocol = "https"
	}
	if cfg.EnableMDNS {
		s.advertisers = append(s.advertisers, discovery.NewMDNSAdvertiser(
			cfg.Port, cfg.MDNSHostname, map[string]string{"protocol": protocol}))
	}
	if cfg.DirectoryURL != "" {
		s.advertisers = append(s.advertisers, discovery.NewDirectoryAdvertiser(
			cfg.DirectoryURL, cfg.Port, cfg.MDNSHostname, nil,
			map[string]string{"protocol": protocol}))
	}

	s.router = s.setupRouter()
	return s, nil
}

// Store exposes the underlying store, mainly for tests and tooling.
func (s *Service) Store() *storage.Store {
	return s.store
}

// Handler returns the assembled HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Run starts the maintenance scheduler, discovery advertisers, and HTTP
// listener, then blocks until ctx is canceled or the listener fails.
// Shutdown is graceful: in-flight requests get shutdownTimeout to drain.
func (s *Service) Run(ctx context.Context) error {
	tracerShutdown, err := initTracer(ctx)
	if err != nil {
		slog.Warn("Tracing disabled", "error", err)
	} else {
		defer tracerShutdown(context.Background())
	}

	if err := s.sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer s.sched.Stop()

	for _, adv := range s.advertisers {
		if err := adv.Start(ctx); err != nil {
			slog.Warn("Discovery advertiser failed to start", "error", err)
		}
	}
	defer func() {
		for _, adv := range s.advertisers {
			if err := adv.Stop(); err != nil {
				slog.Warn("Discovery advertiser failed to stop", "error", err)
			}
		}
	}()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Aggregator listening",
			"addr", addr, "tls", s.cfg.TLS,
			"auth", s.cfg.Token != "", "ml", s.registry != nil)
		var err error
		if s.cfg.TLS {
			err = srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if closeErr := s.store.Close(); closeErr != nil {
		slog.Warn("Failed to close storage", "error", closeErr)
	}
	return err
}
