// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command aggregator starts the fleet metrics aggregator.
//
// Usage:
//
//	go run ./cmd/aggregator                      # port 9000, ~/.sysmon/aggregator.db
//	go run ./cmd/aggregator 9100                 # custom port
//	go run ./cmd/aggregator 9100 /data/agg.db    # custom port and database
//
// Example requests:
//
//	# Health check (no token needed)
//	curl http://localhost:9000/health
//
//	# Push a metric batch
//	curl -X POST http://localhost:9000/api/metrics \
//	  -H "X-SysMon-Token: $SYSMON_AGGREGATOR_TOKEN" \
//	  -H "Content-Type: application/json" \
//	  -d '{"hostname":"web-01","metrics":[{"timestamp":1700000000,"metric_type":"cpu.total_usage","value":42.5}]}'
//
//	# Fleet overview
//	curl -H "X-SysMon-Token: $SYSMON_AGGREGATOR_TOKEN" \
//	  http://localhost:9000/api/fleet/summary | jq
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/SysmonFleet/pkg/logging"
	"github.com/AleutianAI/SysmonFleet/services/aggregator"
)

var (
	flagHost         string
	flagTLS          bool
	flagCert         string
	flagKey          string
	flagMDNS         bool
	flagMDNSHostname string
	flagDirectoryURL string
	flagLogDir       string
	flagDebug        bool
)

var rootCmd = &cobra.Command{
	Use:   "aggregator [port] [db_path]",
	Short: "Fleet-wide system metrics aggregator",
	Long: `Receives metric batches from sysmon agents over a token-authenticated
HTTP API, stores them in an embedded SQLite database with rollups and
retention, and serves fleet queries, anomaly detection, and forecasts.`,
	Args: cobra.MaximumNArgs(2),
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&flagHost, "host", "0.0.0.0", "Address to bind")
	rootCmd.Flags().BoolVar(&flagTLS, "tls", false, "Serve HTTPS")
	rootCmd.Flags().StringVar(&flagCert, "cert", "", "TLS certificate file (requires --tls)")
	rootCmd.Flags().StringVar(&flagKey, "key", "", "TLS key file (requires --tls)")
	rootCmd.Flags().BoolVar(&flagMDNS, "mdns", false, "Advertise over mDNS for zero-config discovery")
	rootCmd.Flags().StringVar(&flagMDNSHostname, "mdns-hostname", "", "Instance name for discovery (default: machine hostname)")
	rootCmd.Flags().StringVar(&flagDirectoryURL, "directory", "", "HTTP service directory to register with")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "Also write JSON logs to this directory")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
}

func run(cmd *cobra.Command, args []string) error {
	cfg := aggregator.Config{
		Host:         flagHost,
		TLS:          flagTLS,
		CertFile:     flagCert,
		KeyFile:      flagKey,
		EnableMDNS:   flagMDNS,
		MDNSHostname: flagMDNSHostname,
		DirectoryURL: flagDirectoryURL,
	}

	if len(args) > 0 {
		port, err := strconv.Atoi(args[0])
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %q", args[0])
		}
		cfg.Port = port
	}
	if len(args) > 1 {
		cfg.DBPath = args[1]
	}
	if cfg.TLS && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return fmt.Errorf("--tls requires both --cert and --key")
	}

	level := logging.LevelInfo
	if flagDebug {
		level = logging.LevelDebug
	}
	logDir := flagLogDir
	if logDir == "" {
		logDir = os.Getenv("SYSMON_LOG_DIR")
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "aggregator",
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	svc, err := aggregator.New(cfg)
	if err != nil {
		return err
	}

	// SIGINT/SIGTERM cancel the context; Run drains and returns nil, so
	// a clean operator stop exits 0.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return svc.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
