// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/datatypes"
)

// MDNSAdvertiser announces the aggregator over multicast DNS as
// <hostname>._sysmon-aggregator._tcp.local. with version, protocol, and
// region carried in TXT records.
type MDNSAdvertiser struct {
	port     int
	hostname string
	metadata map[string]string

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewMDNSAdvertiser builds an advertiser for the given listen port. An
// empty hostname falls back to the machine hostname.
func NewMDNSAdvertiser(port int, hostname string, metadata map[string]string) *MDNSAdvertiser {
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	return &MDNSAdvertiser{port: port, hostname: hostname, metadata: metadata}
}

// Start registers the mDNS advertisement. The zeroconf server keeps
// answering queries until Stop.
func (a *MDNSAdvertiser) Start(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}

	txt := []string{
		"version=" + metaOrDefault(a.metadata, "version", datatypes.Version),
		"protocol=" + metaOrDefault(a.metadata, "protocol", "http"),
		"region=" + metaOrDefault(a.metadata, "region", "default"),
	}

	server, err := zeroconf.Register(a.hostname, ServiceType, ServiceDomain, a.port, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	a.server = server

	slog.Info("mDNS service registered",
		"instance", a.hostname, "service", ServiceType, "port", a.port)
	return nil
}

// Stop withdraws the advertisement.
func (a *MDNSAdvertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		slog.Info("mDNS service unregistered")
	}
	return nil
}

func metaOrDefault(m map[string]string, key, fallback string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return fallback
}

// BrowseAggregators scans the local network for advertised aggregators
// until the timeout elapses. Agents use this to find an ingest endpoint
// with no configuration at all.
func BrowseAggregators(ctx context.Context, timeout time.Duration) ([]AggregatorInfo, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for aggregators: %w", err)
	}

	var found []AggregatorInfo
	for entry := range entries {
		info := AggregatorInfo{
			Name:     entry.Instance,
			Port:     entry.Port,
			Metadata: parseTxt(entry.Text),
		}
		for _, ip := range entry.AddrIPv4 {
			info.Addresses = append(info.Addresses, ip.String())
		}
		found = append(found, info)
		slog.Info("Discovered aggregator",
			"instance", entry.Instance, "port", entry.Port)
	}
	return found, nil
}

// MDNSDiscoverer browses the local network for advertised aggregators,
// collecting answers for a fixed window per Discover call.
type MDNSDiscoverer struct {
	timeout time.Duration
}

// NewMDNSDiscoverer builds a discoverer. A non-positive timeout uses a
// 3 second browse window.
func NewMDNSDiscoverer(timeout time.Duration) *MDNSDiscoverer {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MDNSDiscoverer{timeout: timeout}
}

// Discover runs one mDNS browse and returns every aggregator that
// answered within the window.
func (d *MDNSDiscoverer) Discover(ctx context.Context) ([]AggregatorInfo, error) {
	return BrowseAggregators(ctx, d.timeout)
}

func parseTxt(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		for i := 0; i < len(r); i++ {
			if r[i] == '=' {
				out[r[:i]] = r[i+1:]
				break
			}
		}
	}
	return out
}
