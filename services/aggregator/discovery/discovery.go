// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package discovery lets aggregators announce themselves and agents find
// them without hand-configured endpoints.
//
// Two mechanisms are supported and can run side by side: zero-config mDNS
// for single-LAN fleets, and an HTTP service directory (Consul's agent
// API shape) for routed networks where multicast does not travel.
package discovery

import (
	"context"
	"net"
)

// ServiceType is the mDNS service aggregators advertise under.
const ServiceType = "_sysmon-aggregator._tcp"

// ServiceDomain is the mDNS domain; fleets stay in .local.
const ServiceDomain = "local."

// AggregatorInfo describes one discovered aggregator endpoint.
type AggregatorInfo struct {
	Name      string            `json:"name"`
	Addresses []string          `json:"addresses"`
	Port      int               `json:"port"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Advertiser announces this aggregator to a discovery mechanism.
// Implementations re-announce as needed; Stop withdraws the
// advertisement.
type Advertiser interface {
	Start(ctx context.Context) error
	Stop() error
}

// Discoverer is the agent-side counterpart: it finds advertised
// aggregators. An empty result with a nil error means the mechanism
// works but nothing is advertising.
type Discoverer interface {
	Discover(ctx context.Context) ([]AggregatorInfo, error)
}

// localIP finds the address this machine would use to reach the wider
// network. The UDP dial never sends a packet; it only resolves routing.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
