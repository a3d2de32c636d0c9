// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Host status values. A host is observed active while its last_seen is
// within the liveness window; inactive is either set explicitly or by the
// reaper.
const (
	HostStatusActive   = "active"
	HostStatusInactive = "inactive"
)

// LivenessWindowSeconds is the cutoff after which a host no longer counts
// as online. Matches the 5-minute agent reporting contract.
const LivenessWindowSeconds = 300

// Host is one registered agent machine.
//
// Invariant: FirstSeen <= LastSeen. LastSeen only moves forward; a sample
// batch carrying old timestamps never regresses it.
type Host struct {
	Hostname  string            `json:"hostname" db:"hostname"`
	FirstSeen int64             `json:"first_seen" db:"first_seen"`
	LastSeen  int64             `json:"last_seen" db:"last_seen"`
	Tags      map[string]string `json:"tags"`
	Version   string            `json:"version" db:"version"`
	Platform  string            `json:"platform" db:"platform"`
	Status    string            `json:"status" db:"status"`
}

// RegisterRequest is the body of POST /api/register.
type RegisterRequest struct {
	Hostname string            `json:"hostname" validate:"required,fleet_hostname"`
	Version  string            `json:"version,omitempty"`
	Platform string            `json:"platform,omitempty"`
	Tags     map[string]string `json:"tags,omitempty" validate:"omitempty,max=64"`
}

// FleetSummary aggregates the latest state of every online host.
type FleetSummary struct {
	TotalHosts      int     `json:"total_hosts"`
	OnlineHosts     int     `json:"online_hosts"`
	OfflineHosts    int     `json:"offline_hosts"`
	AvgCPUUsage     float64 `json:"avg_cpu_usage"`
	TotalMemoryUsed float64 `json:"total_memory_used"`
	Timestamp       int64   `json:"timestamp"`
}
