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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/datatypes"
)

// serviceName is the logical name the aggregator registers under in the
// directory.
const serviceName = "sysmon-aggregator"

// reRegisterInterval keeps the directory entry warm. Directories that
// expire critical services would otherwise drop an aggregator that
// registered once and went quiet.
const reRegisterInterval = 30 * time.Second

// directoryTimeout bounds each directory call.
const directoryTimeout = 5 * time.Second

// registration is the directory's PUT body, shaped after Consul's agent
// service registration so a stock Consul agent works as the directory.
type registration struct {
	ID      string            `json:"ID"`
	Name    string            `json:"Name"`
	Port    int               `json:"Port"`
	Address string            `json:"Address"`
	Tags    []string          `json:"Tags,omitempty"`
	Meta    map[string]string `json:"Meta,omitempty"`
	Check   *healthCheck      `json:"Check,omitempty"`
}

type healthCheck struct {
	HTTP                           string `json:"HTTP"`
	Interval                       string `json:"Interval"`
	Timeout                        string `json:"Timeout"`
	DeregisterCriticalServiceAfter string `json:"DeregisterCriticalServiceAfter"`
}

// DirectoryAdvertiser registers the aggregator with an HTTP service
// directory and re-registers periodically until stopped.
type DirectoryAdvertiser struct {
	baseURL  string
	port     int
	hostname string
	tags     []string
	metadata map[string]string
	client   *http.Client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDirectoryAdvertiser builds an advertiser against the directory at
// baseURL (e.g. http://consul:8500). An empty hostname falls back to the
// machine hostname.
func NewDirectoryAdvertiser(baseURL string, port int, hostname string, tags []string, metadata map[string]string) *DirectoryAdvertiser {
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	if len(tags) == 0 {
		tags = []string{"sysmonitor", "aggregator"}
	}
	return &DirectoryAdvertiser{
		baseURL:  baseURL,
		port:     port,
		hostname: hostname,
		tags:     tags,
		metadata: metadata,
		client:   &http.Client{Timeout: directoryTimeout},
	}
}

func (d *DirectoryAdvertiser) serviceID() string {
	return fmt.Sprintf("%s-%s-%d", serviceName, d.hostname, d.port)
}

// Start registers immediately and then keeps re-registering in the
// background. A failed registration logs and retries on the next tick
// rather than failing startup: the aggregator is useful without the
// directory, agents just cannot find it through one.
func (d *DirectoryAdvertiser) Start(ctx context.Context) error {
	if err := d.register(ctx); err != nil {
		slog.Warn("Initial directory registration failed, will retry", "error", err)
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(reRegisterInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.register(ctx); err != nil {
					slog.Warn("Directory re-registration failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts re-registration and deregisters from the directory.
func (d *DirectoryAdvertiser) Stop() error {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	return d.deregister(ctx)
}

func (d *DirectoryAdvertiser) register(ctx context.Context) error {
	meta := map[string]string{"version": datatypes.Version}
	for k, v := range d.metadata {
		meta[k] = v
	}

	addr := localIP()
	reg := registration{
		ID:      d.serviceID(),
		Name:    serviceName,
		Port:    d.port,
		Address: addr,
		Tags:    d.tags,
		Meta:    meta,
		Check: &healthCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", addr, d.port),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "60s",
		},
	}

	body, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}

	url := d.baseURL + "/v1/agent/service/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory registration failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("directory registration failed: HTTP %d", resp.StatusCode)
	}

	slog.Debug("Registered with service directory", "service_id", d.serviceID())
	return nil
}

func (d *DirectoryAdvertiser) deregister(ctx context.Context) error {
	url := d.baseURL + "/v1/agent/service/deregister/" + d.serviceID()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build deregistration request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory deregistration failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("directory deregistration failed: HTTP %d", resp.StatusCode)
	}

	slog.Info("Deregistered from service directory", "service_id", d.serviceID())
	return nil
}

// catalogEntry is the subset of Consul's catalog response the agents
// care about.
type catalogEntry struct {
	ServiceID      string            `json:"ServiceID"`
	ServiceAddress string            `json:"ServiceAddress"`
	ServicePort    int               `json:"ServicePort"`
	ServiceMeta    map[string]string `json:"ServiceMeta"`
	Address        string            `json:"Address"`
}

// DirectoryDiscoverer queries the HTTP service directory's catalog for
// registered aggregators. Agents that cannot rely on multicast use this
// instead of mDNS.
type DirectoryDiscoverer struct {
	baseURL string
	client  *http.Client
}

// NewDirectoryDiscoverer builds a discoverer against the directory at
// baseURL (e.g. http://consul:8500).
func NewDirectoryDiscoverer(baseURL string) *DirectoryDiscoverer {
	return &DirectoryDiscoverer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: directoryTimeout},
	}
}

// Discover lists every aggregator the directory knows about. Entries
// with no service address fall back to the node address.
func (d *DirectoryDiscoverer) Discover(ctx context.Context) ([]AggregatorInfo, error) {
	url := d.baseURL + "/v1/catalog/service/" + serviceName
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory lookup failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory lookup failed: HTTP %d", resp.StatusCode)
	}

	var entries []catalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode catalog response: %w", err)
	}

	found := make([]AggregatorInfo, 0, len(entries))
	for _, e := range entries {
		addr := e.ServiceAddress
		if addr == "" {
			addr = e.Address
		}
		info := AggregatorInfo{
			Name:     e.ServiceID,
			Port:     e.ServicePort,
			Metadata: e.ServiceMeta,
		}
		if addr != "" {
			info.Addresses = []string{addr}
		}
		found = append(found, info)
	}

	slog.Debug("Directory lookup complete", "aggregators", len(found))
	return found, nil
}
