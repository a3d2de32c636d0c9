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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTxt(t *testing.T) {
	got := parseTxt([]string{"version=0.6.0", "protocol=https", "region=us-west", "junk"})
	assert.Equal(t, "0.6.0", got["version"])
	assert.Equal(t, "https", got["protocol"])
	assert.Equal(t, "us-west", got["region"])
	assert.NotContains(t, got, "junk")
}

func TestMetaOrDefault(t *testing.T) {
	m := map[string]string{"protocol": "https", "region": ""}
	assert.Equal(t, "https", metaOrDefault(m, "protocol", "http"))
	assert.Equal(t, "default", metaOrDefault(m, "region", "default"))
	assert.Equal(t, "http", metaOrDefault(nil, "protocol", "http"))
}

func TestDirectoryAdvertiserRegisters(t *testing.T) {
	var mu sync.Mutex
	var registered registration
	var deregistered string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.URL.Path == "/v1/agent/service/register":
			require.Equal(t, http.MethodPut, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&registered))
			w.WriteHeader(http.StatusOK)
		default:
			deregistered = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	d := NewDirectoryAdvertiser(srv.URL, 9000, "agg-01", nil, map[string]string{"region": "us-west"})
	require.NoError(t, d.register(context.Background()))

	mu.Lock()
	assert.Equal(t, "sysmon-aggregator", registered.Name)
	assert.Equal(t, "sysmon-aggregator-agg-01-9000", registered.ID)
	assert.Equal(t, 9000, registered.Port)
	assert.Equal(t, "us-west", registered.Meta["region"])
	assert.NotEmpty(t, registered.Meta["version"])
	require.NotNil(t, registered.Check)
	assert.Contains(t, registered.Check.HTTP, "/health")
	mu.Unlock()

	require.NoError(t, d.deregister(context.Background()))
	mu.Lock()
	assert.Equal(t, "/v1/agent/service/deregister/sysmon-aggregator-agg-01-9000", deregistered)
	mu.Unlock()
}

func TestDirectoryAdvertiserStartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDirectoryAdvertiser(srv.URL, 9000, "agg-01", nil, nil)
	require.NoError(t, d.Start(context.Background()))
	assert.NoError(t, d.Stop())
}

func TestDirectoryDiscovererListsAggregators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/catalog/service/sysmon-aggregator", r.URL.Path)
		entries := []catalogEntry{
			{
				ServiceID:      "sysmon-aggregator-agg-01-9000",
				ServiceAddress: "10.0.0.5",
				ServicePort:    9000,
				ServiceMeta:    map[string]string{"protocol": "http", "region": "us-west"},
				Address:        "10.0.0.1",
			},
			{
				ServiceID:   "sysmon-aggregator-agg-02-9000",
				ServicePort: 9000,
				Address:     "10.0.0.2",
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(entries))
	}))
	defer srv.Close()

	found, err := NewDirectoryDiscoverer(srv.URL).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 2)

	assert.Equal(t, "sysmon-aggregator-agg-01-9000", found[0].Name)
	assert.Equal(t, []string{"10.0.0.5"}, found[0].Addresses)
	assert.Equal(t, 9000, found[0].Port)
	assert.Equal(t, "us-west", found[0].Metadata["region"])

	// No service address falls back to the node address.
	assert.Equal(t, []string{"10.0.0.2"}, found[1].Addresses)
}

func TestDirectoryDiscovererErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewDirectoryDiscoverer(srv.URL).Discover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestDiscovererContract(t *testing.T) {
	var _ Discoverer = NewMDNSDiscoverer(0)
	var _ Discoverer = NewDirectoryDiscoverer("http://consul:8500")
	assert.Equal(t, "3s", NewMDNSDiscoverer(0).timeout.String())
}

func TestMDNSAdvertiserDefaults(t *testing.T) {
	a := NewMDNSAdvertiser(9000, "", nil)
	assert.NotEmpty(t, a.hostname)
	// Stop without Start is a no-op.
	assert.NoError(t, a.Stop())
}
