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

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampleBatchValidate(t *testing.T) {
	good := SampleBatch{
		Hostname: "web-01",
		Metrics:  []Sample{{MetricType: "cpu.total_usage", Value: 1}},
	}
	assert.NoError(t, good.Validate())

	noHost := SampleBatch{
		Metrics: []Sample{{MetricType: "cpu.total_usage", Value: 1}},
	}
	err := noHost.Validate()
	assert.EqualError(t, err, "Missing required field: hostname")

	noMetrics := SampleBatch{Hostname: "web-01"}
	err = noMetrics.Validate()
	assert.EqualError(t, err, "Missing required field: metrics")

	badHost := SampleBatch{
		Hostname: "###",
		Metrics:  []Sample{{MetricType: "cpu.total_usage", Value: 1}},
	}
	assert.ErrorContains(t, badHost.Validate(), "Invalid hostname")
}

func TestRegisterRequestValidate(t *testing.T) {
	good := RegisterRequest{Hostname: "db-01", Platform: "linux"}
	assert.NoError(t, good.Validate())

	tags := make(map[string]string, MaxTagEntries+1)
	for i := 0; i <= MaxTagEntries; i++ {
		tags[fmt.Sprintf("k%02d", i)] = "v"
	}
	oversized := RegisterRequest{Hostname: "db-01", Tags: tags}
	assert.ErrorContains(t, oversized.Validate(), "tags")
}
