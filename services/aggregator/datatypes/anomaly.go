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

// AnomalyResult is the shared outcome shape of every detector method.
// Score semantics differ per method (z-score for statistical and baseline,
// forest anomaly score for the trained model) but higher always means more
// anomalous.
type AnomalyResult struct {
	IsAnomaly     bool     `json:"is_anomaly"`
	Score         float64  `json:"score"`
	Threshold     float64  `json:"threshold"`
	Timestamp     int64    `json:"timestamp"`
	Value         float64  `json:"value"`
	ExpectedValue *float64 `json:"expected_value,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

// DetectResponse is the body of GET /api/ml/detect: the consensus verdict
// plus each contributing method's individual result.
type DetectResponse struct {
	Metric     string                   `json:"metric"`
	Host       string                   `json:"host"`
	Timestamp  int64                    `json:"timestamp"`
	Value      float64                  `json:"value"`
	IsAnomaly  bool                     `json:"is_anomaly"`
	Confidence float64                  `json:"confidence"`
	Methods    map[string]AnomalyResult `json:"methods"`
}

// Prediction is one forecasted point.
type Prediction struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}
