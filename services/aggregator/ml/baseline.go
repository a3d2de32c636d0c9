// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ml

import (
	"math"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/datatypes"
)

// BaselineSigma is the band width of the baseline check in standard
// deviations.
const BaselineSigma = 3.0

// DetectAgainstBaseline checks one value against a learned baseline's
// sigma band. The score is the value's distance from the baseline mean in
// baseline standard deviations; a flat baseline scores zero and only
// exact-band escapes can flag.
func DetectAgainstBaseline(b *datatypes.Baseline, value float64, timestamp int64) datatypes.AnomalyResult {
	lower, upper := b.Threshold(BaselineSigma)

	score := 0.0
	if b.Stddev > 0 {
		score = math.Abs(value-b.Mean) / b.Stddev
	}
	mean := b.Mean
	return datatypes.AnomalyResult{
		IsAnomaly:     value < lower || value > upper,
		Score:         score,
		Threshold:     BaselineSigma,
		Timestamp:     timestamp,
		Value:         value,
		ExpectedValue: &mean,
	}
}
