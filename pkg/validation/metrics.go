// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for agent-provided inputs that end up in
// database rows or file paths. Using these validators keeps malformed batch
// rows out of the store and prevents injection through identifier fields.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// hostnamePattern matches RFC-952-ish hostnames as agents report them.
// Allows: letters, digits, hyphens, dots (FQDNs). Max length: 253.
var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9.\-]{0,251}[A-Za-z0-9])?$`)

// metricTypePattern matches the dotted-lowercase metric naming convention
// (cpu.total_usage, memory.used_bytes). Unknown names are accepted as long
// as they fit the character set; the store itself is type-agnostic.
var metricTypePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

// ValidateHostname validates an agent-reported hostname.
//
// Example:
//
//	if err := validation.ValidateHostname(req.Hostname); err != nil {
//	    return fmt.Errorf("invalid hostname: %w", err)
//	}
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("hostname cannot be empty")
	}

	if !hostnamePattern.MatchString(hostname) {
		return fmt.Errorf("invalid hostname format: %q", hostname)
	}

	return nil
}

// ValidateMetricType validates a metric type name against the
// dotted-lowercase convention.
func ValidateMetricType(metricType string) error {
	if metricType == "" {
		return fmt.Errorf("metric_type cannot be empty")
	}

	if len(metricType) > 128 {
		return fmt.Errorf("metric_type too long: %d chars", len(metricType))
	}

	if !metricTypePattern.MatchString(metricType) {
		return fmt.Errorf("invalid metric_type format: %q (must be dotted lowercase)", metricType)
	}

	return nil
}

// ValidateSampleValue rejects non-finite sample values.
//
// NaN and infinities corrupt rollup averages and baseline statistics, so
// they are counted as failed rows rather than stored.
func ValidateSampleValue(value float64) error {
	if math.IsNaN(value) {
		return fmt.Errorf("value is NaN")
	}
	if math.IsInf(value, 0) {
		return fmt.Errorf("value is infinite")
	}
	return nil
}

// SanitizeHostname normalizes and validates a hostname.
// Returns the lowercase hostname if valid, or an error if invalid.
func SanitizeHostname(hostname string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	if err := ValidateHostname(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
