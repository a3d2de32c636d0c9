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
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/SysmonFleet/pkg/validation"
)

// =============================================================================
// Request Limits
// =============================================================================

const (
	// MaxMetricsPerBatch caps one ingest payload. An agent batching five
	// minutes of samples across every collector stays far below this; a
	// payload at the cap is malformed or hostile.
	MaxMetricsPerBatch = 10000

	// MaxTagEntries caps the metadata tags on a host registration.
	MaxTagEntries = 64
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// requestValidate is the validator instance for aggregator request
// bodies. Initialized in init() with custom validators.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("fleet_hostname", validateFleetHostname)
	// Error messages name fields the way they appear on the wire.
	requestValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateFleetHostname adapts the shared hostname rules to a validator
// tag. Sanitization happens later in the handler; here the raw value only
// has to be sanitizable.
func validateFleetHostname(fl validator.FieldLevel) bool {
	_, err := validation.SanitizeHostname(fl.Field().String())
	return err == nil
}

// Validate checks batch-level constraints: a sanitizable hostname, a
// non-empty batch, and the payload cap. Per-sample problems are NOT
// errors here; bad rows are counted and skipped at write time so one
// broken collector cannot void an agent's whole batch.
func (b *SampleBatch) Validate() error {
	return friendlyValidationError(requestValidate.Struct(b))
}

// Validate checks a registration request.
func (r *RegisterRequest) Validate() error {
	return friendlyValidationError(requestValidate.Struct(r))
}

// friendlyValidationError rewrites the first field failure into the
// message agents match on.
func friendlyValidationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	e := verrs[0]
	switch e.Tag() {
	case "required", "min":
		return fmt.Errorf("Missing required field: %s", e.Field())
	case "max":
		return fmt.Errorf("Field too large: %s", e.Field())
	case "fleet_hostname":
		return fmt.Errorf("Invalid hostname: %s", e.Value())
	default:
		return fmt.Errorf("Invalid field: %s", e.Field())
	}
}
