// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the aggregator service.
//
// # Authentication Flow
//
// The aggregator uses a single shared fleet token. The auth middleware
// accepts it from either header form agents send:
//
//	Request
//	   │
//	   ▼
//	TokenAuthMiddleware
//	   │
//	   ├─► X-SysMon-Token: <token>
//	   │        or
//	   ├─► Authorization: Bearer <token>
//	   │
//	   └─► constant-time compare against SYSMON_AGGREGATOR_TOKEN
//
// Only /health bypasses the check, so load balancers can probe an
// aggregator without holding the fleet credential. Everything else,
// including /api/health and the Prometheus scrape endpoint,
// authenticates.
//
// # Open Behavior
//
// An empty expected token disables the check. The service constructor
// refuses to start without a token, so an open middleware only occurs
// when the middleware is wired standalone.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenHeader is the primary header agents authenticate with.
const TokenHeader = "X-SysMon-Token"

// healthPath is the sole unauthenticated route.
const healthPath = "/health"

// TokenAuthMiddleware returns a middleware enforcing the shared fleet
// token on every route except /health.
//
// # Description
//
//	The comparison is constant-time so response timing leaks nothing
//	about token prefixes. An empty expected token disables the check
//	entirely.
//
// # Inputs
//
//   - token: The expected fleet token. Empty string disables auth.
func TokenAuthMiddleware(token string) gin.HandlerFunc {
	expected := []byte(token)

	return func(c *gin.Context) {
		if token == "" || c.Request.URL.Path == healthPath {
			c.Next()
			return
		}

		if subtle.ConstantTimeCompare([]byte(extractToken(c)), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing authentication token",
			})
			return
		}
		c.Next()
	}
}

// extractToken pulls the presented credential from X-SysMon-Token or,
// failing that, a bearer Authorization header.
func extractToken(c *gin.Context) string {
	if t := c.GetHeader(TokenHeader); t != "" {
		return t
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
