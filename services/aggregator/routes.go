// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregator

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/SysmonFleet/services/aggregator/middleware"
	"github.com/AleutianAI/SysmonFleet/services/aggregator/observability"
)

// setupRouter assembles the gin engine. Auth sits after CORS so browsers
// can preflight without the token, and after the metrics middleware so
// 401s show up in the latency histograms too.
func (s *Service) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.CORSMiddleware())
	r.Use(otelgin.Middleware("sysmon-aggregator"))
	r.Use(observability.RequestMetricsMiddleware(s.metrics))
	r.Use(middleware.TokenAuthMiddleware(s.cfg.Token))

	r.GET("/health", s.healthHandler)
	r.GET("/api/health", s.healthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.POST("/metrics", s.ingestHandler)
		api.POST("/register", s.registerHandler)
		api.GET("/hosts", s.listHostsHandler)
		api.GET("/metrics", s.queryMetricsHandler)
		api.GET("/latest", s.latestHandler)
		api.GET("/fleet/summary", s.fleetSummaryHandler)

		mlAPI := api.Group("/ml")
		{
			mlAPI.GET("/detect", s.detectHandler)
			mlAPI.GET("/baseline", s.baselineHandler)
			mlAPI.GET("/predict", s.predictHandler)
			mlAPI.POST("/train", s.trainHandler)
		}
	}

	return r
}
