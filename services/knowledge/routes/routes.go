// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civicatlas/municigraph/services/knowledge/handlers"
	"github.com/civicatlas/municigraph/services/knowledge/ingest"
	"github.com/civicatlas/municigraph/services/knowledge/middleware"
	"github.com/civicatlas/municigraph/services/knowledge/query"
	"github.com/civicatlas/municigraph/services/knowledge/search"
	"github.com/civicatlas/municigraph/services/knowledge/summary"
)

// SetupRoutes registers every knowledge graph endpoint.
func SetupRoutes(router *gin.Engine, pipeline *ingest.Pipeline, builder *summary.Builder,
	engine *search.Engine, facade *query.Facade) {

	router.Use(middleware.RequestID(), middleware.Metrics())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1/kg")
	{
		v1.POST("/sections", handlers.IngestSection(pipeline))
		v1.POST("/permissions", handlers.IngestPermissions(pipeline))
		v1.POST("/standards", handlers.IngestStandards(pipeline))
		v1.POST("/definitions", handlers.IngestDefinitions(pipeline))

		v1.POST("/summaries/build", handlers.BuildSummaries(builder))
		v1.POST("/summaries/rebuild", handlers.RebuildSummary(builder))

		v1.POST("/search", handlers.SearchTopic(engine))

		v1.GET("/sections/:sectionId", handlers.GetSection(facade))
		v1.GET("/sections/:sectionId/hierarchy", handlers.TraverseHierarchy(facade))
		v1.GET("/sections/:sectionId/related", handlers.FindRelated(facade))
		v1.GET("/permissions", handlers.GetPermissions(facade))
		v1.GET("/standards", handlers.GetStandards(facade))
		v1.GET("/definitions/:term", handlers.GetDefinition(facade))
	}
}
