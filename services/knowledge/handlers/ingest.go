// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers exposes the knowledge graph over HTTP. Each handler is a
// thin gin adapter: bind the request, call the owning service, map errors to
// status codes.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
	"github.com/civicatlas/municigraph/services/knowledge/graph"
	"github.com/civicatlas/municigraph/services/knowledge/ingest"
)

// IngestSection stores one raw code section, replacing any previous
// revision and its derived edges.
func IngestSection(pipeline *ingest.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.IngestSectionRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if req.Level != datatypes.LevelArticle && req.Level != datatypes.LevelDivision &&
			req.Level != datatypes.LevelSection {
			c.JSON(http.StatusBadRequest, gin.H{"error": "level must be article, division, or section"})
			return
		}

		resp, err := pipeline.IngestCodeSection(c.Request.Context(), req)
		if err != nil {
			slog.Error("Section ingestion failed",
				"municipality", req.Municipality, "section_id", req.SectionID, "error", err)
			c.JSON(storeStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// IngestPermissions stores the use-permission rows for one district. Bad
// records are reported per-record, never aborting the batch.
func IngestPermissions(pipeline *ingest.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.IngestPermissionsRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		c.JSON(http.StatusOK, pipeline.IngestPermissions(c.Request.Context(), req))
	}
}

// IngestStandards stores the dimensional standards for one district.
func IngestStandards(pipeline *ingest.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.IngestStandardsRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		c.JSON(http.StatusOK, pipeline.IngestStandards(c.Request.Context(), req))
	}
}

// IngestDefinitions stores zoning term definitions.
func IngestDefinitions(pipeline *ingest.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.IngestDefinitionsRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		c.JSON(http.StatusOK, pipeline.IngestDefinitions(c.Request.Context(), req))
	}
}

// storeStatus maps a service error to an HTTP status. Missing entities are
// 404, backend failures 502, everything else 500.
func storeStatus(err error) int {
	if graph.IsNotFound(err) {
		return http.StatusNotFound
	}
	var se *graph.StoreError
	if errors.As(err, &se) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
