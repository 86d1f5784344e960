// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
	"github.com/civicatlas/municigraph/services/knowledge/summary"
)

// BuildSummaries runs the bottom-up summary build for a municipality.
// A corrupt hierarchy (the build cannot converge) is reported loudly as a
// 500 with the sections left unbuilt.
func BuildSummaries(builder *summary.Builder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.BuildSummariesRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		scope := datatypes.Scope{Municipality: req.Municipality, State: req.State}

		report, err := builder.BuildAll(c.Request.Context(), scope)
		if err != nil {
			var integrity *summary.TreeIntegrityError
			if errors.As(err, &integrity) {
				slog.Error("Summary build could not converge",
					"municipality", integrity.Municipality,
					"passes", integrity.Passes,
					"remaining", integrity.Remaining)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":     err.Error(),
					"remaining": integrity.Remaining,
					"report":    report,
				})
				return
			}
			c.JSON(storeStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// RebuildSummary re-summarizes one section and its ancestor chain,
// optionally steered by caller instructions.
func RebuildSummary(builder *summary.Builder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.RebuildSummaryRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		scope := datatypes.Scope{Municipality: req.Municipality, State: req.State}

		report, err := builder.Rebuild(c.Request.Context(), scope, req.SectionID, req.Instructions)
		if err != nil {
			c.JSON(storeStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}
