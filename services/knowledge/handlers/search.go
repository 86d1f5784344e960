// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
	"github.com/civicatlas/municigraph/services/knowledge/search"
)

// SearchTopic runs the recursive descent search over the summary tree.
// The response always carries the reasoning trace; a deadline mid-descent
// still returns 200 with the partial flag set.
func SearchTopic(engine *search.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SearchRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		scope := datatypes.Scope{Municipality: req.Municipality, State: req.State}

		resp, err := engine.Search(c.Request.Context(), scope, req)
		if err != nil {
			c.JSON(storeStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
