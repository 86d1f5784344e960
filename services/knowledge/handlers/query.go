// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
	"github.com/civicatlas/municigraph/services/knowledge/query"
)

// scopeFromQuery reads the mandatory municipality scope from query params.
// On failure it writes the 400 itself and returns ok=false.
func scopeFromQuery(c *gin.Context) (datatypes.Scope, bool) {
	scope := datatypes.Scope{
		Municipality: c.Query("municipality"),
		State:        c.Query("state"),
	}
	if !scope.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "municipality and state are required"})
		return datatypes.Scope{}, false
	}
	return scope, true
}

// GetSection returns one code section.
func GetSection(facade *query.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := scopeFromQuery(c)
		if !ok {
			return
		}
		section, err := facade.GetSection(c.Request.Context(), scope, c.Param("sectionId"))
		if err != nil {
			c.JSON(storeStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, section)
	}
}

// GetPermissions lists the use-permission matrix, filtered by the optional
// district, land_use, and permission_level query params.
func GetPermissions(facade *query.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := scopeFromQuery(c)
		if !ok {
			return
		}
		filter := query.PermissionFilter{
			District:        c.Query("district"),
			LandUse:         c.Query("land_use"),
			PermissionLevel: c.Query("permission_level"),
		}
		permissions, err := facade.GetPermissions(c.Request.Context(), scope, filter)
		if err != nil {
			c.JSON(storeStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"permissions": permissions})
	}
}

// GetStandards lists a district's dimensional standards.
func GetStandards(facade *query.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := scopeFromQuery(c)
		if !ok {
			return
		}
		district := c.Query("district")
		if district == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "district is required"})
			return
		}
		standards, err := facade.GetStandards(c.Request.Context(), scope,
			district, c.Query("standard_type"))
		if err != nil {
			c.JSON(storeStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"standards": standards})
	}
}

// GetDefinition looks up a zoning term case-insensitively.
func GetDefinition(facade *query.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := scopeFromQuery(c)
		if !ok {
			return
		}
		def, err := facade.GetDefinition(c.Request.Context(), scope, c.Param("term"))
		if err != nil {
			c.JSON(storeStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, def)
	}
}

// TraverseHierarchy walks the section tree up, down, or both. direction
// defaults to "both"; max_depth defaults to 3, with 0 meaning unbounded.
func TraverseHierarchy(facade *query.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := scopeFromQuery(c)
		if !ok {
			return
		}
		direction := c.DefaultQuery("direction", datatypes.DirectionBoth)
		maxDepth := 3
		if raw := c.Query("max_depth"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "max_depth must be an integer"})
				return
			}
			maxDepth = parsed
		}
		hierarchy, err := facade.TraverseHierarchy(c.Request.Context(), scope,
			c.Param("sectionId"), direction, maxDepth)
		if err != nil {
			if direction != datatypes.DirectionUp && direction != datatypes.DirectionDown &&
				direction != datatypes.DirectionBoth {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(storeStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, hierarchy)
	}
}

// FindRelated lists a section's cross-references, optionally filtered by
// relationship_type.
func FindRelated(facade *query.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := scopeFromQuery(c)
		if !ok {
			return
		}
		refs, err := facade.FindRelated(c.Request.Context(), scope,
			c.Param("sectionId"), c.Query("relationship_type"))
		if err != nil {
			c.JSON(storeStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"related": refs})
	}
}
