// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the shared vocabulary of the municipal knowledge
// graph: vertex and edge labels, hierarchy levels, the municipality scope
// key, and the request/response bodies of the knowledge service API.
package datatypes

import "strings"

// Vertex labels. Every vertex except Municipality itself is scoped by the
// owning municipality's (name, state) pair.
const (
	VertexMunicipality        = "Municipality"
	VertexCodeSection         = "CodeSection"
	VertexZoningDistrict      = "ZoningDistrict"
	VertexLandUse             = "LandUse"
	VertexDimensionalStandard = "DimensionalStandard"
	VertexDefinition          = "Definition"
	VertexExternalLaw         = "ExternalLaw"
)

// Edge labels.
const (
	EdgeHasChild             = "HAS_CHILD"
	EdgeBelongsTo            = "BELONGS_TO"
	EdgePermits              = "PERMITS"
	EdgeConditionallyPermits = "CONDITIONALLY_PERMITS"
	EdgeHasStandard          = "HAS_STANDARD"
	EdgeDefinedIn            = "DEFINED_IN"
	EdgeReferences           = "REFERENCES"
	EdgeCitesExternal        = "CITES_EXTERNAL"
	EdgeInDistrict           = "IN_DISTRICT"
)

// VertexLabels lists every vertex label, in bootstrap order.
var VertexLabels = []string{
	VertexMunicipality, VertexCodeSection, VertexZoningDistrict,
	VertexLandUse, VertexDimensionalStandard, VertexDefinition,
	VertexExternalLaw,
}

// EdgeLabels lists every edge label, in bootstrap order.
var EdgeLabels = []string{
	EdgeHasChild, EdgeBelongsTo, EdgePermits, EdgeConditionallyPermits,
	EdgeHasStandard, EdgeDefinedIn, EdgeReferences, EdgeCitesExternal,
	EdgeInDistrict,
}

// Hierarchy levels of a CodeSection, top to bottom.
const (
	LevelArticle  = "article"
	LevelDivision = "division"
	LevelSection  = "section"
)

// SummaryLevelLeaf marks a summary generated directly from raw content
// rather than from child summaries.
const SummaryLevelLeaf = "leaf"

// Scope is the mandatory partition key. No operation crosses municipality
// boundaries; every store call carries a Scope.
type Scope struct {
	Municipality string `json:"municipality"`
	State        string `json:"state"`
}

// Valid reports whether both scope components are present.
func (s Scope) Valid() bool {
	return strings.TrimSpace(s.Municipality) != "" && strings.TrimSpace(s.State) != ""
}

// Section is the caller-facing view of a CodeSection vertex.
type Section struct {
	SectionID      string `json:"section_id"`
	Title          string `json:"title"`
	Level          string `json:"level"`
	RawContent     string `json:"raw_content,omitempty"`
	Summary        string `json:"summary,omitempty"`
	SummaryLevel   string `json:"summary_level,omitempty"`
	SummaryBuiltAt string `json:"summary_built_at,omitempty"`
}

// Permission is one row of the use-permission matrix.
type Permission struct {
	District        string `json:"district"`
	LandUse         string `json:"land_use"`
	PermissionLevel string `json:"permission_level"` // "permitted" or "conditional"
	Conditions      string `json:"conditions,omitempty"`
	ReviewSection   string `json:"review_section,omitempty"`
}

// Standard is one dimensional standard attached to a district.
type Standard struct {
	District     string `json:"district"`
	StandardType string `json:"standard_type"`
	Value        string `json:"value"`
	Unit         string `json:"unit,omitempty"`
	SectionRef   string `json:"section_ref,omitempty"`
}

// Definition is a defined zoning term.
type Definition struct {
	Term           string `json:"term"`
	DefinitionText string `json:"definition_text"`
	SectionRef     string `json:"section_ref,omitempty"`
}

// HierarchyNode is one section in a downward hierarchy traversal, with
// its children in sibling order.
type HierarchyNode struct {
	Section  Section         `json:"section"`
	Children []HierarchyNode `json:"children,omitempty"`
}

// Hierarchy is the result of a hierarchy traversal around one section.
// Ancestors run closest-first up to the root; Descendants is the subtree
// below the section. Either may be absent depending on direction.
type Hierarchy struct {
	Section     Section         `json:"section"`
	Ancestors   []Section       `json:"ancestors,omitempty"`
	Descendants []HierarchyNode `json:"descendants,omitempty"`
}

// Directions accepted by hierarchy traversal.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
	DirectionBoth = "both"
)

// RelatedRef is one cross-reference edge touching a section: an outgoing
// or incoming REFERENCES edge, or an outgoing CITES_EXTERNAL edge.
type RelatedRef struct {
	Direction        string `json:"direction"` // "outgoing", "incoming", "external"
	SectionID        string `json:"section_id,omitempty"`
	Title            string `json:"title,omitempty"`
	RelationshipType string `json:"relationship_type,omitempty"`
	Context          string `json:"context,omitempty"`
	RawCitation      string `json:"raw_citation,omitempty"`
	LawID            string `json:"law_id,omitempty"`
	LawType          string `json:"law_type,omitempty"`
}
