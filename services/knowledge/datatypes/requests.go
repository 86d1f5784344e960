// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// ---------------------------------------------------------------------------
// Ingestion requests
// ---------------------------------------------------------------------------

// IngestSectionRequest stores one raw code section.
type IngestSectionRequest struct {
	Municipality string `json:"municipality" binding:"required"`
	State        string `json:"state" binding:"required"`
	SectionID    string `json:"section_id" binding:"required"`
	ParentID     string `json:"parent_id"`
	Level        string `json:"level" binding:"required"`
	Title        string `json:"title" binding:"required"`
	RawContent   string `json:"raw_content" binding:"required"`
}

// IngestSectionResponse reports what ingestion derived from the content.
type IngestSectionResponse struct {
	Status                 string `json:"status"`
	SectionID              string `json:"section_id"`
	CrossReferencesFound   int    `json:"cross_references_found"`
	ExternalCitationsFound int    `json:"external_citations_found"`
	UnresolvedRefs         int    `json:"unresolved_refs"`
	AncestorsInvalidated   int    `json:"ancestors_invalidated"`
}

// PermissionEntry is one use-permission matrix row. Exactly one of
// Permitted/Conditional may be true; neither means the use is recorded but
// no permission edge is created.
type PermissionEntry struct {
	LandUse       string `json:"land_use" validate:"required"`
	Permitted     bool   `json:"permitted"`
	Conditional   bool   `json:"conditional"`
	Conditions    string `json:"conditions"`
	ReviewSection string `json:"review_section"`
}

// IngestPermissionsRequest stores use permissions for one district.
type IngestPermissionsRequest struct {
	Municipality string            `json:"municipality" binding:"required"`
	State        string            `json:"state" binding:"required"`
	District     string            `json:"district" binding:"required"`
	Entries      []PermissionEntry `json:"entries" binding:"required"`
}

// StandardEntry is one dimensional standard row.
type StandardEntry struct {
	StandardType string `json:"standard_type" validate:"required"`
	Value        string `json:"value" validate:"required"`
	Unit         string `json:"unit"`
	SectionRef   string `json:"section_ref"`
}

// IngestStandardsRequest stores dimensional standards for one district.
type IngestStandardsRequest struct {
	Municipality string          `json:"municipality" binding:"required"`
	State        string          `json:"state" binding:"required"`
	District     string          `json:"district" binding:"required"`
	Entries      []StandardEntry `json:"entries" binding:"required"`
}

// DefinitionEntry is one zoning term definition.
type DefinitionEntry struct {
	Term           string `json:"term" validate:"required"`
	DefinitionText string `json:"definition_text" validate:"required"`
	SectionRef     string `json:"section_ref"`
}

// IngestDefinitionsRequest stores zoning term definitions.
type IngestDefinitionsRequest struct {
	Municipality string            `json:"municipality" binding:"required"`
	State        string            `json:"state" binding:"required"`
	Entries      []DefinitionEntry `json:"entries" binding:"required"`
}

// RecordOutcome is the per-record result of a batch ingest call. A failed
// record never aborts the rest of the batch.
type RecordOutcome struct {
	Index int    `json:"index"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BatchResponse reports a batch ingest call: one outcome per input record.
type BatchResponse struct {
	Status   string          `json:"status"`
	Count    int             `json:"count"`
	Outcomes []RecordOutcome `json:"outcomes"`
}

// ---------------------------------------------------------------------------
// Summary build requests
// ---------------------------------------------------------------------------

// BuildSummariesRequest triggers bottom-up summarization for a municipality.
type BuildSummariesRequest struct {
	Municipality string `json:"municipality" binding:"required"`
	State        string `json:"state" binding:"required"`
}

// RebuildSummaryRequest re-summarizes one section and its ancestor chain.
// Instructions optionally steer the leaf prompt.
type RebuildSummaryRequest struct {
	Municipality string `json:"municipality" binding:"required"`
	State        string `json:"state" binding:"required"`
	SectionID    string `json:"section_id" binding:"required"`
	Instructions string `json:"instructions"`
}

// SectionFailure records a section whose summarization failed; its summary
// fields are left null so a later run can retry.
type SectionFailure struct {
	SectionID string `json:"section_id"`
	Error     string `json:"error"`
}

// BuildReport is the outcome of a summary build run.
type BuildReport struct {
	Status  string           `json:"status"`
	Built   []string         `json:"built"`
	Failed  []SectionFailure `json:"failed,omitempty"`
	ByLevel map[string]int   `json:"by_level"`
	Passes  int              `json:"passes"`
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

// SearchRequest runs recursive descent search over the summary tree.
type SearchRequest struct {
	Municipality string `json:"municipality" binding:"required"`
	State        string `json:"state" binding:"required"`
	Query        string `json:"query" binding:"required"`
	TopK         int    `json:"top_k"`
}

// PathStep is one level of a result's descent path, with the relevance
// score the section's branch received at that level.
type PathStep struct {
	Level     string  `json:"level"`
	SectionID string  `json:"section_id"`
	Score     float64 `json:"score"`
}

// SearchResult is one ranked leaf section.
type SearchResult struct {
	SectionID string     `json:"section_id"`
	Title     string     `json:"title"`
	Summary   string     `json:"summary"`
	Score     float64    `json:"score"`
	Path      []PathStep `json:"path"`
}

// ScoredRef is a section kept at one trace level, with its score.
type ScoredRef struct {
	SectionID string  `json:"section_id"`
	Score     float64 `json:"score"`
}

// SkippedRef is a section excluded at one trace level, with the reason
// ("missing-summary" or "scoring-failed").
type SkippedRef struct {
	SectionID string `json:"section_id"`
	Reason    string `json:"reason"`
}

// TraceEntry records one scored level of the descent. The trace is
// mandatory output: it is the explainability mechanism in place of
// similarity distances.
type TraceEntry struct {
	Level   string       `json:"level"`
	Parent  string       `json:"parent,omitempty"`
	Kept    []ScoredRef  `json:"kept"`
	Skipped []SkippedRef `json:"skipped,omitempty"`
}

// SearchResponse is the full search outcome. Partial is set when a level
// was cut short by the caller's deadline; completed levels are returned.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Trace   []TraceEntry   `json:"trace"`
	Partial bool           `json:"partial,omitempty"`
}
