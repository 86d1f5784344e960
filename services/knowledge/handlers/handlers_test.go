// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicatlas/municigraph/services/knowledge/citations"
	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
	"github.com/civicatlas/municigraph/services/knowledge/graph"
	"github.com/civicatlas/municigraph/services/knowledge/ingest"
	"github.com/civicatlas/municigraph/services/knowledge/llm"
	"github.com/civicatlas/municigraph/services/knowledge/query"
	"github.com/civicatlas/municigraph/services/knowledge/search"
	"github.com/civicatlas/municigraph/services/knowledge/summary"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// echoSummarizer produces deterministic summaries and keyword-overlap
// scores, so handler tests exercise the full stack without a model server.
type echoSummarizer struct{}

func (echoSummarizer) Summarize(_ context.Context, text, level, _ string) (string, error) {
	return fmt.Sprintf("%s summary of: %.40s", level, text), nil
}

func (echoSummarizer) Score(_ context.Context, query string, candidates []string) ([]llm.Scored, error) {
	scored := make([]llm.Scored, 0, len(candidates))
	for i, c := range candidates {
		score := 0.1
		if strings.Contains(strings.ToLower(c), strings.ToLower(query)) {
			score = 0.9
		}
		scored = append(scored, llm.Scored{Index: i, Score: score})
	}
	return scored, nil
}

type fixture struct {
	router *gin.Engine
	store  *graph.MemoryStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := graph.NewMemoryStore()
	pipeline := ingest.NewPipeline(store, citations.NewExtractor(nil))
	builder := summary.NewBuilder(store, echoSummarizer{}, summary.DefaultConfig())
	engine := search.NewEngine(store, echoSummarizer{}, search.DefaultConfig())
	facade := query.NewFacade(store)

	router := gin.New()
	router.POST("/v1/kg/sections", IngestSection(pipeline))
	router.POST("/v1/kg/permissions", IngestPermissions(pipeline))
	router.POST("/v1/kg/standards", IngestStandards(pipeline))
	router.POST("/v1/kg/definitions", IngestDefinitions(pipeline))
	router.POST("/v1/kg/summaries/build", BuildSummaries(builder))
	router.POST("/v1/kg/summaries/rebuild", RebuildSummary(builder))
	router.POST("/v1/kg/search", SearchTopic(engine))
	router.GET("/v1/kg/sections/:sectionId", GetSection(facade))
	router.GET("/v1/kg/sections/:sectionId/hierarchy", TraverseHierarchy(facade))
	router.GET("/v1/kg/sections/:sectionId/related", FindRelated(facade))
	router.GET("/v1/kg/permissions", GetPermissions(facade))
	router.GET("/v1/kg/standards", GetStandards(facade))
	router.GET("/v1/kg/definitions/:term", GetDefinition(facade))
	return fixture{router: router, store: store}
}

func (f fixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func sectionBody(sectionID, parentID, level, title, content string) datatypes.IngestSectionRequest {
	return datatypes.IngestSectionRequest{
		Municipality: "ann_arbor",
		State:        "MI",
		SectionID:    sectionID,
		ParentID:     parentID,
		Level:        level,
		Title:        title,
		RawContent:   content,
	}
}

func TestIngestSectionEndToEnd(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/v1/kg/sections",
		sectionBody("4.2", "", datatypes.LevelSection, "Fences", "Fences shall not exceed six feet. See Section 7.1."))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[datatypes.IngestSectionResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.CrossReferencesFound)
	assert.Equal(t, 1, resp.UnresolvedRefs, "7.1 is not ingested yet")

	w = f.get(t, "/v1/kg/sections/4.2?municipality=ann_arbor&state=MI")
	require.Equal(t, http.StatusOK, w.Code)
	section := decode[datatypes.Section](t, w)
	assert.Equal(t, "Fences", section.Title)
}

func TestIngestSectionRejectsBadLevel(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/v1/kg/sections",
		sectionBody("4.2", "", "paragraph", "Fences", "text"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestSectionRejectsMissingFields(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/v1/kg/sections", gin.H{"municipality": "ann_arbor"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSectionMissingScope(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/v1/kg/sections/4.2")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSectionNotFound(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/v1/kg/sections/9.9?municipality=ann_arbor&state=MI")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPermissionsBatchReportsPartial(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/v1/kg/permissions", datatypes.IngestPermissionsRequest{
		Municipality: "ann_arbor",
		State:        "MI",
		District:     "R1",
		Entries: []datatypes.PermissionEntry{
			{LandUse: "duplex", Conditional: true, Conditions: "lot>=5000sqft"},
			{LandUse: "", Permitted: true},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[datatypes.BatchResponse](t, w)
	assert.Equal(t, "partial", resp.Status)
	require.Len(t, resp.Outcomes, 2)
	assert.True(t, resp.Outcomes[0].OK)
	assert.False(t, resp.Outcomes[1].OK)
	assert.NotEmpty(t, resp.Outcomes[1].Error)
}

func TestQueryPermissionsFiltered(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/v1/kg/permissions", datatypes.IngestPermissionsRequest{
		Municipality: "ann_arbor",
		State:        "MI",
		District:     "R1",
		Entries: []datatypes.PermissionEntry{
			{LandUse: "duplex", Conditional: true},
			{LandUse: "single-family dwelling", Permitted: true},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.get(t, "/v1/kg/permissions?municipality=ann_arbor&state=MI&district=R1&permission_level=conditional")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string][]datatypes.Permission](t, w)
	require.Len(t, body["permissions"], 1)
	assert.Equal(t, "duplex", body["permissions"][0].LandUse)
}

func TestStandardsRequireDistrict(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/v1/kg/standards?municipality=ann_arbor&state=MI")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDefinitionLookup(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/v1/kg/definitions", datatypes.IngestDefinitionsRequest{
		Municipality: "ann_arbor",
		State:        "MI",
		Entries: []datatypes.DefinitionEntry{
			{Term: "Setback", DefinitionText: "The minimum distance from a lot line."},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.get(t, "/v1/kg/definitions/SETBACK?municipality=ann_arbor&state=MI")
	require.Equal(t, http.StatusOK, w.Code)
	def := decode[datatypes.Definition](t, w)
	assert.Equal(t, "Setback", def.Term)

	w = f.get(t, "/v1/kg/definitions/gazebo?municipality=ann_arbor&state=MI")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func ingestTree(t *testing.T, f fixture) {
	t.Helper()
	sections := []datatypes.IngestSectionRequest{
		sectionBody("art-1", "", datatypes.LevelArticle, "Parking", "Parking article."),
		sectionBody("div-1.1", "art-1", datatypes.LevelDivision, "Off-Street", "Off-street parking."),
		sectionBody("1.1.1", "div-1.1", datatypes.LevelSection, "Residential", "Residential parking minimums."),
		sectionBody("1.1.2", "div-1.1", datatypes.LevelSection, "Commercial", "Commercial parking minimums."),
	}
	for _, s := range sections {
		w := f.post(t, "/v1/kg/sections", s)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
}

func TestBuildSummariesAndSearch(t *testing.T) {
	f := newFixture(t)
	ingestTree(t, f)

	w := f.post(t, "/v1/kg/summaries/build", datatypes.BuildSummariesRequest{
		Municipality: "ann_arbor", State: "MI",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[datatypes.BuildReport](t, w)
	assert.Equal(t, "ok", report.Status)
	assert.Len(t, report.Built, 4)

	w = f.post(t, "/v1/kg/search", datatypes.SearchRequest{
		Municipality: "ann_arbor", State: "MI", Query: "parking", TopK: 2,
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[datatypes.SearchResponse](t, w)
	assert.NotEmpty(t, resp.Results)
	assert.NotEmpty(t, resp.Trace)
	assert.False(t, resp.Partial)
}

func TestRebuildSummaryUnknownSection(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/v1/kg/summaries/rebuild", datatypes.RebuildSummaryRequest{
		Municipality: "ann_arbor", State: "MI", SectionID: "9.9",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTraverseHierarchyEndpoint(t *testing.T) {
	f := newFixture(t)
	ingestTree(t, f)

	w := f.get(t, "/v1/kg/sections/1.1.1/hierarchy?municipality=ann_arbor&state=MI&direction=up")
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[datatypes.Hierarchy](t, w)
	require.Len(t, h.Ancestors, 2)
	assert.Equal(t, "div-1.1", h.Ancestors[0].SectionID)

	w = f.get(t, "/v1/kg/sections/1.1.1/hierarchy?municipality=ann_arbor&state=MI&direction=sideways")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.get(t, "/v1/kg/sections/1.1.1/hierarchy?municipality=ann_arbor&state=MI&max_depth=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFindRelatedEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/v1/kg/sections",
		sectionBody("4.2", "", datatypes.LevelSection, "Fences", "Fence rules."))
	require.Equal(t, http.StatusOK, w.Code)
	w = f.post(t, "/v1/kg/sections",
		sectionBody("7.1", "", datatypes.LevelSection, "Accessory", "Subject to Section 4.2."))
	require.Equal(t, http.StatusOK, w.Code)

	w = f.get(t, "/v1/kg/sections/7.1/related?municipality=ann_arbor&state=MI")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string][]datatypes.RelatedRef](t, w)
	require.Len(t, body["related"], 1)
	assert.Equal(t, "outgoing", body["related"][0].Direction)
	assert.Equal(t, "constrains", body["related"][0].RelationshipType)
}
