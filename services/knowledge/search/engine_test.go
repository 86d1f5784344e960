// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
	"github.com/civicatlas/municigraph/services/knowledge/graph"
	"github.com/civicatlas/municigraph/services/knowledge/llm"
)

var testScope = datatypes.Scope{Municipality: "ann_arbor", State: "MI"}

// keywordScorer scores 1.0 for summaries containing the query, 0.1 for the
// rest. Deterministic, so descents are reproducible.
type keywordScorer struct {
	mu    sync.Mutex
	calls int
	fail  func(call int) error
}

func (s *keywordScorer) Score(ctx context.Context, query string, candidates []string) ([]llm.Scored, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(call); err != nil {
			return nil, err
		}
	}
	scored := make([]llm.Scored, 0, len(candidates))
	for i, c := range candidates {
		score := 0.1
		if strings.Contains(strings.ToLower(c), strings.ToLower(query)) {
			score = 1.0
		}
		scored = append(scored, llm.Scored{Index: i, Score: score})
	}
	return scored, nil
}

func addSection(t *testing.T, store graph.Store, id, parent, level, summary string, order int) {
	t.Helper()
	ctx := context.Background()
	props := map[string]any{"level": level, "title": "Title " + id}
	if summary != "" {
		props["summary"] = summary
		props["summary_built_at"] = "2026-01-01T00:00:00Z"
	}
	vid, err := store.UpsertVertex(ctx, testScope, datatypes.VertexCodeSection,
		map[string]any{"section_id": id}, props)
	require.NoError(t, err)
	if parent != "" {
		pv, err := graph.GetSection(ctx, store, testScope, parent)
		require.NoError(t, err)
		_, err = store.UpsertEdge(ctx, testScope, datatypes.EdgeHasChild, pv.ID, vid,
			map[string]any{"order": order})
		require.NoError(t, err)
	}
}

// summarizedTree builds two article branches, one about parking and one
// about signs, fully summarized.
func summarizedTree(t *testing.T) *graph.MemoryStore {
	t.Helper()
	store := graph.NewMemoryStore()
	addSection(t, store, "art-1", "", datatypes.LevelArticle, "Covers parking requirements.", 0)
	addSection(t, store, "art-2", "", datatypes.LevelArticle, "Covers sign regulations.", 1)
	addSection(t, store, "div-1.1", "art-1", datatypes.LevelDivision, "Off-street parking standards.", 0)
	addSection(t, store, "div-1.2", "art-1", datatypes.LevelDivision, "Loading zone rules.", 1)
	addSection(t, store, "div-2.1", "art-2", datatypes.LevelDivision, "Sign dimensions.", 0)
	addSection(t, store, "1.1.1", "div-1.1", datatypes.LevelSection, "Residential parking minimums.", 0)
	addSection(t, store, "1.1.2", "div-1.1", datatypes.LevelSection, "Commercial parking minimums.", 1)
	addSection(t, store, "2.1.1", "div-2.1", datatypes.LevelSection, "Maximum sign height.", 0)
	return store
}

func search(t *testing.T, e *Engine, query string, topK int) datatypes.SearchResponse {
	t.Helper()
	resp, err := e.Search(context.Background(), testScope, datatypes.SearchRequest{
		Municipality: testScope.Municipality,
		State:        testScope.State,
		Query:        query,
		TopK:         topK,
	})
	require.NoError(t, err)
	return resp
}

func TestSearchDescendsToRelevantLeaves(t *testing.T) {
	store := summarizedTree(t)
	engine := NewEngine(store, &keywordScorer{}, Config{})

	resp := search(t, engine, "parking", 1)
	require.NotEmpty(t, resp.Results)
	assert.False(t, resp.Partial)

	top := resp.Results[0]
	assert.Equal(t, "1.1.1", top.SectionID)
	assert.Equal(t, 1.0, top.Score)

	require.Len(t, top.Path, 3, "path must record every traversed level")
	assert.Equal(t, datatypes.LevelArticle, top.Path[0].Level)
	assert.Equal(t, "art-1", top.Path[0].SectionID)
	assert.Equal(t, datatypes.LevelDivision, top.Path[1].Level)
	assert.Equal(t, "div-1.1", top.Path[1].SectionID)
	assert.Equal(t, datatypes.LevelSection, top.Path[2].Level)

	require.NotEmpty(t, resp.Trace, "the reasoning trace is mandatory output")
	assert.Equal(t, datatypes.LevelArticle, resp.Trace[0].Level)
	require.NotEmpty(t, resp.Trace[0].Kept)
	assert.Equal(t, "art-1", resp.Trace[0].Kept[0].SectionID)
}

func TestSearchKeepsTopKPerParentNotGlobally(t *testing.T) {
	store := summarizedTree(t)
	engine := NewEngine(store, &keywordScorer{}, Config{})

	resp := search(t, engine, "zoning", 2)

	// Both articles survive the root cut; each article branch then gets
	// its own division-level entry with its own top-k.
	divisionEntries := 0
	for _, entry := range resp.Trace {
		if entry.Level == datatypes.LevelDivision {
			divisionEntries++
			assert.NotEmpty(t, entry.Parent)
			assert.NotEmpty(t, entry.Kept)
		}
	}
	assert.Equal(t, 2, divisionEntries)
}

func TestSearchZeroSummariesReturnsSkipTraceNotError(t *testing.T) {
	store := graph.NewMemoryStore()
	addSection(t, store, "art-1", "", datatypes.LevelArticle, "", 0)
	addSection(t, store, "art-2", "", datatypes.LevelArticle, "", 1)
	engine := NewEngine(store, &keywordScorer{}, Config{})

	resp := search(t, engine, "parking", 3)
	assert.Empty(t, resp.Results)
	require.Len(t, resp.Trace, 1)
	assert.Equal(t, datatypes.LevelArticle, resp.Trace[0].Level)
	require.Len(t, resp.Trace[0].Skipped, 2)
	for _, s := range resp.Trace[0].Skipped {
		assert.Equal(t, SkipMissingSummary, s.Reason)
	}
}

func TestSearchSkipsUnsummarizedLeaf(t *testing.T) {
	store := summarizedTree(t)
	addSection(t, store, "1.1.3", "div-1.1", datatypes.LevelSection, "", 2)
	engine := NewEngine(store, &keywordScorer{}, Config{})

	resp := search(t, engine, "parking", 3)

	var skipped []datatypes.SkippedRef
	for _, entry := range resp.Trace {
		if entry.Parent == "div-1.1" {
			skipped = entry.Skipped
		}
	}
	require.Len(t, skipped, 1)
	assert.Equal(t, "1.1.3", skipped[0].SectionID)
	assert.Equal(t, SkipMissingSummary, skipped[0].Reason)
	for _, r := range resp.Results {
		assert.NotEqual(t, "1.1.3", r.SectionID)
	}
}

func TestTieAtCutoffDropsLaterSibling(t *testing.T) {
	store := summarizedTree(t)
	engine := NewEngine(store, &keywordScorer{}, Config{})

	// All three leaves under div-1.1 score identically for this query.
	addSection(t, store, "1.1.3", "div-1.1", datatypes.LevelSection, "Bicycle parking minimums.", 2)

	resp := search(t, engine, "parking minimums", 2)
	var kept []datatypes.ScoredRef
	for _, entry := range resp.Trace {
		if entry.Parent == "div-1.1" {
			kept = entry.Kept
		}
	}
	require.Len(t, kept, 2, "drop-later cuts strictly at k")
	assert.Equal(t, "1.1.1", kept[0].SectionID)
	assert.Equal(t, "1.1.2", kept[1].SectionID, "ties preserve sibling order")
}

func TestTieAtCutoffKeepAllPolicy(t *testing.T) {
	store := summarizedTree(t)
	engine := NewEngine(store, &keywordScorer{}, Config{TiePolicy: TieKeepAll})

	addSection(t, store, "1.1.3", "div-1.1", datatypes.LevelSection, "Bicycle parking minimums.", 2)

	resp := search(t, engine, "parking minimums", 2)
	var kept []datatypes.ScoredRef
	for _, entry := range resp.Trace {
		if entry.Parent == "div-1.1" {
			kept = entry.Kept
		}
	}
	assert.Len(t, kept, 3, "keep-all retains every candidate tied at the boundary")
}

func TestSearchDeadlineReturnsPartial(t *testing.T) {
	store := summarizedTree(t)
	scorer := &keywordScorer{
		fail: func(call int) error {
			if call > 1 {
				return context.DeadlineExceeded
			}
			return nil
		},
	}
	engine := NewEngine(store, scorer, Config{})

	resp, err := engine.Search(context.Background(), testScope, datatypes.SearchRequest{
		Municipality: testScope.Municipality,
		State:        testScope.State,
		Query:        "parking",
		TopK:         1,
	})
	require.NoError(t, err, "a deadline is a partial result, not an error")
	assert.True(t, resp.Partial)
	assert.NotEmpty(t, resp.Trace, "completed levels are still reported")
}

func TestSearchScoringFailureSkipsBranch(t *testing.T) {
	store := summarizedTree(t)
	scorer := &keywordScorer{
		fail: func(call int) error {
			if call > 1 {
				return errors.New("model unavailable")
			}
			return nil
		},
	}
	engine := NewEngine(store, scorer, Config{})

	resp := search(t, engine, "parking", 1)
	assert.True(t, resp.Partial)

	foundSkip := false
	for _, entry := range resp.Trace {
		for _, s := range entry.Skipped {
			if s.Reason == SkipScoringFailed {
				foundSkip = true
			}
		}
	}
	assert.True(t, foundSkip, "failed branches must be visible in the trace")
}
