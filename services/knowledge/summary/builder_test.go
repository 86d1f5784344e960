// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package summary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
	"github.com/civicatlas/municigraph/services/knowledge/graph"
)

var testScope = datatypes.Scope{Municipality: "ann_arbor", State: "MI"}

type summarizeCall struct {
	text         string
	level        string
	instructions string
}

// fakeSummarizer returns canned summaries and records every call.
type fakeSummarizer struct {
	mu    sync.Mutex
	calls []summarizeCall
	fail  func(call summarizeCall) error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, text, level, instructions string) (string, error) {
	call := summarizeCall{text: text, level: level, instructions: instructions}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(call); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("summary(%s)", level), nil
}

func (f *fakeSummarizer) callsByLevel(level string) []summarizeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []summarizeCall
	for _, c := range f.calls {
		if c.level == level {
			out = append(out, c)
		}
	}
	return out
}

func addSection(t *testing.T, store graph.Store, id, parent, level, raw string, order int) {
	t.Helper()
	ctx := context.Background()
	vid, err := store.UpsertVertex(ctx, testScope, datatypes.VertexCodeSection,
		map[string]any{"section_id": id},
		map[string]any{"level": level, "title": "Title " + id, "raw_content": raw})
	require.NoError(t, err)
	if parent != "" {
		pv, err := graph.GetSection(ctx, store, testScope, parent)
		require.NoError(t, err)
		_, err = store.UpsertEdge(ctx, testScope, datatypes.EdgeHasChild, pv.ID, vid,
			map[string]any{"order": order})
		require.NoError(t, err)
	}
}

// threeLevelTree builds 1 article, 2 divisions, 4 leaf sections.
func threeLevelTree(t *testing.T) *graph.MemoryStore {
	t.Helper()
	store := graph.NewMemoryStore()
	addSection(t, store, "art-5", "", datatypes.LevelArticle, "", 0)
	addSection(t, store, "div-5.1", "art-5", datatypes.LevelDivision, "", 0)
	addSection(t, store, "div-5.2", "art-5", datatypes.LevelDivision, "", 1)
	addSection(t, store, "5.1.1", "div-5.1", datatypes.LevelSection, "Fences shall not exceed six feet.", 0)
	addSection(t, store, "5.1.2", "div-5.1", datatypes.LevelSection, "Walls require a permit.", 1)
	addSection(t, store, "5.2.1", "div-5.2", datatypes.LevelSection, "Signs are limited to ten square feet.", 0)
	addSection(t, store, "5.2.2", "div-5.2", datatypes.LevelSection, "Billboards are prohibited.", 1)
	return store
}

func builtAt(t *testing.T, store graph.Store, id string) any {
	t.Helper()
	section, err := graph.GetSection(context.Background(), store, testScope, id)
	require.NoError(t, err)
	return section.Props["summary_built_at"]
}

func TestBuildAllThreeLevelTree(t *testing.T) {
	store := threeLevelTree(t)
	fake := &fakeSummarizer{}
	builder := NewBuilder(store, fake, Config{})

	report, err := builder.BuildAll(context.Background(), testScope)
	require.NoError(t, err)
	assert.Equal(t, "ok", report.Status)
	assert.Len(t, report.Built, 7)
	assert.Equal(t, 4, report.Passes, "leaves, divisions, article, then convergence")
	assert.Equal(t, map[string]int{"leaf": 4, "division": 2, "article": 1}, report.ByLevel)

	for _, id := range []string{"art-5", "div-5.1", "div-5.2", "5.1.1", "5.1.2", "5.2.1", "5.2.2"} {
		assert.NotNil(t, builtAt(t, store, id), "%s must be built", id)
	}

	article, err := graph.GetSection(context.Background(), store, testScope, "art-5")
	require.NoError(t, err)
	assert.Equal(t, datatypes.LevelArticle, article.StringProp("summary_level"))

	leaf, err := graph.GetSection(context.Background(), store, testScope, "5.1.1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.SummaryLevelLeaf, leaf.StringProp("summary_level"))
}

func TestBuildConcatenatesChildSummariesInOrder(t *testing.T) {
	store := threeLevelTree(t)
	fake := &fakeSummarizer{}
	builder := NewBuilder(store, fake, Config{FanOut: 1})

	_, err := builder.BuildAll(context.Background(), testScope)
	require.NoError(t, err)

	divCalls := fake.callsByLevel(datatypes.LevelDivision)
	require.Len(t, divCalls, 2)
	for _, c := range divCalls {
		assert.Equal(t, "summary(leaf)\n\nsummary(leaf)", c.text)
	}
	artCalls := fake.callsByLevel(datatypes.LevelArticle)
	require.Len(t, artCalls, 1)
	assert.Equal(t, "summary(division)\n\nsummary(division)", artCalls[0].text)
}

func TestBuildAllIsIdempotent(t *testing.T) {
	store := threeLevelTree(t)
	builder := NewBuilder(store, &fakeSummarizer{}, Config{})

	_, err := builder.BuildAll(context.Background(), testScope)
	require.NoError(t, err)

	report, err := builder.BuildAll(context.Background(), testScope)
	require.NoError(t, err)
	assert.Empty(t, report.Built, "a fully built tree has no work")
	assert.Equal(t, 1, report.Passes)
}

func TestFailedLeafLeavesAncestorChainUnbuilt(t *testing.T) {
	store := threeLevelTree(t)
	fake := &fakeSummarizer{
		fail: func(c summarizeCall) error {
			if c.text == "Fences shall not exceed six feet." {
				return errors.New("model timeout")
			}
			return nil
		},
	}
	builder := NewBuilder(store, fake, Config{})

	report, err := builder.BuildAll(context.Background(), testScope)
	require.NoError(t, err)
	assert.Equal(t, "partial", report.Status)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "5.1.1", report.Failed[0].SectionID)

	// The failed leaf and everything above it stay stale; the sibling
	// subtree builds normally.
	for _, id := range []string{"5.1.1", "div-5.1", "art-5"} {
		assert.Nil(t, builtAt(t, store, id), "%s must stay stale", id)
	}
	for _, id := range []string{"5.1.2", "5.2.1", "5.2.2", "div-5.2"} {
		assert.NotNil(t, builtAt(t, store, id), "%s must be built", id)
	}
}

func TestParentBuiltImpliesChildrenBuilt(t *testing.T) {
	store := threeLevelTree(t)
	fake := &fakeSummarizer{
		fail: func(c summarizeCall) error {
			if c.text == "Billboards are prohibited." {
				return errors.New("model timeout")
			}
			return nil
		},
	}
	builder := NewBuilder(store, fake, Config{})
	_, err := builder.BuildAll(context.Background(), testScope)
	require.NoError(t, err)

	ctx := context.Background()
	sections, err := graph.AllSections(ctx, store, testScope)
	require.NoError(t, err)
	for _, s := range sections {
		if s.Props["summary_built_at"] == nil {
			continue
		}
		children, err := graph.Children(ctx, store, testScope, s.StringProp("section_id"))
		require.NoError(t, err)
		for _, c := range children {
			assert.NotNil(t, c.Vertex.Props["summary_built_at"],
				"built parent %s has unbuilt child %s",
				s.StringProp("section_id"), c.Vertex.StringProp("section_id"))
		}
	}
}

func TestPassCapReportsTreeIntegrityError(t *testing.T) {
	store := threeLevelTree(t)
	builder := NewBuilder(store, &fakeSummarizer{}, Config{MaxPasses: 1})

	report, err := builder.BuildAll(context.Background(), testScope)
	require.Error(t, err)
	var integrity *TreeIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "ann_arbor", integrity.Municipality)
	assert.NotEmpty(t, integrity.Remaining)
	assert.Equal(t, "error", report.Status)
}

func TestRebuildTouchesOnlyAncestorChain(t *testing.T) {
	store := threeLevelTree(t)
	fake := &fakeSummarizer{}
	builder := NewBuilder(store, fake, Config{})

	_, err := builder.BuildAll(context.Background(), testScope)
	require.NoError(t, err)

	before := map[string]any{}
	for _, id := range []string{"art-5", "div-5.1", "div-5.2", "5.1.1", "5.1.2", "5.2.1", "5.2.2"} {
		before[id] = builtAt(t, store, id)
	}

	time.Sleep(5 * time.Millisecond)
	report, err := builder.Rebuild(context.Background(), testScope, "5.1.1", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"5.1.1", "div-5.1", "art-5"}, report.Built)

	for _, id := range []string{"5.1.1", "div-5.1", "art-5"} {
		after := builtAt(t, store, id)
		require.NotNil(t, after)
		ta, err := time.Parse(time.RFC3339Nano, after.(string))
		require.NoError(t, err)
		tb, err := time.Parse(time.RFC3339Nano, before[id].(string))
		require.NoError(t, err)
		assert.True(t, ta.After(tb), "%s must carry a strictly later timestamp", id)
	}
	for _, id := range []string{"div-5.2", "5.1.2", "5.2.1", "5.2.2"} {
		assert.Equal(t, before[id], builtAt(t, store, id), "%s must be untouched", id)
	}
}

func TestRebuildPassesInstructionsToTargetOnly(t *testing.T) {
	store := threeLevelTree(t)
	fake := &fakeSummarizer{}
	builder := NewBuilder(store, fake, Config{})

	_, err := builder.BuildAll(context.Background(), testScope)
	require.NoError(t, err)
	fake.calls = nil

	_, err = builder.Rebuild(context.Background(), testScope, "5.1.1",
		"emphasize height limits")
	require.NoError(t, err)

	leafCalls := fake.callsByLevel(datatypes.SummaryLevelLeaf)
	require.Len(t, leafCalls, 1)
	assert.Equal(t, "emphasize height limits", leafCalls[0].instructions)
	for _, c := range fake.callsByLevel(datatypes.LevelDivision) {
		assert.Empty(t, c.instructions)
	}
	for _, c := range fake.callsByLevel(datatypes.LevelArticle) {
		assert.Empty(t, c.instructions)
	}
}

func TestRebuildUnknownSection(t *testing.T) {
	store := threeLevelTree(t)
	builder := NewBuilder(store, &fakeSummarizer{}, Config{})
	_, err := builder.Rebuild(context.Background(), testScope, "nope", "")
	require.Error(t, err)
	assert.True(t, graph.IsNotFound(err))
}

func TestCancellationYieldsPartialReport(t *testing.T) {
	store := threeLevelTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeSummarizer{
		fail: func(c summarizeCall) error {
			cancel()
			return context.Canceled
		},
	}
	builder := NewBuilder(store, fake, Config{FanOut: 1})

	report, err := builder.BuildAll(ctx, testScope)
	require.NoError(t, err)
	assert.Equal(t, "partial", report.Status)

	// Nothing was half-written: every section either has both summary
	// fields or neither.
	sections, err := graph.AllSections(context.Background(), store, testScope)
	require.NoError(t, err)
	for _, s := range sections {
		hasSummary := s.Props["summary"] != nil
		hasBuiltAt := s.Props["summary_built_at"] != nil
		assert.Equal(t, hasSummary, hasBuiltAt,
			"section %s is half-written", s.StringProp("section_id"))
	}
}
