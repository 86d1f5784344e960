// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package search answers topical queries by recursive descent over the
// summary tree: score article summaries against the query, descend into
// the best branches, and repeat down to leaf sections. The descent path
// doubles as a reasoning trace, which is the system's explainability
// mechanism in place of vector-similarity distances.
package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
	"github.com/civicatlas/municigraph/services/knowledge/graph"
	"github.com/civicatlas/municigraph/services/knowledge/llm"
)

var tracer = otel.Tracer("municigraph.knowledge.search")

// Scorer is the external relevance-scoring capability.
type Scorer interface {
	Score(ctx context.Context, query string, candidates []string) ([]llm.Scored, error)
}

// TiePolicy decides what happens when the top-k cutoff lands on a score
// tie at the boundary.
type TiePolicy string

const (
	// TieDropLater cuts strictly at k, dropping later siblings.
	TieDropLater TiePolicy = "drop-later"
	// TieKeepAll keeps every candidate tied with the k-th score, possibly
	// exceeding k.
	TieKeepAll TiePolicy = "keep-all"
)

// Reasons recorded for branches excluded from the descent.
const (
	SkipMissingSummary = "missing-summary"
	SkipScoringFailed  = "scoring-failed"
)

// Config tunes the engine.
type Config struct {
	DefaultTopK int
	TiePolicy   TiePolicy
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{DefaultTopK: 3, TiePolicy: TieDropLater}
}

// Engine runs recursive topic search for a municipality.
type Engine struct {
	store  graph.Store
	scorer Scorer
	cfg    Config
}

// NewEngine wires an engine. Zero config fields fall back to defaults.
func NewEngine(store graph.Store, scorer Scorer, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = def.DefaultTopK
	}
	if cfg.TiePolicy == "" {
		cfg.TiePolicy = def.TiePolicy
	}
	return &Engine{store: store, scorer: scorer, cfg: cfg}
}

// node is one kept branch during descent, carrying its path so far.
type node struct {
	vertex graph.Vertex
	score  float64
	path   []datatypes.PathStep
}

// Search descends the summary tree and returns ranked leaf sections with
// the full reasoning trace. A deadline hit mid-descent returns the levels
// completed so far marked partial, never an error.
func (e *Engine) Search(ctx context.Context, scope datatypes.Scope,
	req datatypes.SearchRequest) (datatypes.SearchResponse, error) {

	ctx, span := tracer.Start(ctx, "Engine.Search")
	defer span.End()

	topK := req.TopK
	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}
	resp := datatypes.SearchResponse{Query: req.Query, Results: []datatypes.SearchResult{}}

	articles, err := graph.SectionsByLevel(ctx, e.store, scope, datatypes.LevelArticle)
	if err != nil {
		return resp, err
	}

	frontier, entry, err := e.scoreCandidates(ctx, req.Query, datatypes.LevelArticle,
		"", articles, nil, topK)
	resp.Trace = append(resp.Trace, entry)
	if err != nil {
		// Scoring is the only failure mode here; the root level could not
		// complete, so return what we have as a partial result.
		resp.Partial = true
		return resp, nil
	}

	var results []node
	for len(frontier) > 0 {
		if ctx.Err() != nil {
			resp.Partial = true
			break
		}
		var partial bool
		frontier, results, resp.Trace, partial, err = e.descend(ctx, scope, req.Query,
			frontier, results, resp.Trace, topK)
		if err != nil {
			return resp, err
		}
		if partial {
			resp.Partial = true
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})
	for _, n := range results {
		resp.Results = append(resp.Results, datatypes.SearchResult{
			SectionID: n.vertex.StringProp("section_id"),
			Title:     n.vertex.StringProp("title"),
			Summary:   n.vertex.StringProp("summary"),
			Score:     n.score,
			Path:      n.path,
		})
	}

	slog.Info("Topic search finished",
		"municipality", scope.Municipality,
		"query", req.Query,
		"results", len(resp.Results),
		"levels", len(resp.Trace),
		"partial", resp.Partial)
	return resp, nil
}

// descend expands one level of the frontier. Parents are scored
// concurrently; a childless parent is itself a result leaf. The trace
// stays in frontier order regardless of scoring concurrency. A scoring
// failure skips just that branch and marks the response partial; a store
// failure aborts the search.
func (e *Engine) descend(ctx context.Context, scope datatypes.Scope, query string,
	frontier, results []node, trace []datatypes.TraceEntry,
	topK int) ([]node, []node, []datatypes.TraceEntry, bool, error) {

	type branchOutcome struct {
		leaf     bool
		kept     []node
		entry    datatypes.TraceEntry
		scoreErr error
		storeErr error
	}
	outcomes := make([]branchOutcome, len(frontier))

	g, gctx := errgroup.WithContext(ctx)
	for i, parent := range frontier {
		i, parent := i, parent
		g.Go(func() error {
			parentID := parent.vertex.StringProp("section_id")
			children, err := graph.Children(gctx, e.store, scope, parentID)
			if err != nil {
				outcomes[i] = branchOutcome{storeErr: err}
				return nil
			}
			if len(children) == 0 {
				outcomes[i] = branchOutcome{leaf: true}
				return nil
			}
			vertices := make([]graph.Vertex, 0, len(children))
			for _, c := range children {
				vertices = append(vertices, c.Vertex)
			}
			level := vertices[0].StringProp("level")
			kept, entry, err := e.scoreCandidates(gctx, query, level, parentID,
				vertices, parent.path, topK)
			outcomes[i] = branchOutcome{kept: kept, entry: entry, scoreErr: err}
			return nil
		})
	}
	g.Wait()

	partial := false
	var next []node
	for i, out := range outcomes {
		if out.storeErr != nil {
			return nil, results, trace, false, out.storeErr
		}
		if out.leaf {
			results = append(results, frontier[i])
			continue
		}
		trace = append(trace, out.entry)
		if out.scoreErr != nil {
			partial = true
			if isDeadline(out.scoreErr) {
				return nil, results, trace, true, nil
			}
			continue
		}
		next = append(next, out.kept...)
	}
	return next, results, trace, partial, nil
}

// scoreCandidates scores one parent's candidate set, filters missing
// summaries into skip markers, and keeps the top-k by score with sibling
// order breaking ties.
func (e *Engine) scoreCandidates(ctx context.Context, query, level, parentID string,
	vertices []graph.Vertex, parentPath []datatypes.PathStep,
	topK int) ([]node, datatypes.TraceEntry, error) {

	entry := datatypes.TraceEntry{Level: level, Parent: parentID, Kept: []datatypes.ScoredRef{}}

	var scorable []graph.Vertex
	var summaries []string
	for _, v := range vertices {
		if v.Props["summary"] == nil {
			entry.Skipped = append(entry.Skipped, datatypes.SkippedRef{
				SectionID: v.StringProp("section_id"),
				Reason:    SkipMissingSummary,
			})
			continue
		}
		scorable = append(scorable, v)
		summaries = append(summaries, v.StringProp("summary"))
	}
	if len(scorable) == 0 {
		return nil, entry, nil
	}

	scored, err := e.scorer.Score(ctx, query, summaries)
	if err != nil {
		if isDeadline(err) {
			return nil, entry, err
		}
		slog.Warn("Relevance scoring failed, skipping branch",
			"parent", parentID, "level", level, "error", err)
		for _, v := range scorable {
			entry.Skipped = append(entry.Skipped, datatypes.SkippedRef{
				SectionID: v.StringProp("section_id"),
				Reason:    SkipScoringFailed,
			})
		}
		return nil, entry, err
	}

	scores := make([]float64, len(scorable))
	for _, s := range scored {
		if s.Index >= 0 && s.Index < len(scores) {
			scores[s.Index] = s.Score
		}
	}

	// Stable sort: equal scores preserve sibling order.
	order := make([]int, len(scorable))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	cut := topK
	if cut > len(order) {
		cut = len(order)
	}
	if e.cfg.TiePolicy == TieKeepAll {
		for cut < len(order) && scores[order[cut]] == scores[order[cut-1]] {
			cut++
		}
	}

	kept := make([]node, 0, cut)
	for _, idx := range order[:cut] {
		v := scorable[idx]
		step := datatypes.PathStep{
			Level:     level,
			SectionID: v.StringProp("section_id"),
			Score:     scores[idx],
		}
		path := make([]datatypes.PathStep, 0, len(parentPath)+1)
		path = append(path, parentPath...)
		path = append(path, step)
		kept = append(kept, node{vertex: v, score: scores[idx], path: path})
		entry.Kept = append(entry.Kept, datatypes.ScoredRef{
			SectionID: step.SectionID, Score: step.Score,
		})
	}
	return kept, entry, nil
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
