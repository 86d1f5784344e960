// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package summary builds the bottom-up summary tree over a municipality's
// code hierarchy.
//
// The builder runs level-synchronous passes: each pass summarizes every
// section whose children are all summarized (leaves first), then repeats
// until fixed point. Summarization calls within one pass fan out
// concurrently; the pass loop itself is sequential because each pass
// depends on the previous pass's writes.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
	"github.com/civicatlas/municigraph/services/knowledge/graph"
)

var tracer = otel.Tracer("municigraph.knowledge.summary")

// Summarizer is the external summarization capability.
type Summarizer interface {
	Summarize(ctx context.Context, text, level, instructions string) (string, error)
}

// Config tunes the builder.
type Config struct {
	// MaxPasses caps the fixed-point loop. HAS_CHILD is acyclic by
	// invariant, so hitting the cap while work remains signals corrupt
	// data, not a transient failure.
	MaxPasses int
	// FanOut bounds concurrent summarization calls within one pass.
	FanOut int
}

// DefaultConfig returns the builder defaults.
func DefaultConfig() Config {
	return Config{MaxPasses: 10, FanOut: 4}
}

// TreeIntegrityError reports a build run that hit the pass cap with
// buildable sections still pending, implying a HAS_CHILD cycle or orphaned
// reference. Never retried automatically.
type TreeIntegrityError struct {
	Municipality string
	Passes       int
	Remaining    []string
}

func (e *TreeIntegrityError) Error() string {
	return fmt.Sprintf("summary tree for %q did not converge after %d passes; %d sections still pending (%s)",
		e.Municipality, e.Passes, len(e.Remaining), strings.Join(e.Remaining, ", "))
}

// Builder drives summary construction for municipalities.
type Builder struct {
	store      graph.Store
	summarizer Summarizer
	cfg        Config
}

// NewBuilder wires a builder. Zero config fields fall back to defaults.
func NewBuilder(store graph.Store, summarizer Summarizer, cfg Config) *Builder {
	def := DefaultConfig()
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = def.MaxPasses
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = def.FanOut
	}
	return &Builder{store: store, summarizer: summarizer, cfg: cfg}
}

// BuildAll summarizes every stale section in the municipality, bottom-up.
func (b *Builder) BuildAll(ctx context.Context, scope datatypes.Scope) (datatypes.BuildReport, error) {
	ctx, span := tracer.Start(ctx, "Builder.BuildAll")
	defer span.End()
	return b.run(ctx, scope, nil, "")
}

// Rebuild nulls one section's summary and re-runs the build scoped to that
// section and its ancestor chain; siblings and descendants are untouched.
// instructions, when non-empty, steer the target section's summary.
func (b *Builder) Rebuild(ctx context.Context, scope datatypes.Scope,
	sectionID, instructions string) (datatypes.BuildReport, error) {

	ctx, span := tracer.Start(ctx, "Builder.Rebuild")
	defer span.End()

	if _, err := graph.GetSection(ctx, b.store, scope, sectionID); err != nil {
		return datatypes.BuildReport{}, err
	}
	ancestors, err := graph.Ancestors(ctx, b.store, scope, sectionID)
	if err != nil {
		return datatypes.BuildReport{}, err
	}

	scoped := map[string]bool{sectionID: true}
	for _, a := range ancestors {
		scoped[a.StringProp("section_id")] = true
	}

	err = b.store.Atomic(ctx, scope, func(tx graph.Store) error {
		for id := range scoped {
			if _, err := tx.UpsertVertex(ctx, scope, datatypes.VertexCodeSection,
				map[string]any{"section_id": id},
				map[string]any{"summary": nil, "summary_built_at": nil, "summary_level": nil},
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return datatypes.BuildReport{}, err
	}

	return b.run(ctx, scope, scoped, instructions)
}

// candidate is one section ready to summarize in the current pass.
type candidate struct {
	sectionID string
	level     string
	text      string
	// instructions only applies to a Rebuild target.
	instructions string
}

// run is the fixed-point worklist loop shared by BuildAll and Rebuild.
// scoped, when non-nil, restricts the build to those section IDs.
func (b *Builder) run(ctx context.Context, scope datatypes.Scope,
	scoped map[string]bool, instructions string) (datatypes.BuildReport, error) {

	report := datatypes.BuildReport{
		Status:  "ok",
		Built:   []string{},
		ByLevel: map[string]int{},
	}
	failed := map[string]bool{}

	for pass := 1; pass <= b.cfg.MaxPasses; pass++ {
		report.Passes = pass

		candidates, err := b.collect(ctx, scope, scoped, failed, instructions)
		if err != nil {
			return report, err
		}
		if len(candidates) == 0 {
			if len(report.Failed) > 0 {
				report.Status = "partial"
			}
			slog.Info("Summary build converged",
				"municipality", scope.Municipality,
				"passes", pass,
				"built", len(report.Built),
				"failed", len(report.Failed))
			return report, nil
		}

		built, failures := b.summarizePass(ctx, scope, candidates)
		for _, c := range built {
			report.Built = append(report.Built, c.sectionID)
			report.ByLevel[c.level]++
		}
		report.Failed = append(report.Failed, failures...)
		for _, f := range failures {
			failed[f.SectionID] = true
		}

		if ctx.Err() != nil {
			report.Status = "partial"
			return report, nil
		}
	}

	remaining, err := b.collect(ctx, scope, scoped, failed, instructions)
	if err != nil {
		return report, err
	}
	if len(remaining) == 0 {
		if len(report.Failed) > 0 {
			report.Status = "partial"
		}
		return report, nil
	}

	ids := make([]string, 0, len(remaining))
	for _, c := range remaining {
		ids = append(ids, c.sectionID)
	}
	sort.Strings(ids)
	report.Status = "error"
	return report, &TreeIntegrityError{
		Municipality: scope.Municipality,
		Passes:       b.cfg.MaxPasses,
		Remaining:    ids,
	}
}

// collect finds every section buildable this pass: null summary_built_at,
// not already failed this run, every child summarized. Leaves contribute
// their raw content; interior sections the concatenation of child
// summaries in sibling order.
func (b *Builder) collect(ctx context.Context, scope datatypes.Scope,
	scoped, failed map[string]bool, instructions string) ([]candidate, error) {

	sections, err := graph.AllSections(ctx, b.store, scope)
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	for _, section := range sections {
		id := section.StringProp("section_id")
		if scoped != nil && !scoped[id] {
			continue
		}
		if failed[id] || section.Props["summary_built_at"] != nil {
			continue
		}

		children, err := graph.Children(ctx, b.store, scope, id)
		if err != nil {
			return nil, err
		}

		if len(children) == 0 {
			raw := section.StringProp("raw_content")
			if raw == "" {
				continue
			}
			c := candidate{sectionID: id, level: datatypes.SummaryLevelLeaf, text: raw}
			if scoped != nil && instructions != "" {
				c.instructions = instructions
			}
			candidates = append(candidates, c)
			continue
		}

		ready := true
		parts := make([]string, 0, len(children))
		for _, child := range children {
			if child.Vertex.Props["summary_built_at"] == nil {
				ready = false
				break
			}
			parts = append(parts, child.Vertex.StringProp("summary"))
		}
		if !ready {
			continue
		}
		candidates = append(candidates, candidate{
			sectionID: id,
			level:     section.StringProp("level"),
			text:      strings.Join(parts, "\n\n"),
		})
	}
	return candidates, nil
}

// summarizePass fans the pass's summarization calls out concurrently and
// joins before returning. A failed call leaves its section's summary
// fields null so a later run can retry; it never aborts the pass.
func (b *Builder) summarizePass(ctx context.Context, scope datatypes.Scope,
	candidates []candidate) (built []candidate, failures []datatypes.SectionFailure) {

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.FanOut)

	fail := func(c candidate, err error) {
		mu.Lock()
		failures = append(failures, datatypes.SectionFailure{
			SectionID: c.sectionID, Error: err.Error(),
		})
		mu.Unlock()
	}

	for _, c := range candidates {
		c := c
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			summary, err := b.summarizer.Summarize(gctx, c.text, c.level, c.instructions)
			if err != nil {
				slog.Warn("Summarization failed, leaving section stale",
					"municipality", scope.Municipality,
					"section_id", c.sectionID,
					"error", err)
				fail(c, err)
				return nil
			}

			_, err = b.store.UpsertVertex(gctx, scope, datatypes.VertexCodeSection,
				map[string]any{"section_id": c.sectionID},
				map[string]any{
					"summary":          summary,
					"summary_built_at": time.Now().UTC().Format(time.RFC3339Nano),
					"summary_level":    c.level,
				})
			if err != nil {
				fail(c, err)
				return nil
			}
			mu.Lock()
			built = append(built, c)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Slice(built, func(i, j int) bool { return built[i].sectionID < built[j].sectionID })
	return built, failures
}
