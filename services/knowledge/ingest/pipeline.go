// Copyright (C) 2026 Civic Atlas (engineering@civicatlas.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest writes municipal code content into the knowledge graph.
//
// Every write path is idempotent: re-ingesting the same content produces
// the same vertices and edges, with derived reference edges replaced
// wholesale rather than accumulated. Ingestion for one municipality is
// single-writer; different municipalities ingest in parallel.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"

	"github.com/civicatlas/municigraph/services/knowledge/citations"
	"github.com/civicatlas/municigraph/services/knowledge/datatypes"
	"github.com/civicatlas/municigraph/services/knowledge/graph"
)

var tracer = otel.Tracer("municigraph.knowledge.ingest")

// Pipeline coordinates all ingestion operations.
type Pipeline struct {
	store     graph.Store
	extractor *citations.Extractor
	validate  *validator.Validate

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPipeline builds a pipeline over the given store and extractor.
func NewPipeline(store graph.Store, extractor *citations.Extractor) *Pipeline {
	return &Pipeline{
		store:     store,
		extractor: extractor,
		validate:  validator.New(),
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-municipality write lock. Re-ingestion mutates
// ancestor staleness, so concurrent writers within one municipality must
// serialize.
func (p *Pipeline) lockFor(scope datatypes.Scope) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := scope.Municipality + "|" + scope.State
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}

// IngestCodeSection stores one raw code section, wires it into the
// hierarchy, regenerates its derived reference edges, and marks the
// section and its ancestors stale for the summary builder.
func (p *Pipeline) IngestCodeSection(ctx context.Context,
	req datatypes.IngestSectionRequest) (datatypes.IngestSectionResponse, error) {

	ctx, span := tracer.Start(ctx, "Pipeline.IngestCodeSection")
	defer span.End()

	scope := datatypes.Scope{Municipality: req.Municipality, State: req.State}
	lock := p.lockFor(scope)
	lock.Lock()
	defer lock.Unlock()

	cits := p.extractor.Extract(req.RawContent)

	resp := datatypes.IngestSectionResponse{Status: "ok", SectionID: req.SectionID}
	err := p.store.Atomic(ctx, scope, func(tx graph.Store) error {
		munID, err := graph.EnsureMunicipality(ctx, tx, scope)
		if err != nil {
			return err
		}

		sectionID, err := tx.UpsertVertex(ctx, scope, datatypes.VertexCodeSection,
			map[string]any{"section_id": req.SectionID},
			map[string]any{
				"level":              req.Level,
				"title":              req.Title,
				"raw_content":        req.RawContent,
				"content_updated_at": time.Now().UTC().Format(time.RFC3339Nano),
				"summary":            nil,
				"summary_built_at":   nil,
				"summary_level":      nil,
			})
		if err != nil {
			return err
		}
		if _, err := tx.UpsertEdge(ctx, scope, datatypes.EdgeBelongsTo,
			sectionID, munID, nil); err != nil {
			return err
		}

		if req.ParentID != "" {
			if err := p.linkParent(ctx, tx, scope, req.ParentID, req.SectionID, sectionID); err != nil {
				return err
			}
		}

		if err := p.replaceReferences(ctx, tx, scope, sectionID, req.SectionID, cits, &resp); err != nil {
			return err
		}

		ancestors, err := graph.Ancestors(ctx, tx, scope, req.SectionID)
		if err != nil {
			return err
		}
		for _, a := range ancestors {
			if _, err := tx.UpsertVertex(ctx, scope, datatypes.VertexCodeSection,
				map[string]any{"section_id": a.StringProp("section_id")},
				map[string]any{"summary": nil, "summary_built_at": nil, "summary_level": nil},
			); err != nil {
				return err
			}
		}
		resp.AncestorsInvalidated = len(ancestors)
		return nil
	})
	if err != nil {
		return datatypes.IngestSectionResponse{}, err
	}

	slog.Info("Ingested code section",
		"municipality", scope.Municipality,
		"section_id", req.SectionID,
		"cross_references", resp.CrossReferencesFound,
		"external_citations", resp.ExternalCitationsFound,
		"unresolved_refs", resp.UnresolvedRefs,
		"ancestors_invalidated", resp.AncestorsInvalidated)
	return resp, nil
}

// linkParent upserts the HAS_CHILD edge with a sibling order that is
// stable across re-ingestion: an existing child keeps its slot, a new
// child is appended after the current last sibling.
func (p *Pipeline) linkParent(ctx context.Context, tx graph.Store, scope datatypes.Scope,
	parentSectionID, childSectionID, childVertexID string) error {

	parentID, err := tx.UpsertVertex(ctx, scope, datatypes.VertexCodeSection,
		map[string]any{"section_id": parentSectionID}, nil)
	if err != nil {
		return err
	}

	siblings, err := graph.Children(ctx, tx, scope, parentSectionID)
	if err != nil {
		return err
	}
	order := 0
	for _, sib := range siblings {
		if sib.Vertex.StringProp("section_id") == childSectionID {
			order = sib.Order
			break
		}
		if sib.Order >= order {
			order = sib.Order + 1
		}
	}

	_, err = tx.UpsertEdge(ctx, scope, datatypes.EdgeHasChild, parentID, childVertexID,
		map[string]any{"order": order})
	return err
}

// replaceReferences regenerates the section's derived edges: delete then
// insert within the surrounding transaction, never incremental diffing.
func (p *Pipeline) replaceReferences(ctx context.Context, tx graph.Store,
	scope datatypes.Scope, sectionVertexID, sectionID string,
	cits []citations.Citation, resp *datatypes.IngestSectionResponse) error {

	if err := tx.DeleteEdgesFrom(ctx, scope, sectionVertexID,
		datatypes.EdgeReferences, datatypes.EdgeCitesExternal); err != nil {
		return err
	}

	seenInternal := map[string]bool{}
	seenExternal := map[string]bool{}
	for _, cit := range cits {
		for _, target := range cit.Targets {
			if cit.Kind.Internal() {
				if target == sectionID || seenInternal[target] {
					continue
				}
				targetVertex, err := graph.GetSection(ctx, tx, scope, target)
				if err != nil {
					if graph.IsNotFound(err) {
						resp.UnresolvedRefs++
						continue
					}
					return err
				}
				if _, err := tx.UpsertEdge(ctx, scope, datatypes.EdgeReferences,
					sectionVertexID, targetVertex.ID, map[string]any{
						"relationship_type": cit.Relationship,
						"context":           cit.Context,
						"raw_citation":      cit.RawText,
					}); err != nil {
					return err
				}
				seenInternal[target] = true
				resp.CrossReferencesFound++
			} else {
				if seenExternal[target] {
					continue
				}
				lawID, err := tx.UpsertVertex(ctx, scope, datatypes.VertexExternalLaw,
					map[string]any{"law_id": target},
					map[string]any{"law_type": string(cit.Kind)})
				if err != nil {
					return err
				}
				if _, err := tx.UpsertEdge(ctx, scope, datatypes.EdgeCitesExternal,
					sectionVertexID, lawID, map[string]any{
						"raw_citation": cit.RawText,
					}); err != nil {
					return err
				}
				seenExternal[target] = true
				resp.ExternalCitationsFound++
			}
		}
	}
	return nil
}

// IngestPermissions stores use-permission rows for one district. Each row
// is its own atomic unit: a malformed row fails alone and never aborts the
// rest of the batch.
func (p *Pipeline) IngestPermissions(ctx context.Context,
	req datatypes.IngestPermissionsRequest) datatypes.BatchResponse {

	ctx, span := tracer.Start(ctx, "Pipeline.IngestPermissions")
	defer span.End()

	scope := datatypes.Scope{Municipality: req.Municipality, State: req.State}
	lock := p.lockFor(scope)
	lock.Lock()
	defer lock.Unlock()

	outcomes := make([]datatypes.RecordOutcome, 0, len(req.Entries))
	for i, entry := range req.Entries {
		err := p.ingestPermission(ctx, scope, req.District, entry)
		outcomes = append(outcomes, outcome(i, err))
	}
	return batchResponse(outcomes)
}

func (p *Pipeline) ingestPermission(ctx context.Context, scope datatypes.Scope,
	district string, entry datatypes.PermissionEntry) error {

	if err := p.validate.Struct(entry); err != nil {
		return fmt.Errorf("invalid permission entry: %w", err)
	}
	if entry.Permitted && entry.Conditional {
		return fmt.Errorf("land use %q cannot be both permitted and conditional", entry.LandUse)
	}

	return p.store.Atomic(ctx, scope, func(tx graph.Store) error {
		districtID, err := p.ensureDistrict(ctx, tx, scope, district)
		if err != nil {
			return err
		}
		useID, err := tx.UpsertVertex(ctx, scope, datatypes.VertexLandUse,
			map[string]any{"name": entry.LandUse}, nil)
		if err != nil {
			return err
		}

		// A use holds at most one permission kind per district: drop both
		// kinds, then write the one that applies. A row with neither flag
		// records the use without any permission edge.
		if err := tx.DeleteEdgesBetween(ctx, scope, districtID, useID,
			datatypes.EdgePermits, datatypes.EdgeConditionallyPermits); err != nil {
			return err
		}
		if !entry.Permitted && !entry.Conditional {
			return nil
		}

		label := datatypes.EdgePermits
		if entry.Conditional {
			label = datatypes.EdgeConditionallyPermits
		}
		props := map[string]any{}
		if entry.Conditions != "" {
			props["conditions"] = entry.Conditions
		}
		if entry.ReviewSection != "" {
			props["review_section"] = entry.ReviewSection
		}
		_, err = tx.UpsertEdge(ctx, scope, label, districtID, useID, props)
		return err
	})
}

// IngestStandards stores dimensional standards for one district, keyed by
// (district, standard_type): re-ingestion overwrites value and unit.
func (p *Pipeline) IngestStandards(ctx context.Context,
	req datatypes.IngestStandardsRequest) datatypes.BatchResponse {

	ctx, span := tracer.Start(ctx, "Pipeline.IngestStandards")
	defer span.End()

	scope := datatypes.Scope{Municipality: req.Municipality, State: req.State}
	lock := p.lockFor(scope)
	lock.Lock()
	defer lock.Unlock()

	outcomes := make([]datatypes.RecordOutcome, 0, len(req.Entries))
	for i, entry := range req.Entries {
		err := p.ingestStandard(ctx, scope, req.District, entry)
		outcomes = append(outcomes, outcome(i, err))
	}
	return batchResponse(outcomes)
}

func (p *Pipeline) ingestStandard(ctx context.Context, scope datatypes.Scope,
	district string, entry datatypes.StandardEntry) error {

	if err := p.validate.Struct(entry); err != nil {
		return fmt.Errorf("invalid standard entry: %w", err)
	}

	return p.store.Atomic(ctx, scope, func(tx graph.Store) error {
		districtID, err := p.ensureDistrict(ctx, tx, scope, district)
		if err != nil {
			return err
		}
		props := map[string]any{"value": entry.Value}
		if entry.Unit != "" {
			props["unit"] = entry.Unit
		}
		if entry.SectionRef != "" {
			props["section_ref"] = entry.SectionRef
		}
		standardID, err := tx.UpsertVertex(ctx, scope, datatypes.VertexDimensionalStandard,
			map[string]any{"district": district, "standard_type": entry.StandardType},
			props)
		if err != nil {
			return err
		}
		_, err = tx.UpsertEdge(ctx, scope, datatypes.EdgeHasStandard,
			districtID, standardID, nil)
		return err
	})
}

// IngestDefinitions stores zoning term definitions, keyed case-insensitively
// by term.
func (p *Pipeline) IngestDefinitions(ctx context.Context,
	req datatypes.IngestDefinitionsRequest) datatypes.BatchResponse {

	ctx, span := tracer.Start(ctx, "Pipeline.IngestDefinitions")
	defer span.End()

	scope := datatypes.Scope{Municipality: req.Municipality, State: req.State}
	lock := p.lockFor(scope)
	lock.Lock()
	defer lock.Unlock()

	outcomes := make([]datatypes.RecordOutcome, 0, len(req.Entries))
	for i, entry := range req.Entries {
		err := p.ingestDefinition(ctx, scope, entry)
		outcomes = append(outcomes, outcome(i, err))
	}
	return batchResponse(outcomes)
}

func (p *Pipeline) ingestDefinition(ctx context.Context, scope datatypes.Scope,
	entry datatypes.DefinitionEntry) error {

	if err := p.validate.Struct(entry); err != nil {
		return fmt.Errorf("invalid definition entry: %w", err)
	}

	return p.store.Atomic(ctx, scope, func(tx graph.Store) error {
		defID, err := tx.UpsertVertex(ctx, scope, datatypes.VertexDefinition,
			map[string]any{"term_lc": strings.ToLower(entry.Term)},
			map[string]any{
				"term":            entry.Term,
				"definition_text": entry.DefinitionText,
			})
		if err != nil {
			return err
		}
		if entry.SectionRef == "" {
			return nil
		}
		section, err := graph.GetSection(ctx, tx, scope, entry.SectionRef)
		if err != nil {
			if graph.IsNotFound(err) {
				slog.Warn("Definition references unknown section, storing without edge",
					"term", entry.Term, "section_ref", entry.SectionRef)
				return nil
			}
			return err
		}
		_, err = tx.UpsertEdge(ctx, scope, datatypes.EdgeDefinedIn, defID, section.ID, nil)
		return err
	})
}

func (p *Pipeline) ensureDistrict(ctx context.Context, tx graph.Store,
	scope datatypes.Scope, district string) (string, error) {

	munID, err := graph.EnsureMunicipality(ctx, tx, scope)
	if err != nil {
		return "", err
	}
	districtID, err := tx.UpsertVertex(ctx, scope, datatypes.VertexZoningDistrict,
		map[string]any{"code": district}, nil)
	if err != nil {
		return "", err
	}
	if _, err := tx.UpsertEdge(ctx, scope, datatypes.EdgeInDistrict,
		munID, districtID, nil); err != nil {
		return "", err
	}
	return districtID, nil
}

func outcome(index int, err error) datatypes.RecordOutcome {
	o := datatypes.RecordOutcome{Index: index, OK: err == nil}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

func batchResponse(outcomes []datatypes.RecordOutcome) datatypes.BatchResponse {
	ok := 0
	for _, o := range outcomes {
		if o.OK {
			ok++
		}
	}
	status := "ok"
	if ok < len(outcomes) {
		status = "partial"
	}
	return datatypes.BatchResponse{Status: status, Count: ok, Outcomes: outcomes}
}
